package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/n8n-work/engine-go/internal/config"
	"github.com/n8n-work/engine-go/internal/scheduler"
)

// newWorkerCommand runs a dedicated queue-consumer process: the same
// Store/Executor wiring as serve, but the Scheduler is always
// QueueScheduler regardless of scheduler.kind, for a deployment that
// splits the adaptive-polling coordinator from a horizontally-scaled
// pool of queue consumers.
func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a dedicated queue-consumer worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker()
		},
	}
}

func runWorker() error {
	logger := mustLogger()
	defer logger.Sync()

	logger.Info("starting n8n-work engine worker", zap.String("service", serviceName), zap.String("version", serviceVersion))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	c, err := buildComponents(cfg, logger)
	if err != nil {
		return fmt.Errorf("build components: %w", err)
	}
	defer c.store.Close()

	sched, err := buildScheduler(c, "queue", logger)
	if err != nil {
		return fmt.Errorf("build queue scheduler: %w", err)
	}
	qs, ok := sched.(*scheduler.QueueScheduler)
	if !ok {
		return fmt.Errorf("worker: expected a queue scheduler, got %T", sched)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- qs.Run(ctx)
	}()

	httpServer := buildHTTPServer(cfg.HTTP.Address)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received, stopping")
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			logger.Error("queue scheduler stopped", zap.Error(err))
		}
	}

	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", zap.Error(err))
	}
	if err := qs.Close(); err != nil {
		logger.Warn("scheduler close error", zap.Error(err))
	}
	return nil
}
