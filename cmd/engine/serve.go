package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/n8n-work/engine-go/internal/config"
	"github.com/n8n-work/engine-go/internal/observability"
	"github.com/n8n-work/engine-go/internal/scheduler"
)

// runScheduler starts sched's blocking loop and blocks until ctx is
// cancelled. PollingScheduler.Run has no error return and is stopped via
// Stop(); QueueScheduler.Run returns an error and is stopped by ctx
// cancellation alone — the Scheduler interface itself stays narrow
// (schedule + cancel), so the two run loops are driven here by concrete
// type instead of a shared "runnable" interface.
func runScheduler(ctx context.Context, sched scheduler.Scheduler, logger *zap.Logger) {
	switch s := sched.(type) {
	case *scheduler.PollingScheduler:
		s.Run(ctx)
	case *scheduler.QueueScheduler:
		if err := s.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("scheduler stopped", zap.Error(err))
		}
	default:
		logger.Warn("configured scheduler has no known run loop; only direct invocations will process work")
		<-ctx.Done()
	}
}

func closeScheduler(sched scheduler.Scheduler, logger *zap.Logger) {
	switch s := sched.(type) {
	case *scheduler.PollingScheduler:
		s.Stop()
	case *scheduler.QueueScheduler:
		if err := s.Close(); err != nil {
			logger.Warn("scheduler close error", zap.Error(err))
		}
	}
}

// newServeCommand starts the long-running engine process: whichever
// Scheduler the config names (defaulting to polling), plus the
// /metrics and /health HTTP endpoints.
func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with its configured scheduler and HTTP endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	logger := mustLogger()
	defer logger.Sync()

	logger.Info("starting n8n-work engine", zap.String("service", serviceName), zap.String("version", serviceVersion))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	shutdownTracing, err := observability.InitTracing(serviceName, serviceVersion, cfg.Observability.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	c, err := buildComponents(cfg, logger)
	if err != nil {
		return fmt.Errorf("build components: %w", err)
	}
	defer c.store.Close()

	sched, err := buildScheduler(c, "", logger)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		runScheduler(ctx, sched, logger)
	}()

	httpServer := buildHTTPServer(cfg.HTTP.Address)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received, stopping")

	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", zap.Error(err))
	}
	closeScheduler(sched, logger)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(30 * time.Second):
		logger.Warn("shutdown timeout exceeded, forcing exit")
	}
	return nil
}

func buildHTTPServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","service":"%s","version":"%s","timestamp":"%s"}`,
			serviceName, serviceVersion, time.Now().UTC().Format(time.RFC3339))
	})
	return &http.Server{Addr: addr, Handler: mux}
}
