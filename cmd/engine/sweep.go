package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/n8n-work/engine-go/internal/config"
)

// newSweepCommand is a one-shot nudge for sleeping/waiting_for_signal
// executions whose wake time or signal has already arrived, without
// waiting for a running serve/worker process's own sweep. Useful after
// a scheduler outage, or in a cron alongside a queue-only deployment
// that has no polling loop to do this on its own.
func newSweepCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Wake due sleeping/waiting_for_signal executions and requeue them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of suspended executions to inspect")
	return cmd
}

func runSweep(limit int) error {
	logger := mustLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	c, err := buildComponents(cfg, logger)
	if err != nil {
		return fmt.Errorf("build components: %w", err)
	}
	defer c.store.Close()

	sched, err := buildScheduler(c, "", logger)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	ctx := context.Background()
	suspended, err := c.store.ListSuspended(ctx, limit)
	if err != nil {
		return fmt.Errorf("list suspended executions: %w", err)
	}

	woken := 0
	for _, exec := range suspended {
		due, err := c.store.WakeIfDue(ctx, exec.ID)
		if err != nil {
			logger.Warn("wake failed", zap.String("execution_id", exec.ID), zap.Error(err))
			continue
		}
		if !due {
			continue
		}
		if err := sched.Schedule(ctx, exec.ID, 0); err != nil {
			logger.Warn("schedule after wake failed", zap.String("execution_id", exec.ID), zap.Error(err))
			continue
		}
		woken++
	}

	logger.Info("sweep complete", zap.Int("inspected", len(suspended)), zap.Int("woken", woken))
	return nil
}
