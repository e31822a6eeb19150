package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/n8n-work/engine-go/internal/config"
	"github.com/n8n-work/engine-go/internal/engine"
	"github.com/n8n-work/engine-go/internal/events"
	"github.com/n8n-work/engine-go/internal/models"
	"github.com/n8n-work/engine-go/internal/observability"
	"github.com/n8n-work/engine-go/internal/resilience"
	"github.com/n8n-work/engine-go/internal/sandbox"
	"github.com/n8n-work/engine-go/internal/scheduler"
	"github.com/n8n-work/engine-go/internal/steprunner"
	"github.com/n8n-work/engine-go/internal/store"
)

// components bundles everything every subcommand needs, built once from
// Config so serve/worker/sweep can't drift apart on wiring.
type components struct {
	store     store.Store
	workflows store.WorkflowRepository
	executor  *engine.Executor
	metrics   *observability.Metrics
	events    *events.Bus
	cfg       *config.Config
}

// buildComponents wires Store (Postgres or the minimal Redis dialect,
// per database.driver), the in-memory workflow catalog, the four
// StepRunners behind one Dispatcher, and the Executor, attaching
// Metrics/events.Bus to both. This is the same collaborator set the
// teacher's main() built by hand for exec.NewService/invoker.NewService,
// here assembled once for whichever subcommand needs it.
func buildComponents(cfg *config.Config, logger *zap.Logger) (*components, error) {
	st, err := buildStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	workflows := store.NewInMemoryWorkflowRepository()
	if cfg.App.WorkflowsDir != "" {
		if err := loadWorkflows(context.Background(), workflows, cfg.App.WorkflowsDir); err != nil {
			return nil, fmt.Errorf("load workflows from %q: %w", cfg.App.WorkflowsDir, err)
		}
	}

	breakers := resilience.NewCircuitBreakerManager(logger)
	toolRunner := steprunner.NewToolRunner(cfg.StepRunner.GatewayURL, cfg.StepRunner.AuthToken, st, breakers, logger)
	codeRunner := steprunner.NewCodeRunner(sandbox.Config{
		MemoryBytes: cfg.Sandbox.MemoryBytes,
		StackDepth:  int(cfg.Sandbox.StackBytes / 512),
		Deadline:    time.Duration(cfg.Sandbox.DeadlineMs) * time.Millisecond,
	}, logger)
	sleepRunner := steprunner.NewSleepRunner(st, time.Duration(cfg.StepRunner.InlineSleepBudgetMs)*time.Millisecond, logger)
	signalRunner := steprunner.NewSignalRunner(st, logger)
	dispatcher := steprunner.NewDispatcher(toolRunner, codeRunner, sleepRunner, signalRunner)

	metrics := observability.NewMetrics()
	bus := events.NewBus(logger)

	executor := engine.NewExecutor(st, workflows, dispatcher, logger).WithMetrics(metrics).WithEvents(bus)

	return &components{
		store:     st,
		workflows: workflows,
		executor:  executor,
		metrics:   metrics,
		events:    bus,
		cfg:       cfg,
	}, nil
}

func buildStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch strings.ToLower(cfg.Database.Driver) {
	case "redis":
		return store.NewRedisStore(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB, logger)
	case "postgres", "":
		return store.NewSQLStore(cfg.Database.URL, logger)
	default:
		return nil, fmt.Errorf("unrecognized database.driver %q", cfg.Database.Driver)
	}
}

// buildScheduler constructs the configured Scheduler variant. kindOverride,
// when non-empty, wins over cfg.Scheduler.Kind — the worker subcommand
// always forces "queue" regardless of what serve is configured for.
func buildScheduler(c *components, kindOverride string, logger *zap.Logger) (scheduler.Scheduler, error) {
	kind := c.cfg.Scheduler.Kind
	if kindOverride != "" {
		kind = kindOverride
	}
	switch strings.ToLower(kind) {
	case "queue":
		qs, err := scheduler.NewQueueScheduler(c.cfg.MessageQueue.URL, c.cfg.MessageQueue.Queue, c.store, c.executor, c.cfg.Store, logger)
		if err != nil {
			return nil, fmt.Errorf("build queue scheduler: %w", err)
		}
		return qs.WithMetrics(c.metrics), nil
	case "polling", "":
		ps := scheduler.NewPollingScheduler(c.store, c.executor, c.cfg.Scheduler, c.cfg.Store, logger)
		return ps.WithMetrics(c.metrics), nil
	default:
		return nil, fmt.Errorf("unrecognized scheduler.kind %q", kind)
	}
}

// loadWorkflows reads every *.json file in dir as a models.Workflow and
// registers it in repo. The operator surface only has execution-lifecycle
// verbs, nothing for authoring workflow definitions, so this directory
// load is the bootstrap path for a single node's catalog.
func loadWorkflows(ctx context.Context, repo store.WorkflowRepository, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read %q: %w", entry.Name(), err)
		}
		var wf models.Workflow
		if err := json.Unmarshal(raw, &wf); err != nil {
			return fmt.Errorf("decode %q: %w", entry.Name(), err)
		}
		if err := repo.PutWorkflow(ctx, &wf); err != nil {
			return fmt.Errorf("register workflow %q: %w", entry.Name(), err)
		}
	}
	return nil
}
