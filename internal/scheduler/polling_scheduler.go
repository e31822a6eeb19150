package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/n8n-work/engine-go/internal/config"
	"github.com/n8n-work/engine-go/internal/engine"
	"github.com/n8n-work/engine-go/internal/observability"
	"github.com/n8n-work/engine-go/internal/store"
)

// PollingScheduler is the long-running-process variant: a background
// loop calls tick() on an adaptive interval instead of reacting to a
// delay-queue message. Built around Store.find_pending and adaptive
// interval math rather than an in-memory priority queue — this
// scheduler has no queue of its own, only the Store's
// created_at ordering.
type PollingScheduler struct {
	store    store.Store
	executor *engine.Executor
	cfg      config.SchedulerConfig
	storeCfg config.StoreConfig
	logger   *zap.Logger
	metrics  *observability.Metrics

	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewPollingScheduler builds a PollingScheduler from its configuration.
func NewPollingScheduler(st store.Store, executor *engine.Executor, cfg config.SchedulerConfig, storeCfg config.StoreConfig, logger *zap.Logger) *PollingScheduler {
	return &PollingScheduler{
		store:    st,
		executor: executor,
		cfg:      cfg,
		storeCfg: storeCfg,
		logger:   logger.With(zap.String("component", "polling_scheduler")),
		interval: time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// WithMetrics attaches a Metrics sink; nil (the default) disables
// recording.
func (p *PollingScheduler) WithMetrics(m *observability.Metrics) *PollingScheduler {
	p.metrics = m
	return p
}

// Schedule is a no-op for the polling variant: eligibility is entirely a
// function of Store state (status=pending, retry_count<max_retries,
// lease free), which CreateExecution/FailExecution/ResumeExecution
// already establish. There is no separate queue entry to create.
func (p *PollingScheduler) Schedule(ctx context.Context, executionID string, delay time.Duration) error {
	return nil
}

// Cancel delegates straight to Store.cancel_execution; the poller will
// simply stop selecting the row once its status is no longer
// pending/running/sleeping/waiting_for_signal.
func (p *PollingScheduler) Cancel(ctx context.Context, executionID string) error {
	_, err := p.store.CancelExecution(ctx, executionID)
	return err
}

// Run blocks, ticking on the adaptive interval until ctx is cancelled or
// Stop is called.
func (p *PollingScheduler) Run(ctx context.Context) {
	defer close(p.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-time.After(p.interval):
		}

		tickStart := time.Now()
		foundWork, err := p.tick(ctx)
		switch {
		case err != nil:
			p.logger.Error("tick failed, backing off", zap.Error(err))
			if p.metrics != nil {
				p.metrics.RecordError("polling_scheduler", "tick_failed")
				p.metrics.RecordSchedulerTick("error", time.Since(tickStart).Seconds())
			}
			p.interval = clampInterval(p.interval*2, p.cfg)
		case foundWork:
			if p.metrics != nil {
				p.metrics.RecordSchedulerTick("found_work", time.Since(tickStart).Seconds())
			}
			p.interval = clampInterval(time.Duration(float64(p.interval)*p.cfg.SpeedupMultiplier), p.cfg)
		default:
			if p.metrics != nil {
				p.metrics.RecordSchedulerTick("idle", time.Since(tickStart).Seconds())
			}
			p.interval = clampInterval(time.Duration(float64(p.interval)*p.cfg.BackoffMultiplier), p.cfg)
		}
	}
}

// Stop requests the polling loop to exit and waits for it to drain its
// in-flight batch.
func (p *PollingScheduler) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func clampInterval(d time.Duration, cfg config.SchedulerConfig) time.Duration {
	min := time.Duration(cfg.MinPollIntervalMs) * time.Millisecond
	max := time.Duration(cfg.MaxPollIntervalMs) * time.Millisecond
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// tick sweeps due sleeping/waiting_for_signal executions back to
// pending, then selects and runs up to batch_size pending rows
// concurrently. It reports whether any work was found so the caller can
// speed up or back off the next interval.
func (p *PollingScheduler) tick(ctx context.Context) (bool, error) {
	p.sweepSuspended(ctx)

	rows, err := p.store.FindPending(ctx, p.cfg.BatchSize, p.storeCfg.LeaseMs, nil)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}

	var wg sync.WaitGroup
	for _, row := range rows {
		row := row
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runOne(ctx, row.ID, row.LockID)
		}()
	}
	wg.Wait()
	return true, nil
}

// sweepSuspended wakes any sleeping execution whose timer has fired and
// any waiting_for_signal execution with a pending signal or an elapsed
// timeout, making them selectable by the next FindPending call in this
// same tick.
func (p *PollingScheduler) sweepSuspended(ctx context.Context) {
	suspended, err := p.store.ListSuspended(ctx, p.cfg.BatchSize)
	if err != nil {
		p.logger.Warn("list suspended failed", zap.Error(err))
		return
	}
	for _, exec := range suspended {
		if _, err := p.store.WakeIfDue(ctx, exec.ID); err != nil {
			p.logger.Warn("wake if due failed", zap.String("execution_id", exec.ID), zap.Error(err))
		}
	}
}

// runOne runs one already-leased execution and applies the failure
// propagation policy: every failed Result is reported to fail_execution,
// which requeues a retryable one with backoff and marks a non-retryable
// one failed; an unexpected Execute error is reported as retryable.
// Everything else (completed, suspended, cancelled) was already persisted
// by the Executor itself.
func (p *PollingScheduler) runOne(ctx context.Context, executionID, lockID string) {
	res, err := p.executor.Execute(ctx, executionID, lockID)
	if err != nil {
		p.logger.Error("executor returned an unexpected error, treating as retryable",
			zap.String("execution_id", executionID), zap.Error(err))
		if p.metrics != nil {
			p.metrics.RecordError("executor", "unexpected_error")
		}
		if _, ferr := p.store.FailExecution(ctx, executionID, lockID, err.Error(), true, p.storeCfg.RetryBaseMs); ferr != nil {
			p.logger.Error("fail_execution after executor error also failed",
				zap.String("execution_id", executionID), zap.Error(ferr))
		}
		return
	}

	if res.Kind != engine.ResultFailed {
		return
	}
	retryBaseMs := p.storeCfg.RetryBaseMs
	if res.RetryBaseMs > 0 {
		retryBaseMs = res.RetryBaseMs
	}
	errMsg := ""
	if res.Err != nil {
		errMsg = res.Err.Error()
	}
	outcome, ferr := p.store.FailExecution(ctx, executionID, lockID, errMsg, res.Retryable, retryBaseMs)
	if ferr != nil {
		p.logger.Error("fail_execution failed", zap.String("execution_id", executionID), zap.Error(ferr))
		return
	}
	p.logger.Info("execution failed",
		zap.String("execution_id", executionID),
		zap.Bool("will_retry", outcome.WillRetry),
		zap.String("error", errMsg))
	if !outcome.WillRetry && p.metrics != nil {
		if exec, gerr := p.store.GetExecution(ctx, executionID); gerr == nil {
			p.metrics.RecordWorkflowExecution(exec.WorkflowID, "failed")
		}
	}
}
