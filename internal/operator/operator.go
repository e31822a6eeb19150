// Package operator exposes the engine's external operations —
// create-and-queue, direct execute, cancel, resume, and signal — as one
// Go facade over Store/Executor/Scheduler, the way a CLI or an
// in-process caller invokes the engine without reaching into its
// internals.
package operator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/n8n-work/engine-go/internal/engine"
	"github.com/n8n-work/engine-go/internal/models"
	"github.com/n8n-work/engine-go/internal/scheduler"
	"github.com/n8n-work/engine-go/internal/store"
)

// Facade wires the operator surface to a Store, an Executor, and a
// Scheduler.
type Facade struct {
	store     store.Store
	executor  *engine.Executor
	scheduler scheduler.Scheduler
	leaseMs   int64
	logger    *zap.Logger
}

// New builds a Facade.
func New(st store.Store, executor *engine.Executor, sched scheduler.Scheduler, leaseMs int64, logger *zap.Logger) *Facade {
	return &Facade{
		store:     st,
		executor:  executor,
		scheduler: sched,
		leaseMs:   leaseMs,
		logger:    logger.With(zap.String("component", "operator")),
	}
}

// CreateAndQueueExecution creates a new, pending Execution and makes it
// eligible for processing through the configured Scheduler.
func (f *Facade) CreateAndQueueExecution(ctx context.Context, workflowID string, input map[string]interface{}, maxRetries int) (string, error) {
	exec, err := f.store.CreateExecution(ctx, workflowID, input, maxRetries)
	if err != nil {
		return "", fmt.Errorf("operator: create execution: %w", err)
	}
	if err := f.scheduler.Schedule(ctx, exec.ID, 0); err != nil {
		return "", fmt.Errorf("operator: schedule execution %q: %w", exec.ID, err)
	}
	return exec.ID, nil
}

// ExecuteWorkflow runs one Execute pass synchronously: it acquires the
// lease itself, applies the same failure-propagation policy the
// schedulers use (fail_execution on a non-retryable/retryable Result),
// and returns the Result directly rather than handing it off to a
// queue or the next poll tick. A terminal Execution is reported without
// leasing at all; contention (another worker already holds the lease)
// is reported as a retryable failure rather than silently absorbed,
// since there is no "try again next tick" here.
func (f *Facade) ExecuteWorkflow(ctx context.Context, executionID string) (*engine.Result, error) {
	exec, err := f.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("operator: load execution %q: %w", executionID, err)
	}
	if r := engine.TerminalResult(exec); r != nil {
		return r, nil
	}

	lease, err := f.store.AcquireLease(ctx, executionID, f.leaseMs)
	if err != nil {
		return nil, fmt.Errorf("operator: acquire lease for %q: %w", executionID, err)
	}
	if lease == nil {
		return &engine.Result{Kind: engine.ResultFailed, Err: fmt.Errorf("operator: execution %q is already leased", executionID), Retryable: true}, nil
	}

	res, err := f.executor.Execute(ctx, executionID, lease.LockID)
	if err != nil {
		if _, ferr := f.store.FailExecution(ctx, executionID, lease.LockID, err.Error(), true, 0); ferr != nil {
			f.logger.Error("fail_execution after executor error also failed", zap.String("execution_id", executionID), zap.Error(ferr))
		}
		return nil, fmt.Errorf("operator: execute %q: %w", executionID, err)
	}
	if res.Kind == engine.ResultFailed {
		errMsg := ""
		if res.Err != nil {
			errMsg = res.Err.Error()
		}
		if _, ferr := f.store.FailExecution(ctx, executionID, lease.LockID, errMsg, res.Retryable, res.RetryBaseMs); ferr != nil {
			f.logger.Error("fail_execution failed", zap.String("execution_id", executionID), zap.Error(ferr))
		}
	}
	return res, nil
}

// CancelExecution requests cancellation, best-effort withdrawing any
// outstanding Scheduler entry too (ErrCancelUnsupported from a
// queue-backed Scheduler is expected and not an error here — see
// scheduler.Scheduler.Cancel).
func (f *Facade) CancelExecution(ctx context.Context, executionID string) (store.CancelOutcome, error) {
	outcome, err := f.store.CancelExecution(ctx, executionID)
	if err != nil {
		return "", fmt.Errorf("operator: cancel execution %q: %w", executionID, err)
	}
	if outcome == store.CancelOK {
		if serr := f.scheduler.Cancel(ctx, executionID); serr != nil && serr != scheduler.ErrCancelUnsupported {
			f.logger.Warn("scheduler cancel failed", zap.String("execution_id", executionID), zap.Error(serr))
		}
	}
	return outcome, nil
}

// ResumeExecution moves a cancelled/exhausted Execution back to pending
// and, if requeue is set, re-schedules it immediately rather than
// waiting for the next poll tick.
func (f *Facade) ResumeExecution(ctx context.Context, executionID string, resetRetries, requeue bool) (store.ResumeOutcome, error) {
	outcome, err := f.store.ResumeExecution(ctx, executionID, resetRetries, requeue)
	if err != nil {
		return "", fmt.Errorf("operator: resume execution %q: %w", executionID, err)
	}
	if outcome == store.ResumeOK && requeue {
		if serr := f.scheduler.Schedule(ctx, executionID, 0); serr != nil {
			return "", fmt.Errorf("operator: schedule resumed execution %q: %w", executionID, serr)
		}
	}
	return outcome, nil
}

// SendSignal appends a signal event for a waiting_for_signal execution
// and wakes it immediately if it is already due, rather than waiting
// for the poller's next sweep.
func (f *Facade) SendSignal(ctx context.Context, executionID, signalName string, payload map[string]interface{}) (string, error) {
	event := &models.WorkflowEvent{
		ExecutionID: executionID,
		Type:        models.EventSignal,
		Name:        signalName,
		Payload:     payload,
	}
	if err := f.store.AppendEvent(ctx, event); err != nil {
		return "", fmt.Errorf("operator: append signal %q for %q: %w", signalName, executionID, err)
	}
	if woke, err := f.store.WakeIfDue(ctx, executionID); err != nil {
		f.logger.Warn("wake after signal failed", zap.String("execution_id", executionID), zap.Error(err))
	} else if woke {
		if serr := f.scheduler.Schedule(ctx, executionID, 0); serr != nil {
			f.logger.Warn("schedule after signal wake failed", zap.String("execution_id", executionID), zap.Error(serr))
		}
	}
	return event.ID, nil
}
