package steprunner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/n8n-work/engine-go/internal/store"
)

// SleepRunner implements the sleep step kind: an inline wait for short
// durations, or a durable timer for anything past the inline budget.
// Mirrors a wait-style long-running task handler's "suspend, resume on
// wake condition" shape, generalized here into the engine's own
// durable-timer primitive instead of a Redis-polled task record.
type SleepRunner struct {
	store        store.Store
	inlineBudget time.Duration
	logger       *zap.Logger
}

// NewSleepRunner builds a SleepRunner; inlineBudget is the "wait inline
// instead of suspending" threshold (default 25s).
func NewSleepRunner(st store.Store, inlineBudget time.Duration, logger *zap.Logger) *SleepRunner {
	return &SleepRunner{store: st, inlineBudget: inlineBudget, logger: logger.With(zap.String("component", "sleep_runner"))}
}

func (r *SleepRunner) Run(ctx context.Context, req *Request) (*Outcome, error) {
	action := req.Step.Sleep
	if action == nil {
		return &Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("steprunner: sleep step %q missing config", req.StepName), Retryable: false}, nil
	}

	startedAt := time.Now()
	if req.PriorResult != nil && req.PriorResult.StartedAt != nil {
		startedAt = *req.PriorResult.StartedAt
	}

	var wakeAt time.Time
	switch {
	case action.SleepUntil != nil:
		wakeAt = *action.SleepUntil
	case action.SleepMs > 0:
		wakeAt = startedAt.Add(time.Duration(action.SleepMs) * time.Millisecond)
	default:
		return &Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("steprunner: sleep step %q has neither sleepMs nor sleepUntil", req.StepName), Retryable: false}, nil
	}

	remaining := time.Until(wakeAt)
	if remaining <= r.inlineBudget {
		if remaining > 0 {
			select {
			case <-time.After(remaining):
			case <-ctx.Done():
				return &Outcome{Kind: OutcomeFailed, Err: ctx.Err(), Retryable: true}, nil
			}
		}
		return &Outcome{Kind: OutcomeCompleted, Output: sleepOutput(wakeAt, startedAt)}, nil
	}

	if r.store != nil {
		fired, err := r.store.CheckTimer(ctx, req.ExecutionID, req.StepName)
		if err != nil {
			return nil, fmt.Errorf("steprunner: check sleep timer: %w", err)
		}
		if fired != nil {
			if _, err := r.store.ConsumeTimer(ctx, fired.ID); err != nil {
				return nil, fmt.Errorf("steprunner: consume sleep timer: %w", err)
			}
			return &Outcome{Kind: OutcomeCompleted, Output: sleepOutput(wakeAt, startedAt)}, nil
		}
		if err := r.store.ScheduleTimer(ctx, req.ExecutionID, req.StepName, wakeAt); err != nil {
			return nil, fmt.Errorf("steprunner: schedule sleep timer: %w", err)
		}
	}

	wake := wakeAt
	return &Outcome{Kind: OutcomeDurableSleep, WakeAt: &wake}, nil
}

func sleepOutput(wakeAt, startedAt time.Time) map[string]interface{} {
	return map[string]interface{}{
		"sleepDurationMs": wakeAt.Sub(startedAt).Milliseconds(),
	}
}
