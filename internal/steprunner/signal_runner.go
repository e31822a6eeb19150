package steprunner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/n8n-work/engine-go/internal/store"
)

// SignalRunner implements the wait_for_signal step kind: suspend until a
// named signal lands or an optional timeout elapses.
type SignalRunner struct {
	store  store.Store
	logger *zap.Logger
}

// NewSignalRunner builds a SignalRunner.
func NewSignalRunner(st store.Store, logger *zap.Logger) *SignalRunner {
	return &SignalRunner{store: st, logger: logger.With(zap.String("component", "signal_runner"))}
}

func (r *SignalRunner) Run(ctx context.Context, req *Request) (*Outcome, error) {
	action := req.Step.WaitForSignal
	if action == nil {
		return &Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("steprunner: wait_for_signal step %q missing config", req.StepName), Retryable: false}, nil
	}

	startedAt := time.Now()
	if req.PriorResult != nil && req.PriorResult.StartedAt != nil {
		startedAt = *req.PriorResult.StartedAt
	}

	pending, err := r.store.GetPendingSignals(ctx, req.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("steprunner: get pending signals: %w", err)
	}
	for _, ev := range pending {
		if ev.Name != action.SignalName {
			continue
		}
		consumed, err := r.store.ConsumeSignal(ctx, ev.ID)
		if err != nil {
			return nil, fmt.Errorf("steprunner: consume signal: %w", err)
		}
		if !consumed {
			// another step boundary already claimed this row; keep
			// scanning in case a later one is still free.
			continue
		}
		now := time.Now()
		return &Outcome{Kind: OutcomeCompleted, Output: map[string]interface{}{
			"signalName":      ev.Name,
			"payload":         ev.Payload,
			"receivedAt":      now.Format(time.RFC3339Nano),
			"waitDurationMs":  now.Sub(startedAt).Milliseconds(),
		}}, nil
	}

	var timeoutAt *time.Time
	if action.TimeoutMs > 0 {
		t := startedAt.Add(time.Duration(action.TimeoutMs) * time.Millisecond)
		timeoutAt = &t
		if !time.Now().Before(t) {
			return &Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("steprunner: wait_for_signal %q timed out waiting for %q", req.StepName, action.SignalName), Retryable: false}, nil
		}
	}

	return &Outcome{Kind: OutcomeWaitingForSignal, SignalName: action.SignalName, TimeoutAt: timeoutAt}, nil
}
