package steprunner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/n8n-work/engine-go/internal/sandbox"
)

// CodeRunner evaluates a step's inline transformation in an isolated VM.
// Sandbox failures (transpile, runtime exception, deadline, resource
// exhaustion) are non-retryable by default.
type CodeRunner struct {
	evaluator *sandbox.Evaluator
	logger    *zap.Logger
}

// NewCodeRunner builds a CodeRunner bound to one sandbox configuration.
func NewCodeRunner(cfg sandbox.Config, logger *zap.Logger) *CodeRunner {
	return &CodeRunner{evaluator: sandbox.New(cfg), logger: logger.With(zap.String("component", "code_runner"))}
}

func (r *CodeRunner) Run(ctx context.Context, req *Request) (*Outcome, error) {
	action := req.Step.Code
	if action == nil {
		return &Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("steprunner: code step %q missing source", req.StepName), Retryable: false}, nil
	}

	result, err := r.evaluator.Run(ctx, action.Source, req.Input)
	if err != nil {
		return &Outcome{Kind: OutcomeFailed, Err: err, Retryable: false}, nil
	}
	if len(result.Logs) > 0 {
		r.logger.Debug("code step logs", zap.String("step", req.StepName), zap.Strings("logs", result.Logs))
	}
	return &Outcome{Kind: OutcomeCompleted, Output: result.Output}, nil
}
