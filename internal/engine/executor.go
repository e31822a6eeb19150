// Package engine implements the Executor: the state machine that walks
// one Execution's steps to completion, suspension, or failure under a
// held lease. It is invoked by a Scheduler once a lease has been
// acquired; it never acquires or releases a lease itself except through
// the Store calls that accompany a terminal or suspending transition.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/n8n-work/engine-go/internal/events"
	"github.com/n8n-work/engine-go/internal/models"
	"github.com/n8n-work/engine-go/internal/observability"
	"github.com/n8n-work/engine-go/internal/refresolver"
	"github.com/n8n-work/engine-go/internal/steprunner"
	"github.com/n8n-work/engine-go/internal/store"
)

// Executor owns one Execution for the lifetime of its caller's lease.
type Executor struct {
	store      store.Store
	workflows  store.WorkflowRepository
	dispatcher *steprunner.Dispatcher
	logger     *zap.Logger
	metrics    *observability.Metrics
	events     *events.Bus
}

// NewExecutor wires a Store, a workflow catalog, and a StepRunner
// dispatcher into an Executor.
func NewExecutor(st store.Store, workflows store.WorkflowRepository, dispatcher *steprunner.Dispatcher, logger *zap.Logger) *Executor {
	return &Executor{
		store:      st,
		workflows:  workflows,
		dispatcher: dispatcher,
		logger:     logger.With(zap.String("component", "executor")),
	}
}

// WithMetrics attaches a Metrics sink; nil (the default) disables
// recording entirely, so tests and callers that don't care about
// observability never need to construct one.
func (e *Executor) WithMetrics(m *observability.Metrics) *Executor {
	e.metrics = m
	return e
}

// WithEvents attaches an events.Bus for step/status notifications; nil
// (the default) disables publishing.
func (e *Executor) WithEvents(b *events.Bus) *Executor {
	e.events = b
	return e
}

func (e *Executor) publish(ev *events.Event) {
	if e.events != nil {
		e.events.Publish(ev)
	}
}

// Execute walks executionID's workflow to completion, suspension, or
// failure. The caller must already hold the lease identified by lockID;
// Execute releases it implicitly through whichever terminal/suspending
// Store call it makes on the way out.
func (e *Executor) Execute(ctx context.Context, executionID, lockID string) (*Result, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("engine: load execution %q: %w", executionID, err)
	}
	if r := terminalResult(exec); r != nil {
		return r, nil
	}

	wf, err := e.workflows.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("engine: load workflow %q: %w", exec.WorkflowID, err)
	}

	prior, err := e.store.GetStepResults(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("engine: load step results for %q: %w", executionID, err)
	}

	pad := refresolver.Scratchpad{"input": map[string]interface{}(exec.Input)}
	for name, pr := range prior {
		if !pr.Done() || len(pr.Output) == 0 {
			continue
		}
		var v interface{}
		if err := json.Unmarshal(pr.Output, &v); err != nil {
			return nil, fmt.Errorf("engine: decode replayed output for step %q: %w", name, err)
		}
		pad[name] = v
	}

	units := groupSteps(wf.Steps)
	var lastStepName string

	for _, unit := range units {
		if cur, cerr := e.store.GetExecution(ctx, executionID); cerr == nil && cur.Status == models.ExecutionCancelled {
			e.logger.Info("observed cancellation at step boundary", zap.String("execution_id", executionID))
			if e.metrics != nil {
				e.metrics.RecordWorkflowExecution(exec.WorkflowID, string(models.ExecutionCancelled))
			}
			e.publish(&events.Event{ExecutionID: executionID, Kind: events.KindExecutionStatus, Status: string(models.ExecutionCancelled)})
			return &Result{Kind: ResultCancelled}, nil
		}

		switch unit.kind {
		case unitSingle:
			step := unit.steps[0]
			value, suspend, rerr := e.runStep(ctx, executionID, exec.WorkflowID, pad, &step, prior)
			if rerr != nil {
				return nil, rerr
			}
			if suspend != nil {
				return e.suspendOrFail(ctx, executionID, lockID, suspend)
			}
			pad[step.Name] = value
			lastStepName = step.Name

		case unitForEach:
			step := unit.steps[0]
			value, suspend, rerr := e.runForEach(ctx, executionID, pad, &step, prior)
			if rerr != nil {
				return nil, rerr
			}
			if suspend != nil {
				return e.suspendOrFail(ctx, executionID, lockID, suspend)
			}
			pad[step.Name] = value
			lastStepName = step.Name

		case unitParallelGroup:
			name, suspend, rerr := e.runParallelGroup(ctx, executionID, pad, unit.steps, prior)
			if rerr != nil {
				return nil, rerr
			}
			if suspend != nil {
				return e.suspendOrFail(ctx, executionID, lockID, suspend)
			}
			lastStepName = name
		}
	}

	output, excludedLarge, oerr := computeWorkflowOutput(pad, wf, lastStepName)
	if oerr != nil {
		return e.suspendOrFail(ctx, executionID, lockID, &Result{Kind: ResultFailed, Err: oerr, Retryable: false})
	}
	if err := e.store.CompleteExecution(ctx, executionID, lockID, output, excludedLarge); err != nil {
		return nil, fmt.Errorf("engine: complete execution %q: %w", executionID, err)
	}
	if e.metrics != nil {
		e.metrics.RecordWorkflowExecution(exec.WorkflowID, string(models.ExecutionCompleted))
	}
	e.publish(&events.Event{ExecutionID: executionID, Kind: events.KindExecutionStatus, Status: string(models.ExecutionCompleted)})
	return &Result{Kind: ResultCompleted, Output: output}, nil
}

// suspendOrFail applies the Store side effect matching a non-completed
// Result and returns it. sleeping/waiting_for_signal release the lease
// through SetSleeping/SetWaiting; failed carries no Store call here since
// whether to requeue is the caller's (the Scheduler's) decision via
// fail_execution.
func (e *Executor) suspendOrFail(ctx context.Context, executionID, lockID string, r *Result) (*Result, error) {
	switch r.Kind {
	case ResultSleeping:
		if err := e.store.SetSleeping(ctx, executionID, lockID, r.Step, *r.WakeAt); err != nil {
			return nil, fmt.Errorf("engine: set sleeping for %q: %w", r.Step, err)
		}
	case ResultWaitingForSignal:
		if err := e.store.SetWaiting(ctx, executionID, lockID, r.Step, r.SignalName, r.TimeoutAt); err != nil {
			return nil, fmt.Errorf("engine: set waiting for %q: %w", r.Step, err)
		}
	}
	return r, nil
}

// TerminalResult maps an already-terminal Execution to the Result
// Execute would have returned for it, without requiring a held lease.
// Exported for callers (the operator facade's direct EXECUTE_WORKFLOW)
// that need to report a terminal outcome without leasing first.
func TerminalResult(exec *models.Execution) *Result {
	return terminalResult(exec)
}

func terminalResult(exec *models.Execution) *Result {
	switch exec.Status {
	case models.ExecutionCompleted:
		return &Result{Kind: ResultCompleted, Output: exec.Output}
	case models.ExecutionFailed:
		var err error
		if exec.Error != nil {
			err = errors.New(*exec.Error)
		}
		return &Result{Kind: ResultFailed, Err: err, Retryable: false}
	case models.ExecutionCancelled:
		return &Result{Kind: ResultCancelled}
	default:
		return nil
	}
}

// runStep executes one non-grouped step, handling replay skip, input
// resolution, dispatch, and the resulting Store writes.
func (e *Executor) runStep(ctx context.Context, executionID, workflowID string, pad refresolver.Scratchpad, step *models.Step, prior map[string]*models.StepResult) (interface{}, *Result, error) {
	if pr, ok := prior[step.Name]; ok && pr.Done() {
		return decodeStepOutput(pr)
	}

	resolved, err := refresolver.Substitute(pad, map[string]interface{}(step.Input))
	if err != nil {
		return nil, e.definitionFailure(step.Name, err), nil
	}
	inputMap, _ := resolved.(map[string]interface{})

	now := time.Now()
	if err := e.store.UpsertStepResult(ctx, executionID, step.Name, store.StepResultPatch{StartedAt: &now}); err != nil {
		return nil, nil, fmt.Errorf("engine: persist step start for %q: %w", step.Name, err)
	}
	e.publish(&events.Event{ExecutionID: executionID, Kind: events.KindStepStarted, Step: step.Name})

	req := &steprunner.Request{
		ExecutionID: executionID,
		StepName:    step.Name,
		Step:        step,
		Input:       inputMap,
		PriorResult: prior[step.Name],
	}
	dispatchStart := time.Now()
	outcome, err := e.dispatcher.Dispatch(ctx, req)
	if e.metrics != nil {
		e.metrics.ObserveStepDuration(workflowID, string(step.Action), time.Since(dispatchStart).Seconds())
	}
	if err != nil {
		return nil, e.retryableFailure(step, fmt.Errorf("engine: step %q dispatch: %w", step.Name, err)), nil
	}
	return e.applyOutcome(ctx, workflowID, executionID, step, outcome)
}

// applyOutcome translates a StepRunner Outcome into either a scratchpad
// value (success), a suspending/failing Result, or an unexpected error.
func (e *Executor) applyOutcome(ctx context.Context, workflowID, executionID string, step *models.Step, outcome *steprunner.Outcome) (interface{}, *Result, error) {
	switch outcome.Kind {
	case steprunner.OutcomeCompleted:
		raw, err := json.Marshal(outcome.Output)
		if err != nil {
			return nil, e.definitionFailure(step.Name, err), nil
		}
		completedAt := time.Now()
		if err := e.store.UpsertStepResult(ctx, executionID, step.Name, store.StepResultPatch{CompletedAt: &completedAt, Output: raw}); err != nil {
			return nil, nil, fmt.Errorf("engine: persist step completion for %q: %w", step.Name, err)
		}
		if e.metrics != nil {
			e.metrics.RecordStepExecution(workflowID, string(step.Action), "completed")
		}
		e.publish(&events.Event{ExecutionID: executionID, Kind: events.KindStepCompleted, Step: step.Name})
		return outcome.Output, nil, nil

	case steprunner.OutcomeDurableSleep:
		return nil, &Result{Kind: ResultSleeping, Step: step.Name, WakeAt: outcome.WakeAt}, nil

	case steprunner.OutcomeWaitingForSignal:
		return nil, &Result{Kind: ResultWaitingForSignal, Step: step.Name, SignalName: outcome.SignalName, TimeoutAt: outcome.TimeoutAt}, nil

	case steprunner.OutcomeFailed:
		if e.metrics != nil {
			e.metrics.RecordStepExecution(workflowID, string(step.Action), "failed")
		}
		errMsg := ""
		if outcome.Err != nil {
			errMsg = outcome.Err.Error()
		}
		e.publish(&events.Event{ExecutionID: executionID, Kind: events.KindStepFailed, Step: step.Name, Err: errMsg})
		retryable := outcome.Retryable || (step.Retry != nil && step.Retry.MaxAttempts > 0)
		if retryable {
			return nil, e.retryableFailure(step, outcome.Err), nil
		}
		return nil, e.terminalFailure(step.Name, outcome.Err), nil

	default:
		return nil, e.terminalFailure(step.Name, fmt.Errorf("engine: unrecognized outcome kind %q", outcome.Kind)), nil
	}
}

func decodeStepOutput(pr *models.StepResult) (interface{}, *Result, error) {
	if len(pr.Output) == 0 {
		return nil, nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(pr.Output, &v); err != nil {
		return nil, nil, fmt.Errorf("engine: decode replayed output for step %q: %w", pr.StepID, err)
	}
	return v, nil, nil
}

func (e *Executor) definitionFailure(stepName string, err error) *Result {
	return &Result{Kind: ResultFailed, Step: stepName, Err: fmt.Errorf("definition error at step %q: %w", stepName, err), Retryable: false}
}

func (e *Executor) terminalFailure(stepName string, err error) *Result {
	return &Result{Kind: ResultFailed, Step: stepName, Err: err, Retryable: false}
}

// retryableFailure consults the step's retry policy (if any) only to
// suggest a backoff base; whether attempts remain is a whole-execution
// decision the Store's fail_execution makes from retry_count vs
// max_retries, so this never itself decides retryable=false.
func (e *Executor) retryableFailure(step *models.Step, err error) *Result {
	r := &Result{Kind: ResultFailed, Step: step.Name, Err: err, Retryable: true}
	if step.Retry != nil && step.Retry.BackoffMs > 0 {
		r.RetryBaseMs = step.Retry.BackoffMs
	}
	return r
}
