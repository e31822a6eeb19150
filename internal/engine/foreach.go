package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/n8n-work/engine-go/internal/models"
	"github.com/n8n-work/engine-go/internal/refresolver"
	"github.com/n8n-work/engine-go/internal/steprunner"
	"github.com/n8n-work/engine-go/internal/store"
)

// runForEach expands one forEach-configured step into one iteration per
// resolved item, runs them under the configured mode, and folds the
// result into a single container value stored under the parent step's
// name. Each iteration additionally persists its own StepResult at
// "<step>[<index>]" so a crash mid-batch can skip completed iterations on
// replay without re-running the whole forEach.
//
// Durable suspension (sleep, wait_for_signal) inside a forEach iteration
// is not supported: the per-iteration bookkeeping a crash-safe nested
// suspension would need is out of scope, so such a step fails immediately
// with a definition error rather than silently losing state.
func (e *Executor) runForEach(ctx context.Context, executionID string, pad refresolver.Scratchpad, step *models.Step, prior map[string]*models.StepResult) (interface{}, *Result, error) {
	fe := step.Config.ForEach

	itemsVal, err := refresolver.Resolve(pad, fe.Items)
	if err != nil {
		return nil, e.definitionFailure(step.Name, err), nil
	}
	items, ok := itemsVal.([]interface{})
	if !ok {
		return nil, e.definitionFailure(step.Name, fmt.Errorf("forEach items %q did not resolve to an array", fe.Items)), nil
	}

	iter := func(iterCtx context.Context, index int, item interface{}) (interface{}, error) {
		childName := fmt.Sprintf("%s[%d]", step.Name, index)
		if pr, ok := prior[childName]; ok && pr.Done() {
			v, _, derr := decodeStepOutput(pr)
			return v, derr
		}
		if step.Action == models.ActionSleep || step.Action == models.ActionWaitForSignal {
			return nil, fmt.Errorf("step %q: durable suspension is not supported inside a forEach iteration", step.Name)
		}

		childPad := make(refresolver.Scratchpad, len(pad)+2)
		for k, v := range pad {
			childPad[k] = v
		}
		childPad["item"] = item
		childPad["index"] = index

		resolved, serr := refresolver.Substitute(childPad, map[string]interface{}(step.Input))
		if serr != nil {
			return nil, serr
		}
		inputMap, _ := resolved.(map[string]interface{})

		now := time.Now()
		if uerr := e.store.UpsertStepResult(iterCtx, executionID, childName, store.StepResultPatch{StartedAt: &now}); uerr != nil {
			return nil, uerr
		}

		req := &steprunner.Request{
			ExecutionID: executionID,
			StepName:    childName,
			Step:        step,
			Input:       inputMap,
			PriorResult: prior[childName],
		}
		outcome, derr := e.dispatcher.Dispatch(iterCtx, req)
		if derr != nil {
			return nil, derr
		}
		if outcome.Kind == steprunner.OutcomeFailed {
			return nil, &iterationFailure{err: outcome.Err, retryable: outcome.Retryable}
		}
		if outcome.Kind != steprunner.OutcomeCompleted {
			return nil, fmt.Errorf("step %q iteration %d suspended unexpectedly", step.Name, index)
		}

		raw, merr := json.Marshal(outcome.Output)
		if merr != nil {
			return nil, merr
		}
		completedAt := time.Now()
		if uerr := e.store.UpsertStepResult(iterCtx, executionID, childName, store.StepResultPatch{CompletedAt: &completedAt, Output: raw}); uerr != nil {
			return nil, uerr
		}
		return outcome.Output, nil
	}

	res, err := refresolver.Run(ctx, fe.Mode, items, fe.MaxConcurrency, iter)
	if err != nil {
		return nil, e.definitionFailure(step.Name, err), nil
	}
	if res.Err != nil && fe.Mode != models.ForEachAllSettled {
		var f *iterationFailure
		if errors.As(res.Err, &f) && !f.retryable {
			return nil, e.terminalFailure(step.Name, res.Err), nil
		}
		return nil, e.retryableFailure(step, res.Err), nil
	}

	container := foreachContainerValue(res)
	raw, merr := json.Marshal(container)
	if merr != nil {
		return nil, e.definitionFailure(step.Name, merr), nil
	}
	now := time.Now()
	if err := e.store.UpsertStepResult(ctx, executionID, step.Name, store.StepResultPatch{StartedAt: &now, CompletedAt: &now, Output: raw}); err != nil {
		return nil, nil, fmt.Errorf("engine: persist forEach container result for %q: %w", step.Name, err)
	}
	return container, nil, nil
}
