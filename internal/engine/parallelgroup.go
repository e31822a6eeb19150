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

// runParallelGroup executes a batch of contiguous steps sharing
// config.parallel.group under the group's mode. Every step's input is
// resolved up front against the pre-group scratchpad, so cross-references
// between group members never see a sibling's in-flight output — only
// what existed before the batch started.
func (e *Executor) runParallelGroup(ctx context.Context, executionID string, pad refresolver.Scratchpad, steps []models.Step, prior map[string]*models.StepResult) (string, *Result, error) {
	group := steps[0].Config.Parallel
	lastName := steps[len(steps)-1].Name

	resolvedInputs := make([]map[string]interface{}, len(steps))
	for i, s := range steps {
		if pr, ok := prior[s.Name]; ok && pr.Done() {
			continue
		}
		v, err := refresolver.Substitute(pad, map[string]interface{}(s.Input))
		if err != nil {
			return "", e.definitionFailure(s.Name, err), nil
		}
		m, _ := v.(map[string]interface{})
		resolvedInputs[i] = m
	}

	iter := func(iterCtx context.Context, index int, _ interface{}) (interface{}, error) {
		s := steps[index]
		if pr, ok := prior[s.Name]; ok && pr.Done() {
			v, _, derr := decodeStepOutput(pr)
			return v, derr
		}
		if s.Action == models.ActionSleep || s.Action == models.ActionWaitForSignal {
			return nil, fmt.Errorf("parallel group %q step %q: durable suspension is not supported inside a parallel group", group.Group, s.Name)
		}

		now := time.Now()
		if uerr := e.store.UpsertStepResult(iterCtx, executionID, s.Name, store.StepResultPatch{StartedAt: &now}); uerr != nil {
			return nil, uerr
		}

		req := &steprunner.Request{
			ExecutionID: executionID,
			StepName:    s.Name,
			Step:        &steps[index],
			Input:       resolvedInputs[index],
			PriorResult: prior[s.Name],
		}
		outcome, derr := e.dispatcher.Dispatch(iterCtx, req)
		if derr != nil {
			return nil, derr
		}
		if outcome.Kind == steprunner.OutcomeFailed {
			return nil, &iterationFailure{err: outcome.Err, retryable: outcome.Retryable}
		}
		if outcome.Kind != steprunner.OutcomeCompleted {
			return nil, fmt.Errorf("parallel group step %q suspended unexpectedly", s.Name)
		}

		raw, merr := json.Marshal(outcome.Output)
		if merr != nil {
			return nil, merr
		}
		completedAt := time.Now()
		if uerr := e.store.UpsertStepResult(iterCtx, executionID, s.Name, store.StepResultPatch{CompletedAt: &completedAt, Output: raw}); uerr != nil {
			return nil, uerr
		}
		return outcome.Output, nil
	}

	items := make([]interface{}, len(steps))
	res, err := refresolver.Run(ctx, group.Mode, items, 0, iter)
	if err != nil {
		return "", e.definitionFailure(lastName, err), nil
	}
	if res.Err != nil && group.Mode != models.ForEachAllSettled {
		var f *iterationFailure
		if errors.As(res.Err, &f) && !f.retryable {
			return "", e.terminalFailure(lastName, res.Err), nil
		}
		return "", e.retryableFailure(&steps[len(steps)-1], res.Err), nil
	}

	switch group.Mode {
	case models.ForEachRace:
		if res.Winner != nil && len(res.Outputs) > 0 {
			pad[steps[*res.Winner].Name] = res.Outputs[0]
		}
	case models.ForEachAllSettled:
		for i, s := range res.Settled {
			if s.Status == "fulfilled" {
				pad[steps[i].Name] = s.Value
			}
		}
	default:
		for i, s := range steps {
			pad[s.Name] = res.Outputs[i]
		}
	}
	return lastName, nil, nil
}
