// Package steprunner implements the four step kinds a Workflow Step can
// carry: tool, code, sleep, and wait_for_signal. Each is a pure function
// of the resolved input plus whatever prior partial state the step
// already persisted.
package steprunner

import (
	"context"
	"time"

	"github.com/n8n-work/engine-go/internal/models"
)

// OutcomeKind discriminates what a step run produced.
type OutcomeKind string

const (
	OutcomeCompleted       OutcomeKind = "completed"
	OutcomeFailed          OutcomeKind = "failed"
	OutcomeDurableSleep    OutcomeKind = "durable_sleep"
	OutcomeWaitingForSignal OutcomeKind = "waiting_for_signal"
)

// Outcome is the result of one StepRunner invocation.
type Outcome struct {
	Kind OutcomeKind

	Output interface{}

	Err       error
	Retryable bool

	// Set when Kind == OutcomeDurableSleep.
	WakeAt *time.Time

	// Set when Kind == OutcomeWaitingForSignal.
	SignalName string
	TimeoutAt  *time.Time
}

// Request is the input a runner needs: the step itself, its resolved
// input tree, and enough identity to read/write durable side state
// (stream chunks, timers, signals).
type Request struct {
	ExecutionID string
	StepName    string
	Step        *models.Step
	Input       map[string]interface{}

	// PriorResult is the StepResult already on disk for this step, if
	// this is a re-entry (e.g. a durable sleep that has since woken, or
	// a wait-for-signal being re-checked).
	PriorResult *models.StepResult
}

// Runner executes one step kind.
type Runner interface {
	Run(ctx context.Context, req *Request) (*Outcome, error)
}

// Dispatcher routes a step to the Runner for its action kind.
type Dispatcher struct {
	runners map[models.ActionKind]Runner
}

// NewDispatcher wires the four concrete runners.
func NewDispatcher(tool, code, sleep, signal Runner) *Dispatcher {
	return &Dispatcher{runners: map[models.ActionKind]Runner{
		models.ActionTool:          tool,
		models.ActionCode:          code,
		models.ActionSleep:         sleep,
		models.ActionWaitForSignal: signal,
	}}
}

// Dispatch runs req through the runner registered for its step's action.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Outcome, error) {
	runner, ok := d.runners[req.Step.Action]
	if !ok {
		return &Outcome{Kind: OutcomeFailed, Err: unknownActionError(req.Step.Action), Retryable: false}, nil
	}
	return runner.Run(ctx, req)
}

type unknownActionError models.ActionKind

func (e unknownActionError) Error() string {
	return "steprunner: unknown action kind " + string(e)
}
