package models

import "time"

// ExecutionStatus is the Execution lifecycle state.
type ExecutionStatus string

const (
	ExecutionPending          ExecutionStatus = "pending"
	ExecutionRunning          ExecutionStatus = "running"
	ExecutionCompleted        ExecutionStatus = "completed"
	ExecutionFailed           ExecutionStatus = "failed"
	ExecutionCancelled        ExecutionStatus = "cancelled"
	ExecutionSleeping         ExecutionStatus = "sleeping"
	ExecutionWaitingForSignal ExecutionStatus = "waiting_for_signal"
)

// IsTerminal reports whether the status is one of the sticky terminal states.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// Execution is the mutable core record of one workflow run.
type Execution struct {
	ID         string                 `db:"id" json:"id"`
	WorkflowID string                 `db:"workflow_id" json:"workflow_id"`
	Status     ExecutionStatus        `db:"status" json:"status"`

	Input  map[string]interface{} `db:"input" json:"input,omitempty"`
	Output map[string]interface{} `db:"output" json:"output,omitempty"`

	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
	StartedAtEpochMs  *int64     `db:"started_at_epoch_ms" json:"started_at_epoch_ms,omitempty"`
	CompletedAtEpochMs *int64    `db:"completed_at_epoch_ms" json:"completed_at_epoch_ms,omitempty"`

	LockedUntilEpochMs *int64 `db:"locked_until_epoch_ms" json:"-"`
	LockID             string `db:"lock_id" json:"-"`

	RetryCount       int     `db:"retry_count" json:"retry_count"`
	MaxRetries       int     `db:"max_retries" json:"max_retries"`
	Error            *string `db:"error" json:"error,omitempty"`
	NextRunAtEpochMs *int64  `db:"next_run_at_epoch_ms" json:"-"`

	// SuspendedStep is the event name (step name, or step+":timeout" for a
	// wait_for_signal deadline) a sleeping/waiting_for_signal execution is
	// parked at. WakeIfDue scopes its timer lookup to this name so a
	// stale, already-fired timer from an earlier suspension can't wake a
	// later, unrelated one.
	SuspendedStep *string `db:"suspended_step" json:"-"`

	ParentExecutionID *string `db:"parent_execution_id" json:"parent_execution_id,omitempty"`
}

// StepResult is the (execution_id, step_id) keyed outcome of one step run.
//
// On re-entry the executor treats a present CompletedAt as authoritative and
// skips re-execution of that step.
type StepResult struct {
	ExecutionID string     `db:"execution_id" json:"execution_id"`
	StepID      string     `db:"step_id" json:"step_id"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	Output      []byte     `db:"output" json:"output,omitempty"` // JSON encoded
	Error       *string    `db:"error" json:"error,omitempty"`
}

// Done reports whether this result represents a completed, error-free step.
func (r *StepResult) Done() bool {
	return r != nil && r.CompletedAt != nil && r.Error == nil
}

// EventType enumerates the WorkflowEvent kinds.
type EventType string

const (
	EventSignal            EventType = "signal"
	EventTimer             EventType = "timer"
	EventMessage           EventType = "message"
	EventOutput            EventType = "output"
	EventStepStarted       EventType = "step_started"
	EventStepCompleted     EventType = "step_completed"
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"
)

// WorkflowEvent is one row of the in-band, time-scoped event queue for an
// execution: signals, timers, and lifecycle facts.
type WorkflowEvent struct {
	ID          string                 `db:"id" json:"id"`
	ExecutionID string                 `db:"execution_id" json:"execution_id"`
	Type        EventType              `db:"type" json:"type"`
	Name        string                 `db:"name" json:"name"`
	Payload     map[string]interface{} `db:"payload" json:"payload,omitempty"`
	CreatedAt   time.Time              `db:"created_at" json:"created_at"`
	VisibleAt   *time.Time             `db:"visible_at" json:"visible_at,omitempty"`
	ConsumedAt  *time.Time             `db:"consumed_at" json:"consumed_at,omitempty"`
}

// StepStreamChunk is one fragment of a tool-call step's streamed response,
// coalesced into the step result on end-of-stream.
type StepStreamChunk struct {
	ExecutionID string `db:"execution_id" json:"execution_id"`
	StepID      string `db:"step_id" json:"step_id"`
	ChunkIndex  int    `db:"chunk_index" json:"chunk_index"`
	Data        []byte `db:"data" json:"data"`
}

// Large-payload heuristic: >50KB JSON, string >10KB, or array >100 items
// stays only in StepResult storage.
const (
	LargeOutputBytesThreshold  = 50 * 1024
	LargeStringBytesThreshold  = 10 * 1024
	LargeArrayLengthThreshold  = 100
)

// ExcludedOutputSentinel replaces a large step's output in the workflow
// output summary; the full value remains in StepResult.
const ExcludedOutputSentinel = "__excluded_large_output__"
