package models

import "time"

// ActionKind identifies which of the four step action variants a Step carries.
type ActionKind string

const (
	ActionTool         ActionKind = "tool"
	ActionCode         ActionKind = "code"
	ActionSleep        ActionKind = "sleep"
	ActionWaitForSignal ActionKind = "wait_for_signal"
)

// Workflow is an immutable-once-saved workflow definition.
type Workflow struct {
	ID          string                 `json:"id" db:"id" validate:"required"`
	Title       string                 `json:"title" db:"title"`
	Description string                 `json:"description" db:"description"`
	Steps       []Step                 `json:"steps" validate:"required,min=1,dive"`
	// Output, if set, is a reference string resolved against the final
	// scratchpad to produce the workflow's output; otherwise the last
	// step's output is used.
	Output      string                 `json:"output,omitempty"`
	Triggers    map[string]interface{} `json:"triggers,omitempty"`
	CreatedAt   time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at" db:"updated_at"`
}

// Step is one node of a Workflow's step sequence.
type Step struct {
	Name   string                 `json:"name" validate:"required"`
	Action ActionKind             `json:"action" validate:"required,oneof=tool code sleep wait_for_signal"`
	Input  map[string]interface{} `json:"input,omitempty"`
	Retry  *RetryPolicy           `json:"retry,omitempty"`
	Config *StepConfig            `json:"config,omitempty"`

	// Action-specific payloads. Exactly one is populated, matching Action.
	Tool         *ToolAction         `json:"tool,omitempty"`
	Code         *CodeAction         `json:"code,omitempty"`
	Sleep        *SleepAction        `json:"sleep,omitempty"`
	WaitForSignal *WaitForSignalAction `json:"wait_for_signal,omitempty"`
}

// RetryPolicy is the optional per-step retry configuration.
type RetryPolicy struct {
	MaxAttempts int   `json:"maxAttempts" mapstructure:"maxAttempts" validate:"min=0"`
	BackoffMs   int64 `json:"backoffMs" mapstructure:"backoffMs" validate:"min=0"`
}

// StepConfig carries the optional forEach/parallel grouping metadata.
type StepConfig struct {
	ForEach  *ForEachConfig  `json:"forEach,omitempty" mapstructure:"forEach"`
	Parallel *ParallelConfig `json:"parallel,omitempty" mapstructure:"parallel"`
}

// ForEachMode is one of the four control-flow iteration modes.
type ForEachMode string

const (
	ForEachSequential  ForEachMode = "sequential"
	ForEachParallel    ForEachMode = "parallel"
	ForEachRace        ForEachMode = "race"
	ForEachAllSettled  ForEachMode = "allSettled"
)

// ForEachConfig expands one step into one iteration per item.
type ForEachConfig struct {
	Items          string      `json:"items" mapstructure:"items"` // a reference string, resolved by RefResolver
	Mode           ForEachMode `json:"mode" mapstructure:"mode"`
	MaxConcurrency int         `json:"maxConcurrency,omitempty" mapstructure:"maxConcurrency"`
}

// ParallelConfig groups contiguous steps sharing a group id into one batch.
type ParallelConfig struct {
	Group string      `json:"group" mapstructure:"group"`
	Mode  ForEachMode `json:"mode" mapstructure:"mode"`
}

// ToolAction performs a streaming call through the tool gateway.
type ToolAction struct {
	ConnectionID string `json:"connectionId"`
	ToolName     string `json:"toolName"`
}

// CodeAction evaluates an inline pure transformation in the sandbox.
type CodeAction struct {
	Source string `json:"source"`
}

// SleepAction suspends the step until a point in time.
type SleepAction struct {
	SleepMs    int64      `json:"sleepMs,omitempty"`
	SleepUntil *time.Time `json:"sleepUntil,omitempty"`
}

// WaitForSignalAction suspends the step until a named signal arrives.
type WaitForSignalAction struct {
	SignalName string `json:"signalName"`
	TimeoutMs  int64  `json:"timeoutMs,omitempty"`
}
