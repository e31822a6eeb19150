package engine

import "time"

// ResultKind discriminates the five outcomes one Execute call can produce.
type ResultKind string

const (
	ResultCompleted        ResultKind = "completed"
	ResultFailed           ResultKind = "failed"
	ResultSleeping         ResultKind = "sleeping"
	ResultWaitingForSignal ResultKind = "waiting_for_signal"
	ResultCancelled        ResultKind = "cancelled"
)

// Result is the discriminated union Execute returns. Only the fields
// relevant to Kind are populated.
type Result struct {
	Kind   ResultKind
	Output map[string]interface{}

	Err         error
	Retryable   bool
	RetryBaseMs int64 // suggested retry_base_ms override for this failure, 0 means "use the default"

	Step   string
	WakeAt *time.Time

	SignalName string
	TimeoutAt  *time.Time
}
