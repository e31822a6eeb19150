// Package store exposes the atomic persistence primitives used by every
// other component of the engine, hiding the concrete database dialect
// behind one interface.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/n8n-work/engine-go/internal/models"
)

// ErrNotFound is returned when an operation addresses an execution or
// workflow that does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrLeaseNotHeld is returned by lease-guarded writes whose lock_id no
// longer matches the current holder — the contention case: it is never
// surfaced past the caller as a failure, only as a signal to stop.
var ErrLeaseNotHeld = errors.New("store: lease not held")

// Lease is the result of successfully acquiring an execution's optimistic
// lock: a fresh lock_id plus the retry_count observed at acquisition time.
type Lease struct {
	LockID     string
	RetryCount int
}

// FailOutcome reports what fail_execution decided: requeue with backoff,
// or terminal failure.
type FailOutcome struct {
	WillRetry bool
	NextRunAt *time.Time
}

// CancelOutcome enumerates the result of a cancel_execution call.
type CancelOutcome string

const (
	CancelOK               CancelOutcome = "cancelled"
	CancelAlreadyCancelled CancelOutcome = "already_cancelled"
	CancelNotCancellable   CancelOutcome = "not_cancellable"
	CancelNotFound         CancelOutcome = "not_found"
)

// ResumeOutcome enumerates the result of a resume_execution call.
type ResumeOutcome string

const (
	ResumeOK           ResumeOutcome = "resumed"
	ResumeNotResumable ResumeOutcome = "not_resumable"
	ResumeNotFound     ResumeOutcome = "not_found"
)

// StepResultPatch is the partial update accepted by upsert_step_result:
// only non-nil fields are applied, so the same call can mark a step
// started and, later, mark it completed.
type StepResultPatch struct {
	StartedAt   *time.Time
	CompletedAt *time.Time
	Output      []byte
	Error       *string
}

// Store is the persistence component. Implementations must provide the
// same semantics across relational-SQL-with-CTE/RETURNING,
// relational-SQL-with-row-skip-lock, and a minimal CAS-only dialect.
type Store interface {
	CreateExecution(ctx context.Context, workflowID string, input map[string]interface{}, maxRetries int) (*models.Execution, error)
	GetExecution(ctx context.Context, id string) (*models.Execution, error)

	// AcquireLease performs the atomic compare-and-set described by the
	// engine's lease contract. Returns (nil, nil) — not an error — when
	// the CAS predicate fails, since contention is never surfaced as a
	// failure.
	AcquireLease(ctx context.Context, id string, leaseMs int64) (*Lease, error)
	ReleaseLease(ctx context.Context, id, lockID string) error

	// FindPending selects up to limit eligible rows ordered by
	// created_at ascending and leases each one atomically, equivalent to
	// calling AcquireLease on every returned id.
	FindPending(ctx context.Context, limit int, leaseMs int64, scheduledBefore *time.Time) ([]*models.Execution, error)

	CompleteExecution(ctx context.Context, id, lockID string, output map[string]interface{}, excludedLarge []string) error
	FailExecution(ctx context.Context, id, lockID string, errMsg string, retryable bool, retryBaseMs int64) (*FailOutcome, error)

	SetSleeping(ctx context.Context, id, lockID, step string, wakeAt time.Time) error
	SetWaiting(ctx context.Context, id, lockID, step, signalName string, timeoutAt *time.Time) error

	// WakeIfDue is the sleeping/waiting_for_signal -> pending transition: it
	// moves id back to pending, making it eligible for AcquireLease/
	// FindPending again, iff it is currently sleeping with a fired timer or
	// waiting_for_signal with a pending signal or an elapsed timeout. It is
	// a no-op (false, nil) otherwise, including when the execution is
	// pending/running/terminal already. The poller calls this for each
	// row ListSuspended returns (up to batch_size) on each tick, before
	// running FindPending.
	WakeIfDue(ctx context.Context, id string) (bool, error)

	// ListSuspended returns up to limit executions currently sleeping or
	// waiting_for_signal, oldest updated_at first, for the poller to sweep
	// with WakeIfDue on each tick.
	ListSuspended(ctx context.Context, limit int) ([]*models.Execution, error)

	CancelExecution(ctx context.Context, id string) (CancelOutcome, error)
	ResumeExecution(ctx context.Context, id string, resetRetries, requeue bool) (ResumeOutcome, error)

	UpsertStepResult(ctx context.Context, executionID, stepID string, patch StepResultPatch) error
	GetStepResults(ctx context.Context, executionID string) (map[string]*models.StepResult, error)

	AppendEvent(ctx context.Context, event *models.WorkflowEvent) error
	ConsumeSignal(ctx context.Context, eventID string) (bool, error)
	GetPendingSignals(ctx context.Context, executionID string) ([]*models.WorkflowEvent, error)
	CheckTimer(ctx context.Context, executionID, stepName string) (*models.WorkflowEvent, error)
	ScheduleTimer(ctx context.Context, executionID, stepName string, wakeAt time.Time) error
	// ConsumeTimer marks a fired timer event consumed, mirroring
	// ConsumeSignal; called once a durable sleep's wake condition has been
	// observed, so a stale fired timer can't keep satisfying WakeIfDue for
	// an execution's next, unrelated suspension.
	ConsumeTimer(ctx context.Context, eventID string) (bool, error)

	AppendStreamChunk(ctx context.Context, chunk *models.StepStreamChunk) error
	GetStreamChunks(ctx context.Context, executionID, stepID string) ([]*models.StepStreamChunk, error)

	Ping(ctx context.Context) error
	Close() error
}
