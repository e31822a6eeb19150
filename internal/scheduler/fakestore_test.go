package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/n8n-work/engine-go/internal/models"
	"github.com/n8n-work/engine-go/internal/store"
)

// fakeStore is a full in-memory store.Store for driving the schedulers
// without a live database, with a working FindPending (unlike a stub
// that always returns nothing) since tick() depends on it directly.
type fakeStore struct {
	mu         sync.Mutex
	executions map[string]*models.Execution
	events     map[string]*models.WorkflowEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		executions: map[string]*models.Execution{},
		events:     map[string]*models.WorkflowEvent{},
	}
}

func (f *fakeStore) CreateExecution(ctx context.Context, workflowID string, input map[string]interface{}, maxRetries int) (*models.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	e := &models.Execution{
		ID: uuid.NewString(), WorkflowID: workflowID, Status: models.ExecutionPending,
		Input: input, CreatedAt: now, UpdatedAt: now, MaxRetries: maxRetries,
	}
	f.executions[e.ID] = e
	return e, nil
}

func (f *fakeStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeStore) acquireLeaseLocked(e *models.Execution, leaseMs int64) *store.Lease {
	now := time.Now()
	if e.Status != models.ExecutionPending && e.Status != models.ExecutionRunning {
		return nil
	}
	if e.MaxRetries > 0 && e.RetryCount >= e.MaxRetries {
		return nil
	}
	if e.LockedUntilEpochMs != nil && *e.LockedUntilEpochMs > now.UnixMilli() {
		return nil
	}
	lockID := uuid.NewString()
	until := now.Add(time.Duration(leaseMs) * time.Millisecond).UnixMilli()
	e.LockID = lockID
	e.LockedUntilEpochMs = &until
	e.Status = models.ExecutionRunning
	e.UpdatedAt = now
	return &store.Lease{LockID: lockID, RetryCount: e.RetryCount}
}

func (f *fakeStore) AcquireLease(ctx context.Context, id string, leaseMs int64) (*store.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return f.acquireLeaseLocked(e, leaseMs), nil
}

func (f *fakeStore) ReleaseLease(ctx context.Context, id, lockID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok || e.LockID != lockID {
		return store.ErrLeaseNotHeld
	}
	e.LockID = ""
	e.LockedUntilEpochMs = nil
	return nil
}

// FindPending selects pending rows oldest-created-first and leases each,
// mirroring what a real dialect's CTE+RETURNING or row-skip-lock query
// does in one round trip.
func (f *fakeStore) FindPending(ctx context.Context, limit int, leaseMs int64, scheduledBefore *time.Time) ([]*models.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var candidates []*models.Execution
	for _, e := range f.executions {
		if e.Status == models.ExecutionPending {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })

	var out []*models.Execution
	for _, e := range candidates {
		if len(out) >= limit {
			break
		}
		if lease := f.acquireLeaseLocked(e, leaseMs); lease != nil {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) CompleteExecution(ctx context.Context, id, lockID string, output map[string]interface{}, excludedLarge []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok || e.LockID != lockID {
		return store.ErrLeaseNotHeld
	}
	now := time.Now()
	e.Status = models.ExecutionCompleted
	e.Output = output
	ms := now.UnixMilli()
	e.CompletedAtEpochMs = &ms
	e.LockID = ""
	e.LockedUntilEpochMs = nil
	e.UpdatedAt = now
	return nil
}

func (f *fakeStore) FailExecution(ctx context.Context, id, lockID string, errMsg string, retryable bool, retryBaseMs int64) (*store.FailOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok || e.LockID != lockID {
		return nil, store.ErrLeaseNotHeld
	}
	now := time.Now()
	e.Error = &errMsg
	if retryable && e.RetryCount+1 < e.MaxRetries {
		e.RetryCount++
		e.Status = models.ExecutionPending
		next := now.Add(time.Duration(retryBaseMs) * time.Millisecond)
		e.LockID = ""
		e.LockedUntilEpochMs = nil
		return &store.FailOutcome{WillRetry: true, NextRunAt: &next}, nil
	}
	e.Status = models.ExecutionFailed
	e.LockID = ""
	e.LockedUntilEpochMs = nil
	return &store.FailOutcome{WillRetry: false}, nil
}

func (f *fakeStore) SetSleeping(ctx context.Context, id, lockID, step string, wakeAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok || e.LockID != lockID {
		return store.ErrLeaseNotHeld
	}
	e.Status = models.ExecutionSleeping
	e.SuspendedStep = &step
	e.LockID = ""
	e.LockedUntilEpochMs = nil
	return nil
}

func (f *fakeStore) SetWaiting(ctx context.Context, id, lockID, step, signalName string, timeoutAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok || e.LockID != lockID {
		return store.ErrLeaseNotHeld
	}
	e.Status = models.ExecutionWaitingForSignal
	e.SuspendedStep = nil
	if timeoutAt != nil {
		timeoutStep := step + ":timeout"
		e.SuspendedStep = &timeoutStep
	}
	e.LockID = ""
	e.LockedUntilEpochMs = nil
	return nil
}

func (f *fakeStore) WakeIfDue(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok {
		return false, nil
	}
	if e.Status != models.ExecutionSleeping && e.Status != models.ExecutionWaitingForSignal {
		return false, nil
	}
	now := time.Now()
	due := false
	for _, ev := range f.events {
		if ev.ExecutionID != id || ev.ConsumedAt != nil {
			continue
		}
		if ev.Type == models.EventSignal {
			due = true
			break
		}
		if ev.Type == models.EventTimer && (e.SuspendedStep == nil || ev.Name == *e.SuspendedStep) &&
			ev.VisibleAt != nil && !ev.VisibleAt.After(now) {
			due = true
			break
		}
	}
	if !due {
		return false, nil
	}
	e.Status = models.ExecutionPending
	e.UpdatedAt = now
	return true, nil
}

func (f *fakeStore) ListSuspended(ctx context.Context, limit int) ([]*models.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Execution
	for _, e := range f.executions {
		if e.Status == models.ExecutionSleeping || e.Status == models.ExecutionWaitingForSignal {
			cp := *e
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) CancelExecution(ctx context.Context, id string) (store.CancelOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok {
		return store.CancelNotFound, nil
	}
	if e.Status.IsTerminal() {
		if e.Status == models.ExecutionCancelled {
			return store.CancelAlreadyCancelled, nil
		}
		return store.CancelNotCancellable, nil
	}
	e.Status = models.ExecutionCancelled
	return store.CancelOK, nil
}

func (f *fakeStore) ResumeExecution(ctx context.Context, id string, resetRetries, requeue bool) (store.ResumeOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok {
		return store.ResumeNotFound, nil
	}
	if e.Status != models.ExecutionCancelled && e.Status != models.ExecutionFailed {
		return store.ResumeNotResumable, nil
	}
	e.Status = models.ExecutionPending
	if resetRetries {
		e.RetryCount = 0
	}
	return store.ResumeOK, nil
}

func (f *fakeStore) UpsertStepResult(ctx context.Context, executionID, stepID string, patch store.StepResultPatch) error {
	return nil
}

func (f *fakeStore) GetStepResults(ctx context.Context, executionID string) (map[string]*models.StepResult, error) {
	return map[string]*models.StepResult{}, nil
}

func (f *fakeStore) AppendEvent(ctx context.Context, event *models.WorkflowEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	f.events[event.ID] = event
	return nil
}

func (f *fakeStore) ConsumeSignal(ctx context.Context, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[eventID]
	if !ok || ev.ConsumedAt != nil {
		return false, nil
	}
	now := time.Now()
	ev.ConsumedAt = &now
	return true, nil
}

func (f *fakeStore) ConsumeTimer(ctx context.Context, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[eventID]
	if !ok || ev.ConsumedAt != nil {
		return false, nil
	}
	now := time.Now()
	ev.ConsumedAt = &now
	return true, nil
}

func (f *fakeStore) GetPendingSignals(ctx context.Context, executionID string) ([]*models.WorkflowEvent, error) {
	return nil, nil
}

func (f *fakeStore) CheckTimer(ctx context.Context, executionID, stepName string) (*models.WorkflowEvent, error) {
	return nil, nil
}

func (f *fakeStore) ScheduleTimer(ctx context.Context, executionID, stepName string, wakeAt time.Time) error {
	return nil
}

func (f *fakeStore) AppendStreamChunk(ctx context.Context, chunk *models.StepStreamChunk) error {
	return nil
}

func (f *fakeStore) GetStreamChunks(ctx context.Context, executionID, stepID string) ([]*models.StepStreamChunk, error) {
	return nil, nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                   { return nil }

var _ store.Store = (*fakeStore)(nil)
