package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/n8n-work/engine-go/internal/models"
	"github.com/n8n-work/engine-go/internal/store"
)

// memStore is a full in-memory store.Store sufficient to drive the
// Executor end to end in tests, without a live database.
type memStore struct {
	mu         sync.Mutex
	executions map[string]*models.Execution
	steps      map[string]map[string]*models.StepResult
	events     map[string]*models.WorkflowEvent
}

func newMemStore() *memStore {
	return &memStore{
		executions: map[string]*models.Execution{},
		steps:      map[string]map[string]*models.StepResult{},
		events:     map[string]*models.WorkflowEvent{},
	}
}

func (m *memStore) CreateExecution(ctx context.Context, workflowID string, input map[string]interface{}, maxRetries int) (*models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	e := &models.Execution{
		ID: uuid.NewString(), WorkflowID: workflowID, Status: models.ExecutionPending,
		Input: input, CreatedAt: now, UpdatedAt: now, MaxRetries: maxRetries,
	}
	m.executions[e.ID] = e
	return e, nil
}

func (m *memStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) AcquireLease(ctx context.Context, id string, leaseMs int64) (*store.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	now := time.Now()
	if e.Status != models.ExecutionPending && e.Status != models.ExecutionRunning {
		return nil, nil
	}
	if e.RetryCount >= e.MaxRetries && e.MaxRetries > 0 {
		return nil, nil
	}
	if e.LockedUntilEpochMs != nil && *e.LockedUntilEpochMs > now.UnixMilli() {
		return nil, nil
	}
	lockID := uuid.NewString()
	until := now.Add(time.Duration(leaseMs) * time.Millisecond).UnixMilli()
	e.LockID = lockID
	e.LockedUntilEpochMs = &until
	e.Status = models.ExecutionRunning
	e.UpdatedAt = now
	return &store.Lease{LockID: lockID, RetryCount: e.RetryCount}, nil
}

func (m *memStore) ReleaseLease(ctx context.Context, id, lockID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok || e.LockID != lockID {
		return store.ErrLeaseNotHeld
	}
	e.LockID = ""
	e.LockedUntilEpochMs = nil
	return nil
}

func (m *memStore) FindPending(ctx context.Context, limit int, leaseMs int64, scheduledBefore *time.Time) ([]*models.Execution, error) {
	return nil, nil
}

func (m *memStore) CompleteExecution(ctx context.Context, id, lockID string, output map[string]interface{}, excludedLarge []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
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

func (m *memStore) FailExecution(ctx context.Context, id, lockID string, errMsg string, retryable bool, retryBaseMs int64) (*store.FailOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
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

func (m *memStore) SetSleeping(ctx context.Context, id, lockID, step string, wakeAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok || e.LockID != lockID {
		return store.ErrLeaseNotHeld
	}
	e.Status = models.ExecutionSleeping
	e.SuspendedStep = &step
	e.LockID = ""
	e.LockedUntilEpochMs = nil
	return nil
}

func (m *memStore) SetWaiting(ctx context.Context, id, lockID, step, signalName string, timeoutAt *time.Time) error {
	m.mu.Lock()
	e, ok := m.executions[id]
	if !ok || e.LockID != lockID {
		m.mu.Unlock()
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
	m.mu.Unlock()

	if timeoutAt == nil {
		return nil
	}
	return m.ScheduleTimer(ctx, id, step+":timeout", *timeoutAt)
}

func (m *memStore) WakeIfDue(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return false, nil
	}
	if e.Status != models.ExecutionSleeping && e.Status != models.ExecutionWaitingForSignal {
		return false, nil
	}

	now := time.Now()
	due := false
	if e.Status == models.ExecutionSleeping {
		for _, ev := range m.events {
			if ev.ExecutionID == id && ev.Type == models.EventTimer && (e.SuspendedStep == nil || ev.Name == *e.SuspendedStep) &&
				ev.ConsumedAt == nil && ev.VisibleAt != nil && !ev.VisibleAt.After(now) {
				due = true
				break
			}
		}
	} else {
		for _, ev := range m.events {
			if ev.ExecutionID == id && ev.ConsumedAt == nil &&
				(ev.Type == models.EventSignal || (ev.Type == models.EventTimer && (e.SuspendedStep == nil || ev.Name == *e.SuspendedStep) && ev.VisibleAt != nil && !ev.VisibleAt.After(now))) {
				due = true
				break
			}
		}
	}
	if !due {
		return false, nil
	}
	e.Status = models.ExecutionPending
	e.UpdatedAt = now
	return true, nil
}

func (m *memStore) ListSuspended(ctx context.Context, limit int) ([]*models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Execution
	for _, e := range m.executions {
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

func (m *memStore) CancelExecution(ctx context.Context, id string) (store.CancelOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
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

func (m *memStore) ResumeExecution(ctx context.Context, id string, resetRetries, requeue bool) (store.ResumeOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
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

func (m *memStore) UpsertStepResult(ctx context.Context, executionID, stepID string, patch store.StepResultPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byStep, ok := m.steps[executionID]
	if !ok {
		byStep = map[string]*models.StepResult{}
		m.steps[executionID] = byStep
	}
	sr, ok := byStep[stepID]
	if !ok {
		sr = &models.StepResult{ExecutionID: executionID, StepID: stepID}
		byStep[stepID] = sr
	}
	if patch.StartedAt != nil {
		sr.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		sr.CompletedAt = patch.CompletedAt
	}
	if patch.Output != nil {
		sr.Output = patch.Output
	}
	if patch.Error != nil {
		sr.Error = patch.Error
	}
	return nil
}

func (m *memStore) GetStepResults(ctx context.Context, executionID string) (map[string]*models.StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]*models.StepResult{}
	for k, v := range m.steps[executionID] {
		cp := *v
		out[k] = &cp
	}
	return out, nil
}

func (m *memStore) AppendEvent(ctx context.Context, event *models.WorkflowEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	m.events[event.ID] = event
	return nil
}

func (m *memStore) ConsumeSignal(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[eventID]
	if !ok || ev.ConsumedAt != nil {
		return false, nil
	}
	now := time.Now()
	ev.ConsumedAt = &now
	return true, nil
}

func (m *memStore) ConsumeTimer(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[eventID]
	if !ok || ev.ConsumedAt != nil {
		return false, nil
	}
	now := time.Now()
	ev.ConsumedAt = &now
	return true, nil
}

func (m *memStore) GetPendingSignals(ctx context.Context, executionID string) ([]*models.WorkflowEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.WorkflowEvent
	for _, ev := range m.events {
		if ev.ExecutionID == executionID && ev.Type == models.EventSignal && ev.ConsumedAt == nil {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memStore) CheckTimer(ctx context.Context, executionID, stepName string) (*models.WorkflowEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.ExecutionID == executionID && ev.Type == models.EventTimer && ev.Name == stepName && ev.ConsumedAt == nil {
			if ev.VisibleAt != nil && !ev.VisibleAt.After(time.Now()) {
				cp := *ev
				return &cp, nil
			}
		}
	}
	return nil, nil
}

func (m *memStore) ScheduleTimer(ctx context.Context, executionID, stepName string, wakeAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.ExecutionID == executionID && ev.Type == models.EventTimer && ev.Name == stepName {
			return nil
		}
	}
	id := uuid.NewString()
	m.events[id] = &models.WorkflowEvent{
		ID: id, ExecutionID: executionID, Type: models.EventTimer, Name: stepName,
		CreatedAt: time.Now(), VisibleAt: &wakeAt,
	}
	return nil
}

func (m *memStore) AppendStreamChunk(ctx context.Context, chunk *models.StepStreamChunk) error { return nil }
func (m *memStore) GetStreamChunks(ctx context.Context, executionID, stepID string) ([]*models.StepStreamChunk, error) {
	return nil, nil
}
func (m *memStore) Ping(ctx context.Context) error { return nil }
func (m *memStore) Close() error                   { return nil }

// markTimerFired force-fires execID/step's timer, as if the wake time had
// already passed, without waiting real wall-clock time in tests.
func (m *memStore) markTimerFired(executionID, stepName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.ExecutionID == executionID && ev.Type == models.EventTimer && ev.Name == stepName {
			past := time.Now().Add(-time.Second)
			ev.VisibleAt = &past
		}
	}
}

func (m *memStore) requireExecution(id string) (*models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("no such execution %q", id)
	}
	return e, nil
}

var _ store.Store = (*memStore)(nil)
