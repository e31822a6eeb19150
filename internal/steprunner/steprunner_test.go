package steprunner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/n8n-work/engine-go/internal/models"
	"github.com/n8n-work/engine-go/internal/store"
)

// fakeStore is a minimal in-memory store.Store sufficient to exercise the
// sleep and signal runners without a real database.
type fakeStore struct {
	mu      sync.Mutex
	events  map[string]*models.WorkflowEvent
	timers  map[string]bool // "execID:stepName" -> scheduled
}

func newFakeStore() *fakeStore {
	return &fakeStore{events: map[string]*models.WorkflowEvent{}, timers: map[string]bool{}}
}

func (f *fakeStore) CreateExecution(ctx context.Context, workflowID string, input map[string]interface{}, maxRetries int) (*models.Execution, error) {
	return nil, nil
}
func (f *fakeStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) AcquireLease(ctx context.Context, id string, leaseMs int64) (*store.Lease, error) {
	return nil, nil
}
func (f *fakeStore) ReleaseLease(ctx context.Context, id, lockID string) error { return nil }
func (f *fakeStore) FindPending(ctx context.Context, limit int, leaseMs int64, scheduledBefore *time.Time) ([]*models.Execution, error) {
	return nil, nil
}
func (f *fakeStore) CompleteExecution(ctx context.Context, id, lockID string, output map[string]interface{}, excludedLarge []string) error {
	return nil
}
func (f *fakeStore) FailExecution(ctx context.Context, id, lockID, errMsg string, retryable bool, retryBaseMs int64) (*store.FailOutcome, error) {
	return nil, nil
}
func (f *fakeStore) SetSleeping(ctx context.Context, id, lockID, step string, wakeAt time.Time) error {
	return nil
}
func (f *fakeStore) SetWaiting(ctx context.Context, id, lockID, step, signalName string, timeoutAt *time.Time) error {
	return nil
}
func (f *fakeStore) CancelExecution(ctx context.Context, id string) (store.CancelOutcome, error) {
	return "", nil
}
func (f *fakeStore) ResumeExecution(ctx context.Context, id string, resetRetries, requeue bool) (store.ResumeOutcome, error) {
	return "", nil
}
func (f *fakeStore) UpsertStepResult(ctx context.Context, executionID, stepID string, patch store.StepResultPatch) error {
	return nil
}
func (f *fakeStore) GetStepResults(ctx context.Context, executionID string) (map[string]*models.StepResult, error) {
	return nil, nil
}
func (f *fakeStore) AppendEvent(ctx context.Context, event *models.WorkflowEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if event.ID == "" {
		event.ID = "ev-" + event.Name
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
func (f *fakeStore) GetPendingSignals(ctx context.Context, executionID string) ([]*models.WorkflowEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.WorkflowEvent
	for _, ev := range f.events {
		if ev.ExecutionID == executionID && ev.Type == models.EventSignal && ev.ConsumedAt == nil {
			out = append(out, ev)
		}
	}
	return out, nil
}
func (f *fakeStore) CheckTimer(ctx context.Context, executionID, stepName string) (*models.WorkflowEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.timers[executionID+":"+stepName] {
		return nil, nil
	}
	id := executionID + ":" + stepName
	return &models.WorkflowEvent{ID: id, ExecutionID: executionID, Name: stepName, Type: models.EventTimer}, nil
}
func (f *fakeStore) ScheduleTimer(ctx context.Context, executionID, stepName string, wakeAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timers[executionID+":"+stepName] = false
	return nil
}
func (f *fakeStore) ConsumeTimer(ctx context.Context, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.timers[eventID] {
		return false, nil
	}
	f.timers[eventID] = false
	return true, nil
}
func (f *fakeStore) AppendStreamChunk(ctx context.Context, chunk *models.StepStreamChunk) error { return nil }
func (f *fakeStore) GetStreamChunks(ctx context.Context, executionID, stepID string) ([]*models.StepStreamChunk, error) {
	return nil, nil
}
func (f *fakeStore) Ping(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                   { return nil }

func (f *fakeStore) markTimerFired(executionID, stepName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timers[executionID+":"+stepName] = true
}

var _ store.Store = (*fakeStore)(nil)
