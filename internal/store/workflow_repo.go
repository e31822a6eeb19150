package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/n8n-work/engine-go/internal/models"
)

// WorkflowRepository resolves a workflow_id to its immutable definition.
// The engine's own Store contract only covers executions/step
// results/events/timers; workflow definitions are a separate, simpler
// catalog addressed by this narrower interface.
type WorkflowRepository interface {
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	PutWorkflow(ctx context.Context, wf *models.Workflow) error
}

// InMemoryWorkflowRepository is a process-local catalog, adequate for
// tests and single-node deployments; workflow definitions are small and
// read far more often than written.
type InMemoryWorkflowRepository struct {
	mu        sync.RWMutex
	workflows map[string]*models.Workflow
}

// NewInMemoryWorkflowRepository builds an empty catalog.
func NewInMemoryWorkflowRepository() *InMemoryWorkflowRepository {
	return &InMemoryWorkflowRepository{workflows: make(map[string]*models.Workflow)}
}

func (r *InMemoryWorkflowRepository) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[id]
	if !ok {
		return nil, fmt.Errorf("store: workflow %q: %w", id, ErrNotFound)
	}
	return wf, nil
}

func (r *InMemoryWorkflowRepository) PutWorkflow(ctx context.Context, wf *models.Workflow) error {
	if err := models.Validate(wf); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[wf.ID] = wf
	return nil
}
