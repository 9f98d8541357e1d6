package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/seiforesti/data-wave-sub007/model"
)

// MemoryExecutionStore is an in-memory ExecutionStore.
type MemoryExecutionStore struct {
	mu          sync.RWMutex
	executions  map[string]model.WorkflowExecution     // key: execution ID
	transitions map[string][]model.ExecutionTransition // key: execution ID
}

// NewMemoryExecutionStore creates a new in-memory execution store.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{
		executions:  make(map[string]model.WorkflowExecution),
		transitions: make(map[string][]model.ExecutionTransition),
	}
}

// Create persists a new execution.
func (s *MemoryExecutionStore) Create(_ context.Context, exec model.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("workflow execution %q already exists", exec.ID),
		)
	}

	s.executions[exec.ID] = copyExecution(exec)
	return nil
}

// Get retrieves an execution by ID.
func (s *MemoryExecutionStore) Get(_ context.Context, id string) (model.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, exists := s.executions[id]
	if !exists {
		return model.WorkflowExecution{}, model.NewNotFoundError(
			fmt.Sprintf("workflow execution %q not found", id),
		)
	}
	return copyExecution(exec), nil
}

// Update persists an execution with optimistic locking.
func (s *MemoryExecutionStore) Update(_ context.Context, exec model.WorkflowExecution) (model.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.executions[exec.ID]
	if !exists {
		return model.WorkflowExecution{}, model.NewNotFoundError(
			fmt.Sprintf("workflow execution %q not found", exec.ID),
		)
	}
	if existing.Version != exec.Version {
		return model.WorkflowExecution{}, model.NewConflictError(
			fmt.Sprintf("workflow execution %q version conflict (expected %d, got %d)", exec.ID, exec.Version, existing.Version),
		)
	}

	exec.Version++
	s.executions[exec.ID] = copyExecution(exec)
	return copyExecution(exec), nil
}

// AppendTransition adds a record to the execution's audit trail.
func (s *MemoryExecutionStore) AppendTransition(_ context.Context, t model.ExecutionTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transitions[t.ExecutionID] = append(s.transitions[t.ExecutionID], t)
	return nil
}

// Transitions returns the audit trail of an execution.
func (s *MemoryExecutionStore) Transitions(_ context.Context, id string) ([]model.ExecutionTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.executions[id]; !exists {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("workflow execution %q not found", id),
		)
	}

	result := make([]model.ExecutionTransition, len(s.transitions[id]))
	copy(result, s.transitions[id])
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// List returns executions matching filters, newest first.
func (s *MemoryExecutionStore) List(_ context.Context, filters model.ExecutionFilters) ([]model.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowExecution
	for _, exec := range s.executions {
		if filters.Type != "" && exec.Type != filters.Type {
			continue
		}
		if filters.Status != "" && exec.Status != filters.Status {
			continue
		}
		result = append(result, copyExecution(exec))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].StartedAt.After(result[j].StartedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkflowExecution{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// HealthCheck implements ExecutionStore.
func (s *MemoryExecutionStore) HealthCheck(context.Context) error { return nil }

// Len returns the total number of executions. For testing.
func (s *MemoryExecutionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.executions)
}

// copyExecution detaches the maps and pointers of exec from the stored copy.
func copyExecution(exec model.WorkflowExecution) model.WorkflowExecution {
	exec.Params = copyMap(exec.Params)
	exec.Result = copyMap(exec.Result)
	if exec.EndedAt != nil {
		ended := *exec.EndedAt
		exec.EndedAt = &ended
	}
	return exec
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
