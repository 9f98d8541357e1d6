package workflow

import (
	"context"

	"github.com/seiforesti/data-wave-sub007/model"
)

// ExecutionStore persists workflow executions and their transition history.
type ExecutionStore interface {
	// Create persists a new execution. Returns CONFLICT if the ID exists.
	Create(ctx context.Context, exec model.WorkflowExecution) error

	// Get retrieves an execution by ID. Returns NOT_FOUND if it doesn't exist.
	Get(ctx context.Context, id string) (model.WorkflowExecution, error)

	// Update persists exec with optimistic locking: exec.Version must match
	// the stored version. Returns the stored execution with its new version,
	// or CONFLICT if the version has moved.
	Update(ctx context.Context, exec model.WorkflowExecution) (model.WorkflowExecution, error)

	// AppendTransition adds a record to the execution's audit trail.
	AppendTransition(ctx context.Context, t model.ExecutionTransition) error

	// Transitions returns the audit trail of an execution, oldest first.
	Transitions(ctx context.Context, id string) ([]model.ExecutionTransition, error)

	// List returns executions matching filters, newest first.
	List(ctx context.Context, filters model.ExecutionFilters) ([]model.WorkflowExecution, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}
