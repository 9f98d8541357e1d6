package bulk

import (
	"context"
	"fmt"

	"github.com/seiforesti/data-wave-sub007/internal/definition"
	"github.com/seiforesti/data-wave-sub007/model"
)

// WorkflowRunner runs workflow executions to completion. The workflow engine
// implements it.
type WorkflowRunner interface {
	TriggerWorkflow(ctx context.Context, workflowType string, params map[string]any) (string, error)
	Wait(ctx context.Context, id string) (model.WorkflowExecution, error)
	Lookup(workflowType string) (definition.TypeSpec, bool)
}

// WorkflowItemExecutor processes each item as an execution of workflowType
// with the item's data as params. The item succeeds when the execution
// completes; its result carries the execution ID under "execution_id".
func WorkflowItemExecutor(runner WorkflowRunner, workflowType string) ItemExecutor {
	return func(ctx context.Context, item model.BulkItem) (map[string]any, error) {
		exec, err := runToCompletion(ctx, runner, workflowType, item.Data)
		if err != nil {
			return nil, err
		}
		result := make(map[string]any, len(exec.Result)+1)
		for k, v := range exec.Result {
			result[k] = v
		}
		result["execution_id"] = exec.ID
		return result, nil
	}
}

// WorkflowCompensator undoes an item by running inverseType with the item's
// original data.
func WorkflowCompensator(runner WorkflowRunner, inverseType string) Compensator {
	return func(ctx context.Context, item model.BulkItem, _ map[string]any) error {
		_, err := runToCompletion(ctx, runner, inverseType, item.Data)
		return err
	}
}

func runToCompletion(ctx context.Context, runner WorkflowRunner, workflowType string, params map[string]any) (model.WorkflowExecution, error) {
	id, err := runner.TriggerWorkflow(ctx, workflowType, params)
	if err != nil {
		return model.WorkflowExecution{}, err
	}
	exec, err := runner.Wait(ctx, id)
	if err != nil {
		return model.WorkflowExecution{}, fmt.Errorf("waiting for execution %s: %w", id, err)
	}
	if exec.Status != model.ExecutionStatusCompleted {
		msg := exec.Error
		if msg == "" {
			msg = exec.Status
		}
		return exec, model.NewExecutionFailureError(fmt.Sprintf("execution %s of %s %s: %s", id, workflowType, exec.Status, msg))
	}
	return exec, nil
}
