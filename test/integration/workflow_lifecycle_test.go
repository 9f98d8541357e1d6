package integration

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/seiforesti/data-wave-sub007/model"
)

// ==========================================================================
// Helper: trigger a workflow and return the execution ID
// ==========================================================================

func triggerWorkflow(t *testing.T, h *TestHarness, token, workflowType string, params map[string]any) string {
	t.Helper()

	resp := h.POST("/api/v1/workflows/"+workflowType+"/executions", map[string]any{"params": params}, token)

	var exec model.WorkflowExecution
	h.AssertJSON(t, resp, http.StatusAccepted, &exec)
	if exec.ID == "" {
		t.Fatal("expected execution ID in trigger response")
	}
	return exec.ID
}

func assertEqual(t *testing.T, got, want any, label string) {
	t.Helper()
	if got != want {
		t.Errorf("%s = %v, want %v", label, got, want)
	}
}

// ==========================================================================
// Full Lifecycle
// ==========================================================================

func TestWorkflow_SyncLifecycle(t *testing.T) {
	h := NewTestHarness(t, WithExecutor("sync", func(_ context.Context, exec model.WorkflowExecution) (map[string]any, error) {
		return map[string]any{"synced": exec.Params["id"]}, nil
	}))
	token := h.GenerateToken(StewardClaims("steward-a"))

	id := triggerWorkflow(t, h, token, "sync", map[string]any{"id": 7})
	h.WaitExecution(id)

	// 1. The execution is completed and carries the executor's result.
	var exec model.WorkflowExecution
	h.AssertJSON(t, h.GET("/api/v1/executions/"+id, token), http.StatusOK, &exec)
	assertEqual(t, exec.Status, model.ExecutionStatusCompleted, "status")
	assertEqual(t, exec.Result["synced"], float64(7), "result.synced")
	if exec.EndedAt == nil {
		t.Error("ended_at not set on completed execution")
	}

	// 2. History shows pending → running → completed.
	var history struct {
		Data []model.ExecutionTransition `json:"data"`
	}
	h.AssertJSON(t, h.GET("/api/v1/executions/"+id+"/history", token), http.StatusOK, &history)
	var path []string
	for _, tr := range history.Data {
		path = append(path, tr.To)
	}
	assertEqual(t, strings.Join(path, ">"), "pending>running>completed", "transition path")

	// 3. The completion event names the execution and carries the result.
	event := h.Events.WaitFor(t, model.TopicExecutionCompleted, map[string]any{"executionId": id})
	result, _ := event.Payload["result"].(map[string]any)
	if result == nil || result["synced"] == nil {
		t.Errorf("completed payload result = %v", event.Payload["result"])
	}
	h.Events.WaitFor(t, model.TopicExecutionStarted, map[string]any{"executionId": id})
}

func TestWorkflow_ParamsValidatedAgainstSchema(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(StewardClaims("steward-a"))

	resp := h.POST("/api/v1/workflows/sync/executions", map[string]any{
		"params": map[string]any{"id": "seven"},
	}, token)
	h.AssertError(t, resp, http.StatusUnprocessableEntity, model.ErrValidationError)

	resp = h.POST("/api/v1/workflows/sync/executions", nil, token)
	h.AssertError(t, resp, http.StatusUnprocessableEntity, model.ErrValidationError)
}

func TestWorkflow_NotFound(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(StewardClaims("steward-a"))

	h.AssertError(t, h.POST("/api/v1/workflows/nonexistent/executions", nil, token), http.StatusNotFound, model.ErrNotFound)
	h.AssertError(t, h.GET("/api/v1/executions/nonexistent", token), http.StatusNotFound, model.ErrNotFound)
}

func TestWorkflow_ExecutorFailureRecorded(t *testing.T) {
	h := NewTestHarness(t, WithExecutor("sync", func(context.Context, model.WorkflowExecution) (map[string]any, error) {
		return nil, errSourceUnreachable
	}))
	token := h.GenerateToken(StewardClaims("steward-a"))

	// The trigger itself succeeds; the failure lands on the execution.
	id := triggerWorkflow(t, h, token, "sync", map[string]any{"id": 3})
	exec := h.WaitExecution(id)

	assertEqual(t, exec.Status, model.ExecutionStatusFailed, "status")
	assertEqual(t, exec.Error, errSourceUnreachable.Error(), "error")
	h.Events.WaitFor(t, model.TopicExecutionFailed, map[string]any{"executionId": id})
}

// ==========================================================================
// Listing
// ==========================================================================

func TestWorkflow_ListFilters(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(StewardClaims("steward-a"))

	for i := 1; i <= 3; i++ {
		h.WaitExecution(triggerWorkflow(t, h, token, "sync", map[string]any{"id": i}))
	}
	h.WaitExecution(triggerWorkflow(t, h, token, "asset_removal", map[string]any{"id": 9}))

	var list struct {
		Data []model.WorkflowExecution `json:"data"`
	}
	h.AssertJSON(t, h.GET("/api/v1/executions?type=sync&status=completed&limit=2", token), http.StatusOK, &list)
	assertEqual(t, len(list.Data), 2, "page size")
	for _, e := range list.Data {
		assertEqual(t, e.Type, "sync", "listed type")
	}

	var types struct {
		Data []struct {
			Type   string `json:"type"`
			Domain string `json:"domain"`
		} `json:"data"`
	}
	h.AssertJSON(t, h.GET("/api/v1/workflows", token), http.StatusOK, &types)
	domains := map[string]string{}
	for _, ty := range types.Data {
		domains[ty.Type] = ty.Domain
	}
	assertEqual(t, domains["sync"], "catalog", "sync domain")
	assertEqual(t, domains["glossary_bulk_update"], "glossary", "glossary_bulk_update domain")
}

// ==========================================================================
// Cancellation
// ==========================================================================

func TestWorkflow_CancelRunningExecution(t *testing.T) {
	started := make(chan struct{})
	h := NewTestHarness(t, WithExecutor("sync", func(ctx context.Context, _ model.WorkflowExecution) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	token := h.GenerateToken(StewardClaims("steward-a"))

	id := triggerWorkflow(t, h, token, "sync", map[string]any{"id": 1})
	<-started

	var flagged model.WorkflowExecution
	h.AssertJSON(t, h.POST("/api/v1/executions/"+id+"/cancel", nil, token), http.StatusAccepted, &flagged)
	assertEqual(t, flagged.CancelRequested, true, "cancel_requested")

	exec := h.WaitExecution(id)
	assertEqual(t, exec.Status, model.ExecutionStatusCancelled, "status after cancel")
	h.Events.WaitFor(t, model.TopicExecutionCancelled, map[string]any{"executionId": id})
}

func TestWorkflow_CannotCancelCompletedExecution(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(StewardClaims("steward-a"))

	id := triggerWorkflow(t, h, token, "sync", map[string]any{"id": 1})
	h.WaitExecution(id)

	h.AssertError(t, h.POST("/api/v1/executions/"+id+"/cancel", nil, token), http.StatusConflict, model.ErrAlreadyFinalized)
}

func TestWorkflow_NonCancellableType(t *testing.T) {
	release := make(chan struct{})
	h := NewTestHarness(t, WithExecutor("asset_import", func(ctx context.Context, _ model.WorkflowExecution) (map[string]any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}))
	token := h.GenerateToken(StewardClaims("steward-a"))

	id := triggerWorkflow(t, h, token, "asset_import", map[string]any{"id": 1})
	h.AssertError(t, h.POST("/api/v1/executions/"+id+"/cancel", nil, token), http.StatusConflict, model.ErrNotCancellable)

	close(release)
	assertEqual(t, h.WaitExecution(id).Status, model.ExecutionStatusCompleted, "status")
}
