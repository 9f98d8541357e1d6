package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seiforesti/data-wave-sub007/internal/bulk"
	"github.com/seiforesti/data-wave-sub007/model"
)

// handleBulkWorkflow starts a bulk run whose items are executions of the
// workflow type in the path. Rollback uses the type's inverse workflow.
func handleBulkWorkflow(executor *bulk.Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Items             []model.BulkItem `json:"items"`
			BatchSize         int              `json:"batch_size"`
			Parallelism       int              `json:"parallelism"`
			RollbackOnFailure bool             `json:"rollback_on_failure"`
		}
		if err := decodeBody(w, r, &body, false); err != nil {
			WriteError(w, r, err)
			return
		}

		id, err := executor.ExecuteOperation(r.Context(), bulk.Request{
			Type:              chi.URLParam(r, "type"),
			Items:             body.Items,
			BatchSize:         body.BatchSize,
			Parallelism:       body.Parallelism,
			RollbackOnFailure: body.RollbackOnFailure,
		})
		if err != nil {
			WriteError(w, r, err)
			return
		}
		op, err := executor.GetStatus(r.Context(), id)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, op)
	}
}

func handleBulkGet(executor *bulk.Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		op, err := executor.GetStatus(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, op)
	}
}

func handleBulkList(executor *bulk.Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"data": executor.List(r.Context())})
	}
}
