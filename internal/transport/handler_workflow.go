package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seiforesti/data-wave-sub007/internal/workflow"
	"github.com/seiforesti/data-wave-sub007/model"
)

type workflowTypeView struct {
	model.WorkflowTypeDefinition
	Domain string `json:"domain"`
}

func handleWorkflowTypes(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		specs := engine.Types()
		out := make([]workflowTypeView, 0, len(specs))
		for _, s := range specs {
			out = append(out, workflowTypeView{WorkflowTypeDefinition: s.WorkflowTypeDefinition, Domain: s.Domain})
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": out})
	}
}

func handleWorkflowTrigger(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Params map[string]any `json:"params"`
		}
		if err := decodeBody(w, r, &body, true); err != nil {
			WriteError(w, r, err)
			return
		}

		id, err := engine.TriggerWorkflow(r.Context(), chi.URLParam(r, "type"), body.Params)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		exec, err := engine.GetExecution(r.Context(), id)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, exec)
	}
}

func handleExecutionGet(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exec, err := engine.GetExecution(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, exec)
	}
}

func handleExecutionHistory(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := engine.GetExecution(r.Context(), id); err != nil {
			WriteError(w, r, err)
			return
		}
		history, err := engine.History(r.Context(), id)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": history})
	}
}

func handleExecutionList(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filters := model.ExecutionFilters{
			Type:   r.URL.Query().Get("type"),
			Status: r.URL.Query().Get("status"),
			Limit:  queryInt(r, "limit", 50),
			Offset: queryInt(r, "offset", 0),
		}

		execs, err := engine.ListExecutions(r.Context(), filters)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":   execs,
			"limit":  filters.Limit,
			"offset": filters.Offset,
		})
	}
}

func handleExecutionCancel(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exec, err := engine.CancelExecution(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, exec)
	}
}

// queryInt parses an integer query parameter, falling back to def when it
// is absent, malformed or negative.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
