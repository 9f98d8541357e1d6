package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seiforesti/data-wave-sub007/internal/state"
	"github.com/seiforesti/data-wave-sub007/model"
)

func handleStateGet(m *state.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry, err := m.Entry(r.Context(), chi.URLParam(r, "namespace"), chi.URLParam(r, "key"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, entry)
	}
}

// handleStatePut performs an optimistic write. A stale expected_version is
// answered with 409 and the recorded conflict.
func handleStatePut(m *state.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Value           any `json:"value"`
			ExpectedVersion int `json:"expected_version"`
		}
		if err := decodeBody(w, r, &body, false); err != nil {
			WriteError(w, r, err)
			return
		}

		res, err := m.Write(r.Context(), chi.URLParam(r, "namespace"), chi.URLParam(r, "key"), body.Value, body.ExpectedVersion)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if res.Conflict != nil {
			WriteJSON(w, http.StatusConflict, res)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleConflictList(m *state.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conflicts, err := m.Conflicts(r.Context(), model.ConflictFilters{
			Namespace:      r.URL.Query().Get("namespace"),
			UnresolvedOnly: r.URL.Query().Get("unresolved") == "true",
		})
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if conflicts == nil {
			conflicts = []model.StateConflict{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": conflicts})
	}
}

func handleConflictGet(m *state.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := m.GetConflict(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, c)
	}
}

func handleConflictResolve(m *state.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Strategy   string `json:"strategy"`
			Value      any    `json:"value"`
			ResolvedBy string `json:"resolved_by"`
		}
		if err := decodeBody(w, r, &body, false); err != nil {
			WriteError(w, r, err)
			return
		}

		c, err := m.ResolveConflict(r.Context(), chi.URLParam(r, "id"), body.Strategy, body.Value, body.ResolvedBy)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, c)
	}
}
