package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seiforesti/data-wave-sub007/internal/collaboration"
	"github.com/seiforesti/data-wave-sub007/model"
)

// participantBody names the acting user for anonymous requests.
type participantBody struct {
	UserID string `json:"user_id"`
}

type lockBody struct {
	UserID       string `json:"user_id"`
	ResourceID   string `json:"resource_id"`
	ResourceType string `json:"resource_type"`
	TTLSeconds   int    `json:"ttl_seconds"`
}

func (b lockBody) ttl() time.Duration {
	return time.Duration(b.TTLSeconds) * time.Second
}

// actor resolves the acting user from the request identity or the given
// fallback, writing a validation error when neither is present.
func actor(w http.ResponseWriter, r *http.Request, fallback string) (string, bool) {
	user := model.ActorFrom(r.Context(), fallback)
	if user == "" {
		WriteError(w, r, model.NewFieldValidationError("user_id", "user_id is required"))
		return "", false
	}
	return user, true
}

func handleSessionCreate(m *collaboration.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			Type        string `json:"type"`
			OwnerID     string `json:"owner_id"`
		}
		if err := decodeBody(w, r, &body, false); err != nil {
			WriteError(w, r, err)
			return
		}
		owner := model.ActorFrom(r.Context(), body.OwnerID)

		s, err := m.CreateSession(r.Context(), body.Title, body.Description, body.Type, owner)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, s)
	}
}

func handleSessionGet(m *collaboration.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := m.GetSession(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, s)
	}
}

func handleSessionList(m *collaboration.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		activeOnly := r.URL.Query().Get("active") == "true"
		WriteJSON(w, http.StatusOK, map[string]any{"data": m.ListSessions(r.Context(), activeOnly)})
	}
}

func handleSessionJoin(m *collaboration.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body participantBody
		if err := decodeBody(w, r, &body, true); err != nil {
			WriteError(w, r, err)
			return
		}
		user, ok := actor(w, r, body.UserID)
		if !ok {
			return
		}

		s, err := m.Join(r.Context(), chi.URLParam(r, "id"), user)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, s)
	}
}

func handleSessionLeave(m *collaboration.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body participantBody
		if err := decodeBody(w, r, &body, true); err != nil {
			WriteError(w, r, err)
			return
		}
		user, ok := actor(w, r, body.UserID)
		if !ok {
			return
		}

		s, err := m.Leave(r.Context(), chi.URLParam(r, "id"), user)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, s)
	}
}

func handleSessionEnd(m *collaboration.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := m.EndSession(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, s)
	}
}

// handleLockAcquire answers 200 whether or not the lock was granted; a
// refused attempt names the current holder.
func handleLockAcquire(m *collaboration.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body lockBody
		if err := decodeBody(w, r, &body, false); err != nil {
			WriteError(w, r, err)
			return
		}
		user, ok := actor(w, r, body.UserID)
		if !ok {
			return
		}

		res, err := m.LockResource(r.Context(), chi.URLParam(r, "id"), user, body.ResourceID, body.ResourceType, body.ttl())
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleLockRenew(m *collaboration.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body lockBody
		if err := decodeBody(w, r, &body, true); err != nil {
			WriteError(w, r, err)
			return
		}
		user, ok := actor(w, r, body.UserID)
		if !ok {
			return
		}

		lock, err := m.RenewLock(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "resourceId"), user, body.ttl())
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, lock)
	}
}

func handleLockRelease(m *collaboration.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := actor(w, r, r.URL.Query().Get("user_id"))
		if !ok {
			return
		}
		if err := m.Unlock(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "resourceId"), user); err != nil {
			WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleLockList(m *collaboration.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		locks, err := m.Locks(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": locks})
	}
}
