package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seiforesti/data-wave-sub007/internal/approval"
	"github.com/seiforesti/data-wave-sub007/model"
)

// decisionBody carries an approver's decision. ApproverID is ignored when
// the request is authenticated.
type decisionBody struct {
	ApproverID string `json:"approver_id"`
	Reason     string `json:"reason"`
}

func handleApprovalCreate(system *approval.System) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in approval.CreateRequestInput
		if err := decodeBody(w, r, &in, false); err != nil {
			WriteError(w, r, err)
			return
		}
		in.Requester = model.ActorFrom(r.Context(), in.Requester)

		req, err := system.CreateRequest(r.Context(), in)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, req)
	}
}

func handleApprovalGet(system *approval.System) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := system.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	}
}

func handleApprovalList(system *approval.System) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var reqs []model.ApprovalRequest
		if pendingFor := q.Get("pending_for"); pendingFor != "" {
			reqs = system.PendingFor(r.Context(), pendingFor)
		} else {
			reqs = system.List(r.Context(), model.ApprovalFilters{
				Status:   q.Get("status"),
				Approver: q.Get("approver"),
				Type:     q.Get("type"),
			})
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": reqs})
	}
}

func handleApprovalApprove(system *approval.System) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body decisionBody
		if err := decodeBody(w, r, &body, true); err != nil {
			WriteError(w, r, err)
			return
		}
		approver := model.ActorFrom(r.Context(), body.ApproverID)
		if approver == "" {
			WriteError(w, r, model.NewFieldValidationError("approver_id", "approver_id is required"))
			return
		}

		req, err := system.Approve(r.Context(), chi.URLParam(r, "id"), approver)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	}
}

func handleApprovalReject(system *approval.System) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body decisionBody
		if err := decodeBody(w, r, &body, true); err != nil {
			WriteError(w, r, err)
			return
		}
		approver := model.ActorFrom(r.Context(), body.ApproverID)
		if approver == "" {
			WriteError(w, r, model.NewFieldValidationError("approver_id", "approver_id is required"))
			return
		}

		req, err := system.Reject(r.Context(), chi.URLParam(r, "id"), approver, body.Reason)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	}
}
