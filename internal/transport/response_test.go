package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seiforesti/data-wave-sub007/model"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}

	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["hello"] != "world" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, httptest.NewRequest("GET", "/", nil), model.NewNotLockHolderError("dataset-42", "U2"))

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}

	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error.Code != model.ErrNotLockHolder {
		t.Errorf("code = %q, want NOT_LOCK_HOLDER", resp.Error.Code)
	}
}

func TestWriteError_wrappedEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	err := fmt.Errorf("loading request: %w", model.NewNotFoundError("approval request missing"))
	WriteError(w, nil, err)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for wrapped envelope", w.Code)
	}
}

func TestWriteError_nonEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, nil, fmt.Errorf("dial tcp: connection refused"))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500 for non-envelope error", w.Code)
	}
	if strings.Contains(w.Body.String(), "connection refused") {
		t.Error("internal error detail leaked to client")
	}
}

func TestWriteValidationError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteValidationError(w, nil, []model.FieldError{
		{Field: "approvers", Code: "required", Message: "at least one approver is required"},
	})
	if w.Code != 422 {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

func TestStatusForCode_coverage(t *testing.T) {
	codes := []struct {
		code   string
		status int
	}{
		{model.ErrBadRequest, 400},
		{model.ErrUnauthorized, 401},
		{model.ErrForbidden, 403},
		{model.ErrNotFound, 404},
		{model.ErrConflict, 409},
		{model.ErrValidationError, 422},
		{model.ErrInvalidTransition, 409},
		{model.ErrInternalError, 500},
		{model.ErrInsufficientData, 422},
		{model.ErrInvalidApprover, 403},
		{model.ErrNotLockHolder, 409},
		{model.ErrAlreadyFinalized, 409},
		{model.ErrExecutionFailure, 502},
		{model.ErrNotCancellable, 409},
		{model.ErrSessionInactive, 409},
		{"SOMETHING_NEW", 500},
	}
	for _, tc := range codes {
		t.Run(tc.code, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, nil, &model.ErrorEnvelope{Code: tc.code, Message: "test"})
			if w.Code != tc.status {
				t.Errorf("status for %s = %d, want %d", tc.code, w.Code, tc.status)
			}
		})
	}
}

func TestDecodeBody(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}

	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"x","extra":1}`))
	if err := decodeBody(httptest.NewRecorder(), req, &v, false); !model.IsCode(err, model.ErrBadRequest) {
		t.Errorf("unknown field error = %v, want BAD_REQUEST", err)
	}

	req = httptest.NewRequest("POST", "/", nil)
	if err := decodeBody(httptest.NewRecorder(), req, &v, true); err != nil {
		t.Errorf("optional empty body error = %v", err)
	}
	req = httptest.NewRequest("POST", "/", nil)
	if err := decodeBody(httptest.NewRecorder(), req, &v, false); !model.IsCode(err, model.ErrBadRequest) {
		t.Errorf("required empty body error = %v, want BAD_REQUEST", err)
	}
}
