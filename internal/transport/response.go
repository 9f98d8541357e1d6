// Package transport exposes the orchestration core over HTTP: the chi
// router, its middleware chain and one handler set per component.
package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/seiforesti/data-wave-sub007/internal/observability"
	"github.com/seiforesti/data-wave-sub007/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:        http.StatusBadRequest,
	model.ErrUnauthorized:      http.StatusUnauthorized,
	model.ErrForbidden:         http.StatusForbidden,
	model.ErrNotFound:          http.StatusNotFound,
	model.ErrConflict:          http.StatusConflict,
	model.ErrValidationError:   http.StatusUnprocessableEntity,
	model.ErrInvalidTransition: http.StatusConflict,
	model.ErrInternalError:     http.StatusInternalServerError,
	model.ErrInsufficientData:  http.StatusUnprocessableEntity,
	model.ErrInvalidApprover:   http.StatusForbidden,
	model.ErrNotLockHolder:     http.StatusConflict,
	model.ErrAlreadyFinalized:  http.StatusConflict,
	model.ErrExecutionFailure:  http.StatusBadGateway,
	model.ErrNotCancellable:    http.StatusConflict,
	model.ErrSessionInactive:   http.StatusConflict,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. Errors that are not (and do not wrap) an *ErrorEnvelope
// become a generic 500.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	out := *ee
	if out.TraceID == "" && r != nil {
		out.TraceID = observability.TraceIDFromContext(r.Context())
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: &out})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, msg string) {
	WriteError(w, r, model.NewNotFoundError(msg))
}

// WriteValidationError writes a 422 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, r *http.Request, details []model.FieldError) {
	WriteError(w, r, model.NewValidationError(details))
}

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// decodeBody decodes a JSON request body into v. An empty body leaves v
// untouched when optional is true.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	if r.Body == nil || r.Body == http.NoBody {
		if optional {
			return nil
		}
		return model.NewBadRequestError("request body is required")
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return model.NewBadRequestError("invalid JSON body: " + err.Error())
	}
	return nil
}
