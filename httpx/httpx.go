// Package httpx holds the JSON helpers and error envelope shared by the
// HTTP handlers.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"leaseflow/apperr"
)

type ctxKey int

const requestIDKey ctxKey = iota

const maxBodyBytes = 1 << 20

// ErrorBody is the error half of the envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Envelope is written for every failed request.
type Envelope struct {
	RequestID string    `json:"request_id"`
	Error     ErrorBody `json:"error"`
}

func NewRequestID() string {
	return "req_" + uuid.NewString()
}

// RequestID tags each request with an id, reusing X-Request-Id when sent.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" {
			id = NewRequestID()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// RequestIDFrom returns the id set by RequestID, or a fresh one.
func RequestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		return id
	}
	return NewRequestID()
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// ReadJSON decodes a single JSON object and rejects unknown fields.
func ReadJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return apperr.Validation("bad_json", "request body is required")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("bad_json", "request body is required")
		}
		return apperr.Validation("bad_json", fmt.Sprintf("invalid request body: %v", err))
	}
	if dec.More() {
		return apperr.Validation("bad_json", "request body must hold a single object")
	}
	return nil
}

func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	WriteJSON(w, status, Envelope{
		RequestID: RequestIDFrom(r.Context()),
		Error:     ErrorBody{Code: code, Message: message, Details: details},
	})
}

// WriteAppError renders err. Errors that are not *apperr.Error become a
// generic internal error and are only logged.
func WriteAppError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		if logger != nil {
			logger.Error("unhandled error", "request_id", RequestIDFrom(r.Context()), "path", r.URL.Path, "error", err)
		}
		WriteError(w, r, http.StatusInternalServerError, "internal", "internal error", nil)
		return
	}
	status := apperr.HTTPStatus(ae.Kind)
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Error("request failed", "request_id", RequestIDFrom(r.Context()), "path", r.URL.Path, "code", ae.Code, "error", err)
	}
	var details any
	if ae.Kind != apperr.KindInternal {
		details = map[string]any{"kind": ae.Kind, "retryable": apperr.Retryable(ae)}
	}
	WriteError(w, r, status, ae.Code, ae.Message, details)
}
