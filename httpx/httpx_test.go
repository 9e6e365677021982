package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"leaseflow/apperr"
)

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func TestWriteAppErrorMapsKind(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/leases/x/pay", nil)
	rec := httptest.NewRecorder()
	err := fmt.Errorf("lease: pay: %w", apperr.StateConflict("payment_not_due", "rent is not due yet"))

	WriteAppError(rec, req, nil, err)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Error.Code != "payment_not_due" || env.Error.Message != "rent is not due yet" {
		t.Fatalf("unexpected error body %+v", env.Error)
	}
	if !strings.HasPrefix(env.RequestID, "req_") {
		t.Fatalf("expected a request id, got %q", env.RequestID)
	}
}

func TestWriteAppErrorHidesUnknownErrors(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/listings/x", nil)
	rec := httptest.NewRecorder()

	WriteAppError(rec, req, nil, errors.New("pq: password authentication failed for user admin"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Error.Code != "internal" || strings.Contains(rec.Body.String(), "password") {
		t.Fatalf("internal details leaked: %s", rec.Body.String())
	}
}

func TestRequestIDPropagates(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
		WriteError(w, r, http.StatusBadRequest, "bad", "bad", nil)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "req_fixed")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "req_fixed" || rec.Header().Get("X-Request-Id") != "req_fixed" {
		t.Fatalf("request id not propagated: %q / %q", seen, rec.Header().Get("X-Request-Id"))
	}
	if decodeEnvelope(t, rec).RequestID != "req_fixed" {
		t.Fatal("envelope must carry the request id")
	}
}

func TestReadJSON(t *testing.T) {
	var v struct {
		Title string `json:"title"`
	}
	cases := map[string]bool{
		`{"title":"flat"}`:           true,
		`{"title":"flat","extra":1}`: false,
		``:                           false,
		`{"title":"a"}{"title":"b"}`: false,
	}
	for body, ok := range cases {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		err := ReadJSON(req, &v)
		if (err == nil) != ok {
			t.Errorf("%q: expected ok=%v, got %v", body, ok, err)
		}
		if err != nil && !apperr.IsKind(err, apperr.KindValidation) {
			t.Errorf("%q: expected validation error, got %v", body, err)
		}
	}
}
