package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorsIsMatchesKindAndCode(t *testing.T) {
	sentinel := StateConflict("payment_not_due", "rent is not due yet")
	wrapped := fmt.Errorf("lease: pay: %w", sentinel.WithMessage("paid 3 of 2 elapsed months"))

	if !errors.Is(wrapped, sentinel) {
		t.Fatalf("expected wrapped error to match sentinel")
	}
	if errors.Is(wrapped, StateConflict("lease_ended", "")) {
		t.Fatalf("different code must not match")
	}
	if KindOf(wrapped) != KindStateConflict {
		t.Fatalf("expected state conflict kind, got %s", KindOf(wrapped))
	}
}

func TestKindOfPlainErrorIsInternal(t *testing.T) {
	if KindOf(errors.New("boom")) != KindInternal {
		t.Fatalf("plain errors classify as internal")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := ExternalService("store_unavailable", "content store unreachable").Wrap(cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if !Retryable(err) {
		t.Fatalf("external service errors are retryable")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:      http.StatusBadRequest,
		KindAuthorization:   http.StatusForbidden,
		KindStateConflict:   http.StatusConflict,
		KindNotFound:        http.StatusNotFound,
		KindExternalService: http.StatusBadGateway,
		KindExpired:         http.StatusGone,
		KindInternal:        http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := HTTPStatus(kind); got != want {
			t.Errorf("%s: expected %d, got %d", kind, want, got)
		}
	}
}
