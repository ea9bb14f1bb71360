package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorMatchesKindSentinel(t *testing.T) {
	cause := errors.New("no rows")
	err := NotFound("votes.toggle", "target_missing", cause)

	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found sentinel to match")
	}
	if errors.Is(err, ErrInvalidInput) {
		t.Fatalf("did not expect invalid input sentinel to match")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to remain reachable")
	}
	if err.Error() != "votes.toggle.target_missing: no rows" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestKindOfWrappedError(t *testing.T) {
	err := fmt.Errorf("handler: %w", InvalidInput("votes.toggle", "invalid_intent", nil))

	if KindOf(err) != KindInvalidInput {
		t.Fatalf("expected invalid input kind, got %s", KindOf(err))
	}
	if CodeOf(err) != "votes.toggle.invalid_intent" {
		t.Fatalf("unexpected code %q", CodeOf(err))
	}
	if KindOf(errors.New("plain")) != KindStorage {
		t.Fatalf("expected unclassified errors to count as storage failures")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{InvalidInput("op", "bad", nil), http.StatusBadRequest},
		{NotFound("op", "missing", nil), http.StatusNotFound},
		{Unauthenticated("op", "token", nil), http.StatusUnauthorized},
		{Storage("op", "write", errors.New("disk")), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, got)
		}
	}
}
