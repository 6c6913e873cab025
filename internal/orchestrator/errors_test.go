package orchestrator

import (
	"errors"
	"fmt"
	"testing"

	"consult-platform/internal/calls"
)

func TestStaleRequestError_Matching(t *testing.T) {
	err := fmt.Errorf("accept: %w", &StaleRequestError{Status: calls.StatusExpired, Cause: ErrDeadlineExpired})

	if !errors.Is(err, ErrStaleRequest) || !errors.Is(err, ErrSessionNotPending) || !errors.Is(err, ErrDeadlineExpired) {
		t.Fatalf("expected stale error to match its sentinels: %v", err)
	}
	var se *StaleRequestError
	if !errors.As(err, &se) || se.Status != calls.StatusExpired {
		t.Fatalf("expected winning status expired, got %+v", se)
	}
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{stale(calls.StatusAccepted), "stale_request"},
		{&StaleRequestError{Status: calls.StatusExpired, Cause: ErrDeadlineExpired}, "deadline_expired"},
		{ErrSessionNotFound, "session_not_found"},
		{fmt.Errorf("%w: bad", ErrInvalidCommand), "invalid_command"},
		{ErrCalleeBusy, "callee_busy"},
		{errors.New("boom"), "internal"},
	}
	for _, tc := range cases {
		if got := ErrorCode(tc.err); got != tc.want {
			t.Fatalf("ErrorCode(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
