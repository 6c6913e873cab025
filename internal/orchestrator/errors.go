package orchestrator

import (
	"errors"
	"fmt"

	"consult-platform/internal/calls"
)

var (
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionNotPending      = errors.New("session is not pending")
	ErrDeadlineExpired        = errors.New("response deadline expired")
	ErrCalleeUnreachable      = errors.New("callee unreachable")
	ErrCallerAlreadyInSession = errors.New("caller already has a live session")
	ErrCalleeBusy             = errors.New("callee is already in a call")
	ErrNotParticipant         = errors.New("party is not a participant of this session")
	ErrInvalidCommand         = errors.New("invalid command")
	ErrTransportUnavailable   = errors.New("media transport unavailable")
	ErrStaleRequest           = errors.New("stale request")

	// ErrPartyOffline is returned by a Notifier when the party has no live channel.
	ErrPartyOffline = errors.New("party offline")

	ErrStopped = errors.New("orchestrator stopped")

	errEvicted = errors.New("session evicted")
)

// StaleRequestError reports a command that lost the race to another
// transition. Status is the state that won.
type StaleRequestError struct {
	Status calls.Status
	Cause  error
}

func (e *StaleRequestError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stale request: session is %s: %v", e.Status, e.Cause)
	}
	return fmt.Sprintf("stale request: session is %s", e.Status)
}

// Is matches ErrStaleRequest and ErrSessionNotPending; the cause is reached through Unwrap.
func (e *StaleRequestError) Is(target error) bool {
	return target == ErrStaleRequest || target == ErrSessionNotPending
}

func (e *StaleRequestError) Unwrap() error { return e.Cause }

func stale(s calls.Status) error { return &StaleRequestError{Status: s} }

// ErrorCode is the stable machine-readable code for a façade error, shared by
// the HTTP and event channel surfaces.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDeadlineExpired):
		return "deadline_expired"
	case errors.Is(err, ErrStaleRequest):
		return "stale_request"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrSessionNotPending):
		return "session_not_pending"
	case errors.Is(err, ErrCalleeUnreachable):
		return "callee_unreachable"
	case errors.Is(err, ErrCallerAlreadyInSession):
		return "caller_already_in_session"
	case errors.Is(err, ErrCalleeBusy):
		return "callee_busy"
	case errors.Is(err, ErrNotParticipant):
		return "not_participant"
	case errors.Is(err, ErrInvalidCommand):
		return "invalid_command"
	case errors.Is(err, ErrTransportUnavailable):
		return "transport_unavailable"
	case errors.Is(err, ErrStopped):
		return "unavailable"
	default:
		return "internal"
	}
}
