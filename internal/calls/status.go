package calls

// Status is the lifecycle state of a CallRequest.
type Status string

const (
	StatusInitiated Status = "initiated"
	StatusRinging   Status = "ringing"
	StatusAccepted  Status = "accepted"
	StatusActive    Status = "active"

	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusInitiated, StatusRinging, StatusAccepted, StatusActive,
	StatusCompleted, StatusFailed, StatusRejected, StatusCancelled, StatusExpired,
}

func (s Status) String() string { return string(s) }

// IsTerminal reports whether no transition may leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// IsPending reports whether the call is still waiting for the callee's answer.
func (s Status) IsPending() bool {
	return s == StatusInitiated || s == StatusRinging
}

// IsEngaged reports whether the call holds the callee (accepted or in progress).
func (s Status) IsEngaged() bool {
	return s == StatusAccepted || s == StatusActive
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}
