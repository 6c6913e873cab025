package calls

// Reason is the machine-readable cause attached to a terminal status.
type Reason string

const (
	ReasonCalleeUnreachable    Reason = "callee_unreachable"
	ReasonNoAnswer             Reason = "no_answer"
	ReasonRejected             Reason = "rejected"
	ReasonCancelled            Reason = "cancelled"
	ReasonEndedByCaller        Reason = "ended_by_caller"
	ReasonEndedByCallee        Reason = "ended_by_callee"
	ReasonPartyDisconnected    Reason = "party_disconnected"
	ReasonInsufficientCredits  Reason = "insufficient_credits"
	ReasonTransportUnavailable Reason = "transport_unavailable"
	ReasonJoinTimeout          Reason = "transport_join_timeout"
	ReasonTerminatedByAdmin    Reason = "terminated_by_admin"
	ReasonServiceInterrupted   Reason = "service_interrupted"
)

var reasonMessages = map[Reason]string{
	ReasonCalleeUnreachable:    "provider is not available right now",
	ReasonNoAnswer:             "provider did not respond in time",
	ReasonRejected:             "provider declined the call",
	ReasonCancelled:            "caller cancelled the call",
	ReasonEndedByCaller:        "call ended by the user",
	ReasonEndedByCallee:        "call ended by the provider",
	ReasonPartyDisconnected:    "call ended after a connection was lost",
	ReasonInsufficientCredits:  "call ended because the balance ran out",
	ReasonTransportUnavailable: "call could not be connected, please try again",
	ReasonJoinTimeout:          "call could not be connected in time",
	ReasonTerminatedByAdmin:    "call ended by support",
	ReasonServiceInterrupted:   "call ended after a service interruption",
}

// Message is the human-readable text shown to parties.
func (r Reason) Message() string {
	if m, ok := reasonMessages[r]; ok {
		return m
	}
	return "call ended"
}
