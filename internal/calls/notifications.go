package calls

import "time"

// NotificationType names a server-initiated message pushed to a party.
type NotificationType string

const (
	NotifyRinging        NotificationType = "ringing"
	NotifyAccepted       NotificationType = "accepted"
	NotifyActive         NotificationType = "active"
	NotifyBillingStarted NotificationType = "billing-started"
	NotifyCreditsUpdated NotificationType = "credits-updated"
	NotifyLowBalance     NotificationType = "low-balance-warning"
	NotifyCompleted      NotificationType = "completed"
	NotifyFailed         NotificationType = "failed"
	NotifyExpired        NotificationType = "expired"
	NotifyRejected       NotificationType = "rejected"
	NotifyCancelled      NotificationType = "cancelled"
	NotifyPendingCalls   NotificationType = "pending-calls"
)

// Notification is the payload delivered over the event channel.
type Notification struct {
	Type      NotificationType `json:"type"`
	SessionID string           `json:"session_id,omitempty"`
	Status    Status           `json:"status,omitempty"`
	Reason    Reason           `json:"reason,omitempty"`
	Message   string           `json:"message,omitempty"`
	Data      any              `json:"data,omitempty"`
	At        time.Time        `json:"at"`
}

// TerminalNotification maps a terminal status to the notification type parties receive.
func TerminalNotification(s Status) NotificationType {
	switch s {
	case StatusCompleted:
		return NotifyCompleted
	case StatusRejected:
		return NotifyRejected
	case StatusCancelled:
		return NotifyCancelled
	case StatusExpired:
		return NotifyExpired
	default:
		return NotifyFailed
	}
}

type RingingData struct {
	CallerID             string    `json:"caller_id"`
	ResponseDeadline     time.Time `json:"response_deadline"`
	RatePerMinuteMinor   int64     `json:"rate_per_minute_minor"`
	Currency             string    `json:"currency"`
	FreeAllowanceSeconds int       `json:"free_allowance_seconds"`
}

// CredentialData carries the media join credential of the receiving party.
type CredentialData struct {
	Room      string    `json:"room"`
	Token     string    `json:"token"`
	URL       string    `json:"url,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// ActiveData surfaces the free/billed boundary before any debit happens.
type ActiveData struct {
	FreeAllowanceSeconds int       `json:"free_allowance_seconds"`
	RatePerMinuteMinor   int64     `json:"rate_per_minute_minor"`
	Currency             string    `json:"currency"`
	BillingStartsAt      time.Time `json:"billing_starts_at"`
}

type CreditsData struct {
	ElapsedSeconds        int   `json:"elapsed_seconds"`
	RemainingBalanceMinor int64 `json:"remaining_balance_minor"`
	UsedMinor             int64 `json:"used_minor"`
}

type LowBalanceData struct {
	OwedMinor    int64 `json:"owed_minor"`
	GraceSeconds int   `json:"grace_seconds"`
}

type SummaryData struct {
	DurationSeconds   int    `json:"duration_seconds"`
	TotalChargedMinor int64  `json:"total_charged_minor"`
	Currency          string `json:"currency"`
	ReasonDetail      string `json:"reason_detail,omitempty"`
}

// PendingCall is one entry of a provider's pending call badge.
type PendingCall struct {
	SessionID        string    `json:"session_id"`
	CallerID         string    `json:"caller_id"`
	ResponseDeadline time.Time `json:"response_deadline"`
}

type PendingData struct {
	Count int           `json:"count"`
	Calls []PendingCall `json:"calls"`
}
