package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - party_id is required; it is the party the record is about.
// - actor and ip capture are best-effort; do not block critical flows on audit failures.
type Event struct {
	ID      string `json:"id" db:"id"`
	PartyID string `json:"party_id" db:"party_id"`

	Type EventType `json:"type" db:"type"`

	// ActorID is the authenticated party causing the event, empty for the system.
	ActorID   string `json:"actor_id,omitempty" db:"actor_id"`
	ActorRole string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	SessionID string `json:"session_id,omitempty" db:"session_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`
	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCallOutcome EventType = "call_outcome"
	EventTypeTopUp       EventType = "wallet_topup"
	EventTypeAdminAction EventType = "admin_action"
)
