package calls

import "time"

// CallRequest is one consultation call from a user (caller) to a provider (callee).
//
// Single-writer invariant: after Create, only the owning session machine in
// internal/orchestrator changes Status. Status transitions are monotonic; the
// stores refuse to move a terminal record to another status.
//
// Money lives in the wallet ledger; TotalChargedMinor is a denormalised sum of
// the session's billing ticks kept for summaries.
type CallRequest struct {
	ID       string `json:"id" db:"id"`
	CallerID string `json:"caller_id" db:"caller_id"`
	CalleeID string `json:"callee_id" db:"callee_id"`

	// Snapshotted at initiation; never re-read from the catalog mid-session.
	RatePerMinuteMinor   int64  `json:"rate_per_minute_minor" db:"rate_per_minute_minor"`
	Currency             string `json:"currency" db:"currency"`
	FreeAllowanceSeconds int    `json:"free_allowance_seconds" db:"free_allowance_seconds"`

	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	ResponseDeadline time.Time `json:"response_deadline" db:"response_deadline"`

	Status Status `json:"status" db:"status"`
	Reason Reason `json:"reason,omitempty" db:"reason"`
	// ReasonDetail is free text supplied by a party (reject/end reason).
	ReasonDetail string `json:"reason_detail,omitempty" db:"reason_detail"`

	TransportRoomName string `json:"transport_room_name,omitempty" db:"transport_room_name"`
	// Per-party join tokens; never serialised to the other party.
	CallerToken string `json:"-" db:"caller_token"`
	CalleeToken string `json:"-" db:"callee_token"`

	AcceptedAt *time.Time `json:"accepted_at,omitempty" db:"accepted_at"`
	ActiveAt   *time.Time `json:"active_at,omitempty" db:"active_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	DurationSeconds   int   `json:"duration_seconds" db:"duration_seconds"`
	TotalChargedMinor int64 `json:"total_charged_minor" db:"total_charged_minor"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsParty reports whether partyID is the caller or the callee.
func (c CallRequest) IsParty(partyID string) bool {
	return partyID != "" && (partyID == c.CallerID || partyID == c.CalleeID)
}

// Counterpart returns the other party of the call.
func (c CallRequest) Counterpart(partyID string) string {
	if partyID == c.CallerID {
		return c.CalleeID
	}
	return c.CallerID
}

// TokenFor returns the join token issued to partyID, if any.
func (c CallRequest) TokenFor(partyID string) string {
	switch partyID {
	case c.CallerID:
		return c.CallerToken
	case c.CalleeID:
		return c.CalleeToken
	}
	return ""
}

// BillingTick is one append-only debit record. The sum of AmountDebitedMinor
// over a session is the total charged for it.
type BillingTick struct {
	SessionID string `json:"session_id" db:"session_id"`
	Seq       int    `json:"seq" db:"seq"`

	// ElapsedSeconds is active-call time (free allowance included) at this tick.
	ElapsedSeconds        int   `json:"elapsed_seconds" db:"elapsed_seconds"`
	AmountDebitedMinor    int64 `json:"amount_debited_minor" db:"amount_debited_minor"`
	RemainingBalanceMinor int64 `json:"remaining_balance_minor" db:"remaining_balance_minor"`

	// Insufficient marks the tick that found the balance exhausted. It debits nothing.
	Insufficient bool `json:"insufficient,omitempty" db:"insufficient"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
