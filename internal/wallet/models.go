package wallet

import "time"

// Balance is the spendable state of one party.
//
// Money invariant: balance_minor never goes negative and never changes without
// a matching wallet_ledger row written in the same transaction.
// ReservedMinor is notional: holds reduce what new reservations may take but
// do not block debits.
type Balance struct {
	PartyID       string    `json:"party_id" db:"party_id"`
	Currency      string    `json:"currency" db:"currency"`
	BalanceMinor  int64     `json:"balance_minor" db:"balance_minor"`
	ReservedMinor int64     `json:"reserved_minor" db:"reserved_minor"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// AvailableMinor is what a new reservation may still claim.
func (b Balance) AvailableMinor() int64 { return b.BalanceMinor - b.ReservedMinor }

// LedgerEntry is an immutable append-only entry.
type LedgerEntry struct {
	ID      string          `json:"id" db:"id"`
	PartyID string          `json:"party_id" db:"party_id"`
	Type    LedgerEntryType `json:"type" db:"type"`

	// AmountMinor is signed: credits positive, debits negative, holds/releases
	// carry the held amount and do not move the balance.
	AmountMinor int64  `json:"amount_minor" db:"amount_minor"`
	Currency    string `json:"currency" db:"currency"`

	// ExternalRef is the call session id for usage and holds.
	ExternalRef    string `json:"external_ref,omitempty" db:"external_ref"`
	IdempotencyKey string `json:"idempotency_key" db:"idempotency_key"`
	Metadata       string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type LedgerEntryType string

const (
	LedgerEntryTypeCredit  LedgerEntryType = "credit"  // top-up, adjustment
	LedgerEntryTypeDebit   LedgerEntryType = "debit"   // per-tick usage
	LedgerEntryTypeHold    LedgerEntryType = "hold"    // free allowance reservation
	LedgerEntryTypeRelease LedgerEntryType = "release" // reservation released at call end
)

// Reservation is a notional hold of credit against a party's balance.
type Reservation struct {
	ID          string            `json:"id" db:"id"`
	PartyID     string            `json:"party_id" db:"party_id"`
	AmountMinor int64             `json:"amount_minor" db:"amount_minor"`
	Currency    string            `json:"currency" db:"currency"`
	ExternalRef string            `json:"external_ref,omitempty" db:"external_ref"`
	Status      ReservationStatus `json:"status" db:"status"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	ReleasedAt  *time.Time        `json:"released_at,omitempty" db:"released_at"`
}

type ReservationStatus string

const (
	ReservationHeld     ReservationStatus = "held"
	ReservationReleased ReservationStatus = "released"
)

type CreditRequest struct {
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	ExternalRef    string `json:"external_ref,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	Metadata       string `json:"metadata,omitempty"`
}

type DebitRequest struct {
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	ExternalRef    string `json:"external_ref,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	Metadata       string `json:"metadata,omitempty"`
}

type ReserveRequest struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	ExternalRef string `json:"external_ref"`
}
