package pricing

import "time"

// Amounts are expressed in minor units (e.g., cents) using int64.

// ProviderRate is a provider's catalog price for calls.
// A CallRequest copies the effective rate at initiation; later catalog edits
// never reach a live session.
type ProviderRate struct {
	ID         string `json:"id" db:"id"`
	ProviderID string `json:"provider_id" db:"provider_id"`

	Currency string `json:"currency" db:"currency"`

	// RatePerMinuteMinor is charged per second as rate/60.
	RatePerMinuteMinor int64 `json:"rate_per_minute_minor" db:"rate_per_minute_minor"`

	// FreeAllowanceSeconds overrides the platform default when set.
	FreeAllowanceSeconds *int `json:"free_allowance_seconds,omitempty" db:"free_allowance_seconds"`

	EffectiveFrom time.Time  `json:"effective_from" db:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty" db:"effective_to"`

	Status PricingStatus `json:"status" db:"status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// effectiveAt reports whether the row applies at the given instant.
func (p ProviderRate) effectiveAt(at time.Time) bool {
	if p.Status != PricingStatusActive {
		return false
	}
	if at.Before(p.EffectiveFrom) {
		return false
	}
	if p.EffectiveTo != nil && !at.Before(*p.EffectiveTo) {
		return false
	}
	return true
}

// Quote is the snapshot stored on a new CallRequest.
type Quote struct {
	ProviderID           string    `json:"provider_id"`
	Currency             string    `json:"currency"`
	RatePerMinuteMinor   int64     `json:"rate_per_minute_minor"`
	FreeAllowanceSeconds int       `json:"free_allowance_seconds"`
	QuotedAt             time.Time `json:"quoted_at"`
}

type PricingStatus string

const (
	PricingStatusActive   PricingStatus = "active"
	PricingStatusInactive PricingStatus = "inactive"
)
