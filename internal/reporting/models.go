package reporting

import (
	"time"

	"consult-platform/internal/calls"
)

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call outcomes for one party.
type CallsSummaryRequest struct {
	PartyID string    `json:"party_id"`
	Range   TimeRange `json:"range"`
}

type CallsSummary struct {
	PartyID string `json:"party_id"`

	TotalCalls      int `json:"total_calls"`
	CompletedCalls  int `json:"completed_calls"`
	FailedCalls     int `json:"failed_calls"`
	RejectedCalls   int `json:"rejected_calls"`
	CancelledCalls  int `json:"cancelled_calls"`
	ExpiredCalls    int `json:"expired_calls"`
	InProgressCalls int `json:"in_progress_calls"`

	ByReason map[calls.Reason]int `json:"by_reason"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	// TotalChargedMinor sums calls where the party was billed (caller side).
	TotalChargedMinor int64 `json:"total_charged_minor"`
	// TotalEarnedMinor sums calls where the party was the provider.
	TotalEarnedMinor int64 `json:"total_earned_minor"`
}

// Invoice is one call's charge rebuilt from its billing tick log.
type Invoice struct {
	SessionID string       `json:"session_id"`
	CallerID  string       `json:"caller_id"`
	CalleeID  string       `json:"callee_id"`
	Status    calls.Status `json:"status"`
	Reason    calls.Reason `json:"reason,omitempty"`

	Currency             string `json:"currency"`
	RatePerMinuteMinor   int64  `json:"rate_per_minute_minor"`
	FreeAllowanceSeconds int    `json:"free_allowance_seconds"`

	DurationSeconds int   `json:"duration_seconds"`
	BillableSeconds int64 `json:"billable_seconds"`

	// ExpectedMinor is what the duration owes; ChargedMinor is what the tick
	// log shows was debited. UnpaidMinor is the shortfall, if any.
	ExpectedMinor int64 `json:"expected_minor"`
	ChargedMinor  int64 `json:"charged_minor"`
	UnpaidMinor   int64 `json:"unpaid_minor"`

	Lines []InvoiceLine `json:"lines"`
}

type InvoiceLine struct {
	Seq                   int       `json:"seq"`
	ElapsedSeconds        int       `json:"elapsed_seconds"`
	AmountMinor           int64     `json:"amount_minor"`
	RemainingBalanceMinor int64     `json:"remaining_balance_minor"`
	Insufficient          bool      `json:"insufficient,omitempty"`
	At                    time.Time `json:"at"`
}
