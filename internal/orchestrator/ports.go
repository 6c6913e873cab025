package orchestrator

import (
	"context"
	"time"

	"consult-platform/internal/calls"
	"consult-platform/internal/pricing"
)

// Notifier pushes a notification to every live channel of a party.
// It must not block on party acknowledgement.
type Notifier interface {
	Notify(ctx context.Context, partyID string, n calls.Notification) error
}

// Pricer snapshots the callee's rate for a new session.
type Pricer interface {
	Snapshot(ctx context.Context, providerID string) (pricing.Quote, error)
}

// Auditor records terminal outcomes. Failures are logged, never fatal.
type Auditor interface {
	RecordOutcome(ctx context.Context, c calls.CallRequest) error
}

// Observer receives metric events.
type Observer interface {
	Finished(c calls.CallRequest)
	Debited(amountMinor int64)
	LedgerError(op string)
	TickObserved(d time.Duration)
}

type nopObserver struct{}

func (nopObserver) Finished(calls.CallRequest) {}
func (nopObserver) Debited(int64)              {}
func (nopObserver) LedgerError(string)         {}
func (nopObserver) TickObserved(time.Duration) {}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, calls.Notification) error { return nil }
