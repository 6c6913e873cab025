package calls

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("calls: not found")
	ErrAlreadyExists    = errors.New("calls: already exists")
	ErrStatusRegression = errors.New("calls: terminal status cannot change")
)

// Store persists call requests and their billing tick log.
// Implementations must refuse to change the status of a terminal record.
type Store interface {
	Create(ctx context.Context, c CallRequest) error
	Save(ctx context.Context, c CallRequest) error
	Get(ctx context.Context, id string) (CallRequest, error)

	AppendTick(ctx context.Context, t BillingTick) error
	Ticks(ctx context.Context, sessionID string) ([]BillingTick, error)

	// ListStalePending returns initiated/ringing records whose deadline is before the cutoff.
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]CallRequest, error)
	// ListStaleEngaged returns accepted/active records not updated since the cutoff.
	ListStaleEngaged(ctx context.Context, cutoff time.Time, limit int) ([]CallRequest, error)
	// ListByParty returns calls where partyID was caller or callee, created in [from, to).
	ListByParty(ctx context.Context, partyID string, from, to time.Time) ([]CallRequest, error)
}

// checkTransition enforces the monotonic status rule shared by all stores.
func checkTransition(from, to Status) error {
	if from.IsTerminal() && from != to {
		return ErrStatusRegression
	}
	return nil
}
