package pricing

import (
	"context"
	"errors"
	"time"
)

// Service resolves a provider's effective rate and owns the billing math.
//
// Contract:
// - Snapshot is the only place a catalog rate enters a session.
// - BillableSeconds/OwedMinor are pure and used by every billing tick.
type Service struct {
	repo                 RateRepository
	defaultFreeAllowance int
	clock                func() time.Time
}

// NewService builds a Service. defaultFreeAllowance applies to catalog rows
// that do not set their own.
func NewService(repo RateRepository, defaultFreeAllowance time.Duration) *Service {
	return &Service{repo: repo, defaultFreeAllowance: int(defaultFreeAllowance / time.Second), clock: time.Now}
}

var (
	ErrPricingNotFound   = errors.New("pricing not found")
	ErrInvalidPricingReq = errors.New("invalid pricing request")
)

// RateRepository abstracts pricing persistence.
type RateRepository interface {
	FindProviderRate(ctx context.Context, providerID string, at time.Time) (ProviderRate, bool, error)
}

// Snapshot returns the rate and free allowance to copy onto a new call.
func (s *Service) Snapshot(ctx context.Context, providerID string) (Quote, error) {
	if providerID == "" {
		return Quote{}, ErrInvalidPricingReq
	}
	at := s.clock().UTC()

	p, ok, err := s.repo.FindProviderRate(ctx, providerID, at)
	if err != nil {
		return Quote{}, err
	}
	if !ok {
		return Quote{}, ErrPricingNotFound
	}
	if p.RatePerMinuteMinor < 0 || p.Currency == "" {
		return Quote{}, ErrInvalidPricingReq
	}

	free := s.defaultFreeAllowance
	if p.FreeAllowanceSeconds != nil && *p.FreeAllowanceSeconds >= 0 {
		free = *p.FreeAllowanceSeconds
	}
	return Quote{
		ProviderID:           providerID,
		Currency:             p.Currency,
		RatePerMinuteMinor:   p.RatePerMinuteMinor,
		FreeAllowanceSeconds: free,
		QuotedAt:             at,
	}, nil
}

// BillableSeconds is active time minus the free allowance, never negative.
func BillableSeconds(activeSeconds, freeAllowanceSeconds int64) int64 {
	if freeAllowanceSeconds < 0 {
		freeAllowanceSeconds = 0
	}
	if activeSeconds <= freeAllowanceSeconds {
		return 0
	}
	return activeSeconds - freeAllowanceSeconds
}

// OwedMinor is the cumulative charge for billable seconds at a per-minute rate,
// rounded down to whole minor units. Ticks debit the difference between
// successive values, so rounding never accumulates across ticks.
func OwedMinor(billableSeconds, ratePerMinuteMinor int64) int64 {
	if billableSeconds <= 0 || ratePerMinuteMinor <= 0 {
		return 0
	}
	return billableSeconds * ratePerMinuteMinor / 60
}
