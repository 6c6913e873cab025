package pricing

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo is a simple in-memory repository useful for tests and local runs.
type MemoryRepo struct {
	mu    sync.RWMutex
	Rates []ProviderRate
}

// Put appends a catalog row.
func (r *MemoryRepo) Put(p ProviderRate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Rates = append(r.Rates, p)
}

func (r *MemoryRepo) FindProviderRate(ctx context.Context, providerID string, at time.Time) (ProviderRate, bool, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Prefer the most recent effective pricing row.
	var best ProviderRate
	found := false
	for _, p := range r.Rates {
		if p.ProviderID != providerID || !p.effectiveAt(at) {
			continue
		}
		if !found || p.EffectiveFrom.After(best.EffectiveFrom) {
			best = p
			found = true
		}
	}
	return best, found, nil
}
