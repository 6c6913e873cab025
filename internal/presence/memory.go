package presence

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is a single-process Cache.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	parties map[string]*memoryParty
	clock   func() time.Time
}

type memoryParty struct {
	role string
	seen map[string]time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	return &MemoryCache{ttl: ttl, parties: map[string]*memoryParty{}, clock: time.Now}
}

// WithClock swaps the clock; tests use it to age entries.
func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.clock = now
	return c
}

func (c *MemoryCache) Touch(ctx context.Context, partyID, role, connectionID string) error {
	if err := validate(partyID, connectionID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.parties[partyID]
	if !ok {
		p = &memoryParty{seen: map[string]time.Time{}}
		c.parties[partyID] = p
	}
	if role != "" {
		p.role = role
	}
	p.seen[connectionID] = c.clock().UTC()
	return nil
}

func (c *MemoryCache) Drop(ctx context.Context, partyID, connectionID string) error {
	if err := validate(partyID, connectionID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.parties[partyID]; ok {
		delete(p.seen, connectionID)
		if len(p.seen) == 0 {
			delete(c.parties, partyID)
		}
	}
	return nil
}

func (c *MemoryCache) Reachable(ctx context.Context, partyID string) (bool, error) {
	p, err := c.Get(ctx, partyID)
	if err != nil {
		return false, err
	}
	return p.Online(), nil
}

func (c *MemoryCache) Get(ctx context.Context, partyID string) (Presence, error) {
	if partyID == "" {
		return Presence{}, ErrInvalidArgument
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.parties[partyID]
	if !ok {
		return Presence{PartyID: partyID}, nil
	}
	return build(partyID, p.role, p.seen, c.clock().UTC(), c.ttl), nil
}
