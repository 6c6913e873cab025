package orchestrator

import (
	"context"
	"time"

	"consult-platform/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// PartyGuard enforces one live session per caller across API instances. The
// session id is the lease owner, so a late release cannot free a newer call.
type PartyGuard interface {
	Acquire(ctx context.Context, partyID, sessionID string) (bool, error)
	// Renew extends a held lease; false means it lapsed or moved on.
	Renew(ctx context.Context, partyID, sessionID string) (bool, error)
	Release(ctx context.Context, partyID, sessionID string) error
}

// RedisGuard holds a lease per caller. Active sessions renew it, so the TTL
// only bounds how long a crashed instance can hold a caller.
type RedisGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisGuard(rdb *redis.Client, ttl time.Duration) *RedisGuard {
	return &RedisGuard{rdb: rdb, ttl: ttl}
}

func guardKey(partyID string) string { return "callguard:caller:" + partyID }

func (g *RedisGuard) Acquire(ctx context.Context, partyID, sessionID string) (bool, error) {
	return utils.AcquireLease(ctx, g.rdb, guardKey(partyID), sessionID, g.ttl)
}

func (g *RedisGuard) Renew(ctx context.Context, partyID, sessionID string) (bool, error) {
	return utils.RenewLease(ctx, g.rdb, guardKey(partyID), sessionID, g.ttl)
}

func (g *RedisGuard) Release(ctx context.Context, partyID, sessionID string) error {
	return utils.ReleaseLease(ctx, g.rdb, guardKey(partyID), sessionID)
}

// NoopGuard always grants; used for single-instance runs and tests.
type NoopGuard struct{}

func (NoopGuard) Acquire(context.Context, string, string) (bool, error) { return true, nil }
func (NoopGuard) Renew(context.Context, string, string) (bool, error)   { return true, nil }
func (NoopGuard) Release(context.Context, string, string) error         { return nil }
