package presence

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const roleField = "_role"

// RedisCache keeps one hash per party: connection id -> last seen (unix ms),
// plus the role. The key expires ttl after the last touch, so a crashed
// instance's connections age out on their own.
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	clock  func() time.Time
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) (*RedisCache, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	return &RedisCache{rdb: rdb, ttl: ttl, prefix: "presence:", clock: time.Now}, nil
}

func (c *RedisCache) key(partyID string) string { return c.prefix + partyID }

func (c *RedisCache) Touch(ctx context.Context, partyID, role, connectionID string) error {
	if err := validate(partyID, connectionID); err != nil {
		return err
	}
	k := c.key(partyID)
	now := c.clock().UTC().UnixMilli()

	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, k, connectionID, now)
		if role != "" {
			p.HSet(ctx, k, roleField, role)
		}
		p.PExpire(ctx, k, c.ttl)
		return nil
	})
	return err
}

func (c *RedisCache) Drop(ctx context.Context, partyID, connectionID string) error {
	if err := validate(partyID, connectionID); err != nil {
		return err
	}
	return c.rdb.HDel(ctx, c.key(partyID), connectionID).Err()
}

func (c *RedisCache) Reachable(ctx context.Context, partyID string) (bool, error) {
	p, err := c.Get(ctx, partyID)
	if err != nil {
		return false, err
	}
	return p.Online(), nil
}

func (c *RedisCache) Get(ctx context.Context, partyID string) (Presence, error) {
	if partyID == "" {
		return Presence{}, ErrInvalidArgument
	}
	fields, err := c.rdb.HGetAll(ctx, c.key(partyID)).Result()
	if err != nil {
		return Presence{}, err
	}
	role, seen := decodeFields(fields)
	return build(partyID, role, seen, c.clock().UTC(), c.ttl), nil
}

func decodeFields(fields map[string]string) (string, map[string]time.Time) {
	role := fields[roleField]
	seen := make(map[string]time.Time, len(fields))
	for id, v := range fields {
		if id == roleField {
			continue
		}
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		seen[id] = time.UnixMilli(ms).UTC()
	}
	return role, seen
}
