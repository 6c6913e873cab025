package utils

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestLease_ValidatesArgs(t *testing.T) {
	ctx := context.Background()
	if _, err := AcquireLease(ctx, nil, "k", "s1", time.Second); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if err := ReleaseLease(ctx, nil, "k", "s1"); err == nil {
		t.Fatalf("expected error for nil client")
	}

	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()
	if _, err := AcquireLease(ctx, rdb, "k", "", time.Second); err == nil {
		t.Fatalf("expected error for empty owner")
	}
	if _, err := AcquireLease(ctx, rdb, "k", "s1", 0); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
	if _, err := RenewLease(ctx, rdb, "k", "s1", 0); err == nil {
		t.Fatalf("expected error for zero renew ttl")
	}
	if _, err := RenewLease(ctx, rdb, "", "s1", time.Second); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestRedisConfigDefaults(t *testing.T) {
	c := RedisConfig{MinIdleConns: 2}.withDefaults()
	if c.PoolSize != 20 || c.PingTimeout != 2*time.Second || c.MinIdleConns != 2 {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}
