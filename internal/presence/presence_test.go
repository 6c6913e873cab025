package presence

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"
)

func TestMemoryCache_TouchAndExpire(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryCache(30 * time.Second).WithClock(func() time.Time { return now })

	if ok, _ := c.Reachable(ctx, "p1"); ok {
		t.Fatalf("unknown party must be unreachable")
	}
	if err := c.Touch(ctx, "p1", "provider", "conn-1"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if ok, _ := c.Reachable(ctx, "p1"); !ok {
		t.Fatalf("expected reachable after touch")
	}

	now = now.Add(31 * time.Second)
	if ok, _ := c.Reachable(ctx, "p1"); ok {
		t.Fatalf("expected stale connection to age out")
	}

	// A poll refreshes the same cache.
	if err := c.Touch(ctx, "p1", "", PollConnectionID); err != nil {
		t.Fatalf("touch: %v", err)
	}
	p, _ := c.Get(ctx, "p1")
	if !p.Online() || p.Role != "provider" || len(p.Connections) != 1 || p.Connections[0].ID != PollConnectionID {
		t.Fatalf("unexpected presence %+v", p)
	}
}

func TestMemoryCache_DropLastConnection(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute)
	_ = c.Touch(ctx, "p1", "provider", "a")
	_ = c.Touch(ctx, "p1", "provider", "b")
	_ = c.Drop(ctx, "p1", "a")
	if ok, _ := c.Reachable(ctx, "p1"); !ok {
		t.Fatalf("expected reachable with one connection left")
	}
	_ = c.Drop(ctx, "p1", "b")
	if ok, _ := c.Reachable(ctx, "p1"); ok {
		t.Fatalf("expected unreachable after last drop")
	}
}

func TestMemoryCache_ValidatesArgs(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	if err := c.Touch(context.Background(), "", "user", "a"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestNewRedisCache_NilClient(t *testing.T) {
	if _, err := NewRedisCache(nil, time.Minute); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

func TestDecodeFields(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC)
	role, seen := decodeFields(map[string]string{
		roleField: "user",
		"c1":      strconv.FormatInt(at.UnixMilli(), 10),
		"bad":     "x",
	})
	if role != "user" || len(seen) != 1 || !seen["c1"].Equal(at) {
		t.Fatalf("unexpected decode role=%q seen=%v", role, seen)
	}

	p := build("u1", role, seen, at.Add(5*time.Second), 30*time.Second)
	if !p.Online() || !p.LastSeenAt.Equal(at) {
		t.Fatalf("unexpected presence %+v", p)
	}
}
