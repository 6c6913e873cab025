package calls

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_RefusesTerminalRegression(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	c := CallRequest{ID: "s1", CallerID: "u", CalleeID: "p", Status: StatusRinging}
	if err := s.Create(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, c); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	c.Status = StatusCancelled
	if err := s.Save(ctx, c); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Re-saving the same terminal status is allowed (idempotent writes).
	if err := s.Save(ctx, c); err != nil {
		t.Fatalf("idempotent save: %v", err)
	}
	c.Status = StatusAccepted
	if err := s.Save(ctx, c); !errors.Is(err, ErrStatusRegression) {
		t.Fatalf("expected ErrStatusRegression, got %v", err)
	}
	if err := s.Save(ctx, CallRequest{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_TicksAndListing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Unix(1700000000, 0).UTC()

	_ = s.Create(ctx, CallRequest{ID: "a", CallerID: "u", CalleeID: "p", Status: StatusRinging, CreatedAt: now, ResponseDeadline: now.Add(30 * time.Second)})
	_ = s.Create(ctx, CallRequest{ID: "b", CallerID: "u2", CalleeID: "p", Status: StatusCompleted, CreatedAt: now.Add(time.Second), ResponseDeadline: now.Add(31 * time.Second)})

	if err := s.AppendTick(ctx, BillingTick{SessionID: "a", Seq: 1, AmountDebitedMinor: 2}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendTick(ctx, BillingTick{SessionID: "a", Seq: 1}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected duplicate seq rejected, got %v", err)
	}
	if err := s.AppendTick(ctx, BillingTick{SessionID: "zz", Seq: 1}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown session, got %v", err)
	}
	ticks, _ := s.Ticks(ctx, "a")
	if len(ticks) != 1 || ticks[0].AmountDebitedMinor != 2 {
		t.Fatalf("unexpected ticks: %+v", ticks)
	}

	stale, _ := s.ListStalePending(ctx, now.Add(time.Minute), 0)
	if len(stale) != 1 || stale[0].ID != "a" {
		t.Fatalf("expected only pending call a, got %+v", stale)
	}

	byParty, _ := s.ListByParty(ctx, "p", now.Add(-time.Hour), now.Add(time.Hour))
	if len(byParty) != 2 || byParty[0].ID != "a" {
		t.Fatalf("expected both calls for provider ordered by creation, got %+v", byParty)
	}
}

func TestMemoryStore_ListStaleEngaged(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Unix(1700000000, 0).UTC()

	_ = s.Create(ctx, CallRequest{ID: "old-active", Status: StatusActive, UpdatedAt: now.Add(-10 * time.Minute)})
	_ = s.Create(ctx, CallRequest{ID: "old-accepted", Status: StatusAccepted, UpdatedAt: now.Add(-20 * time.Minute)})
	_ = s.Create(ctx, CallRequest{ID: "fresh-active", Status: StatusActive, UpdatedAt: now})
	_ = s.Create(ctx, CallRequest{ID: "old-ringing", Status: StatusRinging, UpdatedAt: now.Add(-time.Hour)})
	_ = s.Create(ctx, CallRequest{ID: "old-completed", Status: StatusCompleted, UpdatedAt: now.Add(-time.Hour)})

	got, err := s.ListStaleEngaged(ctx, now.Add(-time.Minute), 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "old-accepted" || got[1].ID != "old-active" {
		t.Fatalf("expected stale engaged calls oldest first, got %+v", got)
	}

	got, _ = s.ListStaleEngaged(ctx, now.Add(-time.Minute), 1)
	if len(got) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(got))
	}
}
