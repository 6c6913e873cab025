package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestMemoryLedger_DebitIsConditional(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	l.SetBalance("u1", "USD", 100)

	b, err := l.Debit(ctx, "u1", DebitRequest{AmountMinor: 60, Currency: "USD", IdempotencyKey: "s1:tick:1"})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if b.BalanceMinor != 40 {
		t.Fatalf("expected 40, got %d", b.BalanceMinor)
	}

	_, err = l.Debit(ctx, "u1", DebitRequest{AmountMinor: 41, Currency: "USD", IdempotencyKey: "s1:tick:2"})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if b, _ := l.GetBalance(ctx, "u1"); b.BalanceMinor != 40 {
		t.Fatalf("failed debit must not move balance, got %d", b.BalanceMinor)
	}

	// The failed key was not consumed.
	l.SetBalance("u1", "USD", 100)
	if b, err := l.Debit(ctx, "u1", DebitRequest{AmountMinor: 41, Currency: "USD", IdempotencyKey: "s1:tick:2"}); err != nil || b.BalanceMinor != 59 {
		t.Fatalf("expected retry to succeed with 59, got %d err=%v", b.BalanceMinor, err)
	}
}

func TestMemoryLedger_DebitReplayIsNoop(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	l.SetBalance("u1", "USD", 100)

	req := DebitRequest{AmountMinor: 10, Currency: "USD", IdempotencyKey: "k"}
	if _, err := l.Debit(ctx, "u1", req); err != nil {
		t.Fatalf("debit: %v", err)
	}
	b, err := l.Debit(ctx, "u1", req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if b.BalanceMinor != 90 {
		t.Fatalf("expected single charge, got %d", b.BalanceMinor)
	}
	if n := len(l.Entries()); n != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", n)
	}
}

func TestMemoryLedger_DebitRejectsCurrencyMismatch(t *testing.T) {
	l := NewMemoryLedger()
	l.SetBalance("u1", "USD", 100)
	_, err := l.Debit(context.Background(), "u1", DebitRequest{AmountMinor: 1, Currency: "EUR", IdempotencyKey: "k"})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestMemoryLedger_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	l.SetBalance("u1", "USD", 50)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Debit(ctx, "u1", DebitRequest{AmountMinor: 10, Currency: "USD", IdempotencyKey: string(rune('a' + i))})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if ok != 5 {
		t.Fatalf("expected 5 successful debits, got %d", ok)
	}
	if b, _ := l.GetBalance(ctx, "u1"); b.BalanceMinor != 0 {
		t.Fatalf("expected 0 balance, got %d", b.BalanceMinor)
	}
}

func TestMemoryLedger_ReserveAndRelease(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	l.SetBalance("u1", "USD", 100)

	r, err := l.Reserve(ctx, "u1", ReserveRequest{AmountMinor: 80, Currency: "USD", ExternalRef: "s1"})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	again, err := l.Reserve(ctx, "u1", ReserveRequest{AmountMinor: 80, Currency: "USD", ExternalRef: "s1"})
	if err != nil || again.ID != r.ID {
		t.Fatalf("expected same reservation on replay, got %v err=%v", again.ID, err)
	}
	if _, err := l.Reserve(ctx, "u1", ReserveRequest{AmountMinor: 30, Currency: "USD", ExternalRef: "s2"}); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds for second hold, got %v", err)
	}

	// Holds are notional: debits still see the full balance.
	if _, err := l.Debit(ctx, "u1", DebitRequest{AmountMinor: 90, Currency: "USD", IdempotencyKey: "d"}); err != nil {
		t.Fatalf("debit under hold: %v", err)
	}

	if err := l.Release(ctx, r.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.Release(ctx, r.ID); err != nil {
		t.Fatalf("second release: %v", err)
	}
	b, _ := l.GetBalance(ctx, "u1")
	if b.ReservedMinor != 0 || b.BalanceMinor != 10 {
		t.Fatalf("unexpected balance after release: %+v", b)
	}
}

func TestMemoryLedger_CreditCreatesWallet(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	if _, err := l.GetBalance(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	b, err := l.Credit(ctx, "u1", CreditRequest{AmountMinor: 500, Currency: "USD", IdempotencyKey: "topup-1"})
	if err != nil || b.BalanceMinor != 500 {
		t.Fatalf("credit: %+v err=%v", b, err)
	}
	b, _ = l.Credit(ctx, "u1", CreditRequest{AmountMinor: 500, Currency: "USD", IdempotencyKey: "topup-1"})
	if b.BalanceMinor != 500 {
		t.Fatalf("expected replayed credit to be a no-op, got %d", b.BalanceMinor)
	}
}
