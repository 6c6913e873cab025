package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger is an in-memory Ledger with the same semantics as Service.
// The mutex makes each operation a single compare-and-update step.
type MemoryLedger struct {
	mu           sync.Mutex
	balances     map[string]*Balance
	entries      []LedgerEntry
	keys         map[string]struct{}
	reservations map[string]*Reservation
	byRef        map[string]string

	clock func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances:     map[string]*Balance{},
		keys:         map[string]struct{}{},
		reservations: map[string]*Reservation{},
		byRef:        map[string]string{},
		clock:        time.Now,
	}
}

// SetBalance seeds a party's balance, replacing any previous value.
func (m *MemoryLedger) SetBalance(partyID, currency string, balanceMinor int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[partyID] = &Balance{PartyID: partyID, Currency: currency, BalanceMinor: balanceMinor, UpdatedAt: m.clock().UTC()}
}

// Entries returns a copy of the ledger log.
func (m *MemoryLedger) Entries() []LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LedgerEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *MemoryLedger) GetBalance(ctx context.Context, partyID string) (Balance, error) {
	if partyID == "" {
		return Balance{}, ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[partyID]
	if !ok {
		return Balance{}, ErrNotFound
	}
	return *b, nil
}

func (m *MemoryLedger) Credit(ctx context.Context, partyID string, req CreditRequest) (Balance, error) {
	if err := validateMoneyReq(partyID, req.AmountMinor, req.Currency, req.IdempotencyKey); err != nil {
		return Balance{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.balances[partyID]
	if m.seen(partyID, req.IdempotencyKey) {
		if !ok {
			return Balance{}, ErrNotFound
		}
		return *b, nil
	}
	if !ok {
		b = &Balance{PartyID: partyID, Currency: req.Currency}
		m.balances[partyID] = b
	}
	if b.Currency != req.Currency {
		return Balance{}, ErrInvalidArgument
	}
	now := m.clock().UTC()
	b.BalanceMinor += req.AmountMinor
	b.UpdatedAt = now
	m.append(LedgerEntry{PartyID: partyID, Type: LedgerEntryTypeCredit, AmountMinor: req.AmountMinor, Currency: req.Currency,
		ExternalRef: req.ExternalRef, IdempotencyKey: req.IdempotencyKey, Metadata: req.Metadata, CreatedAt: now})
	return *b, nil
}

func (m *MemoryLedger) Debit(ctx context.Context, partyID string, req DebitRequest) (Balance, error) {
	if err := validateMoneyReq(partyID, req.AmountMinor, req.Currency, req.IdempotencyKey); err != nil {
		return Balance{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.balances[partyID]
	if !ok {
		return Balance{}, ErrNotFound
	}
	if m.seen(partyID, req.IdempotencyKey) {
		return *b, nil
	}
	if b.Currency != req.Currency {
		return Balance{}, fmt.Errorf("%w: currency %s does not match wallet currency %s", ErrInvalidArgument, req.Currency, b.Currency)
	}
	if b.BalanceMinor < req.AmountMinor {
		return Balance{}, ErrInsufficientFunds
	}
	now := m.clock().UTC()
	b.BalanceMinor -= req.AmountMinor
	b.UpdatedAt = now
	m.append(LedgerEntry{PartyID: partyID, Type: LedgerEntryTypeDebit, AmountMinor: -req.AmountMinor, Currency: req.Currency,
		ExternalRef: req.ExternalRef, IdempotencyKey: req.IdempotencyKey, Metadata: req.Metadata, CreatedAt: now})
	return *b, nil
}

func (m *MemoryLedger) Reserve(ctx context.Context, partyID string, req ReserveRequest) (Reservation, error) {
	if partyID == "" || req.Currency == "" || req.ExternalRef == "" || req.AmountMinor <= 0 {
		return Reservation{}, ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byRef[partyID+"|"+req.ExternalRef]; ok {
		return *m.reservations[id], nil
	}
	b, ok := m.balances[partyID]
	if !ok {
		return Reservation{}, ErrNotFound
	}
	if b.Currency != req.Currency {
		return Reservation{}, ErrInvalidArgument
	}
	if b.AvailableMinor() < req.AmountMinor {
		return Reservation{}, ErrInsufficientFunds
	}
	now := m.clock().UTC()
	r := &Reservation{ID: uuid.NewString(), PartyID: partyID, AmountMinor: req.AmountMinor, Currency: req.Currency,
		ExternalRef: req.ExternalRef, Status: ReservationHeld, CreatedAt: now}
	b.ReservedMinor += req.AmountMinor
	m.reservations[r.ID] = r
	m.byRef[partyID+"|"+req.ExternalRef] = r.ID
	m.append(LedgerEntry{PartyID: partyID, Type: LedgerEntryTypeHold, AmountMinor: req.AmountMinor, Currency: req.Currency,
		ExternalRef: req.ExternalRef, IdempotencyKey: "hold:" + r.ID, CreatedAt: now})
	return *r, nil
}

func (m *MemoryLedger) Release(ctx context.Context, reservationID string) error {
	if reservationID == "" {
		return ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[reservationID]
	if !ok || r.Status != ReservationHeld {
		return nil
	}
	now := m.clock().UTC()
	r.Status = ReservationReleased
	r.ReleasedAt = &now
	if b, ok := m.balances[r.PartyID]; ok {
		b.ReservedMinor -= r.AmountMinor
		if b.ReservedMinor < 0 {
			b.ReservedMinor = 0
		}
	}
	m.append(LedgerEntry{PartyID: r.PartyID, Type: LedgerEntryTypeRelease, AmountMinor: r.AmountMinor, Currency: r.Currency,
		IdempotencyKey: "release:" + r.ID, CreatedAt: now})
	return nil
}

func (m *MemoryLedger) seen(partyID, key string) bool {
	_, ok := m.keys[partyID+"|"+key]
	return ok
}

func (m *MemoryLedger) append(e LedgerEntry) {
	e.ID = uuid.NewString()
	m.keys[e.PartyID+"|"+e.IdempotencyKey] = struct{}{}
	m.entries = append(m.entries, e)
}
