package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"consult-platform/pkg/utils"

	"github.com/google/uuid"
)

// Ledger is the Balance Ledger contract consumed by the call orchestrator.
// Reserve and Debit are atomic per party; neither is implemented as
// read-then-write.
type Ledger interface {
	GetBalance(ctx context.Context, partyID string) (Balance, error)
	Reserve(ctx context.Context, partyID string, req ReserveRequest) (Reservation, error)
	Release(ctx context.Context, reservationID string) error
	Debit(ctx context.Context, partyID string, req DebitRequest) (Balance, error)
	Credit(ctx context.Context, partyID string, req CreditRequest) (Balance, error)
}

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidArgument   = errors.New("invalid argument")
)

// Service is the Postgres-backed Ledger.
//
// Money invariants:
// - No balance updates without a ledger entry
// - Ledger is append-only (immutable)
// - Every mutation is one conditional UPDATE inside a DB transaction
type Service struct {
	db *sql.DB
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, clock: time.Now}
}

func (s *Service) GetBalance(ctx context.Context, partyID string) (Balance, error) {
	if partyID == "" {
		return Balance{}, ErrInvalidArgument
	}
	return getBalance(ctx, s.db, partyID)
}

func (s *Service) Credit(ctx context.Context, partyID string, req CreditRequest) (Balance, error) {
	if err := validateMoneyReq(partyID, req.AmountMinor, req.Currency, req.IdempotencyKey); err != nil {
		return Balance{}, err
	}

	now := s.clock().UTC()
	var out Balance
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		inserted, err := insertLedgerOnce(ctx, tx, LedgerEntry{
			ID:             uuid.NewString(),
			PartyID:        partyID,
			Type:           LedgerEntryTypeCredit,
			AmountMinor:    req.AmountMinor,
			Currency:       req.Currency,
			ExternalRef:    req.ExternalRef,
			IdempotencyKey: req.IdempotencyKey,
			Metadata:       req.Metadata,
			CreatedAt:      now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			out, err = getBalance(ctx, tx, partyID)
			return err
		}
		out, err = applyCredit(ctx, tx, partyID, req.Currency, req.AmountMinor, now)
		return err
	})
	return out, err
}

// Debit charges amount if and only if the balance covers it. Replaying an
// idempotency key returns the current balance without charging again.
func (s *Service) Debit(ctx context.Context, partyID string, req DebitRequest) (Balance, error) {
	if err := validateMoneyReq(partyID, req.AmountMinor, req.Currency, req.IdempotencyKey); err != nil {
		return Balance{}, err
	}

	now := s.clock().UTC()
	var out Balance
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		inserted, err := insertLedgerOnce(ctx, tx, LedgerEntry{
			ID:             uuid.NewString(),
			PartyID:        partyID,
			Type:           LedgerEntryTypeDebit,
			AmountMinor:    -req.AmountMinor,
			Currency:       req.Currency,
			ExternalRef:    req.ExternalRef,
			IdempotencyKey: req.IdempotencyKey,
			Metadata:       req.Metadata,
			CreatedAt:      now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			out, err = getBalance(ctx, tx, partyID)
			return err
		}

		b, ok, err := debitIfCovered(ctx, tx, partyID, req.Currency, req.AmountMinor, now)
		if err != nil {
			return err
		}
		if !ok {
			return s.explainMiss(ctx, tx, partyID, req.Currency)
		}
		out = b
		return nil
	})
	return out, err
}

// Reserve places a notional hold. Reserving the same ExternalRef twice returns
// the first reservation.
func (s *Service) Reserve(ctx context.Context, partyID string, req ReserveRequest) (Reservation, error) {
	if partyID == "" || req.Currency == "" || req.ExternalRef == "" || req.AmountMinor <= 0 {
		return Reservation{}, ErrInvalidArgument
	}

	now := s.clock().UTC()
	var out Reservation
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		r, created, err := insertReservationOnce(ctx, tx, Reservation{
			ID:          uuid.NewString(),
			PartyID:     partyID,
			AmountMinor: req.AmountMinor,
			Currency:    req.Currency,
			ExternalRef: req.ExternalRef,
			Status:      ReservationHeld,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
		out = r
		if !created {
			return nil
		}

		ok, err := holdIfAvailable(ctx, tx, partyID, req.Currency, req.AmountMinor, now)
		if err != nil {
			return err
		}
		if !ok {
			return s.explainMiss(ctx, tx, partyID, req.Currency)
		}
		_, err = insertLedgerOnce(ctx, tx, LedgerEntry{
			ID:             uuid.NewString(),
			PartyID:        partyID,
			Type:           LedgerEntryTypeHold,
			AmountMinor:    req.AmountMinor,
			Currency:       req.Currency,
			ExternalRef:    req.ExternalRef,
			IdempotencyKey: "hold:" + r.ID,
			CreatedAt:      now,
		})
		return err
	})
	return out, err
}

// Release frees a held reservation. Releasing twice is a no-op.
func (s *Service) Release(ctx context.Context, reservationID string) error {
	if reservationID == "" {
		return ErrInvalidArgument
	}
	now := s.clock().UTC()
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		partyID, amount, currency, ok, err := releaseReservation(ctx, tx, reservationID, now)
		if err != nil || !ok {
			return err
		}
		if err := unhold(ctx, tx, partyID, amount, now); err != nil {
			return err
		}
		_, err = insertLedgerOnce(ctx, tx, LedgerEntry{
			ID:             uuid.NewString(),
			PartyID:        partyID,
			Type:           LedgerEntryTypeRelease,
			AmountMinor:    amount,
			Currency:       currency,
			IdempotencyKey: "release:" + reservationID,
			CreatedAt:      now,
		})
		return err
	})
}

// explainMiss turns a conditional update that matched no row into a typed error.
func (s *Service) explainMiss(ctx context.Context, tx *sql.Tx, partyID, currency string) error {
	b, err := getBalance(ctx, tx, partyID)
	if err != nil {
		return err
	}
	if b.Currency != currency {
		return fmt.Errorf("%w: currency %s does not match wallet currency %s", ErrInvalidArgument, currency, b.Currency)
	}
	return ErrInsufficientFunds
}

func validateMoneyReq(partyID string, amountMinor int64, currency, idempotencyKey string) error {
	if partyID == "" {
		return ErrInvalidArgument
	}
	if currency == "" {
		return ErrInvalidArgument
	}
	if idempotencyKey == "" {
		return ErrInvalidArgument
	}
	if amountMinor <= 0 {
		return ErrInvalidArgument
	}
	return nil
}
