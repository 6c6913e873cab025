package wallet

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"consult-platform/pkg/utils"
)

// NOTE: This repository assumes the tables from migrations/0001_init.sql:
// - wallet_balances (one row per party, CHECK balance_minor >= 0)
// - wallet_ledger (immutable append-only, UNIQUE (party_id, idempotency_key))
// - wallet_reservations (UNIQUE (party_id, external_ref))
//
// Every balance mutation below is a single conditional UPDATE ... RETURNING.
// Nothing reads a balance, computes, and writes it back.

const balanceColumns = `party_id, currency, balance_minor, reserved_minor, updated_at`

func scanBalance(row *sql.Row) (Balance, error) {
	var b Balance
	err := row.Scan(&b.PartyID, &b.Currency, &b.BalanceMinor, &b.ReservedMinor, &b.UpdatedAt)
	return b, err
}

func getBalance(ctx context.Context, q utils.Querier, partyID string) (Balance, error) {
	b, err := scanBalance(q.QueryRowContext(ctx, `SELECT `+balanceColumns+` FROM wallet_balances WHERE party_id = $1`, partyID))
	if errors.Is(err, sql.ErrNoRows) {
		return Balance{}, ErrNotFound
	}
	return b, err
}

// insertLedgerOnce appends the entry unless the idempotency key was already used.
// It reports false on a replay.
func insertLedgerOnce(ctx context.Context, tx *sql.Tx, e LedgerEntry) (bool, error) {
	const q = `
INSERT INTO wallet_ledger (
  id, party_id, type, amount_minor, currency, external_ref, idempotency_key, metadata, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (party_id, idempotency_key) DO NOTHING
RETURNING id
`
	var id string
	err := tx.QueryRowContext(ctx, q,
		e.ID, e.PartyID, e.Type, e.AmountMinor, e.Currency, e.ExternalRef, e.IdempotencyKey, e.Metadata, e.CreatedAt,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// debitIfCovered is the compare-and-decrement used for usage charges.
func debitIfCovered(ctx context.Context, tx *sql.Tx, partyID, currency string, amountMinor int64, now time.Time) (Balance, bool, error) {
	const q = `
UPDATE wallet_balances
SET balance_minor = balance_minor - $2, updated_at = $4
WHERE party_id = $1 AND currency = $3 AND balance_minor >= $2
RETURNING ` + balanceColumns
	b, err := scanBalance(tx.QueryRowContext(ctx, q, partyID, amountMinor, currency, now))
	if errors.Is(err, sql.ErrNoRows) {
		return Balance{}, false, nil
	}
	if err != nil {
		return Balance{}, false, err
	}
	return b, true, nil
}

// holdIfAvailable raises reserved_minor only when unreserved balance covers it.
func holdIfAvailable(ctx context.Context, tx *sql.Tx, partyID, currency string, amountMinor int64, now time.Time) (bool, error) {
	const q = `
UPDATE wallet_balances
SET reserved_minor = reserved_minor + $2, updated_at = $4
WHERE party_id = $1 AND currency = $3 AND balance_minor - reserved_minor >= $2
`
	res, err := tx.ExecContext(ctx, q, partyID, amountMinor, currency, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func unhold(ctx context.Context, tx *sql.Tx, partyID string, amountMinor int64, now time.Time) error {
	const q = `
UPDATE wallet_balances
SET reserved_minor = GREATEST(reserved_minor - $2, 0), updated_at = $3
WHERE party_id = $1
`
	_, err := tx.ExecContext(ctx, q, partyID, amountMinor, now)
	return err
}

func applyCredit(ctx context.Context, tx *sql.Tx, partyID, currency string, amountMinor int64, now time.Time) (Balance, error) {
	// Upsert; a currency mismatch leaves the row untouched and returns no rows.
	const q = `
INSERT INTO wallet_balances (party_id, currency, balance_minor, reserved_minor, updated_at)
VALUES ($1,$2,$3,0,$4)
ON CONFLICT (party_id)
DO UPDATE SET balance_minor = wallet_balances.balance_minor + EXCLUDED.balance_minor,
              updated_at = EXCLUDED.updated_at
WHERE wallet_balances.currency = EXCLUDED.currency
RETURNING ` + balanceColumns
	b, err := scanBalance(tx.QueryRowContext(ctx, q, partyID, currency, amountMinor, now))
	if errors.Is(err, sql.ErrNoRows) {
		return Balance{}, ErrInvalidArgument
	}
	return b, err
}

// insertReservationOnce returns the stored reservation and whether it was created now.
func insertReservationOnce(ctx context.Context, tx *sql.Tx, r Reservation) (Reservation, bool, error) {
	const q = `
INSERT INTO wallet_reservations (id, party_id, amount_minor, currency, external_ref, status, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (party_id, external_ref) DO NOTHING
RETURNING id
`
	var id string
	err := tx.QueryRowContext(ctx, q, r.ID, r.PartyID, r.AmountMinor, r.Currency, r.ExternalRef, r.Status, r.CreatedAt).Scan(&id)
	if err == nil {
		return r, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Reservation{}, false, err
	}

	const sel = `
SELECT id, party_id, amount_minor, currency, external_ref, status, created_at, released_at
FROM wallet_reservations WHERE party_id = $1 AND external_ref = $2
`
	var existing Reservation
	var released sql.NullTime
	if err := tx.QueryRowContext(ctx, sel, r.PartyID, r.ExternalRef).Scan(
		&existing.ID, &existing.PartyID, &existing.AmountMinor, &existing.Currency,
		&existing.ExternalRef, &existing.Status, &existing.CreatedAt, &released,
	); err != nil {
		return Reservation{}, false, err
	}
	if released.Valid {
		t := released.Time
		existing.ReleasedAt = &t
	}
	return existing, false, nil
}

// releaseReservation flips a held reservation to released and reports the freed amount.
func releaseReservation(ctx context.Context, tx *sql.Tx, id string, now time.Time) (partyID string, amountMinor int64, currency string, ok bool, err error) {
	const q = `
UPDATE wallet_reservations
SET status = 'released', released_at = $2
WHERE id = $1 AND status = 'held'
RETURNING party_id, amount_minor, currency
`
	err = tx.QueryRowContext(ctx, q, id, now).Scan(&partyID, &amountMinor, &currency)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, "", false, nil
	}
	if err != nil {
		return "", 0, "", false, err
	}
	return partyID, amountMinor, currency, true, nil
}
