package calls

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"consult-platform/pkg/utils"
)

// PostgresStore persists call requests in call_requests and the tick log in
// billing_ticks (see migrations/0001_init.sql).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

const callColumns = `
id, caller_id, callee_id, rate_per_minute_minor, currency, free_allowance_seconds,
created_at, response_deadline, status, reason, reason_detail,
transport_room_name, caller_token, callee_token,
accepted_at, active_at, ended_at, duration_seconds, total_charged_minor, updated_at`

func (s *PostgresStore) Create(ctx context.Context, c CallRequest) error {
	const q = `INSERT INTO call_requests (` + callColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`
	_, err := s.db.ExecContext(ctx, q,
		c.ID, c.CallerID, c.CalleeID, c.RatePerMinuteMinor, c.Currency, c.FreeAllowanceSeconds,
		c.CreatedAt, c.ResponseDeadline, c.Status, c.Reason, c.ReasonDetail,
		c.TransportRoomName, c.CallerToken, c.CalleeToken,
		c.AcceptedAt, c.ActiveAt, c.EndedAt, c.DurationSeconds, c.TotalChargedMinor, c.UpdatedAt,
	)
	if utils.IsUniqueViolation(err, "") {
		return ErrAlreadyExists
	}
	return err
}

// Save overwrites the mutable columns. The WHERE clause keeps terminal rows
// terminal, so a late writer can never resurrect a finished call.
func (s *PostgresStore) Save(ctx context.Context, c CallRequest) error {
	const q = `
UPDATE call_requests SET
  status = $2, reason = $3, reason_detail = $4,
  transport_room_name = $5, caller_token = $6, callee_token = $7,
  accepted_at = $8, active_at = $9, ended_at = $10,
  duration_seconds = $11, total_charged_minor = $12, updated_at = $13
WHERE id = $1
  AND (status NOT IN ('completed','failed','rejected','cancelled','expired') OR status = $2)
`
	res, err := s.db.ExecContext(ctx, q,
		c.ID, c.Status, c.Reason, c.ReasonDetail,
		c.TransportRoomName, c.CallerToken, c.CalleeToken,
		c.AcceptedAt, c.ActiveAt, c.EndedAt,
		c.DurationSeconds, c.TotalChargedMinor, c.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, c.ID); err != nil {
		return err
	}
	return ErrStatusRegression
}

func (s *PostgresStore) Get(ctx context.Context, id string) (CallRequest, error) {
	q := `SELECT ` + callColumns + ` FROM call_requests WHERE id = $1`
	c, err := scanCall(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return CallRequest{}, ErrNotFound
	}
	return c, err
}

func (s *PostgresStore) AppendTick(ctx context.Context, t BillingTick) error {
	const q = `
INSERT INTO billing_ticks (session_id, seq, elapsed_seconds, amount_debited_minor, remaining_balance_minor, insufficient, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`
	_, err := s.db.ExecContext(ctx, q, t.SessionID, t.Seq, t.ElapsedSeconds, t.AmountDebitedMinor, t.RemainingBalanceMinor, t.Insufficient, t.CreatedAt)
	if utils.IsUniqueViolation(err, "") {
		return ErrAlreadyExists
	}
	return err
}

func (s *PostgresStore) Ticks(ctx context.Context, sessionID string) ([]BillingTick, error) {
	const q = `
SELECT session_id, seq, elapsed_seconds, amount_debited_minor, remaining_balance_minor, insufficient, created_at
FROM billing_ticks
WHERE session_id = $1
ORDER BY seq
`
	rows, err := s.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BillingTick
	for rows.Next() {
		var t BillingTick
		if err := rows.Scan(&t.SessionID, &t.Seq, &t.ElapsedSeconds, &t.AmountDebitedMinor, &t.RemainingBalanceMinor, &t.Insufficient, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]CallRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + callColumns + `
FROM call_requests
WHERE status IN ('initiated','ringing') AND response_deadline < $1
ORDER BY response_deadline
LIMIT $2`
	return s.list(ctx, q, cutoff, limit)
}

func (s *PostgresStore) ListStaleEngaged(ctx context.Context, cutoff time.Time, limit int) ([]CallRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + callColumns + `
FROM call_requests
WHERE status IN ('accepted','active') AND updated_at < $1
ORDER BY updated_at
LIMIT $2`
	return s.list(ctx, q, cutoff, limit)
}

func (s *PostgresStore) ListByParty(ctx context.Context, partyID string, from, to time.Time) ([]CallRequest, error) {
	q := `SELECT ` + callColumns + `
FROM call_requests
WHERE (caller_id = $1 OR callee_id = $1) AND created_at >= $2 AND created_at < $3
ORDER BY created_at`
	return s.list(ctx, q, partyID, from, to)
}

func (s *PostgresStore) list(ctx context.Context, q string, args ...any) ([]CallRequest, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallRequest
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(r rowScanner) (CallRequest, error) {
	var c CallRequest
	var reason, detail, room, callerTok, calleeTok sql.NullString
	var accepted, active, ended sql.NullTime
	err := r.Scan(
		&c.ID, &c.CallerID, &c.CalleeID, &c.RatePerMinuteMinor, &c.Currency, &c.FreeAllowanceSeconds,
		&c.CreatedAt, &c.ResponseDeadline, &c.Status, &reason, &detail,
		&room, &callerTok, &calleeTok,
		&accepted, &active, &ended, &c.DurationSeconds, &c.TotalChargedMinor, &c.UpdatedAt,
	)
	if err != nil {
		return CallRequest{}, err
	}
	c.Reason = Reason(reason.String)
	c.ReasonDetail = detail.String
	c.TransportRoomName = room.String
	c.CallerToken = callerTok.String
	c.CalleeToken = calleeTok.String
	c.AcceptedAt = nullTime(accepted)
	c.ActiveAt = nullTime(active)
	c.EndedAt = nullTime(ended)
	return c, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
