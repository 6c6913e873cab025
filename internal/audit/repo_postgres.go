package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo writes to audit_events (migrations/0001_init.sql).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (
  id, party_id, type, actor_id, actor_role, ip_address, session_id, message, metadata, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID, e.PartyID, e.Type, e.ActorID, e.ActorRole, e.IPAddress, e.SessionID, e.Message, e.Metadata, e.CreatedAt,
	)
	return err
}

func (r *PostgresRepo) ListByParty(ctx context.Context, partyID string, limit int) ([]Event, error) {
	const q = `
SELECT id, party_id, type, actor_id, actor_role, ip_address, session_id, message, metadata, created_at
FROM audit_events
WHERE party_id = $1
ORDER BY created_at DESC
LIMIT $2
`
	rows, err := r.db.QueryContext(ctx, q, partyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.PartyID, &e.Type, &e.ActorID, &e.ActorRole, &e.IPAddress, &e.SessionID, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
