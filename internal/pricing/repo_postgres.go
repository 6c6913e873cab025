package pricing

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresRepo reads the provider_rates catalog.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) FindProviderRate(ctx context.Context, providerID string, at time.Time) (ProviderRate, bool, error) {
	const q = `
SELECT id, provider_id, currency, rate_per_minute_minor, free_allowance_seconds,
       effective_from, effective_to, status, created_at, updated_at
FROM provider_rates
WHERE provider_id = $1
  AND status = 'active'
  AND effective_from <= $2
  AND (effective_to IS NULL OR effective_to > $2)
ORDER BY effective_from DESC
LIMIT 1
`
	var (
		p    ProviderRate
		free sql.NullInt32
		to   sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, q, providerID, at).Scan(
		&p.ID, &p.ProviderID, &p.Currency, &p.RatePerMinuteMinor, &free,
		&p.EffectiveFrom, &to, &p.Status, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ProviderRate{}, false, nil
	}
	if err != nil {
		return ProviderRate{}, false, err
	}
	if free.Valid {
		v := int(free.Int32)
		p.FreeAllowanceSeconds = &v
	}
	if to.Valid {
		t := to.Time
		p.EffectiveTo = &t
	}
	return p, true, nil
}
