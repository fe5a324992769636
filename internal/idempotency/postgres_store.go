package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records next to the application tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS idempotency_records (
    key TEXT PRIMARY KEY,
    status_code INT NOT NULL,
    response BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idempotency_records_expires_idx ON idempotency_records (expires_at);
`

// NewPostgresStore reuses pool and ensures the table exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is nil")
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Reserve(ctx context.Context, key string, lease time.Duration) (*Record, bool, error) {
	// A record that expires between the insert and the select is retried once.
	for attempt := 0; attempt < 2; attempt++ {
		now := time.Now()
		err := p.pool.QueryRow(ctx, `
INSERT INTO idempotency_records (key, status_code, response, created_at, expires_at)
VALUES ($1, 0, ''::bytea, $2, $3)
ON CONFLICT (key) DO UPDATE
SET status_code = 0,
    response = EXCLUDED.response,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
WHERE idempotency_records.expires_at <= now()
RETURNING key
`, key, now, now.Add(lease)).Scan(new(string))
		if err == nil {
			return nil, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, err
		}

		var rec Record
		err = p.pool.QueryRow(ctx, `
SELECT status_code, response, created_at, expires_at
FROM idempotency_records
WHERE key = $1 AND expires_at > now()
`, key).Scan(&rec.StatusCode, &rec.Response, &rec.CreatedAt, &rec.ExpiresAt)
		if err == nil {
			return &rec, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, err
		}
	}
	return nil, false, errors.New("idempotency key changed hands during reservation")
}

// Save fills the reservation for key. A finished live record is never
// overwritten.
func (p *PostgresStore) Save(ctx context.Context, key string, record Record) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO idempotency_records (key, status_code, response, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (key) DO UPDATE
SET status_code = EXCLUDED.status_code,
    response = EXCLUDED.response,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
WHERE idempotency_records.status_code = 0 OR idempotency_records.expires_at <= now()
`, key, record.StatusCode, record.Response, record.CreatedAt, record.ExpiresAt)
	return err
}

func (p *PostgresStore) Release(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE key = $1 AND status_code = 0`, key)
	return err
}

func (p *PostgresStore) Purge(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, time.Now())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
