package accesskey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists access keys to a Postgres table, allowing multiple
// API replicas to share the paid key inventory.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a Postgres-backed access key store using the
// provided DSN and creates the backing table when it is missing.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres access key dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres access key config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres access key pool: %w", err)
	}
	store := &PostgresStore{pool: pool}
	if err := store.ensureSchema(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS access_keys (
    key        TEXT PRIMARY KEY,
    plan       TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
)
`)
	if err != nil {
		return fmt.Errorf("ensure access_keys table: %w", err)
	}
	return nil
}

// Close releases the Postgres connection pool resources.
func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Save stores or updates the access key.
func (s *PostgresStore) Save(record Record) error {
	if s.pool == nil {
		return fmt.Errorf("postgres access key pool not configured")
	}
	_, err := s.pool.Exec(context.Background(), `
INSERT INTO access_keys (key, plan, created_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (key) DO UPDATE SET plan = EXCLUDED.plan, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
`, record.Key, string(record.Plan), record.CreatedAt.UTC(), record.ExpiresAt.UTC())
	return err
}

// Get fetches the record for the provided key.
func (s *PostgresStore) Get(key string) (Record, bool, error) {
	if s.pool == nil {
		return Record{}, false, fmt.Errorf("postgres access key pool not configured")
	}
	row := s.pool.QueryRow(context.Background(), `
SELECT plan, created_at, expires_at
FROM access_keys
WHERE key = $1
`, key)
	record := Record{Key: key}
	var plan string
	if err := row.Scan(&plan, &record.CreatedAt, &record.ExpiresAt); err != nil {
		if isNoRows(err) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	record.Plan = Plan(plan)
	return record, true, nil
}

// Delete removes the access key.
func (s *PostgresStore) Delete(key string) error {
	if s.pool == nil {
		return fmt.Errorf("postgres access key pool not configured")
	}
	_, err := s.pool.Exec(context.Background(), `DELETE FROM access_keys WHERE key = $1`, key)
	return err
}

// PurgeExpired deletes expired keys from the table.
func (s *PostgresStore) PurgeExpired(now time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("postgres access key pool not configured")
	}
	_, err := s.pool.Exec(context.Background(), `DELETE FROM access_keys WHERE expires_at <= $1`, now.UTC())
	return err
}

// Ping verifies the Postgres pool is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres access key pool not configured")
	}
	return s.pool.Ping(ctx)
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}
