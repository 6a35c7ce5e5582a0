package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresDDL = `
CREATE TABLE IF NOT EXISTS nasmon_collections (
    name       TEXT        PRIMARY KEY,
    payload    JSONB       NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresBackend keeps every collection as one JSONB row.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection to connStr, pings the
// database and applies the schema.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	if connStr == "" {
		return nil, errors.New("storage: postgres DSN is required")
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

// Load implements Backend.
func (b *PostgresBackend) Load(ctx context.Context, collection string) ([]byte, error) {
	var payload []byte
	err := b.pool.QueryRow(ctx,
		`SELECT payload FROM nasmon_collections WHERE name = $1`, collection).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load %s: %w", collection, err)
	}
	return payload, nil
}

// Save implements Backend.
func (b *PostgresBackend) Save(ctx context.Context, collection string, payload []byte) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO nasmon_collections (name, payload, updated_at)
		VALUES ($1, $2::jsonb, now())
		ON CONFLICT (name) DO UPDATE SET
			payload    = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at`,
		collection, string(payload))
	if err != nil {
		return fmt.Errorf("storage: save %s: %w", collection, err)
	}
	return nil
}

// Close implements Backend.
func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}
