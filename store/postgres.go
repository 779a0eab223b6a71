package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opencast/castbus/bus"
)

// Postgres backs DeadLetters and Idempotency with a shared pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a connection pool and ensures the schema exists.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 10
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &Postgres{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS dead_letters (
			stream         text        NOT NULL,
			group_name     text        NOT NULL,
			entry_id       text        NOT NULL,
			consumer       text        NOT NULL,
			delivery_count bigint      NOT NULL,
			payload        bytea,
			first_seen     timestamptz NOT NULL DEFAULT NOW(),
			PRIMARY KEY (stream, group_name, entry_id)
		);
		CREATE TABLE IF NOT EXISTS idempotency_keys (
			key        text        PRIMARY KEY,
			seen_at    timestamptz NOT NULL DEFAULT NOW(),
			expires_at timestamptz
		);
	`)
	return err
}

// Close releases the pool.
func (s *Postgres) Close() { s.pool.Close() }

// Report archives a dead letter; duplicate reports are no-ops.
func (s *Postgres) Report(ctx context.Context, dl bus.DeadLetter) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters (stream, group_name, entry_id, consumer, delivery_count, payload, first_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (stream, group_name, entry_id) DO NOTHING
	`, dl.Stream, dl.Group, dl.EntryID, dl.Consumer, dl.DeliveryCount, dl.Payload, dl.FirstSeen)
	return err
}

// List returns archived dead letters, newest first.
func (s *Postgres) List(ctx context.Context, limit int) ([]bus.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT stream, group_name, entry_id, consumer, delivery_count, payload, first_seen
		FROM dead_letters
		ORDER BY first_seen DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []bus.DeadLetter
	for rows.Next() {
		var dl bus.DeadLetter
		if err := rows.Scan(&dl.Stream, &dl.Group, &dl.EntryID, &dl.Consumer,
			&dl.DeliveryCount, &dl.Payload, &dl.FirstSeen); err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// Seen reports whether an unexpired idempotency marker exists for key.
func (s *Postgres) Seen(ctx context.Context, key string) (bool, error) {
	var expires *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT expires_at FROM idempotency_keys WHERE key = $1
	`, key).Scan(&expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if expires != nil && expires.Before(time.Now()) {
		return false, nil
	}
	return true, nil
}

// Mark records that key's work has been applied. A zero ttl never expires.
func (s *Postgres) Mark(ctx context.Context, key string, ttl time.Duration) error {
	var expires *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expires = &t
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (key, expires_at) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET expires_at = EXCLUDED.expires_at
	`, key, expires)
	return err
}
