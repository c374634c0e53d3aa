package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/fundsledger/internal/domain"
)

// PostgresRegistry uses the idempotency_keys table; the primary key on key
// serialises concurrent reservations.
type PostgresRegistry struct {
	db  *pgxpool.Pool
	now func() time.Time
}

func NewPostgresRegistry(db *pgxpool.Pool, now func() time.Time) *PostgresRegistry {
	if now == nil {
		now = time.Now
	}
	return &PostgresRegistry{db: db, now: now}
}

func (p *PostgresRegistry) Begin(ctx context.Context, key, fingerprint string, ttl time.Duration) (*domain.IdempotencyRecord, error) {
	now := p.now()

	if _, err := p.db.Exec(ctx, "DELETE FROM idempotency_keys WHERE key = $1 AND expires_at <= $2", key, now); err != nil {
		return nil, fmt.Errorf("expire key failed: %w", err)
	}

	_, err := p.db.Exec(ctx,
		"INSERT INTO idempotency_keys (key, request_hash, status, expires_at) VALUES ($1, $2, $3, $4)",
		key, fingerprint, domain.IdempotencyPending, now.Add(ttl),
	)
	if err == nil {
		return nil, nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return nil, fmt.Errorf("key reservation failed: %w", err)
	}

	var rec domain.IdempotencyRecord
	var transferID *string
	err = p.db.QueryRow(ctx,
		"SELECT key, request_hash, status, transfer_id, response_body, expires_at FROM idempotency_keys WHERE key = $1",
		key,
	).Scan(&rec.Key, &rec.Fingerprint, &rec.State, &transferID, &rec.Result, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// released between our insert and select
		return nil, ErrInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}
	if transferID != nil {
		rec.TransferID = *transferID
	}
	return evaluate(rec, fingerprint)
}

func (p *PostgresRegistry) Complete(ctx context.Context, key, transferID string, result domain.TransferResult) error {
	tag, err := p.db.Exec(ctx,
		"UPDATE idempotency_keys SET status = $1, transfer_id = $2, response_body = $3 WHERE key = $4",
		domain.IdempotencyCompleted, transferID, result, key,
	)
	if err != nil {
		return fmt.Errorf("idempotency update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotReserved
	}
	return nil
}

func (p *PostgresRegistry) Release(ctx context.Context, key string) error {
	_, err := p.db.Exec(ctx, "DELETE FROM idempotency_keys WHERE key = $1", key)
	return err
}

func (p *PostgresRegistry) Sweep(ctx context.Context, now time.Time) (int, error) {
	tag, err := p.db.Exec(ctx, "DELETE FROM idempotency_keys WHERE expires_at <= $1", now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
