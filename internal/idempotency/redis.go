package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/punchamoorthee/fundsledger/internal/domain"
)

const maxBeginAttempts = 3

// RedisRegistry stores records as JSON strings with a native TTL, so it needs
// no sweeper. Shared by every API instance in distributed mode.
type RedisRegistry struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisRegistry(client redis.UniversalClient, prefix string, now func() time.Time) *RedisRegistry {
	if now == nil {
		now = time.Now
	}
	return &RedisRegistry{client: client, prefix: prefix, now: now}
}

func (r *RedisRegistry) key(k string) string {
	return fmt.Sprintf("%s:idem:%s", r.prefix, k)
}

func (r *RedisRegistry) Begin(ctx context.Context, key, fingerprint string, ttl time.Duration) (*domain.IdempotencyRecord, error) {
	body, err := json.Marshal(domain.IdempotencyRecord{
		Key:         key,
		Fingerprint: fingerprint,
		State:       domain.IdempotencyPending,
		ExpiresAt:   r.now().Add(ttl),
	})
	if err != nil {
		return nil, err
	}

	// A key can expire between SETNX and GET; retry the reservation then.
	for attempt := 0; attempt < maxBeginAttempts; attempt++ {
		ok, err := r.client.SetNX(ctx, r.key(key), body, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("idempotency reserve failed: %w", err)
		}
		if ok {
			return nil, nil
		}

		raw, err := r.client.Get(ctx, r.key(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("idempotency lookup failed: %w", err)
		}
		var rec domain.IdempotencyRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode idempotency record: %w", err)
		}
		return evaluate(rec, fingerprint)
	}
	return nil, ErrInProgress
}

func (r *RedisRegistry) Complete(ctx context.Context, key, transferID string, result domain.TransferResult) error {
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotReserved
	}
	if err != nil {
		return fmt.Errorf("idempotency lookup failed: %w", err)
	}
	var rec domain.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("decode idempotency record: %w", err)
	}
	complete(&rec, transferID, result)

	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := r.client.SetArgs(ctx, r.key(key), body, redis.SetArgs{KeepTTL: true}).Err(); err != nil {
		return fmt.Errorf("idempotency update failed: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}
