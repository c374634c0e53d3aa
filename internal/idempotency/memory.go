package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/punchamoorthee/fundsledger/internal/domain"
)

type MemoryRegistry struct {
	mu      sync.Mutex
	records map[string]domain.IdempotencyRecord
	now     func() time.Time
}

func NewMemoryRegistry(now func() time.Time) *MemoryRegistry {
	if now == nil {
		now = time.Now
	}
	return &MemoryRegistry{records: make(map[string]domain.IdempotencyRecord), now: now}
}

func (m *MemoryRegistry) Begin(ctx context.Context, key, fingerprint string, ttl time.Duration) (*domain.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if rec, ok := m.records[key]; ok && !rec.Expired(now) {
		return evaluate(rec, fingerprint)
	}
	m.records[key] = domain.IdempotencyRecord{
		Key:         key,
		Fingerprint: fingerprint,
		State:       domain.IdempotencyPending,
		ExpiresAt:   now.Add(ttl),
	}
	return nil, nil
}

func (m *MemoryRegistry) Complete(ctx context.Context, key, transferID string, result domain.TransferResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return ErrNotReserved
	}
	complete(&rec, transferID, result)
	m.records[key] = rec
	return nil
}

func (m *MemoryRegistry) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, key)
	return nil
}

func (m *MemoryRegistry) Sweep(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, rec := range m.records {
		if rec.Expired(now) {
			delete(m.records, k)
			n++
		}
	}
	return n, nil
}
