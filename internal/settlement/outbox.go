// Package settlement hands obligations owed to external banks to the
// settlement network. Obligations are written to an outbox while the transfer
// holds its locks; publishing happens later, outside any account lock.
package settlement

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/fundsledger/internal/domain"
)

var ErrObligationExists = errors.New("obligation already recorded for transfer")

type Outbox interface {
	Record(ctx context.Context, ob domain.Obligation) error
	Pending(ctx context.Context, limit int) ([]domain.Obligation, error)
	MarkDispatched(ctx context.Context, id string, at time.Time) error
	MarkFailedAttempt(ctx context.Context, id string) error
	MarkCancelled(ctx context.Context, id string) error
}

type MemoryOutbox struct {
	mu          sync.Mutex
	obligations map[string]domain.Obligation
	byTransfer  map[string]string
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{
		obligations: make(map[string]domain.Obligation),
		byTransfer:  make(map[string]string),
	}
}

func (m *MemoryOutbox) Record(ctx context.Context, ob domain.Obligation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byTransfer[ob.TransferID]; ok {
		return ErrObligationExists
	}
	m.obligations[ob.ID] = ob
	m.byTransfer[ob.TransferID] = ob.ID
	return nil
}

// Pending returns up to limit pending obligations, oldest first.
func (m *MemoryOutbox) Pending(ctx context.Context, limit int) ([]domain.Obligation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Obligation
	for _, ob := range m.obligations {
		if ob.Status == domain.ObligationPending {
			out = append(out, ob)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryOutbox) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	return m.update(id, func(ob *domain.Obligation) {
		ob.Status = domain.ObligationDispatched
		ob.DispatchedAt = &at
		ob.Attempts++
	})
}

func (m *MemoryOutbox) MarkFailedAttempt(ctx context.Context, id string) error {
	return m.update(id, func(ob *domain.Obligation) { ob.Attempts++ })
}

func (m *MemoryOutbox) MarkCancelled(ctx context.Context, id string) error {
	return m.update(id, func(ob *domain.Obligation) { ob.Status = domain.ObligationCancelled })
}

// ForTransfer returns the obligation recorded for transferID, if any.
func (m *MemoryOutbox) ForTransfer(transferID string) (domain.Obligation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byTransfer[transferID]
	if !ok {
		return domain.Obligation{}, false
	}
	return m.obligations[id], true
}

func (m *MemoryOutbox) update(id string, fn func(*domain.Obligation)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ob, ok := m.obligations[id]
	if !ok {
		return errors.New("obligation not found")
	}
	fn(&ob)
	m.obligations[id] = ob
	return nil
}
