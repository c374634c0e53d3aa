package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/fundsledger/internal/domain"
	"github.com/punchamoorthee/fundsledger/internal/limits"
)

// MemoryStore keeps accounts, ledger entries and transfers in process memory.
// It implements AccountStore, Ledger and TransferRepository.
type MemoryStore struct {
	mu         sync.RWMutex
	accounts   map[string]domain.Account
	entries    map[string][]domain.LedgerEntry
	byTransfer map[string][]domain.LedgerEntry
	transfers  map[string]domain.Transfer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:   make(map[string]domain.Account),
		entries:    make(map[string][]domain.LedgerEntry),
		byTransfer: make(map[string][]domain.LedgerEntry),
		transfers:  make(map[string]domain.Transfer),
	}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, ErrAccountNotFound
	}
	return acct, nil
}

func (s *MemoryStore) Create(ctx context.Context, acct domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acct.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAccountExists, acct.ID)
	}
	s.accounts[acct.ID] = acct
	return nil
}

func (s *MemoryStore) Post(ctx context.Context, e domain.LedgerEntry, floor int64) (domain.Account, domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[e.AccountID]
	if !ok {
		return domain.Account{}, domain.LedgerEntry{}, ErrAccountNotFound
	}
	if !acct.IsOpen() {
		return domain.Account{}, domain.LedgerEntry{}, ErrAccountClosed
	}
	next, ok := addBalance(acct.Balance, e.Delta)
	if !ok {
		return domain.Account{}, domain.LedgerEntry{}, ErrBalanceOverflow
	}
	if e.Delta < 0 && next < floor {
		return domain.Account{}, domain.LedgerEntry{}, ErrInsufficientFunds
	}
	return s.book(acct, next, e)
}

func (s *MemoryStore) Compensate(ctx context.Context, e domain.LedgerEntry) (domain.Account, domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[e.AccountID]
	if !ok {
		return domain.Account{}, domain.LedgerEntry{}, ErrAccountNotFound
	}
	next, ok := addBalance(acct.Balance, e.Delta)
	if !ok {
		return domain.Account{}, domain.LedgerEntry{}, ErrBalanceOverflow
	}
	return s.book(acct, next, e)
}

// book stores the new balance and its entry. s.mu must be held.
func (s *MemoryStore) book(acct domain.Account, balance int64, e domain.LedgerEntry) (domain.Account, domain.LedgerEntry, error) {
	acct.Balance = balance
	s.accounts[acct.ID] = acct

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.BalanceAfter = balance
	e.Sequence = int64(len(s.entries[e.AccountID]) + 1)
	s.entries[e.AccountID] = append(s.entries[e.AccountID], e)
	s.byTransfer[e.TransferID] = append(s.byTransfer[e.TransferID], e)
	return acct, e, nil
}

func addBalance(balance, delta int64) (int64, bool) {
	next := balance + delta
	if (delta > 0 && next < balance) || (delta < 0 && next > balance) {
		return 0, false
	}
	return next, true
}

func (s *MemoryStore) IncrementPeriodCounters(ctx context.Context, id string, amount int64, asOf time.Time) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, ErrAccountNotFound
	}
	limits.Accumulate(&acct, amount, asOf)
	s.accounts[id] = acct
	return acct, nil
}

func (s *MemoryStore) Close(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	if acct.Status == domain.AccountClosed {
		return nil
	}
	acct.Status = domain.AccountClosed
	acct.ClosedAt = &at
	s.accounts[id] = acct
	return nil
}

func (s *MemoryStore) ForAccount(ctx context.Context, accountID string, from, to time.Time) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.LedgerEntry, 0, len(s.entries[accountID]))
	for _, e := range s.entries[accountID] {
		if inRange(e.Timestamp, from, to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) Statement(ctx context.Context, accountID string) (domain.Account, []domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return domain.Account{}, nil, ErrAccountNotFound
	}
	return acct, append([]domain.LedgerEntry(nil), s.entries[accountID]...), nil
}

func (s *MemoryStore) ForTransfer(ctx context.Context, transferID string) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]domain.LedgerEntry(nil), s.byTransfer[transferID]...), nil
}

func (s *MemoryStore) Save(ctx context.Context, t domain.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transfers[t.ID] = t
	return nil
}

func (s *MemoryStore) GetTransfer(ctx context.Context, id string) (domain.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transfers[id]
	if !ok {
		return domain.Transfer{}, ErrTransferNotFound
	}
	return t, nil
}

// GetMany returns the transfers that exist among ids, newest first.
func (s *MemoryStore) GetMany(ctx context.Context, ids []string) ([]domain.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Transfer, 0, len(ids))
	for _, id := range ids {
		if t, ok := s.transfers[id]; ok {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Unresolved returns the matching transfers oldest first.
func (s *MemoryStore) Unresolved(ctx context.Context, cutoff time.Time) ([]domain.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Transfer
	for _, t := range s.transfers {
		if t.CreatedAt.Before(cutoff) && unresolved(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Transfers adapts the store's transfer methods to TransferRepository, whose
// Get would otherwise clash with AccountStore.Get.
func (s *MemoryStore) Transfers() TransferRepository {
	return memoryTransfers{s}
}

type memoryTransfers struct{ s *MemoryStore }

func (m memoryTransfers) Save(ctx context.Context, t domain.Transfer) error {
	return m.s.Save(ctx, t)
}

func (m memoryTransfers) Get(ctx context.Context, id string) (domain.Transfer, error) {
	return m.s.GetTransfer(ctx, id)
}

func (m memoryTransfers) GetMany(ctx context.Context, ids []string) ([]domain.Transfer, error) {
	return m.s.GetMany(ctx, ids)
}

func (m memoryTransfers) Unresolved(ctx context.Context, cutoff time.Time) ([]domain.Transfer, error) {
	return m.s.Unresolved(ctx, cutoff)
}
