package service

import (
	"context"
	"time"

	"github.com/punchamoorthee/fundsledger/internal/domain"
	"github.com/punchamoorthee/fundsledger/internal/store"
)

// TransferDetail is a transfer with the ledger entries it produced.
type TransferDetail struct {
	domain.Transfer
	Entries []domain.LedgerEntry `json:"entries"`
}

// Verification compares an account's stored balance with a replay of its ledger.
type Verification struct {
	AccountID       string `json:"account_id"`
	StoredBalance   int64  `json:"stored_balance"`
	ReplayedBalance int64  `json:"replayed_balance"`
	Entries         int    `json:"entries"`
	Consistent      bool   `json:"consistent"`
	Problem         string `json:"problem,omitempty"`
}

// TransferHistory returns the transfers that touched accountID within
// [from, to), newest first. Zero times leave that side open.
func (s *TransferService) TransferHistory(ctx context.Context, accountID string, from, to time.Time) ([]domain.Transfer, error) {
	if _, err := s.accounts.Get(ctx, accountID); err != nil {
		return nil, err
	}
	entries, err := s.ledger.ForAccount(ctx, accountID, from, to)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(entries))
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !seen[e.TransferID] {
			seen[e.TransferID] = true
			ids = append(ids, e.TransferID)
		}
	}
	if len(ids) == 0 {
		return []domain.Transfer{}, nil
	}
	return s.transfers.GetMany(ctx, ids)
}

func (s *TransferService) GetTransfer(ctx context.Context, id string) (TransferDetail, error) {
	t, err := s.transfers.Get(ctx, id)
	if err != nil {
		return TransferDetail{}, err
	}
	entries, err := s.ledger.ForTransfer(ctx, id)
	if err != nil {
		return TransferDetail{}, err
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	return TransferDetail{Transfer: t, Entries: entries}, nil
}

func (s *TransferService) AccountEntries(ctx context.Context, accountID string, from, to time.Time) ([]domain.LedgerEntry, error) {
	if _, err := s.accounts.Get(ctx, accountID); err != nil {
		return nil, err
	}
	entries, err := s.ledger.ForAccount(ctx, accountID, from, to)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	return entries, nil
}

// VerifyAccount replays the account's full history against its stored
// balance, both read from one snapshot. Customer accounts are also locked so
// the check waits out any transfer in flight on them.
func (s *TransferService) VerifyAccount(ctx context.Context, accountID string) (Verification, error) {
	if keys := s.lockKeys(domain.Transfer{SourceAccountID: accountID}); len(keys) > 0 {
		lockCtx, cancel := context.WithTimeout(ctx, s.opts.LockTimeout)
		release, err := s.locks.Acquire(lockCtx, keys...)
		cancel()
		if err != nil {
			return Verification{}, err
		}
		defer release()
	}

	acct, entries, err := s.ledger.Statement(ctx, accountID)
	if err != nil {
		return Verification{}, err
	}

	v := Verification{AccountID: accountID, StoredBalance: acct.Balance, Entries: len(entries)}
	replayed, err := store.Replay(entries)
	if err != nil {
		v.Problem = err.Error()
		return v, nil
	}
	v.ReplayedBalance = replayed
	v.Consistent = replayed == acct.Balance
	if !v.Consistent {
		v.Problem = "stored balance differs from ledger replay"
	}
	return v, nil
}
