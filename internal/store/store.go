// Package store holds balances, ledger history and transfer records.
//
// A balance only changes through Post or Compensate, which write the new
// balance and its ledger entry in one atomic step. An account's stored balance
// therefore always equals the replay of its entries.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/fundsledger/internal/domain"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountExists     = errors.New("account already exists")
	ErrAccountClosed     = errors.New("account closed")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrTransferNotFound  = errors.New("transfer not found")
	ErrBalanceOverflow   = errors.New("balance out of range")
)

type AccountStore interface {
	Get(ctx context.Context, id string) (domain.Account, error)
	Create(ctx context.Context, acct domain.Account) error
	// Post adds e.Delta to the balance of e.AccountID and appends e to that
	// account's ledger as one atomic write, assigning ID (when empty),
	// Sequence and BalanceAfter. A debit fails with ErrInsufficientFunds if
	// the balance would fall below floor; a closed account fails with
	// ErrAccountClosed.
	Post(ctx context.Context, e domain.LedgerEntry, floor int64) (domain.Account, domain.LedgerEntry, error)
	// Compensate is Post without the status and floor checks. It is reserved
	// for reversing legs that were already posted.
	Compensate(ctx context.Context, e domain.LedgerEntry) (domain.Account, domain.LedgerEntry, error)
	IncrementPeriodCounters(ctx context.Context, id string, amount int64, asOf time.Time) (domain.Account, error)
	Close(ctx context.Context, id string, at time.Time) error
}

type Ledger interface {
	// ForAccount returns entries in sequence order. Zero from/to leave that
	// side of the range open; to is exclusive.
	ForAccount(ctx context.Context, accountID string, from, to time.Time) ([]domain.LedgerEntry, error)
	ForTransfer(ctx context.Context, transferID string) ([]domain.LedgerEntry, error)
	// Statement reads an account and its full history at a single point in time.
	Statement(ctx context.Context, accountID string) (domain.Account, []domain.LedgerEntry, error)
}

type TransferRepository interface {
	Save(ctx context.Context, t domain.Transfer) error
	Get(ctx context.Context, id string) (domain.Transfer, error)
	GetMany(ctx context.Context, ids []string) ([]domain.Transfer, error)
	// Unresolved lists transfers created before cutoff that either never
	// reached a terminal status or failed without full compensation.
	Unresolved(ctx context.Context, cutoff time.Time) ([]domain.Transfer, error)
}

// unresolved reports whether t still needs recovery.
func unresolved(t domain.Transfer) bool {
	return !t.Status.IsTerminal() || (t.Status == domain.StatusFailed && !t.Compensated)
}

func inRange(ts, from, to time.Time) bool {
	if !from.IsZero() && ts.Before(from) {
		return false
	}
	if !to.IsZero() && !ts.Before(to) {
		return false
	}
	return true
}
