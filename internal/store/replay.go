package store

import (
	"errors"
	"fmt"

	"github.com/punchamoorthee/fundsledger/internal/domain"
)

var ErrLedgerCorrupt = errors.New("ledger replay mismatch")

// Replay folds an account's full entry history, in sequence order, into a
// balance. It fails if sequence numbers are not contiguous from 1 or if any
// entry's BalanceAfter disagrees with the running total.
func Replay(entries []domain.LedgerEntry) (int64, error) {
	var balance int64
	for i, e := range entries {
		if e.Sequence != int64(i+1) {
			return 0, fmt.Errorf("%w: entry %s has sequence %d, expected %d", ErrLedgerCorrupt, e.ID, e.Sequence, i+1)
		}
		balance += e.Delta
		if e.BalanceAfter != balance {
			return 0, fmt.Errorf("%w: entry %s balance_after %d, replay %d", ErrLedgerCorrupt, e.ID, e.BalanceAfter, balance)
		}
	}
	return balance, nil
}
