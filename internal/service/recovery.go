package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/fundsledger/internal/domain"
)

var errInterrupted = errors.New("transfer interrupted before completion")

// RecoverInterrupted resolves transfers created more than minAge ago that a
// crashed or cancelled process left behind: not yet terminal, or failed
// without full compensation. Every balance such a transfer still holds is
// compensated and the transfer ends failed, or rejected when nothing moved.
// It returns how many transfers were resolved.
func (s *TransferService) RecoverInterrupted(ctx context.Context, minAge time.Duration) (int, error) {
	stale, err := s.transfers.Unresolved(ctx, s.now().Add(-minAge))
	if err != nil {
		return 0, fmt.Errorf("list unresolved transfers: %w", err)
	}

	resolved := 0
	for _, t := range stale {
		ok, err := s.recoverTransfer(ctx, t.ID)
		if err != nil {
			s.incident("transfer recovery failed", err, zap.String("transfer_id", t.ID))
			continue
		}
		if ok {
			resolved++
		}
	}
	return resolved, nil
}

func (s *TransferService) recoverTransfer(ctx context.Context, id string) (bool, error) {
	t, err := s.transfers.Get(ctx, id)
	if err != nil {
		return false, err
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.opts.LockTimeout)
	release, err := s.locks.Acquire(lockCtx, s.lockKeys(t)...)
	cancel()
	if err != nil {
		return false, err
	}
	defer release()

	// the owning request may have finished while we waited
	t, err = s.transfers.Get(ctx, id)
	if err != nil {
		return false, err
	}
	wasTerminal := t.Status.IsTerminal()
	if wasTerminal && (t.Status != domain.StatusFailed || t.Compensated) {
		return false, nil
	}

	entries, err := s.ledger.ForTransfer(ctx, id)
	if err != nil {
		return false, err
	}
	p := outstanding(entries)

	if len(entries) == 0 && !wasTerminal {
		t.FailureReason = errInterrupted.Error()
		if err := t.TransitionTo(domain.StatusRejected, s.now()); err != nil {
			return false, err
		}
		s.save(ctx, t)
		if err := s.registry.Release(ctx, t.IdempotencyKey); err != nil {
			s.logger.Warn("idempotency release failed", zap.String("idempotency_key", t.IdempotencyKey), zap.Error(err))
		}
		s.logger.Warn("interrupted transfer rejected", zap.String("transfer_id", t.ID))
		return true, nil
	}

	if _, err := s.reverseLegs(ctx, &t, &p); err != nil {
		return false, err
	}
	t.Compensated = true
	compensationsTotal.Inc()

	if !wasTerminal {
		if t.Status != domain.StatusReserved {
			if err := t.TransitionTo(domain.StatusReserved, s.now()); err != nil {
				return false, err
			}
		}
		t.FailureReason = errInterrupted.Error()
		if err := t.TransitionTo(domain.StatusFailed, s.now()); err != nil {
			return false, err
		}
		transfersTotal.WithLabelValues(string(t.Type), string(t.Status)).Inc()
	}
	s.save(ctx, t)

	if !wasTerminal && t.Type != domain.TransferDeposit {
		result := domain.TransferResult{
			Status:        domain.StatusFailed,
			TransferID:    t.ID,
			Fee:           t.Fee,
			FailureReason: errInterrupted.Error(),
			ErrorKind:     domain.KindSystemError,
			Rule:          domain.RuleInterrupted,
		}
		if acct, err := s.accounts.Get(ctx, t.SourceAccountID); err == nil {
			result.NewSourceBalance = acct.Balance
		}
		s.complete(ctx, &t, result)
	}

	s.incident("interrupted transfer compensated", errInterrupted,
		zap.String("transfer_id", t.ID),
		zap.Int("legs_reversed", len(p.legs)))
	return true, nil
}

// outstanding nets a transfer's entries per account, in first-posted order,
// keeping only the accounts whose balance the transfer still holds.
func outstanding(entries []domain.LedgerEntry) posting {
	net := make(map[string]int64, len(entries))
	var order []string
	for _, e := range entries {
		if _, seen := net[e.AccountID]; !seen {
			order = append(order, e.AccountID)
		}
		net[e.AccountID] += e.Delta
	}

	var p posting
	for _, id := range order {
		if net[id] != 0 {
			p.legs = append(p.legs, leg{accountID: id, delta: net[id]})
		}
	}
	return p
}
