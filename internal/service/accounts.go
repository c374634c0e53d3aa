package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/punchamoorthee/fundsledger/internal/domain"
	"github.com/punchamoorthee/fundsledger/internal/limits"
	"github.com/punchamoorthee/fundsledger/internal/store"
)

type OpenAccountRequest struct {
	ID             string             `json:"id,omitempty"`
	OwnerID        string             `json:"owner_id"`
	Kind           domain.AccountKind `json:"kind"`
	AllowOverdraft bool               `json:"allow_overdraft"`
	OverdraftLimit int64              `json:"overdraft_limit"`
	DailyLimit     int64              `json:"daily_limit,omitempty"`
	MonthlyLimit   int64              `json:"monthly_limit,omitempty"`
	OpeningBalance int64              `json:"opening_balance"`
}

// AccountSnapshot is an account as shown to a caller, with the limits that
// apply to it today.
type AccountSnapshot struct {
	domain.Account
	BalanceDisplay   string `json:"balance_display"`
	Available        int64  `json:"available"`
	EffectiveDaily   int64  `json:"effective_daily_limit"`
	EffectiveMonthly int64  `json:"effective_monthly_limit"`
	RemainingDaily   int64  `json:"remaining_daily"`
	RemainingMonthly int64  `json:"remaining_monthly"`
}

// EnsureSystemAccounts creates the fee-revenue and clearing accounts if absent.
func (s *TransferService) EnsureSystemAccounts(ctx context.Context) error {
	for _, id := range []string{s.opts.FeeAccountID, s.opts.ClearingAccountID} {
		err := s.accounts.Create(ctx, domain.Account{
			ID:        id,
			OwnerID:   "system",
			Kind:      domain.KindSystem,
			Status:    domain.AccountOpen,
			CreatedAt: s.now().UTC(),
		})
		if err != nil && !errors.Is(err, store.ErrAccountExists) {
			return fmt.Errorf("create system account %s: %w", id, err)
		}
	}
	return nil
}

// OpenAccount creates a customer account. A positive opening balance is
// posted as a deposit from the clearing account so the ledger replays to it.
func (s *TransferService) OpenAccount(ctx context.Context, req OpenAccountRequest) (domain.Account, error) {
	switch {
	case !req.Kind.Valid():
		return domain.Account{}, domain.NewValidationError(domain.RuleAccountKind, fmt.Sprintf("unsupported account kind %q", req.Kind))
	case strings.TrimSpace(req.OwnerID) == "":
		return domain.Account{}, domain.NewValidationError(domain.RuleAccountOwner, "owner id is required")
	case req.OverdraftLimit < 0 || req.DailyLimit < 0 || req.MonthlyLimit < 0 || req.OpeningBalance < 0:
		return domain.Account{}, domain.NewValidationError(domain.RuleAccountTerms, "limits and opening balance cannot be negative")
	case max(req.OverdraftLimit, req.DailyLimit, req.MonthlyLimit, req.OpeningBalance) > domain.MaxAmount:
		return domain.Account{}, domain.NewValidationError(domain.RuleAccountTerms,
			fmt.Sprintf("limits and opening balance cannot exceed %s", domain.FormatMinor(domain.MaxAmount)))
	case !req.AllowOverdraft && req.OverdraftLimit > 0:
		return domain.Account{}, domain.NewValidationError(domain.RuleAccountTerms, "overdraft limit requires allow_overdraft")
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now().UTC()
	acct := domain.Account{
		ID:             id,
		OwnerID:        req.OwnerID,
		Kind:           req.Kind,
		Status:         domain.AccountOpen,
		AllowOverdraft: req.AllowOverdraft,
		OverdraftLimit: req.OverdraftLimit,
		DailyLimit:     req.DailyLimit,
		MonthlyLimit:   req.MonthlyLimit,
		CountersAsOf:   now,
		CreatedAt:      now,
	}
	if err := s.accounts.Create(ctx, acct); err != nil {
		return domain.Account{}, err
	}

	if req.OpeningBalance > 0 {
		if err := s.deposit(ctx, acct.ID, req.OpeningBalance); err != nil {
			return domain.Account{}, err
		}
	}
	return s.accounts.Get(ctx, acct.ID)
}

func (s *TransferService) deposit(ctx context.Context, accountID string, amount int64) error {
	t := domain.NewTransfer(uuid.NewString(), domain.TransferRequest{
		IdempotencyKey:       "open:" + accountID,
		SourceAccountID:      s.opts.ClearingAccountID,
		DestinationAccountID: accountID,
		Type:                 domain.TransferDeposit,
		Amount:               amount,
		Note:                 "opening deposit",
	}, s.now())

	lockCtx, cancel := context.WithTimeout(ctx, s.opts.LockTimeout)
	release, err := s.locks.Acquire(lockCtx, s.lockKeys(t)...)
	cancel()
	if err != nil {
		return domain.NewSystemError(domain.RuleLockTimeout, "account lock not acquired in time", err)
	}
	defer release()
	ctx = context.WithoutCancel(ctx)

	var p posting
	_ = t.TransitionTo(domain.StatusValidated, s.now())
	s.save(ctx, t)
	if _, err := s.applyLeg(ctx, &t, &p, s.opts.ClearingAccountID, -amount, domain.EntryDebit); err != nil {
		t.FailureReason = "opening deposit failed"
		_ = t.TransitionTo(domain.StatusRejected, s.now())
		s.save(ctx, t)
		return domain.NewSystemError(domain.RuleStorage, "opening deposit failed", err)
	}
	_ = t.TransitionTo(domain.StatusReserved, s.now())
	s.save(ctx, t)

	if _, err := s.applyLeg(ctx, &t, &p, accountID, amount, domain.EntryCredit); err != nil {
		if _, rerr := s.reverseLegs(ctx, &t, &p); rerr != nil {
			s.incident("opening deposit revert failed", rerr, zap.String("account_id", accountID))
		} else {
			t.Compensated = true
		}
		t.FailureReason = "opening deposit failed"
		_ = t.TransitionTo(domain.StatusFailed, s.now())
		s.save(ctx, t)
		return domain.NewSystemError(domain.RuleStorage, "opening deposit failed", err)
	}

	_ = t.TransitionTo(domain.StatusPosted, s.now())
	s.save(ctx, t)
	transfersTotal.WithLabelValues(string(t.Type), string(t.Status)).Inc()
	return nil
}

// CloseAccount soft-closes an account. Its history stays readable.
func (s *TransferService) CloseAccount(ctx context.Context, id string) (domain.Account, error) {
	acct, err := s.accounts.Get(ctx, id)
	if err != nil {
		return domain.Account{}, err
	}
	if acct.IsSystem() {
		return domain.Account{}, domain.NewValidationError(domain.RuleSystemAccount, "system accounts cannot be closed")
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.opts.LockTimeout)
	release, err := s.locks.Acquire(lockCtx, id)
	cancel()
	if err != nil {
		return domain.Account{}, domain.NewSystemError(domain.RuleLockTimeout, "account lock not acquired in time", err)
	}
	defer release()

	if err := s.accounts.Close(ctx, id, s.now().UTC()); err != nil {
		return domain.Account{}, err
	}
	s.logger.Info("account closed", zap.String("account_id", id))
	return s.accounts.Get(ctx, id)
}

func (s *TransferService) AccountSnapshot(ctx context.Context, id string) (AccountSnapshot, error) {
	acct, err := s.accounts.Get(ctx, id)
	if err != nil {
		return AccountSnapshot{}, err
	}

	caps := s.opts.Limits.For(acct)
	used := limits.CurrentCounters(acct, s.now())
	snap := AccountSnapshot{
		Account:          acct,
		BalanceDisplay:   domain.FormatMinor(acct.Balance),
		Available:        acct.Available(),
		EffectiveDaily:   caps.Daily,
		EffectiveMonthly: caps.Monthly,
		RemainingDaily:   max(caps.Daily-used.Daily, 0),
		RemainingMonthly: max(caps.Monthly-used.Monthly, 0),
	}
	if acct.IsSystem() {
		snap.EffectiveDaily, snap.EffectiveMonthly = math.MaxInt64, math.MaxInt64
		snap.RemainingDaily, snap.RemainingMonthly = math.MaxInt64, math.MaxInt64
	}
	return snap, nil
}
