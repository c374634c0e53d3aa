package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/punchamoorthee/fundsledger/internal/domain"
	"github.com/punchamoorthee/fundsledger/internal/fee"
	"github.com/punchamoorthee/fundsledger/internal/idempotency"
	"github.com/punchamoorthee/fundsledger/internal/limits"
	"github.com/punchamoorthee/fundsledger/internal/lock"
	"github.com/punchamoorthee/fundsledger/internal/store"
	"github.com/punchamoorthee/fundsledger/internal/validation"
)

// ObligationRecorder persists the obligation of an external transfer. It is
// the only step of a transfer that may leave the process.
type ObligationRecorder interface {
	Record(ctx context.Context, ob domain.Obligation) error
}

type Dependencies struct {
	Accounts    store.AccountStore
	Ledger      store.Ledger
	Transfers   store.TransferRepository
	Registry    idempotency.Registry
	Locks       lock.Manager
	Obligations ObligationRecorder
	Logger      *zap.Logger
	Now         func() time.Time
}

type Options struct {
	Fees               fee.Policy
	Limits             limits.Limits
	IdempotencyTTL     time.Duration
	LockTimeout        time.Duration
	ExternalLegTimeout time.Duration
	FeeAccountID       string
	ClearingAccountID  string
}

func DefaultOptions() Options {
	return Options{
		Fees:               fee.DefaultPolicy(),
		Limits:             limits.DefaultLimits(),
		IdempotencyTTL:     24 * time.Hour,
		LockTimeout:        5 * time.Second,
		ExternalLegTimeout: 3 * time.Second,
		FeeAccountID:       "sys-fee-revenue",
		ClearingAccountID:  "sys-external-clearing",
	}
}

// TransferService is the transaction processor. Every transfer that gets
// past its reservation ends posted or failed with all applied legs
// compensated before CreateTransfer returns.
type TransferService struct {
	accounts    store.AccountStore
	ledger      store.Ledger
	transfers   store.TransferRepository
	registry    idempotency.Registry
	locks       lock.Manager
	obligations ObligationRecorder
	validator   *validation.Validator
	opts        Options
	logger      *zap.Logger
	now         func() time.Time
}

func NewTransferService(deps Dependencies, opts Options) *TransferService {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &TransferService{
		accounts:    deps.Accounts,
		ledger:      deps.Ledger,
		transfers:   deps.Transfers,
		registry:    deps.Registry,
		locks:       deps.Locks,
		obligations: deps.Obligations,
		validator:   validation.NewValidator(deps.Accounts, opts.Fees, opts.Limits, deps.Now),
		opts:        opts,
		logger:      deps.Logger,
		now:         deps.Now,
	}
}

// leg is one balance change posted on behalf of a transfer.
type leg struct {
	accountID string
	delta     int64
}

type posting struct {
	legs []leg
}

// CreateTransfer executes req exactly once per idempotency key. The bool
// reports whether the result was replayed from an earlier attempt. The
// error is nil only for posted transfers; otherwise it is a
// *domain.TransferError or one of the idempotency errors.
func (s *TransferService) CreateTransfer(ctx context.Context, req domain.TransferRequest) (domain.TransferResult, bool, error) {
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return domain.TransferResult{}, false, domain.NewValidationError(domain.RuleIdempotencyKey, "idempotency key is required")
	}

	rec, err := s.registry.Begin(ctx, req.IdempotencyKey, req.Fingerprint(), s.opts.IdempotencyTTL)
	if err != nil {
		if errors.Is(err, idempotency.ErrInProgress) || errors.Is(err, idempotency.ErrFingerprintMismatch) {
			return domain.TransferResult{}, false, err
		}
		s.incident("idempotency registry unavailable", err, zap.String("idempotency_key", req.IdempotencyKey))
		return domain.TransferResult{}, false, domain.NewSystemError(domain.RuleStorage, "idempotency registry unavailable", err)
	}
	if rec != nil && rec.Result != nil {
		return *rec.Result, true, rec.Result.Err()
	}

	result, err := s.execute(ctx, req)
	return result, false, err
}

func (s *TransferService) execute(ctx context.Context, req domain.TransferRequest) (domain.TransferResult, error) {
	t := domain.NewTransfer(uuid.NewString(), req, s.now())

	dec, err := s.validator.Validate(ctx, req)
	if err != nil {
		te, ok := domain.AsTransferError(err)
		if !ok {
			te = domain.NewSystemError(domain.RuleStorage, "account store unavailable", err)
		}
		return s.reject(ctx, &t, te)
	}
	t.Fee = dec.Fee
	if err := t.TransitionTo(domain.StatusValidated, s.now()); err != nil {
		return s.reject(ctx, &t, domain.NewSystemError(domain.RuleStorage, err.Error(), err))
	}
	s.save(ctx, t)

	waitStart := time.Now()
	lockCtx, cancel := context.WithTimeout(ctx, s.opts.LockTimeout)
	release, err := s.locks.Acquire(lockCtx, s.lockKeys(t)...)
	cancel()
	lockWait.Observe(time.Since(waitStart).Seconds())
	if err != nil {
		return s.reject(ctx, &t, domain.NewSystemError(domain.RuleLockTimeout, "account lock not acquired in time", err))
	}
	defer release()

	return s.post(ctx, &t)
}

// post runs with every account lock of t held.
func (s *TransferService) post(ctx context.Context, t *domain.Transfer) (domain.TransferResult, error) {
	src, err := s.accounts.Get(ctx, t.SourceAccountID)
	if err != nil {
		return s.reject(ctx, t, domain.NewSystemError(domain.RuleStorage, "source account unavailable", err))
	}
	if !src.IsOpen() {
		return s.reject(ctx, t, domain.NewValidationError(domain.RuleSourceClosed, "source account is closed"))
	}
	if t.Type == domain.TransferInternal {
		dst, err := s.accounts.Get(ctx, t.DestinationAccountID)
		if err != nil {
			return s.reject(ctx, t, domain.NewSystemError(domain.RuleStorage, "destination account unavailable", err))
		}
		if !dst.IsOpen() {
			return s.reject(ctx, t, domain.NewValidationError(domain.RuleDestinationClosed, "destination account is closed"))
		}
	}

	// authoritative check against locked state
	if err := limits.Check(src, t.Amount, t.Fee, s.now(), s.opts.Limits.For(src)); err != nil {
		te, _ := domain.AsTransferError(err)
		return s.reject(ctx, t, te)
	}

	// Past this point the caller can no longer cancel.
	ctx = context.WithoutCancel(ctx)

	var p posting
	debit := t.Amount + t.Fee
	srcAfter, _, err := s.accounts.Post(ctx, s.entry(t, src.ID, -debit, domain.EntryDebit), src.Floor())
	if err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) || errors.Is(err, store.ErrAccountClosed) {
			return s.reject(ctx, t, &domain.TransferError{
				Kind: domain.KindConcurrencyConflict, Rule: domain.RuleBalanceRace,
				Message: "source balance changed before reservation", Cause: err,
			})
		}
		return s.reject(ctx, t, domain.NewSystemError(domain.RuleStorage, "reservation failed", err))
	}
	p.legs = append(p.legs, leg{accountID: src.ID, delta: -debit})

	if err := t.TransitionTo(domain.StatusReserved, s.now()); err != nil {
		return s.compensate(ctx, t, &p, domain.NewSystemError(domain.RuleStorage, err.Error(), err))
	}
	s.save(ctx, *t)

	var dstBalance *int64
	switch {
	case t.Type == domain.TransferInternal:
		acct, err := s.applyLeg(ctx, t, &p, t.DestinationAccountID, t.Amount, domain.EntryCredit)
		if err != nil {
			return s.compensate(ctx, t, &p, &domain.TransferError{
				Kind: domain.KindPostingFailure, Rule: domain.RuleDestinationLeg,
				Message: "destination could not be credited", Cause: err,
			})
		}
		b := acct.Balance
		dstBalance = &b
	case t.Type.IsExternal():
		if err := s.postExternal(ctx, t, &p); err != nil {
			return s.compensate(ctx, t, &p, &domain.TransferError{
				Kind: domain.KindPostingFailure, Rule: domain.RuleExternalLeg,
				Message: "external obligation could not be recorded", Cause: err,
			})
		}
	}

	if t.Fee > 0 {
		if _, err := s.applyLeg(ctx, t, &p, s.opts.FeeAccountID, t.Fee, domain.EntryFee); err != nil {
			return s.compensate(ctx, t, &p, &domain.TransferError{
				Kind: domain.KindPostingFailure, Rule: domain.RuleFeeLeg,
				Message: "fee could not be collected", Cause: err,
			})
		}
	}

	if _, err := s.accounts.IncrementPeriodCounters(ctx, src.ID, t.Amount, s.now()); err != nil {
		return s.compensate(ctx, t, &p, domain.NewSystemError(domain.RuleStorage, "period counters not updated", err))
	}

	if err := t.TransitionTo(domain.StatusPosted, s.now()); err != nil {
		return s.compensate(ctx, t, &p, domain.NewSystemError(domain.RuleStorage, err.Error(), err))
	}
	s.save(ctx, *t)

	result := domain.TransferResult{
		Status:                domain.StatusPosted,
		TransferID:            t.ID,
		Fee:                   t.Fee,
		NewSourceBalance:      srcAfter.Balance,
		NewDestinationBalance: dstBalance,
	}
	s.complete(ctx, t, result)
	transfersTotal.WithLabelValues(string(t.Type), string(t.Status)).Inc()
	s.logger.Info("transfer posted",
		zap.String("transfer_id", t.ID),
		zap.String("type", string(t.Type)),
		zap.Int64("amount", t.Amount),
		zap.Int64("fee", t.Fee))
	return result, nil
}

// postExternal records the obligation within ExternalLegTimeout and books
// the outgoing funds on the clearing account.
func (s *TransferService) postExternal(ctx context.Context, t *domain.Transfer, p *posting) error {
	legCtx, cancel := context.WithTimeout(ctx, s.opts.ExternalLegTimeout)
	defer cancel()

	ob := domain.Obligation{
		ID:              uuid.NewString(),
		TransferID:      t.ID,
		SourceAccountID: t.SourceAccountID,
		Destination:     *t.External,
		Amount:          t.Amount,
		Type:            t.Type,
		Status:          domain.ObligationPending,
		CreatedAt:       s.now(),
	}

	done := make(chan error, 1)
	go func() { done <- s.obligations.Record(legCtx, ob) }()
	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-legCtx.Done():
		// a late Record is cancelled by the dispatcher once t is failed
		return fmt.Errorf("external leg timed out: %w", legCtx.Err())
	}

	_, err := s.applyLeg(ctx, t, p, s.opts.ClearingAccountID, t.Amount, domain.EntryObligation)
	return err
}

// applyLeg posts delta to accountID with no floor and records the leg.
func (s *TransferService) applyLeg(ctx context.Context, t *domain.Transfer, p *posting, accountID string, delta int64, typ domain.EntryType) (domain.Account, error) {
	acct, _, err := s.accounts.Post(ctx, s.entry(t, accountID, delta, typ), math.MinInt64)
	if err != nil {
		return domain.Account{}, err
	}
	p.legs = append(p.legs, leg{accountID: accountID, delta: delta})
	return acct, nil
}

func (s *TransferService) entry(t *domain.Transfer, accountID string, delta int64, typ domain.EntryType) domain.LedgerEntry {
	return domain.LedgerEntry{
		TransferID: t.ID,
		AccountID:  accountID,
		Delta:      delta,
		Type:       typ,
		Timestamp:  s.now(),
	}
}

const compensationAttempts = 3

// reverseLegs undoes p's legs newest first. It returns the source balance
// after its reservation was returned.
func (s *TransferService) reverseLegs(ctx context.Context, t *domain.Transfer, p *posting) (int64, error) {
	var srcBalance int64
	for i := len(p.legs) - 1; i >= 0; i-- {
		l := p.legs[i]

		var acct domain.Account
		var err error
		for attempt := 0; attempt < compensationAttempts; attempt++ {
			if attempt > 0 {
				time.Sleep(time.Duration(10<<attempt) * time.Millisecond)
			}
			if acct, _, err = s.accounts.Compensate(ctx, s.entry(t, l.accountID, -l.delta, domain.EntryCompensation)); err == nil {
				break
			}
		}
		if err != nil {
			return 0, fmt.Errorf("compensate %s: %w", l.accountID, err)
		}
		if i == 0 {
			srcBalance = acct.Balance
		}
	}
	return srcBalance, nil
}

// compensate reverses every applied leg and fails t.
func (s *TransferService) compensate(ctx context.Context, t *domain.Transfer, p *posting, cause *domain.TransferError) (domain.TransferResult, error) {
	srcBalance, err := s.reverseLegs(ctx, t, p)
	if err != nil {
		s.incident("compensation incomplete", err, zap.String("transfer_id", t.ID), zap.NamedError("cause", cause))
		cause = domain.NewSystemError(domain.RuleStorage, "compensation incomplete", err)
		if acct, gerr := s.accounts.Get(ctx, t.SourceAccountID); gerr == nil {
			srcBalance = acct.Balance
		}
	} else {
		t.Compensated = true
		compensationsTotal.Inc()
	}

	t.FailureReason = cause.Message
	if terr := t.TransitionTo(domain.StatusFailed, s.now()); terr != nil {
		s.incident("transfer state", terr, zap.String("transfer_id", t.ID))
	}
	s.save(ctx, *t)

	result := domain.TransferResult{
		Status:           domain.StatusFailed,
		TransferID:       t.ID,
		Fee:              t.Fee,
		NewSourceBalance: srcBalance,
		FailureReason:    cause.Message,
		ErrorKind:        cause.Kind,
		Rule:             cause.Rule,
	}
	s.complete(ctx, t, result)
	transfersTotal.WithLabelValues(string(t.Type), string(t.Status)).Inc()
	s.incident("transfer failed after reservation", cause,
		zap.String("transfer_id", t.ID),
		zap.String("source_account_id", t.SourceAccountID),
		zap.String("destination_account_id", t.DestinationAccountID),
		zap.Bool("compensated", t.Compensated))
	return result, cause
}

// reject ends t before any balance moved. Validation and limit rejections
// are final for the key and replay like any other outcome. A lost race or a
// system error frees the key so the same request can be retried.
func (s *TransferService) reject(ctx context.Context, t *domain.Transfer, te *domain.TransferError) (domain.TransferResult, error) {
	t.FailureReason = te.Message
	if err := t.TransitionTo(domain.StatusRejected, s.now()); err != nil {
		s.incident("transfer state", err, zap.String("transfer_id", t.ID))
	}
	s.save(ctx, *t)

	result := domain.TransferResult{
		Status:        domain.StatusRejected,
		TransferID:    t.ID,
		Fee:           t.Fee,
		FailureReason: te.Message,
		ErrorKind:     te.Kind,
		Rule:          te.Rule,
	}
	if acct, err := s.accounts.Get(ctx, t.SourceAccountID); err == nil {
		result.NewSourceBalance = acct.Balance
	}

	if retryable(te) {
		if err := s.registry.Release(ctx, t.IdempotencyKey); err != nil {
			s.logger.Warn("idempotency release failed", zap.String("idempotency_key", t.IdempotencyKey), zap.Error(err))
		}
	} else {
		s.complete(ctx, t, result)
	}

	transfersTotal.WithLabelValues(string(t.Type), string(t.Status)).Inc()
	if te.Kind == domain.KindSystemError {
		s.incident("transfer rejected", te, zap.String("transfer_id", t.ID))
	} else {
		s.logger.Debug("transfer rejected",
			zap.String("transfer_id", t.ID),
			zap.String("kind", string(te.Kind)),
			zap.String("rule", string(te.Rule)))
	}
	return result, te
}

func retryable(te *domain.TransferError) bool {
	return te.Kind == domain.KindConcurrencyConflict || te.Kind == domain.KindSystemError
}

func (s *TransferService) complete(ctx context.Context, t *domain.Transfer, result domain.TransferResult) {
	if err := s.registry.Complete(ctx, t.IdempotencyKey, t.ID, result); err != nil {
		s.incident("idempotency record not completed", err, zap.String("transfer_id", t.ID), zap.String("idempotency_key", t.IdempotencyKey))
	}
}

func (s *TransferService) save(ctx context.Context, t domain.Transfer) {
	if err := s.transfers.Save(ctx, t); err != nil {
		s.incident("transfer record not saved", err, zap.String("transfer_id", t.ID), zap.String("status", string(t.Status)))
	}
}

// lockKeys lists the customer accounts t touches. Fee and clearing legs
// are posted atomically by the store without a lock, so the system accounts
// never serialise unrelated transfers.
func (s *TransferService) lockKeys(t domain.Transfer) []string {
	var keys []string
	for _, id := range []string{t.SourceAccountID, t.DestinationAccountID} {
		if id != "" && id != s.opts.FeeAccountID && id != s.opts.ClearingAccountID {
			keys = append(keys, id)
		}
	}
	return keys
}

func (s *TransferService) incident(msg string, err error, fields ...zap.Field) {
	s.logger.Error(msg, append(fields, zap.Bool("incident", true), zap.Error(err))...)
}
