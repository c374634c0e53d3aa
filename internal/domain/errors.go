package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrLimitExceeded       = errors.New("limit exceeded")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrPostingFailure      = errors.New("posting failure")
	ErrSystem              = errors.New("system error")

	ErrInvalidTransition = errors.New("invalid transfer status transition")
)

// ErrorKind is the taxonomy bucket a transfer failure belongs to.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindLimitExceeded       ErrorKind = "limit_exceeded"
	KindConcurrencyConflict ErrorKind = "concurrency_conflict"
	KindPostingFailure      ErrorKind = "posting_failure"
	KindSystemError         ErrorKind = "system"
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindLimitExceeded:
		return ErrLimitExceeded
	case KindConcurrencyConflict:
		return ErrConcurrencyConflict
	case KindPostingFailure:
		return ErrPostingFailure
	default:
		return ErrSystem
	}
}

// Rule names the specific check that rejected a transfer.
type Rule string

const (
	RuleIdempotencyKey      Rule = "idempotency_key_required"
	RuleTransferType        Rule = "transfer_type"
	RuleAmountNotPositive   Rule = "amount_not_positive"
	RuleAmountTooLarge      Rule = "amount_too_large"
	RuleDailyLimit          Rule = "daily_limit"
	RuleMonthlyLimit        Rule = "monthly_limit"
	RuleInsufficientFunds   Rule = "insufficient_funds"
	RuleSourceNotFound      Rule = "source_not_found"
	RuleSourceClosed        Rule = "source_closed"
	RuleDestinationNotFound Rule = "destination_not_found"
	RuleDestinationClosed   Rule = "destination_closed"
	RuleSelfTransfer        Rule = "self_transfer"
	RuleSystemAccount       Rule = "system_account"
	RuleRoutingNumber       Rule = "routing_number"
	RuleAccountNumber       Rule = "account_number"
	RuleHolderName          Rule = "holder_name"
	RuleBalanceRace         Rule = "balance_race"
	RuleLockTimeout         Rule = "lock_timeout"
	RuleExternalLeg         Rule = "external_leg"
	RuleDestinationLeg      Rule = "destination_leg"
	RuleFeeLeg              Rule = "fee_leg"
	RuleAccountKind         Rule = "account_kind"
	RuleAccountOwner        Rule = "account_owner"
	RuleAccountTerms        Rule = "account_terms"
	RuleStorage             Rule = "storage"
	RuleInterrupted         Rule = "interrupted"
)

// TransferError is a classified transfer failure.
// errors.Is(err, ErrLimitExceeded) and friends match on Kind.
type TransferError struct {
	Kind    ErrorKind
	Rule    Rule
	Message string
	Cause   error
}

func (e *TransferError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Rule)
}

func (e *TransferError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (e *TransferError) Unwrap() error { return e.Cause }

func NewValidationError(rule Rule, msg string) *TransferError {
	return &TransferError{Kind: KindValidation, Rule: rule, Message: msg}
}

func NewLimitError(rule Rule, msg string) *TransferError {
	return &TransferError{Kind: KindLimitExceeded, Rule: rule, Message: msg}
}

func NewSystemError(rule Rule, msg string, cause error) *TransferError {
	return &TransferError{Kind: KindSystemError, Rule: rule, Message: msg, Cause: cause}
}

// AsTransferError extracts a *TransferError from err, if any.
func AsTransferError(err error) (*TransferError, bool) {
	var te *TransferError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
