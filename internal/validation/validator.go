// Package validation performs the structural and snapshot checks that run
// before any account lock is taken.
package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/punchamoorthee/fundsledger/internal/domain"
	"github.com/punchamoorthee/fundsledger/internal/fee"
	"github.com/punchamoorthee/fundsledger/internal/limits"
	"github.com/punchamoorthee/fundsledger/internal/store"
)

// AccountReader is the read side of the account store.
type AccountReader interface {
	Get(ctx context.Context, id string) (domain.Account, error)
}

// Decision is an accepted transfer: the fee it will carry and the account
// snapshots it was judged against. Snapshots are not authoritative.
type Decision struct {
	Fee         int64
	Source      domain.Account
	Destination *domain.Account
}

type Validator struct {
	accounts AccountReader
	fees     fee.Policy
	caps     limits.Limits
	now      func() time.Time
}

func NewValidator(accounts AccountReader, fees fee.Policy, caps limits.Limits, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{accounts: accounts, fees: fees, caps: caps, now: now}
}

// Validate returns a Decision, a *domain.TransferError describing why req was
// rejected, or a plain error when the store could not be read.
func (v *Validator) Validate(ctx context.Context, req domain.TransferRequest) (Decision, error) {
	typ := req.ResolvedType()
	switch typ {
	case domain.TransferInternal:
		if req.External != nil {
			return Decision{}, domain.NewValidationError(domain.RuleTransferType, "internal transfer cannot carry an external destination")
		}
	case domain.TransferExternalDomestic, domain.TransferExternalWire:
		if req.DestinationAccountID != "" {
			return Decision{}, domain.NewValidationError(domain.RuleTransferType, "external transfer cannot name an internal destination")
		}
		if err := ValidateExternal(req.External); err != nil {
			return Decision{}, err
		}
	default:
		return Decision{}, domain.NewValidationError(domain.RuleTransferType, fmt.Sprintf("unsupported transfer type %q", typ))
	}

	src, err := v.accounts.Get(ctx, req.SourceAccountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return Decision{}, domain.NewValidationError(domain.RuleSourceNotFound, "source account not found")
		}
		return Decision{}, fmt.Errorf("load source account: %w", err)
	}
	if src.IsSystem() {
		return Decision{}, domain.NewValidationError(domain.RuleSystemAccount, "system accounts cannot send transfers")
	}
	if !src.IsOpen() {
		return Decision{}, domain.NewValidationError(domain.RuleSourceClosed, "source account is closed")
	}

	dec := Decision{Source: src}
	var dstKind domain.AccountKind

	if typ == domain.TransferInternal {
		if req.DestinationAccountID == "" {
			return Decision{}, domain.NewValidationError(domain.RuleDestinationNotFound, "destination account is required")
		}
		if req.DestinationAccountID == req.SourceAccountID {
			return Decision{}, domain.NewValidationError(domain.RuleSelfTransfer, "cannot transfer to the source account")
		}
		dst, err := v.accounts.Get(ctx, req.DestinationAccountID)
		if err != nil {
			if errors.Is(err, store.ErrAccountNotFound) {
				return Decision{}, domain.NewValidationError(domain.RuleDestinationNotFound, "destination account not found")
			}
			return Decision{}, fmt.Errorf("load destination account: %w", err)
		}
		if dst.IsSystem() {
			return Decision{}, domain.NewValidationError(domain.RuleSystemAccount, "system accounts cannot receive transfers")
		}
		if !dst.IsOpen() {
			return Decision{}, domain.NewValidationError(domain.RuleDestinationClosed, "destination account is closed")
		}
		dec.Destination = &dst
		dstKind = dst.Kind
	}

	dec.Fee = v.fees.Calculate(src.Kind, dstKind, typ, req.Amount)
	if err := limits.Check(src, req.Amount, dec.Fee, v.now(), v.caps.For(src)); err != nil {
		return Decision{}, err
	}
	return dec, nil
}

// ValidateExternal checks the routing number, account number and holder name
// of an external destination.
func ValidateExternal(ext *domain.ExternalDestination) error {
	if ext == nil {
		return domain.NewValidationError(domain.RuleTransferType, "external destination is required")
	}
	if !ValidRoutingNumber(ext.RoutingNumber) {
		return domain.NewValidationError(domain.RuleRoutingNumber, "routing number must be 9 digits with a valid ABA checksum")
	}
	if n := len(ext.AccountNumber); n < 4 || n > 17 || !allDigits(ext.AccountNumber) {
		return domain.NewValidationError(domain.RuleAccountNumber, "account number must be 4-17 digits")
	}
	if strings.TrimSpace(ext.HolderName) == "" {
		return domain.NewValidationError(domain.RuleHolderName, "account holder name is required")
	}
	return nil
}

// ValidRoutingNumber applies the ABA check: 3(d1+d4+d7) + 7(d2+d5+d8) + (d3+d6+d9) ≡ 0 mod 10.
func ValidRoutingNumber(rn string) bool {
	if len(rn) != 9 || !allDigits(rn) {
		return false
	}
	weights := [3]int{3, 7, 1}
	sum := 0
	for i := 0; i < 9; i++ {
		sum += int(rn[i]-'0') * weights[i%3]
	}
	return sum%10 == 0
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
