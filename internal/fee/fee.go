// Package fee computes transfer fees. It is pure: no I/O, no clock.
package fee

import (
	"github.com/punchamoorthee/fundsledger/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	investmentRate = decimal.RequireFromString("0.01")
	crossKindRate  = decimal.RequireFromString("0.005")
)

// CrossKindCap caps the fee between differing non-investment kinds ($25).
const CrossKindCap int64 = 2500

// Policy holds the configurable parts of the fee schedule, in minor units.
type Policy struct {
	// DomesticThreshold is the largest external-domestic amount carried free.
	DomesticThreshold int64
	// DomesticFee applies to external-domestic amounts above DomesticThreshold.
	DomesticFee int64
	WireFee     int64
}

func DefaultPolicy() Policy {
	return Policy{
		DomesticThreshold: 100000,
		DomesticFee:       0,
		WireFee:           2500,
	}
}

// Calculate returns the fee for moving amount from a source of kind src to a
// destination of kind dst. dst is ignored for external transfers.
func (p Policy) Calculate(src, dst domain.AccountKind, transferType domain.TransferType, amount int64) int64 {
	if amount <= 0 {
		return 0
	}

	switch transferType {
	case domain.TransferExternalWire:
		return p.WireFee
	case domain.TransferExternalDomestic:
		if amount <= p.DomesticThreshold {
			return 0
		}
		return p.DomesticFee
	case domain.TransferDeposit:
		return 0
	}

	switch {
	case src == dst:
		return 0
	case src == domain.KindInvestment || dst == domain.KindInvestment:
		return percent(amount, investmentRate)
	default:
		return min(percent(amount, crossKindRate), CrossKindCap)
	}
}

// percent rounds half-up to the nearest minor unit.
func percent(amount int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(rate).Round(0).IntPart()
}
