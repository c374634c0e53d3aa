package limits

import (
	"fmt"
	"time"

	"github.com/punchamoorthee/fundsledger/internal/domain"
)

// Limits are per-period transfer caps in minor units.
type Limits struct {
	Daily   int64
	Monthly int64
}

func DefaultLimits() Limits {
	return Limits{Daily: 500000, Monthly: 2500000}
}

// For returns the caps that apply to acct, preferring its own overrides.
func (l Limits) For(acct domain.Account) Limits {
	out := l
	if acct.DailyLimit > 0 {
		out.Daily = acct.DailyLimit
	}
	if acct.MonthlyLimit > 0 {
		out.Monthly = acct.MonthlyLimit
	}
	return out
}

// Counters are the period accumulators as seen at a point in time.
type Counters struct {
	Daily   int64
	Monthly int64
}

// CurrentCounters rolls the stored accumulators forward to asOf. A counter
// whose UTC day (or calendar month) has passed reads as zero.
func CurrentCounters(acct domain.Account, asOf time.Time) Counters {
	c := Counters{Daily: acct.DailyTransferred, Monthly: acct.MonthlyTransferred}
	last := acct.CountersAsOf.UTC()
	now := asOf.UTC()

	if !sameMonth(last, now) {
		return Counters{}
	}
	if !sameDay(last, now) {
		c.Daily = 0
	}
	return c
}

// Accumulate adds amount to acct's period counters as of asOf.
func Accumulate(acct *domain.Account, amount int64, asOf time.Time) {
	c := CurrentCounters(*acct, asOf)
	acct.DailyTransferred = c.Daily + amount
	acct.MonthlyTransferred = c.Monthly + amount
	acct.CountersAsOf = asOf.UTC()
}

// Check validates amount (plus fee) against the account's caps and balance.
// It returns a *domain.TransferError naming the violated rule, or nil.
// Sums are never formed: every comparison subtracts from a bound instead.
func Check(acct domain.Account, amount, fee int64, asOf time.Time, caps Limits) error {
	if amount <= 0 {
		return domain.NewValidationError(domain.RuleAmountNotPositive, "amount must be positive")
	}
	if amount > domain.MaxAmount {
		return domain.NewValidationError(domain.RuleAmountTooLarge,
			fmt.Sprintf("amount exceeds the maximum of %s", domain.FormatMinor(domain.MaxAmount)))
	}
	if acct.IsSystem() {
		return nil
	}

	c := CurrentCounters(acct, asOf)
	if amount > caps.Daily-c.Daily {
		return domain.NewLimitError(domain.RuleDailyLimit,
			fmt.Sprintf("daily limit %s exceeded: %s already transferred today", domain.FormatMinor(caps.Daily), domain.FormatMinor(c.Daily)))
	}
	if amount > caps.Monthly-c.Monthly {
		return domain.NewLimitError(domain.RuleMonthlyLimit,
			fmt.Sprintf("monthly limit %s exceeded: %s already transferred this month", domain.FormatMinor(caps.Monthly), domain.FormatMinor(c.Monthly)))
	}
	if avail := acct.Available(); fee < 0 || fee > avail || amount > avail-fee {
		return domain.NewLimitError(domain.RuleInsufficientFunds,
			fmt.Sprintf("insufficient funds: need %s plus fee %s, available %s",
				domain.FormatMinor(amount), domain.FormatMinor(fee), domain.FormatMinor(avail)))
	}
	return nil
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

func sameMonth(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month()
}
