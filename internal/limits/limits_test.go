package limits

import (
	"math"
	"testing"
	"time"

	"github.com/punchamoorthee/fundsledger/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var asOf = time.Date(2026, 5, 14, 15, 30, 0, 0, time.UTC)

func TestCheck(t *testing.T) {
	caps := DefaultLimits()

	tests := []struct {
		name     string
		acct     domain.Account
		amount   int64
		fee      int64
		wantKind error
		wantRule domain.Rule
	}{
		{
			name:   "within all limits",
			acct:   domain.Account{Kind: domain.KindChecking, Balance: 100000},
			amount: 50000, fee: 250,
		},
		{
			name:     "zero amount",
			acct:     domain.Account{Kind: domain.KindChecking, Balance: 100000},
			amount:   0,
			wantKind: domain.ErrValidation, wantRule: domain.RuleAmountNotPositive,
		},
		{
			name:     "negative amount",
			acct:     domain.Account{Kind: domain.KindChecking, Balance: 100000},
			amount:   -10,
			wantKind: domain.ErrValidation, wantRule: domain.RuleAmountNotPositive,
		},
		{
			name:     "single transfer above daily cap",
			acct:     domain.Account{Kind: domain.KindChecking, Balance: 10000000},
			amount:   600000,
			wantKind: domain.ErrLimitExceeded, wantRule: domain.RuleDailyLimit,
		},
		{
			name:     "accumulated daily usage",
			acct:     domain.Account{Kind: domain.KindChecking, Balance: 10000000, DailyTransferred: 450000, MonthlyTransferred: 450000, CountersAsOf: asOf.Add(-time.Hour)},
			amount:   60000,
			wantKind: domain.ErrLimitExceeded, wantRule: domain.RuleDailyLimit,
		},
		{
			name:   "daily usage from yesterday is forgotten",
			acct:   domain.Account{Kind: domain.KindChecking, Balance: 10000000, DailyTransferred: 500000, MonthlyTransferred: 500000, CountersAsOf: asOf.Add(-24 * time.Hour)},
			amount: 500000,
		},
		{
			name:     "monthly cap",
			acct:     domain.Account{Kind: domain.KindChecking, Balance: 10000000, DailyTransferred: 0, MonthlyTransferred: 2400000, CountersAsOf: asOf.Add(-48 * time.Hour)},
			amount:   200000,
			wantKind: domain.ErrLimitExceeded, wantRule: domain.RuleMonthlyLimit,
		},
		{
			name:   "monthly usage from last month is forgotten",
			acct:   domain.Account{Kind: domain.KindChecking, Balance: 10000000, MonthlyTransferred: 2500000, CountersAsOf: time.Date(2026, 4, 30, 23, 59, 0, 0, time.UTC)},
			amount: 400000,
		},
		{
			name:   "fee pushes over balance",
			acct:   domain.Account{Kind: domain.KindChecking, Balance: 50000},
			amount: 50000, fee: 250,
			wantKind: domain.ErrLimitExceeded, wantRule: domain.RuleInsufficientFunds,
		},
		{
			name:   "overdraft extends available funds",
			acct:   domain.Account{Kind: domain.KindChecking, Balance: 50000, AllowOverdraft: true, OverdraftLimit: 1000},
			amount: 50000, fee: 250,
		},
		{
			name:   "overdraft still bounded",
			acct:   domain.Account{Kind: domain.KindChecking, Balance: 50000, AllowOverdraft: true, OverdraftLimit: 100},
			amount: 50000, fee: 250,
			wantKind: domain.ErrLimitExceeded, wantRule: domain.RuleInsufficientFunds,
		},
		{
			name:   "per-account override raises cap",
			acct:   domain.Account{Kind: domain.KindChecking, Balance: 10000000, DailyLimit: 1000000},
			amount: 600000,
		},
		{
			name:     "amount near MaxInt64 with counters in use",
			acct:     domain.Account{Kind: domain.KindChecking, Balance: 97990, DailyTransferred: 2000, MonthlyTransferred: 2000, CountersAsOf: asOf},
			amount:   math.MaxInt64 - 1000,
			wantKind: domain.ErrValidation, wantRule: domain.RuleAmountTooLarge,
		},
		{
			name:     "largest allowed amount still meets the daily cap",
			acct:     domain.Account{Kind: domain.KindChecking, Balance: 97990, DailyTransferred: 2000, MonthlyTransferred: 2000, CountersAsOf: asOf},
			amount:   domain.MaxAmount,
			wantKind: domain.ErrLimitExceeded, wantRule: domain.RuleDailyLimit,
		},
		{
			name:   "huge fee cannot wrap the funds check",
			acct:   domain.Account{Kind: domain.KindChecking, Balance: 50000},
			amount: 100, fee: math.MaxInt64,
			wantKind: domain.ErrLimitExceeded, wantRule: domain.RuleInsufficientFunds,
		},
		{
			name:   "huge overdraft limit cannot wrap available funds",
			acct:   domain.Account{Kind: domain.KindCredit, Balance: 1000, AllowOverdraft: true, OverdraftLimit: math.MaxInt64, DailyLimit: domain.MaxAmount, MonthlyLimit: domain.MaxAmount},
			amount: domain.MaxAmount, fee: 2500,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(tt.acct, tt.amount, tt.fee, asOf, caps.For(tt.acct))
			if tt.wantKind == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantKind)
			te, ok := domain.AsTransferError(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantRule, te.Rule)
		})
	}
}

func TestAccumulate(t *testing.T) {
	acct := domain.Account{DailyTransferred: 1000, MonthlyTransferred: 5000, CountersAsOf: asOf.Add(-30 * time.Minute)}

	Accumulate(&acct, 200, asOf)
	assert.Equal(t, int64(1200), acct.DailyTransferred)
	assert.Equal(t, int64(5200), acct.MonthlyTransferred)

	nextDay := asOf.Add(24 * time.Hour)
	Accumulate(&acct, 300, nextDay)
	assert.Equal(t, int64(300), acct.DailyTransferred)
	assert.Equal(t, int64(5500), acct.MonthlyTransferred)

	nextMonth := time.Date(2026, 6, 1, 0, 0, 1, 0, time.UTC)
	Accumulate(&acct, 50, nextMonth)
	assert.Equal(t, int64(50), acct.DailyTransferred)
	assert.Equal(t, int64(50), acct.MonthlyTransferred)
	assert.Equal(t, nextMonth, acct.CountersAsOf)
}

func TestCurrentCounters_UsesUTCBoundaries(t *testing.T) {
	// 23:30 in UTC-5 on May 13 is already May 14 in UTC.
	ny := time.FixedZone("EST", -5*3600)
	acct := domain.Account{DailyTransferred: 700, MonthlyTransferred: 700, CountersAsOf: time.Date(2026, 5, 13, 23, 30, 0, 0, ny)}

	c := CurrentCounters(acct, time.Date(2026, 5, 14, 6, 0, 0, 0, time.UTC))
	assert.Equal(t, int64(700), c.Daily)
}
