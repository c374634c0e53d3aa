package service

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/fundsledger/internal/domain"
	"github.com/punchamoorthee/fundsledger/internal/store"
)

func TestTransferHistory(t *testing.T) {
	f := newFixture(t)
	f.open(t, "chk", domain.KindChecking, 100000)
	f.open(t, "sav", domain.KindSavings, 0)
	ctx := context.Background()

	f.clock.Advance(time.Hour)
	first, _, err := f.svc.CreateTransfer(ctx, internal("h-1", "chk", "sav", 1000))
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	mark := f.clock.Now()
	second, _, err := f.svc.CreateTransfer(ctx, internal("h-2", "sav", "chk", 500))
	require.NoError(t, err)

	_, _, err = f.svc.CreateTransfer(ctx, internal("h-3", "chk", "sav", 0))
	require.Error(t, err)

	all, err := f.svc.TransferHistory(ctx, "chk", time.Time{}, time.Time{})
	require.NoError(t, err)
	// opening deposit plus both transfers; rejected attempts left no entries
	require.Len(t, all, 3)
	assert.Equal(t, second.TransferID, all[0].ID)
	assert.Equal(t, first.TransferID, all[1].ID)
	assert.Equal(t, domain.TransferDeposit, all[2].Type)

	recent, err := f.svc.TransferHistory(ctx, "chk", mark, time.Time{})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, second.TransferID, recent[0].ID)

	older, err := f.svc.TransferHistory(ctx, "chk", time.Time{}, mark)
	require.NoError(t, err)
	assert.Len(t, older, 2)

	_, err = f.svc.TransferHistory(ctx, "nope", time.Time{}, time.Time{})
	assert.ErrorIs(t, err, store.ErrAccountNotFound)
}

func TestGetTransferNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetTransfer(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrTransferNotFound)
}

func TestVerifyAccountDetectsDrift(t *testing.T) {
	f := newFixture(t)
	f.open(t, "chk", domain.KindChecking, 5000)
	ctx := context.Background()

	v, err := f.svc.VerifyAccount(ctx, "chk")
	require.NoError(t, err)
	assert.True(t, v.Consistent)
	assert.Equal(t, int64(5000), v.ReplayedBalance)
	assert.Equal(t, 1, v.Entries)

	// a balance written with no ledger entry behind it
	require.NoError(t, f.mem.Create(ctx, domain.Account{ID: "drifted", Kind: domain.KindChecking, Status: domain.AccountOpen, Balance: 5001}))

	v, err = f.svc.VerifyAccount(ctx, "drifted")
	require.NoError(t, err)
	assert.False(t, v.Consistent)
	assert.Equal(t, int64(5001), v.StoredBalance)
	assert.Zero(t, v.ReplayedBalance)
	assert.NotEmpty(t, v.Problem)
}

func TestOpenAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		req      OpenAccountRequest
		wantRule domain.Rule
	}{
		{"unknown kind", OpenAccountRequest{OwnerID: "o", Kind: "crypto"}, domain.RuleAccountKind},
		{"system kind", OpenAccountRequest{OwnerID: "o", Kind: domain.KindSystem}, domain.RuleAccountKind},
		{"missing owner", OpenAccountRequest{Kind: domain.KindChecking}, domain.RuleAccountOwner},
		{"negative deposit", OpenAccountRequest{OwnerID: "o", Kind: domain.KindChecking, OpeningBalance: -1}, domain.RuleAccountTerms},
		{"overdraft without flag", OpenAccountRequest{OwnerID: "o", Kind: domain.KindCredit, OverdraftLimit: 100}, domain.RuleAccountTerms},
		{"opening balance too large", OpenAccountRequest{OwnerID: "o", Kind: domain.KindChecking, OpeningBalance: math.MaxInt64}, domain.RuleAccountTerms},
		{"overdraft too large", OpenAccountRequest{OwnerID: "o", Kind: domain.KindCredit, AllowOverdraft: true, OverdraftLimit: math.MaxInt64}, domain.RuleAccountTerms},
		{"daily limit too large", OpenAccountRequest{OwnerID: "o", Kind: domain.KindChecking, DailyLimit: domain.MaxAmount + 1}, domain.RuleAccountTerms},
		{"monthly limit too large", OpenAccountRequest{OwnerID: "o", Kind: domain.KindChecking, MonthlyLimit: math.MaxInt64}, domain.RuleAccountTerms},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.OpenAccount(ctx, tt.req)
			te, ok := domain.AsTransferError(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantRule, te.Rule)
		})
	}

	acct, err := f.svc.OpenAccount(ctx, OpenAccountRequest{OwnerID: "o", Kind: domain.KindCredit, AllowOverdraft: true, OverdraftLimit: 20000, OpeningBalance: 1500})
	require.NoError(t, err)
	assert.NotEmpty(t, acct.ID)
	assert.Equal(t, int64(1500), acct.Balance)
	assert.Equal(t, int64(-20000), acct.Floor())

	_, err = f.svc.OpenAccount(ctx, OpenAccountRequest{ID: acct.ID, OwnerID: "o", Kind: domain.KindChecking})
	assert.ErrorIs(t, err, store.ErrAccountExists)
}

func TestOverdraftAccountMayGoNegative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.OpenAccount(ctx, OpenAccountRequest{ID: "cc", OwnerID: "o", Kind: domain.KindCredit, AllowOverdraft: true, OverdraftLimit: 10000})
	require.NoError(t, err)
	f.open(t, "cc2", domain.KindCredit, 0)

	_, _, err = f.svc.CreateTransfer(ctx, internal("od-1", "cc", "cc2", 10000))
	require.NoError(t, err)
	assert.Equal(t, int64(-10000), f.balance(t, "cc"))

	_, _, err = f.svc.CreateTransfer(ctx, internal("od-2", "cc", "cc2", 1))
	assert.ErrorIs(t, err, domain.ErrLimitExceeded)
}

func TestAccountSnapshot(t *testing.T) {
	f := newFixture(t)
	f.open(t, "chk", domain.KindChecking, 100000)
	f.open(t, "sav", domain.KindSavings, 0)
	ctx := context.Background()

	_, _, err := f.svc.CreateTransfer(ctx, internal("s-1", "chk", "sav", 50000))
	require.NoError(t, err)

	snap, err := f.svc.AccountSnapshot(ctx, "chk")
	require.NoError(t, err)
	assert.Equal(t, "497.50", snap.BalanceDisplay)
	assert.Equal(t, int64(49750), snap.Available)
	assert.Equal(t, int64(500000), snap.EffectiveDaily)
	assert.Equal(t, int64(450000), snap.RemainingDaily)
	assert.Equal(t, int64(2450000), snap.RemainingMonthly)

	_, err = f.svc.AccountSnapshot(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrAccountNotFound)
}
