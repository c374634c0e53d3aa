package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/fundsledger/internal/domain"
	"github.com/punchamoorthee/fundsledger/internal/store"
)

// crashed leaves behind what a process killed mid-transfer would: the
// idempotency key reserved, the transfer at status and the given legs posted.
func (f *fixture) crashed(t *testing.T, req domain.TransferRequest, status domain.TransferStatus, fee int64, legs map[string]int64) domain.Transfer {
	t.Helper()
	ctx := context.Background()

	_, err := f.registry.Begin(ctx, req.IdempotencyKey, req.Fingerprint(), f.opts.IdempotencyTTL)
	require.NoError(t, err)

	tr := domain.NewTransfer("tr-"+req.IdempotencyKey, req, f.clock.Now())
	tr.Fee = fee
	tr.Status = status
	require.NoError(t, f.mem.Transfers().Save(ctx, tr))

	for _, id := range []string{req.SourceAccountID, req.DestinationAccountID, f.opts.FeeAccountID} {
		delta, ok := legs[id]
		if !ok {
			continue
		}
		_, _, err := f.mem.Post(ctx, domain.LedgerEntry{
			TransferID: tr.ID, AccountID: id, Delta: delta, Type: domain.EntryDebit, Timestamp: f.clock.Now(),
		}, -1<<62)
		require.NoError(t, err)
	}
	return tr
}

func TestRecoverInterruptedCompensatesPostedLegs(t *testing.T) {
	tests := []struct {
		name   string
		status domain.TransferStatus
		legs   map[string]int64
	}{
		{"after reservation", domain.StatusReserved, map[string]int64{"chk": -10050}},
		{"after destination leg", domain.StatusReserved, map[string]int64{"chk": -10050, "sav": 10000}},
		{"before reserved was saved", domain.StatusValidated, map[string]int64{"chk": -10050}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.open(t, "chk", domain.KindChecking, 100000)
			f.open(t, "sav", domain.KindSavings, 0)
			ctx := context.Background()

			req := internal("k-crash", "chk", "sav", 10000)
			tr := f.crashed(t, req, tt.status, 50, tt.legs)

			n, err := f.svc.RecoverInterrupted(ctx, time.Minute)
			require.NoError(t, err)
			assert.Zero(t, n, "a transfer younger than minAge may still be running")

			f.clock.Advance(2 * time.Minute)
			n, err = f.svc.RecoverInterrupted(ctx, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			assert.Equal(t, int64(100000), f.balance(t, "chk"))
			assert.Zero(t, f.balance(t, "sav"))
			sum, _ := f.entrySum(t, tr.ID)
			assert.Zero(t, sum)

			stored, err := f.mem.Transfers().Get(ctx, tr.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusFailed, stored.Status)
			assert.True(t, stored.Compensated)
			assert.NotNil(t, stored.CompletedAt)

			res, replayed, err := f.svc.CreateTransfer(ctx, req)
			assert.True(t, replayed)
			assert.ErrorIs(t, err, domain.ErrSystem)
			assert.Equal(t, domain.StatusFailed, res.Status)
			assert.Equal(t, domain.RuleInterrupted, res.Rule)
			assert.Equal(t, tr.ID, res.TransferID)
			assert.Equal(t, int64(100000), res.NewSourceBalance)

			n, err = f.svc.RecoverInterrupted(ctx, time.Minute)
			require.NoError(t, err)
			assert.Zero(t, n)
			f.assertLedgerConsistent(t, "chk", "sav")
		})
	}
}

func TestRecoverInterruptedRejectsUntouchedTransfer(t *testing.T) {
	f := newFixture(t)
	f.open(t, "chk", domain.KindChecking, 100000)
	f.open(t, "sav", domain.KindSavings, 0)
	ctx := context.Background()

	req := internal("k-early", "chk", "sav", 10000)
	tr := f.crashed(t, req, domain.StatusValidated, 50, nil)

	f.clock.Advance(time.Hour)
	n, err := f.svc.RecoverInterrupted(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.mem.Transfers().Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, stored.Status)
	assert.False(t, stored.Compensated)

	// nothing moved, so the key is free for the same request
	res, replayed, err := f.svc.CreateTransfer(ctx, req)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, domain.StatusPosted, res.Status)
	assert.NotEqual(t, tr.ID, res.TransferID)
	f.assertLedgerConsistent(t, "chk", "sav")
}

func TestRecoverInterruptedWaitsForOwner(t *testing.T) {
	f := newFixture(t, func(d *Dependencies, o *Options) {
		o.LockTimeout = 20 * time.Millisecond
	})
	f.open(t, "chk", domain.KindChecking, 100000)
	f.open(t, "sav", domain.KindSavings, 0)
	ctx := context.Background()

	tr := f.crashed(t, internal("k-owned", "chk", "sav", 10000), domain.StatusReserved, 0, map[string]int64{"chk": -10000})
	f.clock.Advance(time.Hour)

	release, err := f.locks.Acquire(ctx, "chk")
	require.NoError(t, err)
	n, err := f.svc.RecoverInterrupted(ctx, time.Minute)
	release()
	require.NoError(t, err)
	assert.Zero(t, n)

	stored, err := f.mem.Transfers().Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReserved, stored.Status)
	assert.Equal(t, int64(90000), f.balance(t, "chk"))
}

// brokenCompensation fails fee credits, and fails compensation on one
// account while broken is set.
type brokenCompensation struct {
	*store.MemoryStore
	feeAccount string
	account    string
	broken     bool
}

func (b *brokenCompensation) Post(ctx context.Context, e domain.LedgerEntry, floor int64) (domain.Account, domain.LedgerEntry, error) {
	if e.AccountID == b.feeAccount && e.Delta > 0 {
		return domain.Account{}, domain.LedgerEntry{}, errors.New("fee ledger offline")
	}
	return b.MemoryStore.Post(ctx, e, floor)
}

func (b *brokenCompensation) Compensate(ctx context.Context, e domain.LedgerEntry) (domain.Account, domain.LedgerEntry, error) {
	if b.broken && e.AccountID == b.account {
		return domain.Account{}, domain.LedgerEntry{}, errors.New("storage node unavailable")
	}
	return b.MemoryStore.Compensate(ctx, e)
}

func TestIncompleteCompensationReportsActualBalance(t *testing.T) {
	var accounts *brokenCompensation
	f := newFixture(t, func(d *Dependencies, o *Options) {
		accounts = &brokenCompensation{MemoryStore: d.Ledger.(*store.MemoryStore), feeAccount: o.FeeAccountID, account: "chk", broken: true}
		d.Accounts = accounts
	})
	f.open(t, "chk", domain.KindChecking, 100000)
	f.open(t, "sav", domain.KindSavings, 20000)
	ctx := context.Background()

	res, _, err := f.svc.CreateTransfer(ctx, internal("k-stuck", "chk", "sav", 50000))
	assert.ErrorIs(t, err, domain.ErrSystem)
	assert.Equal(t, domain.StatusFailed, res.Status)
	// the reservation is still held, and the result says so
	assert.Equal(t, int64(49750), res.NewSourceBalance)
	assert.Equal(t, int64(49750), f.balance(t, "chk"))
	assert.Equal(t, int64(20000), f.balance(t, "sav"))

	stored, err := f.mem.Transfers().Get(ctx, res.TransferID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.False(t, stored.Compensated)

	accounts.broken = false
	f.clock.Advance(time.Hour)
	n, err := f.svc.RecoverInterrupted(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, int64(100000), f.balance(t, "chk"))
	stored, err = f.mem.Transfers().Get(ctx, res.TransferID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.True(t, stored.Compensated)
	sum, _ := f.entrySum(t, res.TransferID)
	assert.Zero(t, sum)
	f.assertLedgerConsistent(t, "chk", "sav")
}

func TestOutstanding(t *testing.T) {
	entries := []domain.LedgerEntry{
		{AccountID: "a", Delta: -1050},
		{AccountID: "b", Delta: 1000},
		{AccountID: "fee", Delta: 50},
		{AccountID: "fee", Delta: -50},
		{AccountID: "b", Delta: -400},
	}
	p := outstanding(entries)
	assert.Equal(t, []leg{{accountID: "a", delta: -1050}, {accountID: "b", delta: 600}}, p.legs)
	assert.Empty(t, outstanding(nil).legs)
}
