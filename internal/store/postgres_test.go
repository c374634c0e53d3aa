package store

import (
	"context"
	"math"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/fundsledger/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestPostgres connects to LEDGER_TEST_DB, a disposable database.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_DB")
	if dsn == "" {
		t.Skip("LEDGER_TEST_DB not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Db.Close)
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestPostgresPost(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	id := "pg-" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, s.Create(ctx, domain.Account{
		ID: id, OwnerID: "owner", Kind: domain.KindChecking, Status: domain.AccountOpen,
		Balance: 1000, CreatedAt: now,
	}))
	debit := domain.LedgerEntry{TransferID: uuid.NewString(), AccountID: id, Type: domain.EntryDebit, Timestamp: now}

	debit.Delta = -600
	acct, e, err := s.Post(ctx, debit, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(400), acct.Balance)
	assert.Equal(t, int64(400), e.BalanceAfter)
	assert.Equal(t, int64(1), e.Sequence)

	debit.Delta = -401
	_, _, err = s.Post(ctx, debit, 0)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	debit.Delta = math.MaxInt64
	_, _, err = s.Post(ctx, debit, 0)
	assert.ErrorIs(t, err, ErrBalanceOverflow)

	// refused posts roll back with no entry left behind
	stored, entries, err := s.Statement(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(400), stored.Balance)
	assert.Len(t, entries, 1)

	require.NoError(t, s.Close(ctx, id, now))
	debit.Delta = 1
	_, _, err = s.Post(ctx, debit, 0)
	assert.ErrorIs(t, err, ErrAccountClosed)

	acct, e, err = s.Compensate(ctx, domain.LedgerEntry{TransferID: debit.TransferID, AccountID: id, Delta: 600, Type: domain.EntryCompensation, Timestamp: now})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), acct.Balance)
	assert.Equal(t, int64(2), e.Sequence)

	_, _, err = s.Post(ctx, domain.LedgerEntry{AccountID: "pg-missing-" + uuid.NewString(), Delta: 1}, 0)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestPostgresLedgerAndTransfers(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	id := "pg-" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, s.Create(ctx, domain.Account{ID: id, OwnerID: "owner", Kind: domain.KindSavings, Status: domain.AccountOpen, CreatedAt: now}))

	tr := domain.Transfer{
		ID: uuid.NewString(), IdempotencyKey: uuid.NewString(), SourceAccountID: id,
		Type: domain.TransferExternalDomestic, Amount: 100, Status: domain.StatusDraft, CreatedAt: now,
		External: &domain.ExternalDestination{RoutingNumber: "021000021", AccountNumber: "1234", HolderName: "x"},
	}
	repo := s.Transfers()
	require.NoError(t, repo.Save(ctx, tr))
	tr.Status = domain.StatusPosted
	require.NoError(t, repo.Save(ctx, tr))

	got, err := repo.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPosted, got.Status)
	require.NotNil(t, got.External)
	assert.Equal(t, "021000021", got.External.RoutingNumber)

	for _, delta := range []int64{500, -200} {
		_, _, err := s.Post(ctx, domain.LedgerEntry{TransferID: tr.ID, AccountID: id, Delta: delta, Type: domain.EntryCredit, Timestamp: now}, 0)
		require.NoError(t, err)
	}
	entries, err := s.ForAccount(ctx, id, time.Time{}, time.Time{})
	require.NoError(t, err)
	balance, err := Replay(entries)
	require.NoError(t, err)
	assert.Equal(t, int64(300), balance)

	byTransfer, err := s.ForTransfer(ctx, tr.ID)
	require.NoError(t, err)
	assert.Len(t, byTransfer, 2)

	stale := domain.Transfer{
		ID: uuid.NewString(), IdempotencyKey: uuid.NewString(), SourceAccountID: id, DestinationAccountID: id,
		Type: domain.TransferInternal, Amount: 100, Status: domain.StatusReserved, CreatedAt: now.Add(-time.Hour),
	}
	require.NoError(t, repo.Save(ctx, stale))
	unresolved, err := repo.Unresolved(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	var found bool
	for _, u := range unresolved {
		assert.NotEqual(t, tr.ID, u.ID, "posted transfers are resolved")
		found = found || u.ID == stale.ID
	}
	assert.True(t, found)
}
