package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/fundsledger/internal/domain"
	"github.com/punchamoorthee/fundsledger/internal/limits"
)

//go:embed schema.sql
var schemaSQL string

const accountColumns = `id, owner_id, kind, status, balance, allow_overdraft, overdraft_limit,
	daily_limit, monthly_limit, daily_transferred, monthly_transferred, counters_as_of, created_at, closed_at`

const entryColumns = `id, transfer_id, account_id, seq, delta, balance_after, entry_type, created_at`

const transferColumns = `id, idempotency_key, source_account_id, COALESCE(destination_account_id, ''), external,
	transfer_type, amount, fee, status, failure_reason, compensated, note, created_at, completed_at`

// PostgresStore implements AccountStore and Ledger on top of pgx.
// Transfers() and Obligations() expose the remaining tables.
type PostgresStore struct {
	Db *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresStore{Db: pool}, nil
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func scanAccount(row pgx.Row) (domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.OwnerID, &a.Kind, &a.Status, &a.Balance, &a.AllowOverdraft, &a.OverdraftLimit,
		&a.DailyLimit, &a.MonthlyLimit, &a.DailyTransferred, &a.MonthlyTransferred, &a.CountersAsOf, &a.CreatedAt, &a.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, ErrAccountNotFound
	}
	return a, err
}

// Get retrieves a single account by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (domain.Account, error) {
	return scanAccount(s.Db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
}

func (s *PostgresStore) Create(ctx context.Context, a domain.Account) error {
	_, err := s.Db.Exec(ctx,
		`INSERT INTO accounts (id, owner_id, kind, status, balance, allow_overdraft, overdraft_limit,
			daily_limit, monthly_limit, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.OwnerID, a.Kind, a.Status, a.Balance, a.AllowOverdraft, a.OverdraftLimit,
		a.DailyLimit, a.MonthlyLimit, a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrAccountExists, a.ID)
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// Post runs the conditional balance UPDATE and the entry INSERT in one
// transaction. The UPDATE's row lock orders concurrent posts to the same
// account, so sequence numbers and balance_after never interleave.
func (s *PostgresStore) Post(ctx context.Context, e domain.LedgerEntry, floor int64) (domain.Account, domain.LedgerEntry, error) {
	return s.post(ctx, e, true, floor)
}

func (s *PostgresStore) Compensate(ctx context.Context, e domain.LedgerEntry) (domain.Account, domain.LedgerEntry, error) {
	return s.post(ctx, e, false, 0)
}

func (s *PostgresStore) post(ctx context.Context, e domain.LedgerEntry, guarded bool, floor int64) (domain.Account, domain.LedgerEntry, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Account{}, domain.LedgerEntry{}, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var row pgx.Row
	if guarded {
		row = tx.QueryRow(ctx,
			`UPDATE accounts SET balance = balance + $2
			 WHERE id = $1 AND status = 'open' AND ($2 >= 0 OR balance + $2 >= $3)
			 RETURNING `+accountColumns,
			e.AccountID, e.Delta, floor)
	} else {
		row = tx.QueryRow(ctx,
			"UPDATE accounts SET balance = balance + $2 WHERE id = $1 RETURNING "+accountColumns,
			e.AccountID, e.Delta)
	}
	acct, err := scanAccount(row)
	switch {
	case errors.Is(err, ErrAccountNotFound) && guarded:
		return domain.Account{}, domain.LedgerEntry{}, postRejection(ctx, tx, e.AccountID)
	case err != nil:
		return domain.Account{}, domain.LedgerEntry{}, balanceError(err)
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.BalanceAfter = acct.Balance
	err = tx.QueryRow(ctx,
		`INSERT INTO ledger_entries (id, transfer_id, account_id, seq, delta, balance_after, entry_type, created_at)
		 SELECT $1, $2, $3, COALESCE(MAX(seq), 0) + 1, $4, $5, $6, $7 FROM ledger_entries WHERE account_id = $3
		 RETURNING seq`,
		e.ID, e.TransferID, e.AccountID, e.Delta, e.BalanceAfter, e.Type, e.Timestamp,
	).Scan(&e.Sequence)
	if err != nil {
		return domain.Account{}, domain.LedgerEntry{}, fmt.Errorf("ledger entry failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Account{}, domain.LedgerEntry{}, fmt.Errorf("tx commit failed: %w", err)
	}
	return acct, e, nil
}

// postRejection explains why a guarded UPDATE matched no row.
func postRejection(ctx context.Context, tx pgx.Tx, id string) error {
	var status domain.AccountStatus
	err := tx.QueryRow(ctx, "SELECT status FROM accounts WHERE id = $1", id).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrAccountNotFound
	case err != nil:
		return fmt.Errorf("load account: %w", err)
	case status != domain.AccountOpen:
		return ErrAccountClosed
	default:
		return ErrInsufficientFunds
	}
}

func balanceError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "22003" {
		return fmt.Errorf("%w: %s", ErrBalanceOverflow, pgErr.Message)
	}
	return fmt.Errorf("apply delta: %w", err)
}

func (s *PostgresStore) IncrementPeriodCounters(ctx context.Context, id string, amount int64, asOf time.Time) (domain.Account, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Account{}, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	acct, err := scanAccount(tx.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return domain.Account{}, err
	}
	limits.Accumulate(&acct, amount, asOf)

	_, err = tx.Exec(ctx,
		"UPDATE accounts SET daily_transferred = $2, monthly_transferred = $3, counters_as_of = $4 WHERE id = $1",
		id, acct.DailyTransferred, acct.MonthlyTransferred, acct.CountersAsOf)
	if err != nil {
		return domain.Account{}, fmt.Errorf("update counters: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Account{}, fmt.Errorf("tx commit failed: %w", err)
	}
	return acct, nil
}

func (s *PostgresStore) Close(ctx context.Context, id string, at time.Time) error {
	tag, err := s.Db.Exec(ctx, "UPDATE accounts SET status = 'closed', closed_at = $2 WHERE id = $1 AND status = 'open'", id, at)
	if err != nil {
		return fmt.Errorf("close account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		_, err := s.Get(ctx, id)
		return err
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// ForAccount retrieves ledger entries for a specific account in sequence order.
func (s *PostgresStore) ForAccount(ctx context.Context, accountID string, from, to time.Time) ([]domain.LedgerEntry, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE account_id = $1
		   AND ($2::timestamptz IS NULL OR created_at >= $2)
		   AND ($3::timestamptz IS NULL OR created_at < $3)
		 ORDER BY seq`,
		accountID, nullableTime(from), nullableTime(to))
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	return collectEntries(rows)
}

// Statement reads the account and its entries in one repeatable-read snapshot.
func (s *PostgresStore) Statement(ctx context.Context, accountID string) (domain.Account, []domain.LedgerEntry, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return domain.Account{}, nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	acct, err := scanAccount(tx.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", accountID))
	if err != nil {
		return domain.Account{}, nil, err
	}
	rows, err := tx.Query(ctx, "SELECT "+entryColumns+" FROM ledger_entries WHERE account_id = $1 ORDER BY seq", accountID)
	if err != nil {
		return domain.Account{}, nil, fmt.Errorf("query entries: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return domain.Account{}, nil, err
	}
	return acct, entries, tx.Commit(ctx)
}

func (s *PostgresStore) ForTransfer(ctx context.Context, transferID string) ([]domain.LedgerEntry, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE transfer_id = $1 ORDER BY created_at, account_id, seq", transferID)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]domain.LedgerEntry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.LedgerEntry, error) {
		var e domain.LedgerEntry
		err := row.Scan(&e.ID, &e.TransferID, &e.AccountID, &e.Sequence, &e.Delta, &e.BalanceAfter, &e.Type, &e.Timestamp)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan entries: %w", err)
	}
	return entries, nil
}

// Transfers exposes the transfers table as a TransferRepository.
func (s *PostgresStore) Transfers() TransferRepository {
	return postgresTransfers{db: s.Db}
}

type postgresTransfers struct {
	db *pgxpool.Pool
}

func (p postgresTransfers) Save(ctx context.Context, t domain.Transfer) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO transfers (id, idempotency_key, source_account_id, destination_account_id, external,
			transfer_type, amount, fee, status, failure_reason, compensated, note, created_at, completed_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (id) DO UPDATE SET
			fee = EXCLUDED.fee,
			status = EXCLUDED.status,
			failure_reason = EXCLUDED.failure_reason,
			compensated = EXCLUDED.compensated,
			completed_at = EXCLUDED.completed_at`,
		t.ID, t.IdempotencyKey, t.SourceAccountID, t.DestinationAccountID, t.External,
		t.Type, t.Amount, t.Fee, t.Status, t.FailureReason, t.Compensated, t.Note, t.CreatedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("transfer upsert failed: %w", err)
	}
	return nil
}

func scanTransfer(row pgx.Row) (domain.Transfer, error) {
	var t domain.Transfer
	err := row.Scan(&t.ID, &t.IdempotencyKey, &t.SourceAccountID, &t.DestinationAccountID, &t.External,
		&t.Type, &t.Amount, &t.Fee, &t.Status, &t.FailureReason, &t.Compensated, &t.Note, &t.CreatedAt, &t.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Transfer{}, ErrTransferNotFound
	}
	return t, err
}

// Get retrieves transfer details.
func (p postgresTransfers) Get(ctx context.Context, id string) (domain.Transfer, error) {
	return scanTransfer(p.db.QueryRow(ctx, "SELECT "+transferColumns+" FROM transfers WHERE id = $1", id))
}

func (p postgresTransfers) GetMany(ctx context.Context, ids []string) ([]domain.Transfer, error) {
	rows, err := p.db.Query(ctx,
		"SELECT "+transferColumns+" FROM transfers WHERE id = ANY($1) ORDER BY created_at DESC", ids)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	transfers, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Transfer, error) {
		return scanTransfer(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan transfers: %w", err)
	}
	return transfers, nil
}

func (p postgresTransfers) Unresolved(ctx context.Context, cutoff time.Time) ([]domain.Transfer, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+transferColumns+` FROM transfers
		 WHERE created_at < $1
		   AND (status IN ('draft', 'validated', 'reserved') OR (status = 'failed' AND NOT compensated))
		 ORDER BY created_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query unresolved transfers: %w", err)
	}
	transfers, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Transfer, error) {
		return scanTransfer(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan transfers: %w", err)
	}
	return transfers, nil
}

// Obligations exposes the obligations table as a settlement outbox.
func (s *PostgresStore) Obligations() *PostgresObligations {
	return &PostgresObligations{db: s.Db}
}

type PostgresObligations struct {
	db *pgxpool.Pool
}

func (p *PostgresObligations) Record(ctx context.Context, ob domain.Obligation) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO obligations (id, transfer_id, source_account_id, destination, amount, transfer_type, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ob.ID, ob.TransferID, ob.SourceAccountID, ob.Destination, ob.Amount, ob.Type, ob.Status, ob.CreatedAt)
	if err != nil {
		return fmt.Errorf("record obligation: %w", err)
	}
	return nil
}

func (p *PostgresObligations) Pending(ctx context.Context, limit int) ([]domain.Obligation, error) {
	rows, err := p.db.Query(ctx,
		`SELECT id, transfer_id, source_account_id, destination, amount, transfer_type, status, attempts, created_at, dispatched_at
		 FROM obligations WHERE status = 'pending' ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query obligations: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Obligation, error) {
		var ob domain.Obligation
		err := row.Scan(&ob.ID, &ob.TransferID, &ob.SourceAccountID, &ob.Destination, &ob.Amount, &ob.Type,
			&ob.Status, &ob.Attempts, &ob.CreatedAt, &ob.DispatchedAt)
		return ob, err
	})
}

func (p *PostgresObligations) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	_, err := p.db.Exec(ctx,
		"UPDATE obligations SET status = 'dispatched', dispatched_at = $2, attempts = attempts + 1 WHERE id = $1", id, at)
	return err
}

func (p *PostgresObligations) MarkFailedAttempt(ctx context.Context, id string) error {
	_, err := p.db.Exec(ctx, "UPDATE obligations SET attempts = attempts + 1 WHERE id = $1", id)
	return err
}

func (p *PostgresObligations) MarkCancelled(ctx context.Context, id string) error {
	_, err := p.db.Exec(ctx, "UPDATE obligations SET status = 'cancelled' WHERE id = $1", id)
	return err
}
