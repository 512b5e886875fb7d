// Package pgstore persists remote ledger balances on PostgreSQL through a pgx
// connection pool. It shares the accounts and ledger_entries layout used by
// gormstore.
package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/mirrorserver"
	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintAccountIdempotencyKey = "uniq_ledger_account_idempotency"
	pgUniqueViolationCode           = "23505"
	defaultMetadataJSON             = "{}"
	errorOperationStore             = "store"
	errorSubjectAccount             = "account"
	errorSubjectBalance             = "balance"
	errorSubjectEntry               = "entry"
	errorSubjectSchema              = "schema"
	errorSubjectTransaction         = "transaction"
	errorCodeBegin                  = "begin"
	errorCodeCommit                 = "commit"
	errorCodeInsert                 = "insert"
	errorCodeList                   = "list"
	errorCodeLookup                 = "lookup"
	errorCodeMigrate                = "migrate"
	errorCodeUpdate                 = "update"

	sqlSelectBalance = `select balance from accounts where user_id = $1`

	sqlUpsertAccount = `
		insert into accounts(account_id, user_id, balance, created_at, updated_at)
		values($1, $2, 0, $3, $3)
		on conflict (user_id) do update set user_id = excluded.user_id
		returning account_id::text, balance
	`

	sqlSelectIdempotentEntry = `
		select 1 from ledger_entries
		where account_id = $1 and idempotency_key = $2
	`

	sqlUpdateBalance = `
		update accounts set balance = balance + $2, updated_at = $3
		where account_id = $1
		returning balance
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, account_id, type, amount, reason, idempotency_key, metadata, balance_after, created_at
		)
		values($1, $2, $3, $4, $5, nullif($6, ''), $7::jsonb, $8, $9)
	`

	sqlListEntries = `
		select
			ledger_entries.entry_id::text,
			ledger_entries.type,
			ledger_entries.amount,
			ledger_entries.reason,
			coalesce(ledger_entries.idempotency_key, ''),
			ledger_entries.metadata::text,
			ledger_entries.balance_after,
			ledger_entries.created_at
		from ledger_entries
		join accounts on accounts.account_id = ledger_entries.account_id
		where accounts.user_id = $1
		order by ledger_entries.created_at desc
		limit $2
	`
)

var schemaStatements = []string{
	`create table if not exists accounts(
		account_id uuid primary key,
		user_id text not null,
		balance bigint not null default 0,
		created_at timestamptz not null,
		updated_at timestamptz not null
	)`,
	`create unique index if not exists uniq_accounts_user on accounts(user_id)`,
	`create table if not exists ledger_entries(
		entry_id uuid primary key,
		account_id uuid not null references accounts(account_id),
		type varchar(16) not null,
		amount bigint not null,
		reason text not null default '',
		idempotency_key text,
		metadata jsonb not null,
		balance_after bigint not null,
		created_at timestamptz not null
	)`,
	`create index if not exists idx_ledger_account_created on ledger_entries(account_id, created_at)`,
	`create unique index if not exists uniq_ledger_account_idempotency on ledger_entries(account_id, idempotency_key)`,
}

var errDuplicateEntry = errors.New("pgstore: duplicate idempotency key")

// Entry is one applied mutation as stored in ledger_entries.
type Entry struct {
	EntryID        string
	Type           ledger.TransactionType
	Amount         int64
	Reason         string
	IdempotencyKey string
	Metadata       string
	BalanceAfter   int64
	CreatedAt      time.Time
}

// Store implements mirrorserver.Store using a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ mirrorserver.Store = (*Store)(nil)

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// PrepareSchema creates the mirror tables when they are missing.
func (store *Store) PrepareSchema(ctx context.Context) error {
	for _, statement := range schemaStatements {
		if _, err := store.pool.Exec(ctx, statement); err != nil {
			return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
		}
	}
	return nil
}

// Balance returns the user's balance. Unknown users start at zero.
func (store *Store) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := store.pool.QueryRow(ctx, sqlSelectBalance, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	return balance, nil
}

// Apply adds the mutation's delta to the user's balance and records an entry.
// The account row stays locked until commit, so writers for one user queue up.
func (store *Store) Apply(ctx context.Context, mutation mirrorserver.Mutation) (mirrorserver.Result, error) {
	result, err := store.withTx(ctx, func(tx pgx.Tx) (mirrorserver.Result, error) {
		return store.apply(ctx, tx, mutation)
	})
	if errors.Is(err, errDuplicateEntry) {
		balance, balanceErr := store.Balance(ctx, mutation.UserID)
		if balanceErr != nil {
			return mirrorserver.Result{}, balanceErr
		}
		return mirrorserver.Result{Balance: balance, Duplicate: true}, nil
	}
	return result, err
}

// Entries lists the newest entries for a user, newest first.
func (store *Store) Entries(ctx context.Context, userID string, limit int) ([]Entry, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := store.pool.Query(ctx, sqlListEntries, userID, limitArg)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries := make([]Entry, 0, max(limit, 0))
	for rows.Next() {
		var (
			entry     Entry
			typeValue string
		)
		if err := rows.Scan(
			&entry.EntryID,
			&typeValue,
			&entry.Amount,
			&entry.Reason,
			&entry.IdempotencyKey,
			&entry.Metadata,
			&entry.BalanceAfter,
			&entry.CreatedAt,
		); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
		}
		entryType, err := ledger.ParseTransactionType(typeValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
		}
		entry.Type = entryType
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func (store *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) (mirrorserver.Result, error)) (mirrorserver.Result, error) {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mirrorserver.Result{}, wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	result, err := fn(tx)
	if err != nil {
		_ = tx.Rollback(ctx)
		return mirrorserver.Result{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return mirrorserver.Result{}, wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return result, nil
}

func (store *Store) apply(ctx context.Context, tx pgx.Tx, mutation mirrorserver.Mutation) (mirrorserver.Result, error) {
	now := store.now()
	var (
		accountID string
		balance   int64
	)
	if err := tx.QueryRow(ctx, sqlUpsertAccount, uuid.NewString(), mutation.UserID, now).Scan(&accountID, &balance); err != nil {
		return mirrorserver.Result{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}

	if mutation.IdempotencyKey != "" {
		var exists int
		err := tx.QueryRow(ctx, sqlSelectIdempotentEntry, accountID, mutation.IdempotencyKey).Scan(&exists)
		if err == nil {
			return mirrorserver.Result{Balance: balance, Duplicate: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return mirrorserver.Result{}, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
		}
	}

	if err := tx.QueryRow(ctx, sqlUpdateBalance, accountID, mutation.Type.Delta(mutation.Amount), now).Scan(&balance); err != nil {
		return mirrorserver.Result{}, wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
	}

	metadata := string(mutation.Metadata)
	if metadata == "" {
		metadata = defaultMetadataJSON
	}
	_, err := tx.Exec(ctx, sqlInsertEntry,
		uuid.NewString(),
		accountID,
		mutation.Type.String(),
		mutation.Amount,
		mutation.Reason,
		mutation.IdempotencyKey,
		metadata,
		balance,
		now,
	)
	if isIdempotencyConflict(err) {
		return mirrorserver.Result{}, errDuplicateEntry
	}
	if err != nil {
		return mirrorserver.Result{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return mirrorserver.Result{Balance: balance}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isIdempotencyConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintAccountIdempotencyKey
	}
	return false
}
