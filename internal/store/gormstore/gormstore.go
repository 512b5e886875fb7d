// Package gormstore persists remote ledger balances with GORM on Postgres or SQLite.
package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/mirrorserver"
	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	errorSubjectAccount = "account"
	errorSubjectEntry   = "entry"
	errorSubjectBalance = "balance"

	errorCodeLookup = "lookup"
	errorCodeCreate = "create"
	errorCodeUpdate = "update"
	errorCodeInsert = "insert"
	errorCodeTx     = "tx"

	pgUniqueViolationCode           = "23505"
	sqliteConstraintCode            = 19
	constraintAccountIdempotencyKey = "uniq_ledger_account_idempotency"
	defaultMetadataJSON             = "{}"
)

var errDuplicateEntry = errors.New("gormstore: duplicate idempotency key")

// Store implements mirrorserver.Store.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var _ mirrorserver.Store = (*Store)(nil)

// New constructs a Store.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Balance returns the user's balance. Unknown users start at zero.
func (store *Store) Balance(ctx context.Context, userID string) (int64, error) {
	var account Account
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	return account.Balance, nil
}

// Apply adds the mutation's delta to the user's balance and records an entry.
// A repeated idempotency key leaves the balance untouched.
func (store *Store) Apply(ctx context.Context, mutation mirrorserver.Mutation) (mirrorserver.Result, error) {
	var result mirrorserver.Result
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := store.getOrCreateAccount(tx, mutation.UserID)
		if err != nil {
			return err
		}
		if mutation.IdempotencyKey != "" {
			var existing LedgerEntry
			lookupErr := tx.Where("account_id = ? AND idempotency_key = ?", account.AccountID, mutation.IdempotencyKey).Take(&existing).Error
			if lookupErr == nil {
				result = mirrorserver.Result{Balance: account.Balance, Duplicate: true}
				return nil
			}
			if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
				return wrapStoreError(errorSubjectEntry, errorCodeLookup, lookupErr)
			}
		}

		now := store.now()
		delta := mutation.Type.Delta(mutation.Amount)
		if err := tx.Model(&Account{}).
			Where("account_id = ?", account.AccountID).
			Updates(map[string]any{"balance": gorm.Expr("balance + ?", delta), "updated_at": now}).Error; err != nil {
			return wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
		}
		var updated Account
		if err := tx.Where("account_id = ?", account.AccountID).Take(&updated).Error; err != nil {
			return wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
		}

		metadata := mutation.Metadata
		if len(metadata) == 0 {
			metadata = []byte(defaultMetadataJSON)
		}
		entry := LedgerEntry{
			AccountID:    account.AccountID,
			Type:         mutation.Type.String(),
			Amount:       mutation.Amount,
			Reason:       mutation.Reason,
			Metadata:     datatypes.JSON(metadata),
			BalanceAfter: updated.Balance,
			CreatedAt:    now,
		}
		if mutation.IdempotencyKey != "" {
			key := mutation.IdempotencyKey
			entry.IdempotencyKey = &key
		}
		if err := tx.Create(&entry).Error; err != nil {
			if isIdempotencyConflict(err) {
				return errDuplicateEntry
			}
			return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
		}
		result = mirrorserver.Result{Balance: updated.Balance}
		return nil
	})
	if errors.Is(err, errDuplicateEntry) {
		balance, balanceErr := store.Balance(ctx, mutation.UserID)
		if balanceErr != nil {
			return mirrorserver.Result{}, balanceErr
		}
		return mirrorserver.Result{Balance: balance, Duplicate: true}, nil
	}
	if err != nil {
		var operationError ledger.OperationError
		if errors.As(err, &operationError) {
			return mirrorserver.Result{}, err
		}
		return mirrorserver.Result{}, wrapStoreError(errorSubjectEntry, errorCodeTx, err)
	}
	return result, nil
}

// Entries lists the newest entries for a user, newest first.
func (store *Store) Entries(ctx context.Context, userID string, limit int) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	query := store.db.WithContext(ctx).
		Joins("JOIN accounts ON accounts.account_id = ledger_entries.account_id").
		Where("accounts.user_id = ?", userID).
		Order("ledger_entries.created_at desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&entries).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return entries, nil
}

func (store *Store) getOrCreateAccount(tx *gorm.DB, userID string) (Account, error) {
	now := store.now()
	candidate := Account{UserID: userID, CreatedAt: now, UpdatedAt: now}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&candidate).Error
	if err != nil {
		return Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	var account Account
	if err := tx.Where("user_id = ?", userID).Take(&account).Error; err != nil {
		return Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return account, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError("store", subject, code, err)
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintAccountIdempotencyKey
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
