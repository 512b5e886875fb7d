package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account holds the authoritative balance for one user.
type Account struct {
	AccountID string    `gorm:"type:uuid;primaryKey"`
	UserID    string    `gorm:"not null;uniqueIndex:uniq_accounts_user"`
	Balance   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// LedgerEntry records one applied credit or debit.
type LedgerEntry struct {
	EntryID        string         `gorm:"type:uuid;primaryKey"`
	AccountID      string         `gorm:"type:uuid;not null;index:idx_ledger_account_created,priority:1;index:uniq_ledger_account_idempotency,unique,priority:1"`
	Type           string         `gorm:"type:varchar(16);not null"`
	Amount         int64          `gorm:"not null"`
	Reason         string         `gorm:"not null;default:''"`
	IdempotencyKey *string        `gorm:"index:uniq_ledger_account_idempotency,unique,priority:2"`
	Metadata       datatypes.JSON `gorm:"type:jsonb;not null"`
	BalanceAfter   int64          `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}
