package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Mode selects whether the ledger runs against simulated or live balances.
type Mode string

const (
	ModeSimulation Mode = "SIMULATION"
	ModeLive       Mode = "LIVE"
)

// ParseMode normalizes a mode string. Empty input selects ModeSimulation.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", string(ModeSimulation):
		return ModeSimulation, nil
	case string(ModeLive):
		return ModeLive, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

// String returns the mode name.
func (mode Mode) String() string {
	return string(mode)
}

// Simulation reports whether token transfers are simulated.
func (mode Mode) Simulation() bool {
	return mode != ModeLive
}

// RemoteMode selects how the ledger treats a remote authoritative copy.
type RemoteMode string

const (
	RemoteModeDisabled RemoteMode = "DISABLED"
	RemoteModeMirror   RemoteMode = "MIRROR"
)

// ParseRemoteMode normalizes a remote mode. Unknown values disable mirroring.
func ParseRemoteMode(raw string) RemoteMode {
	if strings.ToUpper(strings.TrimSpace(raw)) == string(RemoteModeMirror) {
		return RemoteModeMirror
	}
	return RemoteModeDisabled
}

// String returns the remote mode name.
func (mode RemoteMode) String() string {
	return string(mode)
}

// TransactionType enumerates ledger transaction kinds.
type TransactionType string

const (
	TransactionEarn  TransactionType = "earn"
	TransactionSpend TransactionType = "spend"
)

// ParseTransactionType validates a transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(strings.ToLower(strings.TrimSpace(raw))) {
	case TransactionEarn:
		return TransactionEarn, nil
	case TransactionSpend:
		return TransactionSpend, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the transaction type name.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// Delta returns the signed balance change for amount.
func (transactionType TransactionType) Delta(amount int64) int64 {
	if transactionType == TransactionSpend {
		return -amount
	}
	return amount
}

// UserID identifies the owner of a ledger.
type UserID struct {
	value string
}

// NewUserID validates and trims a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

var userIDReplacer = strings.NewReplacer(`\`, "_", "/", "_", ":", "_", "\x00", "_")

// NormalizeUserID turns arbitrary caller input into a user id that is safe to
// use as a directory name. Empty input maps to DefaultUserID. Leading dots
// become underscores, so "." and ".." never name a parent directory.
func NormalizeUserID(raw string) UserID {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{value: DefaultUserID}
	}
	normalized := userIDReplacer.Replace(trimmed)
	if dots := len(normalized) - len(strings.TrimLeft(normalized, ".")); dots > 0 {
		normalized = strings.Repeat("_", dots) + normalized[dots:]
	}
	return UserID{value: normalized}
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// Metadata is free-form transaction context. Values must be JSON encodable.
type Metadata map[string]any

// Clone returns a shallow copy that is safe to extend.
func (metadata Metadata) Clone() Metadata {
	cloned := make(Metadata, len(metadata)+2)
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

// Reason returns the reason tag or an empty string.
func (metadata Metadata) Reason() string {
	reason, _ := metadata[MetadataKeyReason].(string)
	return reason
}

// Transaction is one immutable ledger line. Only Remote changes after it is
// persisted.
type Transaction struct {
	ID        string            `json:"id"`
	Type      TransactionType   `json:"type"`
	Amount    int64             `json:"amount"`
	Delta     int64             `json:"delta"`
	Balance   int64             `json:"balance"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  Metadata          `json:"metadata"`
	Mode      Mode              `json:"mode"`
	Remote    TransactionRemote `json:"remote"`
}

// TransactionRemote describes how far the remote mirror has caught up with a
// single transaction.
type TransactionRemote struct {
	Enabled      bool       `json:"enabled"`
	Mode         RemoteMode `json:"mode,omitempty"`
	Synced       bool       `json:"synced"`
	Attempts     int        `json:"attempts"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	Pending      bool       `json:"pending"`
	Exhausted    bool       `json:"exhausted,omitempty"`
}

func (transaction Transaction) clone() Transaction {
	transaction.Metadata = transaction.Metadata.Clone()
	return transaction
}

// RemoteStatus summarizes mirroring at the ledger level.
type RemoteStatus struct {
	Enabled      bool       `json:"enabled"`
	Mode         RemoteMode `json:"mode"`
	Synced       bool       `json:"synced"`
	Pending      int        `json:"pending"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
}

// Snapshot is the read model handed to collaborators.
type Snapshot struct {
	UserID     string       `json:"userId"`
	Balance    int64        `json:"balance"`
	Mode       Mode         `json:"mode"`
	Simulation bool         `json:"simulation"`
	UpdatedAt  time.Time    `json:"updatedAt"`
	Remote     RemoteStatus `json:"remote"`
}

// BalanceRecord is the persisted balance snapshot.
type BalanceRecord struct {
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updatedAt"`
	UserID    string    `json:"userId"`
}

// ListOptions bounds ListTransactions. A non-positive Limit returns the full
// in-memory window.
type ListOptions struct {
	Limit int
}

// BootstrapOptions overrides construction-time settings on first bootstrap.
type BootstrapOptions struct {
	Mode           Mode
	InitialBalance *int64
}

// Store is the durable persistence contract used by Ledger.
// LoadBalance returns ErrStateNotFound when nothing was persisted yet and an
// error wrapping ErrStateCorrupt when the snapshot cannot be decoded.
type Store interface {
	LoadBalance(ctx context.Context) (BalanceRecord, error)
	LoadTransactions(ctx context.Context) ([]Transaction, error)
	PersistBalance(ctx context.Context, record BalanceRecord) error
	PersistTransactions(ctx context.Context, transactions []Transaction) error
}
