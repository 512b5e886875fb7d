// Package filestore keeps a ledger's balance snapshot and transaction window
// on disk. Every write goes to a temp file that is renamed over the target.
package filestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/goccy/go-json"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	// BalanceFileName is the balance snapshot.
	BalanceFileName = "ledger.json"
	// TransactionsFileName holds one transaction per line.
	TransactionsFileName = "transactions.jsonl"

	directoryMode = 0o755
	tempPattern   = ".tmp-*"
)

// Option configures a Store.
type Option func(*Store)

// WithFs swaps the filesystem, mainly for tests.
func WithFs(filesystem afero.Fs) Option {
	return func(store *Store) {
		if filesystem != nil {
			store.fs = filesystem
		}
	}
}

// WithLogger routes warnings to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(store *Store) {
		if logger != nil {
			store.logger = logger
		}
	}
}

// Store implements ledger.Store on top of an afero filesystem.
type Store struct {
	fs         afero.Fs
	dir        string
	logger     *zap.Logger
	mutex      sync.Mutex
	memoryOnly bool
}

var _ ledger.Store = (*Store)(nil)

// UserDir returns the storage directory for one user below root. The id is
// normalized again so ids built with ledger.NewUserID stay below root too.
func UserDir(root string, userID ledger.UserID) string {
	return filepath.Join(root, ledger.NormalizeUserID(userID.String()).String())
}

// New prepares dir. When the directory cannot be created the store degrades
// to memory-only operation: loads report no state and writes are dropped.
func New(dir string, options ...Option) *Store {
	store := &Store{
		fs:     afero.NewOsFs(),
		dir:    dir,
		logger: zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(store)
		}
	}
	if err := store.fs.MkdirAll(dir, directoryMode); err != nil {
		store.logger.Warn("ledger directory unavailable; continuing in memory only",
			zap.String("path", dir),
			zap.Error(err),
		)
		store.memoryOnly = true
	}
	return store
}

// MemoryOnly reports whether the store has degraded to in-memory operation.
func (store *Store) MemoryOnly() bool {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.memoryOnly
}

// Dir returns the storage directory.
func (store *Store) Dir() string {
	return store.dir
}

type balanceFile struct {
	Balance   *int64 `json:"balance"`
	UpdatedAt string `json:"updatedAt"`
	UserID    string `json:"userId"`
}

// LoadBalance reads ledger.json. A missing file yields ledger.ErrStateNotFound
// and an unreadable one ledger.ErrStateCorrupt.
func (store *Store) LoadBalance(ctx context.Context) (ledger.BalanceRecord, error) {
	if store.MemoryOnly() {
		return ledger.BalanceRecord{}, ledger.ErrStateNotFound
	}
	path := store.path(BalanceFileName)
	data, err := afero.ReadFile(store.fs, path)
	if errors.Is(err, fs.ErrNotExist) {
		return ledger.BalanceRecord{}, ledger.ErrStateNotFound
	}
	if err != nil {
		return ledger.BalanceRecord{}, fmt.Errorf("read %s: %w", path, err)
	}

	var decoded balanceFile
	if err := json.Unmarshal(data, &decoded); err != nil {
		store.logger.Warn("balance file unreadable", zap.String("path", path), zap.Error(err))
		return ledger.BalanceRecord{}, fmt.Errorf("%w: %v", ledger.ErrStateCorrupt, err)
	}
	if decoded.Balance == nil {
		store.logger.Warn("balance file missing balance", zap.String("path", path))
		return ledger.BalanceRecord{}, fmt.Errorf("%w: balance missing", ledger.ErrStateCorrupt)
	}
	record := ledger.BalanceRecord{Balance: *decoded.Balance, UserID: decoded.UserID}
	if decoded.UpdatedAt != "" {
		updatedAt, parseErr := time.Parse(time.RFC3339Nano, decoded.UpdatedAt)
		if parseErr != nil {
			store.logger.Warn("balance file timestamp unreadable", zap.String("path", path), zap.Error(parseErr))
		} else {
			record.UpdatedAt = updatedAt.UTC()
		}
	}
	return record, nil
}

// LoadTransactions reads transactions.jsonl in file order. Lines that do not
// decode into a transaction are skipped with a warning.
func (store *Store) LoadTransactions(ctx context.Context) ([]ledger.Transaction, error) {
	if store.MemoryOnly() {
		return nil, nil
	}
	path := store.path(TransactionsFileName)
	data, err := afero.ReadFile(store.fs, path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var transactions []ledger.Transaction
	for index, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		transaction, decodeErr := decodeTransaction(line)
		if decodeErr != nil {
			store.logger.Warn("skipping unreadable transaction line",
				zap.String("path", path),
				zap.Int("line", index+1),
				zap.Error(decodeErr),
			)
			continue
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func decodeTransaction(line []byte) (ledger.Transaction, error) {
	var transaction ledger.Transaction
	if err := json.Unmarshal(line, &transaction); err != nil {
		return ledger.Transaction{}, err
	}
	if strings.TrimSpace(transaction.ID) == "" {
		return ledger.Transaction{}, errors.New("transaction id missing")
	}
	if _, err := ledger.ParseTransactionType(transaction.Type.String()); err != nil {
		return ledger.Transaction{}, err
	}
	if transaction.Metadata == nil {
		transaction.Metadata = ledger.Metadata{}
	}
	return transaction, nil
}

// PersistBalance atomically replaces ledger.json.
func (store *Store) PersistBalance(ctx context.Context, record ledger.BalanceRecord) error {
	balance := record.Balance
	data, err := json.MarshalIndent(balanceFile{
		Balance:   &balance,
		UpdatedAt: record.UpdatedAt.UTC().Format(time.RFC3339Nano),
		UserID:    record.UserID,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode balance: %w", err)
	}
	return store.writeAtomic(BalanceFileName, append(data, '\n'))
}

// PersistTransactions atomically rewrites transactions.jsonl with exactly the
// given window.
func (store *Store) PersistTransactions(ctx context.Context, transactions []ledger.Transaction) error {
	var buffer bytes.Buffer
	for _, transaction := range transactions {
		line, err := json.Marshal(transaction)
		if err != nil {
			return fmt.Errorf("encode transaction %s: %w", transaction.ID, err)
		}
		buffer.Write(line)
		buffer.WriteByte('\n')
	}
	return store.writeAtomic(TransactionsFileName, buffer.Bytes())
}

func (store *Store) writeAtomic(name string, data []byte) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.memoryOnly {
		return nil
	}

	target := store.path(name)
	temp, err := afero.TempFile(store.fs, store.dir, name+tempPattern)
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", target, err)
	}
	tempName := temp.Name()
	cleanup := func() { _ = store.fs.Remove(tempName) }

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", tempName, err)
	}
	if err := temp.Sync(); err != nil {
		_ = temp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", tempName, err)
	}
	if err := temp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", tempName, err)
	}
	if err := store.fs.Rename(tempName, target); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", target, err)
	}
	return nil
}

func (store *Store) path(name string) string {
	return filepath.Join(store.dir, name)
}

