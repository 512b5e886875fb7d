// Package audit appends the human-readable ledger.log and remote-retry.log
// trails. Write failures are logged and swallowed.
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	// TransactionLogName receives one line per committed transaction.
	TransactionLogName = "ledger.log"
	// RemoteRetryLogName receives one line per remote retry outcome.
	RemoteRetryLogName = "remote-retry.log"

	appendFlags = os.O_APPEND | os.O_CREATE | os.O_WRONLY
	fileMode    = 0o644
	dirMode     = 0o755

	transactionLineFormat = "%s user=%s type=%s amount=%d delta=%+d balance=%d reason=%q\n"
	remoteLineFormat      = "%s user=%s entry=%s outcome=%s attempts=%d exhausted=%t error=%q\n"
)

// Option configures a Log.
type Option func(*Log)

// WithFs swaps the filesystem.
func WithFs(filesystem afero.Fs) Option {
	return func(log *Log) {
		if filesystem != nil {
			log.fs = filesystem
		}
	}
}

// WithLogger routes write failures to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(log *Log) {
		if logger != nil {
			log.logger = logger
		}
	}
}

// Log implements ledger.AuditLog for one storage directory.
type Log struct {
	fs     afero.Fs
	dir    string
	logger *zap.Logger
	mutex  sync.Mutex
}

var _ ledger.AuditLog = (*Log)(nil)

// New returns a Log writing below dir.
func New(dir string, options ...Option) *Log {
	log := &Log{fs: afero.NewOsFs(), dir: dir, logger: zap.NewNop()}
	for _, option := range options {
		if option != nil {
			option(log)
		}
	}
	return log
}

// RecordTransaction appends a line to ledger.log.
func (log *Log) RecordTransaction(userID ledger.UserID, transaction ledger.Transaction) {
	line := fmt.Sprintf(transactionLineFormat,
		formatTime(transaction.Timestamp),
		userID.String(),
		transaction.Type,
		transaction.Amount,
		transaction.Delta,
		transaction.Balance,
		transaction.Metadata.Reason(),
	)
	log.append(TransactionLogName, line)
}

// RecordRemoteOutcome appends a line to remote-retry.log.
func (log *Log) RecordRemoteOutcome(userID ledger.UserID, outcome ledger.RemoteOutcome) {
	errorText := ""
	if outcome.Err != nil {
		errorText = outcome.Err.Error()
	}
	line := fmt.Sprintf(remoteLineFormat,
		formatTime(outcome.At),
		userID.String(),
		outcome.EntryID,
		outcome.Outcome,
		outcome.Attempts,
		outcome.Exhausted,
		errorText,
	)
	log.append(RemoteRetryLogName, line)
}

func (log *Log) append(name string, line string) {
	log.mutex.Lock()
	defer log.mutex.Unlock()

	path := filepath.Join(log.dir, name)
	if err := log.fs.MkdirAll(log.dir, dirMode); err != nil {
		log.logger.Warn("audit directory unavailable", zap.String("path", log.dir), zap.Error(err))
		return
	}
	file, err := log.fs.OpenFile(path, appendFlags, fileMode)
	if err != nil {
		log.logger.Warn("audit log open failed", zap.String("path", path), zap.Error(err))
		return
	}
	if _, err := file.WriteString(line); err != nil {
		log.logger.Warn("audit log write failed", zap.String("path", path), zap.Error(err))
	}
	if err := file.Close(); err != nil {
		log.logger.Warn("audit log close failed", zap.String("path", path), zap.Error(err))
	}
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		value = time.Now()
	}
	return value.UTC().Format(time.RFC3339Nano)
}
