package ledger

import (
	"context"
	"time"
)

// LedgerOption configures a Ledger instance.
type LedgerOption func(*Ledger)

// OperationLogger records domain-level events emitted by Ledger operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation     string
	UserID        UserID
	TransactionID string
	Amount        int64
	Balance       int64
	Attempts      int
	Metadata      Metadata
	Status        string
	Error         error
}

// Listener observes committed transactions. Calls happen on the ledger's
// writer goroutine, so implementations must not block.
type Listener interface {
	TransactionCommitted(snapshot Snapshot, transaction Transaction)
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) LedgerOption {
	return func(ledger *Ledger) {
		ledger.logger = logger
	}
}

// WithListener adds a committed-transaction observer.
func WithListener(listener Listener) LedgerOption {
	return func(ledger *Ledger) {
		if listener != nil {
			ledger.listeners = append(ledger.listeners, listener)
		}
	}
}

// WithAuditLog wires the human-readable audit trail.
func WithAuditLog(auditLog AuditLog) LedgerOption {
	return func(ledger *Ledger) {
		ledger.audit = auditLog
	}
}

// WithRemoteClient wires the remote mirror. A nil client disables mirroring.
func WithRemoteClient(client RemoteClient) LedgerOption {
	return func(ledger *Ledger) {
		ledger.remote = client
	}
}

// WithClock overrides the wall clock and timer source.
func WithClock(clock Clock) LedgerOption {
	return func(ledger *Ledger) {
		ledger.clock = clock
	}
}

// WithMode sets the default mode used when Bootstrap does not override it.
func WithMode(mode Mode) LedgerOption {
	return func(ledger *Ledger) {
		ledger.mode = mode
	}
}

// WithInitialBalance sets the balance used when nothing was persisted yet.
func WithInitialBalance(balance int64) LedgerOption {
	return func(ledger *Ledger) {
		ledger.initialBalance = balance
	}
}

// WithTransactionWindow bounds the number of retained transactions.
func WithTransactionWindow(window int) LedgerOption {
	return func(ledger *Ledger) {
		ledger.window = window
	}
}

// WithRetryPolicy overrides remote retry backoff and bounds.
func WithRetryPolicy(policy RetryPolicy) LedgerOption {
	return func(ledger *Ledger) {
		ledger.retryPolicy = policy
	}
}

// WithRecoveryPolicy overrides the negative balance recovery policy.
func WithRecoveryPolicy(policy RecoveryPolicy) LedgerOption {
	return func(ledger *Ledger) {
		ledger.recovery = policy
	}
}

// WithRandomSource overrides the [0,1) sampler used for jitter and recovery
// amounts.
func WithRandomSource(random func() float64) LedgerOption {
	return func(ledger *Ledger) {
		ledger.random = random
	}
}

// WithIDGenerator overrides transaction id generation.
func WithIDGenerator(generate func() (string, error)) LedgerOption {
	return func(ledger *Ledger) {
		ledger.newID = generate
	}
}

func (ledger *Ledger) logOperation(ctx context.Context, entry OperationLog) {
	if ledger.logger == nil {
		return
	}
	entry.UserID = ledger.userID
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	ledger.logger.LogOperation(ctx, entry)
}

func (ledger *Ledger) notifyListeners(snapshot Snapshot, transaction Transaction) {
	for _, listener := range ledger.listeners {
		listener.TransactionCommitted(snapshot, transaction.clone())
	}
}

// Clock supplies wall time and one-shot timers.
type Clock interface {
	Now() time.Time
	AfterFunc(delay time.Duration, fn func()) Timer
}

// Timer is a cancellable one-shot callback.
type Timer interface {
	Stop() bool
}

// SystemClock is the real-time Clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// AfterFunc runs fn on its own goroutine after delay.
func (SystemClock) AfterFunc(delay time.Duration, fn func()) Timer {
	return time.AfterFunc(delay, fn)
}
