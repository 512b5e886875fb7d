package ledger

import (
	"context"
	"errors"
	"time"
)

// RemoteClient talks to the remote authoritative ledger.
type RemoteClient interface {
	Enabled() bool
	FetchSnapshot(ctx context.Context, userID UserID) (RemoteBalance, error)
	RecordTransaction(ctx context.Context, userID UserID, request RemoteTransaction) (RemoteBalance, error)
}

// RemoteTransaction is the payload submitted to the remote ledger. ID doubles
// as the idempotency key.
type RemoteTransaction struct {
	ID       string
	Type     TransactionType
	Amount   int64
	Reason   string
	Metadata Metadata
}

// RemoteBalance is the remote's authoritative balance after a call. Attempts
// counts the transport-level tries it took.
type RemoteBalance struct {
	Balance  int64
	Attempts int
}

// DisabledRemote is the RemoteClient used when mirroring is off.
type DisabledRemote struct{}

// Enabled reports false.
func (DisabledRemote) Enabled() bool {
	return false
}

// FetchSnapshot always fails with ErrRemoteDisabled.
func (DisabledRemote) FetchSnapshot(context.Context, UserID) (RemoteBalance, error) {
	return RemoteBalance{}, ErrRemoteDisabled
}

// RecordTransaction always fails with ErrRemoteDisabled.
func (DisabledRemote) RecordTransaction(context.Context, UserID, RemoteTransaction) (RemoteBalance, error) {
	return RemoteBalance{}, ErrRemoteDisabled
}

// Remote outcome labels written to the audit trail.
const (
	RemoteOutcomeSynced    = "synced"
	RemoteOutcomeFailed    = "failed"
	RemoteOutcomeExhausted = "exhausted"
	RemoteOutcomeEvicted   = "evicted"
)

// RemoteOutcome describes one remote submission result for the audit trail.
type RemoteOutcome struct {
	EntryID   string
	Outcome   string
	Attempts  int
	Exhausted bool
	Err       error
	At        time.Time
}

// AuditLog is the append-only human-readable trail. Implementations must
// swallow their own write failures.
type AuditLog interface {
	RecordTransaction(userID UserID, transaction Transaction)
	RecordRemoteOutcome(userID UserID, outcome RemoteOutcome)
}

func (ledger *Ledger) remoteEnabled() bool {
	return ledger.remote != nil && ledger.remote.Enabled()
}

func (ledger *Ledger) remoteMode() RemoteMode {
	if ledger.remoteEnabled() {
		return RemoteModeMirror
	}
	return RemoteModeDisabled
}

func (ledger *Ledger) recordRemoteOutcome(outcome RemoteOutcome) {
	if ledger.audit == nil {
		return
	}
	ledger.audit.RecordRemoteOutcome(ledger.userID, outcome)
}

// retryRemote resubmits a pending entry and, on success, adopts the remote
// balance without applying the delta a second time.
func (ledger *Ledger) retryRemote(ctx context.Context, entry PendingRemoteEntry) error {
	observed := ledger.currentRemoteSequence()
	result, err := ledger.remote.RecordTransaction(ctx, ledger.userID, RemoteTransaction{
		ID:       entry.EntryID,
		Type:     entry.Type,
		Amount:   entry.Amount,
		Reason:   entry.Metadata.Reason(),
		Metadata: entry.Metadata,
	})
	if err != nil {
		return err
	}
	_, err = submit(ctx, ledger.writer, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, ledger.applyRemoteSync(ctx, entry, result.Balance, observed)
	})
	ledger.logOperation(ctx, OperationLog{
		Operation:     operationRemoteSync,
		TransactionID: entry.EntryID,
		Amount:        entry.Amount,
		Balance:       result.Balance,
		Attempts:      entry.Attempts + 1,
		Error:         err,
	})
	return err
}

func (ledger *Ledger) currentRemoteSequence() uint64 {
	ledger.stateMutex.RLock()
	defer ledger.stateMutex.RUnlock()
	return ledger.remoteSequence
}

// applyRemoteSync runs on the writer. If a remote balance was committed after
// observed was taken, remoteBalance may be older than it: the balance is
// re-read from the remote, falling back to the committed one.
func (ledger *Ledger) applyRemoteSync(ctx context.Context, entry PendingRemoteEntry, remoteBalance int64, observed uint64) error {
	syncedAt := ledger.clock.Now()
	ledger.stateMutex.RLock()
	previous := ledger.transactions
	committed := ledger.balance
	sequence := ledger.remoteSequence
	ledger.stateMutex.RUnlock()

	if sequence != observed {
		remoteBalance = committed
		snapshot, err := ledger.remote.FetchSnapshot(ctx, ledger.userID)
		if err == nil {
			remoteBalance = snapshot.Balance
		} else {
			ledger.logOperation(ctx, OperationLog{
				Operation:     operationRemoteSync,
				TransactionID: entry.EntryID,
				Balance:       committed,
				Status:        "stale",
				Error:         err,
			})
		}
	}

	transactions, updated, found := updateRemoteRecord(previous, entry.EntryID, func(remote *TransactionRemote) {
		remote.Synced = true
		remote.Pending = false
		remote.Exhausted = false
		remote.Attempts = entry.Attempts + 1
		remote.LastError = ""
		remote.LastSyncedAt = &syncedAt
	})
	if err := ledger.persist(ctx, previous, transactions, remoteBalance, syncedAt); err != nil {
		return WrapError(operationRemoteSync, subjectTransaction, codePersist, err)
	}

	ledger.stateMutex.Lock()
	ledger.transactions = transactions
	ledger.balance = remoteBalance
	ledger.updatedAt = syncedAt
	ledger.remoteSequence++
	ledger.remoteLastSyncedAt = &syncedAt
	ledger.remoteLastError = ""
	ledger.stateMutex.Unlock()

	ledger.recordRemoteOutcome(RemoteOutcome{
		EntryID:  entry.EntryID,
		Outcome:  RemoteOutcomeSynced,
		Attempts: entry.Attempts + 1,
		At:       syncedAt,
	})
	if found {
		ledger.notifyListeners(ledger.Snapshot(), updated)
	}
	return nil
}

// remoteRetryFailed records a failed, exhausted or evicted retry on the
// owning transaction. It never blocks the caller.
func (ledger *Ledger) remoteRetryFailed(entry PendingRemoteEntry, outcome string) {
	exhausted := outcome != RemoteOutcomeFailed
	failedAt := ledger.clock.Now()
	lastError := entry.LastError
	if outcome == RemoteOutcomeEvicted {
		lastError = "evicted from retry queue: " + lastError
	}
	ledger.recordRemoteOutcome(RemoteOutcome{
		EntryID:   entry.EntryID,
		Outcome:   outcome,
		Attempts:  entry.Attempts,
		Exhausted: exhausted,
		Err:       errorFromText(lastError),
		At:        failedAt,
	})
	ledger.logOperation(context.Background(), OperationLog{
		Operation:     operationRemoteSync,
		TransactionID: entry.EntryID,
		Amount:        entry.Amount,
		Attempts:      entry.Attempts,
		Status:        outcome,
		Error:         errorFromText(lastError),
	})
	pushErr := ledger.pushTask(operationRemoteSync, entry.EntryID, func(ctx context.Context) {
		ledger.applyRemoteFailure(ctx, entry.EntryID, entry.Attempts, lastError, exhausted)
	})
	if pushErr != nil {
		ledger.logOperation(context.Background(), OperationLog{
			Operation:     operationRemoteSync,
			TransactionID: entry.EntryID,
			Error:         WrapError(operationRemoteSync, subjectTransaction, codeClosed, pushErr),
		})
	}
}

func (ledger *Ledger) applyRemoteFailure(ctx context.Context, entryID string, attempts int, lastError string, exhausted bool) {
	ledger.stateMutex.RLock()
	previous := ledger.transactions
	balance := ledger.balance
	ledger.stateMutex.RUnlock()

	transactions, _, found := updateRemoteRecord(previous, entryID, func(remote *TransactionRemote) {
		remote.Attempts = attempts
		remote.LastError = lastError
		remote.Pending = !exhausted
		remote.Exhausted = exhausted
	})
	if found {
		if err := ledger.store.PersistTransactions(ctx, transactions); err != nil {
			ledger.logOperation(ctx, OperationLog{
				Operation:     operationRemoteSync,
				TransactionID: entryID,
				Balance:       balance,
				Error:         WrapError(operationRemoteSync, subjectTransaction, codePersist, err),
			})
			return
		}
	}
	ledger.stateMutex.Lock()
	ledger.transactions = transactions
	ledger.remoteLastError = lastError
	ledger.stateMutex.Unlock()
}

// updateRemoteRecord returns a copy of transactions with the matching entry's
// remote record modified.
func updateRemoteRecord(transactions []Transaction, entryID string, update func(*TransactionRemote)) ([]Transaction, Transaction, bool) {
	for index := len(transactions) - 1; index >= 0; index-- {
		if transactions[index].ID != entryID {
			continue
		}
		updated := make([]Transaction, len(transactions))
		copy(updated, transactions)
		update(&updated[index].Remote)
		return updated, updated[index], true
	}
	return transactions, Transaction{}, false
}

func errorFromText(text string) error {
	if text == "" {
		return nil
	}
	return errors.New(text)
}
