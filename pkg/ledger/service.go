package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Ledger tracks one user's balance and transaction history. All mutations
// are applied by a single writer in submission order; reads observe only
// committed state.
type Ledger struct {
	userID         UserID
	store          Store
	clock          Clock
	logger         OperationLogger
	audit          AuditLog
	remote         RemoteClient
	listeners      []Listener
	retryPolicy    RetryPolicy
	recovery       RecoveryPolicy
	random         func() float64
	newID          func() (string, error)
	window         int
	initialBalance int64

	writer  *serializer
	retries *retryScheduler

	stateMutex         sync.RWMutex
	mode               Mode
	balance            int64
	updatedAt          time.Time
	transactions       []Transaction
	loaded             bool
	remoteBootstrapped bool
	recoveryArmed      bool
	remoteLastSyncedAt *time.Time
	remoteLastError    string
	// remoteSequence counts commits that adopted an authoritative remote balance.
	remoteSequence uint64

	closeOnce sync.Once
}

// New wires a Ledger for userID over store.
func New(userID UserID, store Store, options ...LedgerOption) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if userID.IsZero() {
		return nil, fmt.Errorf("%w: user id is empty", ErrInvalidServiceConfig)
	}
	ledger := &Ledger{
		userID:         userID,
		store:          store,
		clock:          SystemClock{},
		remote:         DisabledRemote{},
		retryPolicy:    DefaultRetryPolicy(),
		recovery:       DefaultRecoveryPolicy(),
		random:         rand.Float64,
		newID:          newTransactionID,
		window:         DefaultTransactionWindow,
		initialBalance: DefaultInitialBalance,
		mode:           ModeSimulation,
		recoveryArmed:  true,
	}
	for _, option := range options {
		if option != nil {
			option(ledger)
		}
	}
	if ledger.clock == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if ledger.random == nil || ledger.newID == nil {
		return nil, fmt.Errorf("%w: random or id source is nil", ErrInvalidServiceConfig)
	}
	if ledger.window <= 0 {
		return nil, fmt.Errorf("%w: transaction window %d", ErrInvalidServiceConfig, ledger.window)
	}
	mode, err := ParseMode(ledger.mode.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidServiceConfig, err)
	}
	ledger.mode = mode
	if err := ledger.retryPolicy.Validate(); err != nil {
		return nil, err
	}
	if err := ledger.recovery.Validate(); err != nil {
		return nil, err
	}
	if ledger.remote == nil {
		ledger.remote = DisabledRemote{}
	}
	ledger.balance = ledger.initialBalance
	ledger.writer = newSerializer()
	ledger.retries = newRetryScheduler(ledger.retryPolicy, ledger.clock, ledger.random, ledger)
	return ledger, nil
}

func newTransactionID() (string, error) {
	identifier, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return identifier.String(), nil
}

// UserID returns the owner of the ledger.
func (ledger *Ledger) UserID() UserID {
	return ledger.userID
}

// Bootstrap loads persisted state once and, when mirroring, adopts the remote
// balance. Calling it again on a loaded ledger changes nothing unless the
// first remote fetch failed.
func (ledger *Ledger) Bootstrap(ctx context.Context, options BootstrapOptions) (Snapshot, error) {
	var mode Mode
	if options.Mode != "" {
		parsed, err := ParseMode(options.Mode.String())
		if err != nil {
			return Snapshot{}, WrapError(operationBootstrap, subjectSnapshot, codeValidate, err)
		}
		mode = parsed
	}
	snapshot, err := submit(ctx, ledger.writer, func(ctx context.Context) (Snapshot, error) {
		ledger.stateMutex.Lock()
		if mode != "" {
			ledger.mode = mode
		}
		if options.InitialBalance != nil {
			ledger.initialBalance = *options.InitialBalance
			if !ledger.loaded {
				ledger.balance = ledger.initialBalance
			}
		}
		ledger.stateMutex.Unlock()

		if err := ledger.ensureLoaded(ctx); err != nil {
			return Snapshot{}, err
		}
		ledger.bootstrapRemote(ctx)
		return ledger.Snapshot(), nil
	})
	if errors.Is(err, ErrLedgerClosed) {
		return Snapshot{}, WrapError(operationBootstrap, subjectSnapshot, codeClosed, err)
	}
	return snapshot, err
}

func (ledger *Ledger) ensureLoaded(ctx context.Context) error {
	ledger.stateMutex.RLock()
	loaded := ledger.loaded
	initialBalance := ledger.initialBalance
	ledger.stateMutex.RUnlock()
	if loaded {
		return nil
	}

	balance := initialBalance
	updatedAt := ledger.clock.Now()
	record, err := ledger.store.LoadBalance(ctx)
	switch {
	case err == nil:
		balance = record.Balance
		updatedAt = record.UpdatedAt
	case errors.Is(err, ErrStateNotFound), errors.Is(err, ErrStateCorrupt):
		if errors.Is(err, ErrStateCorrupt) {
			ledger.logOperation(ctx, OperationLog{
				Operation: operationBootstrap,
				Balance:   initialBalance,
				Status:    "rebuilt",
				Error:     err,
			})
		}
		persistErr := ledger.store.PersistBalance(ctx, BalanceRecord{Balance: balance, UpdatedAt: updatedAt, UserID: ledger.userID.String()})
		if persistErr != nil {
			ledger.logOperation(ctx, OperationLog{
				Operation: operationBootstrap,
				Balance:   balance,
				Error:     WrapError(operationBootstrap, subjectBalance, codePersist, persistErr),
			})
		}
	default:
		return WrapError(operationBootstrap, subjectBalance, codeLoad, err)
	}

	transactions, err := ledger.store.LoadTransactions(ctx)
	if err != nil {
		return WrapError(operationBootstrap, subjectTransaction, codeLoad, err)
	}
	if len(transactions) > ledger.window {
		transactions = transactions[len(transactions)-ledger.window:]
	}

	ledger.stateMutex.Lock()
	ledger.balance = balance
	ledger.updatedAt = updatedAt
	ledger.transactions = transactions
	ledger.loaded = true
	ledger.stateMutex.Unlock()
	return nil
}

func (ledger *Ledger) bootstrapRemote(ctx context.Context) {
	if !ledger.remoteEnabled() {
		return
	}
	ledger.stateMutex.RLock()
	done := ledger.remoteBootstrapped
	previous := ledger.transactions
	ledger.stateMutex.RUnlock()
	if done {
		return
	}

	result, err := ledger.remote.FetchSnapshot(ctx, ledger.userID)
	if err != nil {
		ledger.stateMutex.Lock()
		ledger.remoteLastError = err.Error()
		ledger.stateMutex.Unlock()
		ledger.logOperation(ctx, OperationLog{Operation: operationBootstrap, Error: err})
		return
	}
	syncedAt := ledger.clock.Now()
	if err := ledger.persist(ctx, previous, previous, result.Balance, syncedAt); err != nil {
		ledger.logOperation(ctx, OperationLog{
			Operation: operationBootstrap,
			Balance:   result.Balance,
			Error:     WrapError(operationBootstrap, subjectBalance, codePersist, err),
		})
		return
	}
	ledger.stateMutex.Lock()
	ledger.balance = result.Balance
	ledger.updatedAt = syncedAt
	ledger.remoteSequence++
	ledger.remoteBootstrapped = true
	ledger.remoteLastSyncedAt = &syncedAt
	ledger.remoteLastError = ""
	ledger.stateMutex.Unlock()
}

// Snapshot returns the committed balance, mode and remote sync status.
func (ledger *Ledger) Snapshot() Snapshot {
	ledger.stateMutex.RLock()
	snapshot := Snapshot{
		UserID:     ledger.userID.String(),
		Balance:    ledger.balance,
		Mode:       ledger.mode,
		Simulation: ledger.mode.Simulation(),
		UpdatedAt:  ledger.updatedAt,
		Remote: RemoteStatus{
			Enabled:   ledger.remoteEnabled(),
			Mode:      ledger.remoteMode(),
			LastError: ledger.remoteLastError,
		},
	}
	if ledger.remoteLastSyncedAt != nil {
		syncedAt := *ledger.remoteLastSyncedAt
		snapshot.Remote.LastSyncedAt = &syncedAt
	}
	ledger.stateMutex.RUnlock()

	snapshot.Remote.Pending = ledger.retries.pending()
	snapshot.Remote.Synced = snapshot.Remote.Enabled && snapshot.Remote.Pending == 0 && snapshot.Remote.LastError == ""
	return snapshot
}

// Balance returns the committed balance.
func (ledger *Ledger) Balance() int64 {
	ledger.stateMutex.RLock()
	defer ledger.stateMutex.RUnlock()
	return ledger.balance
}

// Mode returns the current mode.
func (ledger *Ledger) Mode() Mode {
	ledger.stateMutex.RLock()
	defer ledger.stateMutex.RUnlock()
	return ledger.mode
}

// ListTransactions returns the most recent committed transactions, oldest
// first.
func (ledger *Ledger) ListTransactions(options ListOptions) []Transaction {
	ledger.stateMutex.RLock()
	defer ledger.stateMutex.RUnlock()
	start := 0
	if options.Limit > 0 && options.Limit < len(ledger.transactions) {
		start = len(ledger.transactions) - options.Limit
	}
	result := make([]Transaction, 0, len(ledger.transactions)-start)
	for _, transaction := range ledger.transactions[start:] {
		result = append(result, transaction.clone())
	}
	return result
}

// RecordEarn credits amount to the balance.
func (ledger *Ledger) RecordEarn(ctx context.Context, amount int64, metadata Metadata) (Transaction, error) {
	return ledger.record(ctx, operationEarn, TransactionEarn, amount, metadata)
}

// RecordSpend debits amount from the balance. The balance may go negative.
func (ledger *Ledger) RecordSpend(ctx context.Context, amount int64, metadata Metadata) (Transaction, error) {
	return ledger.record(ctx, operationSpend, TransactionSpend, amount, metadata)
}

func (ledger *Ledger) record(ctx context.Context, operation string, transactionType TransactionType, amount int64, metadata Metadata) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, WrapError(operation, subjectTransaction, codeValidate, fmt.Errorf("%w: %d", ErrInvalidAmount, amount))
	}
	transaction, err := submit(ctx, ledger.writer, func(ctx context.Context) (Transaction, error) {
		return ledger.applyMutation(ctx, operation, transactionType, amount, metadata)
	})
	if errors.Is(err, ErrLedgerClosed) {
		return Transaction{}, WrapError(operation, subjectTransaction, codeClosed, err)
	}
	return transaction, err
}

// applyMutation runs on the writer goroutine. State is built copy-on-write and
// committed only after both files are persisted, so a failure leaves the
// committed state untouched.
func (ledger *Ledger) applyMutation(ctx context.Context, operation string, transactionType TransactionType, amount int64, metadata Metadata) (Transaction, error) {
	if err := ledger.ensureLoaded(ctx); err != nil {
		ledger.logOperation(ctx, OperationLog{Operation: operation, Amount: amount, Metadata: metadata, Error: err})
		return Transaction{}, err
	}
	identifier, err := ledger.newID()
	if err != nil {
		wrapped := WrapError(operation, subjectTransaction, codeValidate, err)
		ledger.logOperation(ctx, OperationLog{Operation: operation, Amount: amount, Metadata: metadata, Error: wrapped})
		return Transaction{}, wrapped
	}

	ledger.stateMutex.RLock()
	before := ledger.balance
	previous := ledger.transactions
	mode := ledger.mode
	armed := ledger.recoveryArmed
	ledger.stateMutex.RUnlock()

	now := ledger.clock.Now()
	entryMetadata := metadata.Clone()
	if entryMetadata.Reason() == "" {
		entryMetadata[MetadataKeyReason] = defaultReason(transactionType)
	}
	delta := transactionType.Delta(amount)
	entry := Transaction{
		ID:        identifier,
		Type:      transactionType,
		Amount:    amount,
		Delta:     delta,
		Balance:   before + delta,
		Timestamp: now,
		Metadata:  entryMetadata,
		Mode:      mode,
		Remote: TransactionRemote{
			Enabled: ledger.remoteEnabled(),
			Mode:    ledger.remoteMode(),
		},
	}

	var pending *PendingRemoteEntry
	var remoteErr error
	if entry.Remote.Enabled {
		result, err := ledger.remote.RecordTransaction(ctx, ledger.userID, RemoteTransaction{
			ID:       entry.ID,
			Type:     transactionType,
			Amount:   amount,
			Reason:   entryMetadata.Reason(),
			Metadata: entryMetadata.Clone(),
		})
		entry.Remote.Attempts = 1
		if err == nil {
			entry.Balance = result.Balance
			entry.Remote.Synced = true
			entry.Remote.LastSyncedAt = &now
		} else {
			remoteErr = err
			entry.Remote.Pending = true
			entry.Remote.LastError = err.Error()
			pending = &PendingRemoteEntry{
				EntryID:   entry.ID,
				Type:      transactionType,
				Amount:    amount,
				Metadata:  entryMetadata.Clone(),
				Attempts:  1,
				LastError: err.Error(),
			}
		}
	}

	trigger, armedAfter := false, armed
	if transactionType == TransactionSpend {
		trigger, armedAfter = ledger.recovery.evaluate(before, entry.Balance, armed)
	}
	if trigger {
		entry.Metadata[metadataKeyRecoveryTriggered] = true
		entry.Metadata[metadataKeyRecoveryThreshold] = ledger.recovery.Threshold
	}

	transactions := appendWindow(previous, entry, ledger.window)
	if err := ledger.persist(ctx, previous, transactions, entry.Balance, now); err != nil {
		wrapped := WrapError(operation, subjectTransaction, codePersist, err)
		ledger.logOperation(ctx, OperationLog{
			Operation:     operation,
			TransactionID: entry.ID,
			Amount:        amount,
			Balance:       before,
			Metadata:      entryMetadata,
			Error:         wrapped,
		})
		return Transaction{}, wrapped
	}

	ledger.stateMutex.Lock()
	ledger.balance = entry.Balance
	ledger.transactions = transactions
	ledger.updatedAt = now
	ledger.recoveryArmed = armedAfter
	if entry.Remote.Synced {
		ledger.remoteSequence++
		ledger.remoteLastSyncedAt = &now
		ledger.remoteLastError = ""
	} else if remoteErr != nil {
		ledger.remoteLastError = remoteErr.Error()
	}
	ledger.stateMutex.Unlock()

	if ledger.audit != nil {
		ledger.audit.RecordTransaction(ledger.userID, entry.clone())
	}
	if pending != nil {
		ledger.recordRemoteOutcome(RemoteOutcome{
			EntryID:  entry.ID,
			Outcome:  RemoteOutcomeFailed,
			Attempts: pending.Attempts,
			Err:      remoteErr,
			At:       now,
		})
		ledger.retries.schedule(*pending)
	}
	if trigger {
		ledger.scheduleRecovery(entry.ID, 1)
	}
	ledger.logOperation(ctx, OperationLog{
		Operation:     operation,
		TransactionID: entry.ID,
		Amount:        amount,
		Balance:       entry.Balance,
		Attempts:      entry.Remote.Attempts,
		Metadata:      entry.Metadata.Clone(),
	})
	ledger.notifyListeners(ledger.Snapshot(), entry)
	return entry.clone(), nil
}

// persist writes the transaction window and then the balance snapshot. When
// the balance write fails the previous window is restored.
func (ledger *Ledger) persist(ctx context.Context, previous []Transaction, transactions []Transaction, balance int64, updatedAt time.Time) error {
	if err := ledger.store.PersistTransactions(ctx, transactions); err != nil {
		return err
	}
	record := BalanceRecord{Balance: balance, UpdatedAt: updatedAt, UserID: ledger.userID.String()}
	if err := ledger.store.PersistBalance(ctx, record); err != nil {
		if restoreErr := ledger.store.PersistTransactions(ctx, previous); restoreErr != nil {
			return errors.Join(err, restoreErr)
		}
		return err
	}
	return nil
}

func appendWindow(previous []Transaction, entry Transaction, window int) []Transaction {
	start := 0
	if len(previous)+1 > window {
		start = len(previous) + 1 - window
	}
	transactions := make([]Transaction, 0, len(previous)-start+1)
	transactions = append(transactions, previous[start:]...)
	return append(transactions, entry)
}

func defaultReason(transactionType TransactionType) string {
	if transactionType == TransactionSpend {
		return defaultSpendReason
	}
	return defaultEarnReason
}

// Settle waits until every task enqueued before the call, including
// automatic recovery credits, has been applied.
func (ledger *Ledger) Settle(ctx context.Context) error {
	done := make(chan struct{})
	if err := ledger.writer.push(func() { close(done) }); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DrainRemote retries every pending remote entry now, regardless of its due
// time, and returns how many were synced.
func (ledger *Ledger) DrainRemote(ctx context.Context) (int, error) {
	if !ledger.remoteEnabled() {
		return 0, nil
	}
	synced := ledger.retries.drain(ctx, true)
	return synced, ledger.Settle(ctx)
}

// Close stops the retry timer, applies the tasks already queued and rejects
// further mutations.
func (ledger *Ledger) Close() {
	ledger.closeOnce.Do(func() {
		ledger.retries.stop()
		ledger.writer.close()
	})
}
