package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

const (
	userIDValue          = "user-1"
	errorMismatchMessage = "expected %v, got %v"
)

var (
	errStoreFailure  = errors.New("store error")
	errRemoteFailure = errors.New("remote down")
	baseTime         = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
)

type memoryStore struct {
	mutex                   sync.Mutex
	balance                 *BalanceRecord
	transactions            []Transaction
	loadBalanceErr          error
	loadTransactionsErr     error
	persistBalanceErrs      []error
	persistTransactionsErrs []error
}

func newMemoryStore(test *testing.T) *memoryStore {
	test.Helper()
	return &memoryStore{}
}

func (store *memoryStore) LoadBalance(context.Context) (BalanceRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.loadBalanceErr != nil {
		return BalanceRecord{}, store.loadBalanceErr
	}
	if store.balance == nil {
		return BalanceRecord{}, ErrStateNotFound
	}
	return *store.balance, nil
}

func (store *memoryStore) LoadTransactions(context.Context) ([]Transaction, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.loadTransactionsErr != nil {
		return nil, store.loadTransactionsErr
	}
	return append([]Transaction(nil), store.transactions...), nil
}

func (store *memoryStore) PersistBalance(_ context.Context, record BalanceRecord) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := popError(&store.persistBalanceErrs); err != nil {
		return err
	}
	store.balance = &record
	return nil
}

func (store *memoryStore) PersistTransactions(_ context.Context, transactions []Transaction) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := popError(&store.persistTransactionsErrs); err != nil {
		return err
	}
	store.transactions = append([]Transaction(nil), transactions...)
	return nil
}

func (store *memoryStore) persisted() (BalanceRecord, []Transaction) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var record BalanceRecord
	if store.balance != nil {
		record = *store.balance
	}
	return record, append([]Transaction(nil), store.transactions...)
}

func popError(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

type fakeClock struct {
	mutex  sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: baseTime}
}

func (clock *fakeClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *fakeClock) AfterFunc(delay time.Duration, fn func()) Timer {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	timer := &fakeTimer{clock: clock, at: clock.now.Add(delay), fn: fn}
	clock.timers = append(clock.timers, timer)
	return timer
}

func (timer *fakeTimer) Stop() bool {
	timer.clock.mutex.Lock()
	defer timer.clock.mutex.Unlock()
	active := !timer.stopped && !timer.fired
	timer.stopped = true
	return active
}

// Advance moves time forward and runs due timers on the calling goroutine.
func (clock *fakeClock) Advance(delay time.Duration) {
	clock.mutex.Lock()
	clock.now = clock.now.Add(delay)
	var due []*fakeTimer
	remaining := clock.timers[:0]
	for _, timer := range clock.timers {
		switch {
		case timer.stopped || timer.fired:
		case !timer.at.After(clock.now):
			timer.fired = true
			due = append(due, timer)
		default:
			remaining = append(remaining, timer)
		}
	}
	clock.timers = remaining
	clock.mutex.Unlock()
	sort.Slice(due, func(left int, right int) bool { return due[left].at.Before(due[right].at) })
	for _, timer := range due {
		timer.fn()
	}
}

func (clock *fakeClock) activeTimers() int {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	count := 0
	for _, timer := range clock.timers {
		if !timer.stopped && !timer.fired {
			count++
		}
	}
	return count
}

type stubRemote struct {
	mutex       sync.Mutex
	enabled     bool
	fetchResult RemoteBalance
	fetchErr    error
	results     []stubRemoteResult
	fallback    stubRemoteResult
	requests    []RemoteTransaction
	fetches     int
}

type stubRemoteResult struct {
	balance int64
	err     error
}

func newStubRemote(test *testing.T, results ...stubRemoteResult) *stubRemote {
	test.Helper()
	return &stubRemote{enabled: true, results: results, fallback: stubRemoteResult{err: errRemoteFailure}}
}

func (remote *stubRemote) Enabled() bool {
	return remote.enabled
}

func (remote *stubRemote) FetchSnapshot(context.Context, UserID) (RemoteBalance, error) {
	remote.mutex.Lock()
	defer remote.mutex.Unlock()
	remote.fetches++
	if remote.fetchErr != nil {
		return RemoteBalance{}, remote.fetchErr
	}
	return remote.fetchResult, nil
}

func (remote *stubRemote) RecordTransaction(_ context.Context, _ UserID, request RemoteTransaction) (RemoteBalance, error) {
	remote.mutex.Lock()
	defer remote.mutex.Unlock()
	remote.requests = append(remote.requests, request)
	result := remote.fallback
	if len(remote.results) > 0 {
		result = remote.results[0]
		remote.results = remote.results[1:]
	}
	if result.err != nil {
		return RemoteBalance{}, result.err
	}
	return RemoteBalance{Balance: result.balance, Attempts: 1}, nil
}

func (remote *stubRemote) requestCount() int {
	remote.mutex.Lock()
	defer remote.mutex.Unlock()
	return len(remote.requests)
}

type recorderLogger struct {
	mutex   sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) snapshot() []OperationLog {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	return append([]OperationLog(nil), logger.entries...)
}

type recorderAudit struct {
	mutex        sync.Mutex
	transactions []Transaction
	outcomes     []RemoteOutcome
}

func (audit *recorderAudit) RecordTransaction(_ UserID, transaction Transaction) {
	audit.mutex.Lock()
	defer audit.mutex.Unlock()
	audit.transactions = append(audit.transactions, transaction)
}

func (audit *recorderAudit) RecordRemoteOutcome(_ UserID, outcome RemoteOutcome) {
	audit.mutex.Lock()
	defer audit.mutex.Unlock()
	audit.outcomes = append(audit.outcomes, outcome)
}

func (audit *recorderAudit) outcomeNames() []string {
	audit.mutex.Lock()
	defer audit.mutex.Unlock()
	names := make([]string, 0, len(audit.outcomes))
	for _, outcome := range audit.outcomes {
		names = append(names, outcome.Outcome)
	}
	return names
}

func fixedRandom(value float64) func() float64 {
	return func() float64 { return value }
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustNewLedger(test *testing.T, store Store, options ...LedgerOption) *Ledger {
	test.Helper()
	defaults := []LedgerOption{WithClock(newFakeClock()), WithRandomSource(fixedRandom(0.5))}
	ledger, err := New(mustUserID(test, userIDValue), store, append(defaults, options...)...)
	if err != nil {
		test.Fatalf("ledger init failed: %v", err)
	}
	test.Cleanup(ledger.Close)
	return ledger
}

func mustBootstrap(test *testing.T, ledger *Ledger, initialBalance int64) Snapshot {
	test.Helper()
	snapshot, err := ledger.Bootstrap(context.Background(), BootstrapOptions{InitialBalance: &initialBalance})
	if err != nil {
		test.Fatalf("bootstrap failed: %v", err)
	}
	return snapshot
}

func mustEarn(test *testing.T, ledger *Ledger, amount int64, reason string) Transaction {
	test.Helper()
	transaction, err := ledger.RecordEarn(context.Background(), amount, Metadata{MetadataKeyReason: reason})
	if err != nil {
		test.Fatalf("earn failed: %v", err)
	}
	return transaction
}

func mustSpend(test *testing.T, ledger *Ledger, amount int64, reason string) Transaction {
	test.Helper()
	transaction, err := ledger.RecordSpend(context.Background(), amount, Metadata{MetadataKeyReason: reason})
	if err != nil {
		test.Fatalf("spend failed: %v", err)
	}
	return transaction
}

func mustSettle(test *testing.T, ledger *Ledger) {
	test.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ledger.Settle(ctx); err != nil {
		test.Fatalf("settle failed: %v", err)
	}
}
