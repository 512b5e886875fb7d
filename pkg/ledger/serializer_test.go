package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestSerializerRunsTasksInSubmissionOrder(test *testing.T) {
	test.Parallel()
	writer := newSerializer()
	defer writer.close()

	var mutex sync.Mutex
	var order []int
	gate := make(chan struct{})
	if err := writer.push(func() { <-gate }); err != nil {
		test.Fatalf("push failed: %v", err)
	}
	for index := 0; index < 20; index++ {
		index := index
		if err := writer.push(func() {
			mutex.Lock()
			order = append(order, index)
			mutex.Unlock()
		}); err != nil {
			test.Fatalf("push failed: %v", err)
		}
	}
	close(gate)
	if _, err := submit(context.Background(), writer, func(context.Context) (struct{}, error) { return struct{}{}, nil }); err != nil {
		test.Fatalf("submit failed: %v", err)
	}
	for index, value := range order {
		if value != index {
			test.Fatalf("tasks ran out of order: %v", order)
		}
	}
}

func TestSerializerSurvivesFailingAndPanickingTasks(test *testing.T) {
	test.Parallel()
	writer := newSerializer()
	defer writer.close()

	_, err := submit(context.Background(), writer, func(context.Context) (int, error) { return 0, errStoreFailure })
	if !errors.Is(err, errStoreFailure) {
		test.Fatalf(errorMismatchMessage, errStoreFailure, err)
	}
	_, err = submit(context.Background(), writer, func(context.Context) (int, error) { panic("boom") })
	if !errors.Is(err, ErrTaskPanicked) {
		test.Fatalf(errorMismatchMessage, ErrTaskPanicked, err)
	}
	value, err := submit(context.Background(), writer, func(context.Context) (int, error) { return 7, nil })
	if err != nil || value != 7 {
		test.Fatalf("expected queue to keep draining, got %d %v", value, err)
	}
}

func TestSerializerTasksIgnoreCallerCancellation(test *testing.T) {
	test.Parallel()
	writer := newSerializer()
	defer writer.close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	value, err := submit(ctx, writer, func(ctx context.Context) (bool, error) { return ctx.Err() == nil, nil })
	if err != nil || !value {
		test.Fatalf("expected task to run detached from cancellation, got %t %v", value, err)
	}
}

func TestSerializerCloseDrainsQueuedTasks(test *testing.T) {
	test.Parallel()
	writer := newSerializer()
	ran := make(chan struct{}, 1)
	if err := writer.push(func() { ran <- struct{}{} }); err != nil {
		test.Fatalf("push failed: %v", err)
	}
	writer.close()
	select {
	case <-ran:
	default:
		test.Fatalf("expected queued task to run before close returned")
	}
	if err := writer.push(func() {}); !errors.Is(err, ErrLedgerClosed) {
		test.Fatalf(errorMismatchMessage, ErrLedgerClosed, err)
	}
	writer.close()
}

type panickingStore struct {
	*memoryStore
	remaining atomic.Int32
}

func (store *panickingStore) PersistTransactions(ctx context.Context, transactions []Transaction) error {
	if count := len(transactions); count > 0 && transactions[count-1].Metadata.Reason() == RecoveryReason {
		if store.remaining.Add(-1) >= 0 {
			panic("disk controller reset")
		}
	}
	return store.memoryStore.PersistTransactions(ctx, transactions)
}

func TestPushTaskSurvivesPanic(test *testing.T) {
	test.Parallel()
	logger := &recorderLogger{}
	ledger := mustNewLedger(test, newMemoryStore(test), WithOperationLogger(logger))
	mustBootstrap(test, ledger, 0)

	if err := ledger.pushTask(operationRemoteSync, "entry-1", func(context.Context) { panic("boom") }); err != nil {
		test.Fatalf("push failed: %v", err)
	}
	mustSettle(test, ledger)
	mustEarn(test, ledger, 5, "after")

	entries := logger.snapshot()
	found := false
	for _, entry := range entries {
		if entry.Operation == operationRemoteSync && entry.TransactionID == "entry-1" && errors.Is(entry.Error, ErrTaskPanicked) {
			found = true
		}
	}
	if !found {
		test.Fatalf("expected the panic to be logged, got %+v", entries)
	}
}

func TestRecoveryCreditPanicKeepsWriterRunning(test *testing.T) {
	test.Parallel()
	clock := newFakeClock()
	store := &panickingStore{memoryStore: newMemoryStore(test)}
	store.remaining.Store(1)
	logger := &recorderLogger{}
	ledger := mustNewLedger(test, store, WithClock(clock), WithOperationLogger(logger))
	mustBootstrap(test, ledger, 0)

	spend := mustSpend(test, ledger, 600000, "x")
	mustSettle(test, ledger)
	if count := len(ledger.ListTransactions(ListOptions{})); count != 1 {
		test.Fatalf("expected the panicked credit to leave no entry, got %d", count)
	}
	sawPanic := false
	for _, entry := range logger.snapshot() {
		if entry.Operation == operationRecovery && entry.TransactionID == spend.ID && errors.Is(entry.Error, ErrTaskPanicked) {
			sawPanic = true
		}
	}
	if !sawPanic {
		test.Fatalf("expected the recovery panic to be logged")
	}

	mustEarn(test, ledger, 10, "still writable")
	clock.Advance(defaultRecoveryRetryDelay)
	mustSettle(test, ledger)
	transactions := ledger.ListTransactions(ListOptions{})
	if len(transactions) != 3 || transactions[2].Metadata.Reason() != RecoveryReason {
		test.Fatalf("expected the credit to be retried, got %+v", transactions)
	}
	if ledger.Balance() <= 0 {
		test.Fatalf("expected positive balance after retried credit, got %d", ledger.Balance())
	}
}
