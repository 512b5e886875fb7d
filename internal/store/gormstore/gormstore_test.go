package gormstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/mirrorserver"
	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(test *testing.T) *Store {
	test.Helper()
	db, cleanup, driver, err := Open(context.Background(), sqliteMemoryPath)
	require.NoError(test, err)
	test.Cleanup(func() { _ = cleanup() })
	require.Equal(test, DriverSQLite, driver)
	require.NoError(test, PrepareSchema(db, driver))
	store := New(db)
	var mutex sync.Mutex
	current := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		mutex.Lock()
		defer mutex.Unlock()
		current = current.Add(time.Second)
		return current
	}
	return store
}

func TestApplyCreditsAndDebits(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()

	balance, err := store.Balance(ctx, "pilot")
	require.NoError(test, err)
	require.Zero(test, balance)

	result, err := store.Apply(ctx, mirrorserver.Mutation{UserID: "pilot", Type: ledger.TransactionEarn, Amount: 100, Reason: "seed"})
	require.NoError(test, err)
	require.Equal(test, int64(100), result.Balance)

	result, err = store.Apply(ctx, mirrorserver.Mutation{UserID: "pilot", Type: ledger.TransactionSpend, Amount: 130, Reason: "overdraw"})
	require.NoError(test, err)
	require.Equal(test, int64(-30), result.Balance)
	require.False(test, result.Duplicate)

	entries, err := store.Entries(ctx, "pilot", 10)
	require.NoError(test, err)
	require.Len(test, entries, 2)
	require.Equal(test, "spend", entries[0].Type)
	require.Equal(test, int64(-30), entries[0].BalanceAfter)
	require.JSONEq(test, `{}`, string(entries[0].Metadata))
}

func TestApplyIsIdempotentPerKey(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	mutation := mirrorserver.Mutation{
		UserID:         "pilot",
		Type:           ledger.TransactionEarn,
		Amount:         250,
		IdempotencyKey: "tx-1",
		Metadata:       []byte(`{"reason":"mission"}`),
	}

	first, err := store.Apply(ctx, mutation)
	require.NoError(test, err)
	second, err := store.Apply(ctx, mutation)
	require.NoError(test, err)
	require.Equal(test, first.Balance, second.Balance)
	require.True(test, second.Duplicate)

	other, err := store.Apply(ctx, mirrorserver.Mutation{UserID: "other", Type: ledger.TransactionEarn, Amount: 5, IdempotencyKey: "tx-1"})
	require.NoError(test, err)
	require.False(test, other.Duplicate, "keys are scoped per account")

	entries, err := store.Entries(ctx, "pilot", 0)
	require.NoError(test, err)
	require.Len(test, entries, 1)
}

func TestApplySerialisesConcurrentWriters(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()

	var waitGroup sync.WaitGroup
	for index := 0; index < 16; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := store.Apply(ctx, mirrorserver.Mutation{UserID: "pilot", Type: ledger.TransactionEarn, Amount: 10})
			assert.NoError(test, err)
		}()
	}
	waitGroup.Wait()
	balance, err := store.Balance(ctx, "pilot")
	require.NoError(test, err)
	require.Equal(test, int64(160), balance)
}

func TestResolveDriver(test *testing.T) {
	test.Parallel()
	directory := test.TempDir()
	testCases := []struct {
		name       string
		dsn        string
		wantDriver string
		wantPath   string
	}{
		{name: "postgres", dsn: "postgres://user@localhost/mirror", wantDriver: DriverPostgres},
		{name: "postgresql", dsn: "postgresql://user@localhost/mirror", wantDriver: DriverPostgres},
		{name: "memory", dsn: sqliteMemoryPath, wantDriver: DriverSQLite, wantPath: sqliteMemoryPath},
		{name: "sqlite url", dsn: "sqlite://" + filepath.Join(directory, "nested", "mirror.db"), wantDriver: DriverSQLite, wantPath: filepath.Join(directory, "nested", "mirror.db")},
		{name: "bare path", dsn: filepath.Join(directory, "bare.db"), wantDriver: DriverSQLite, wantPath: filepath.Join(directory, "bare.db")},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			driver, path, err := resolveDriver(testCase.dsn)
			require.NoError(test, err)
			require.Equal(test, testCase.wantDriver, driver)
			require.Equal(test, testCase.wantPath, path)
		})
	}
}
