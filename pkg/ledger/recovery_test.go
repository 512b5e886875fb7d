package ledger

import (
	"testing"
	"time"
)

func TestRecoveryCreditsOnceAfterThresholdCrossing(test *testing.T) {
	test.Parallel()
	audit := &recorderAudit{}
	ledger := mustNewLedger(test, newMemoryStore(test), WithAuditLog(audit))
	mustBootstrap(test, ledger, 0)

	spend := mustSpend(test, ledger, 600000, "x")
	if spend.Balance >= 0 {
		test.Fatalf("expected negative balance, got %d", spend.Balance)
	}
	if spend.Metadata[metadataKeyRecoveryTriggered] != true {
		test.Fatalf("expected recoveryTriggered, got %+v", spend.Metadata)
	}
	if spend.Metadata[metadataKeyRecoveryThreshold] != int64(-500000) {
		test.Fatalf("expected threshold in metadata, got %+v", spend.Metadata)
	}

	mustSettle(test, ledger)
	transactions := ledger.ListTransactions(ListOptions{})
	if len(transactions) != 2 {
		test.Fatalf("expected spend plus one credit, got %d", len(transactions))
	}
	credit := transactions[1]
	if credit.Type != TransactionEarn || credit.Metadata.Reason() != RecoveryReason || credit.Metadata[metadataKeyTriggeredBy] != spend.ID {
		test.Fatalf("unexpected credit: %+v", credit)
	}
	if credit.Metadata[metadataKeyDeficit] != int64(600000) || credit.Metadata[metadataKeyBaseAmount] != int64(7500) {
		test.Fatalf("unexpected credit parts: %+v", credit.Metadata)
	}
	if ledger.Balance() <= 0 || ledger.Balance() != 750000 {
		test.Fatalf("expected balance 750000 after credit, got %d", ledger.Balance())
	}
	if len(audit.transactions) != 2 {
		test.Fatalf("expected credit to be audited, got %d lines", len(audit.transactions))
	}
}

func TestRecoveryRearmsOnlyAfterNewCrossing(test *testing.T) {
	test.Parallel()
	ledger := mustNewLedger(test, newMemoryStore(test))
	mustBootstrap(test, ledger, 0)

	mustSpend(test, ledger, 600000, "first")
	mustSettle(test, ledger)
	small := mustSpend(test, ledger, 1, "small")
	mustSettle(test, ledger)
	if _, triggered := small.Metadata[metadataKeyRecoveryTriggered]; triggered {
		test.Fatalf("small spend should not trigger recovery")
	}

	mustSpend(test, ledger, ledger.Balance()+600000, "second")
	mustSettle(test, ledger)

	credits := 0
	for _, transaction := range ledger.ListTransactions(ListOptions{}) {
		if transaction.Metadata.Reason() == RecoveryReason {
			credits++
		}
	}
	if credits != 2 {
		test.Fatalf("expected 2 recovery credits, got %d", credits)
	}
	if ledger.Balance() <= 0 {
		test.Fatalf("expected positive balance, got %d", ledger.Balance())
	}
}

func TestRecoveryCreditRetriesAfterWriteFailure(test *testing.T) {
	test.Parallel()
	clock := newFakeClock()
	store := newMemoryStore(test)
	logger := &recorderLogger{}
	ledger := mustNewLedger(test, store, WithClock(clock), WithOperationLogger(logger))
	mustBootstrap(test, ledger, 0)

	store.mutex.Lock()
	store.persistTransactionsErrs = []error{nil, errStoreFailure}
	store.mutex.Unlock()

	mustSpend(test, ledger, 600000, "x")
	mustSettle(test, ledger)
	if count := len(ledger.ListTransactions(ListOptions{})); count != 1 {
		test.Fatalf("expected the failed credit to be rolled back, got %d entries", count)
	}

	clock.Advance(defaultRecoveryRetryDelay)
	mustSettle(test, ledger)
	transactions := ledger.ListTransactions(ListOptions{})
	if len(transactions) != 2 || transactions[1].Metadata.Reason() != RecoveryReason {
		test.Fatalf("expected retried credit, got %+v", transactions)
	}
	if ledger.Balance() <= 0 {
		test.Fatalf("expected positive balance after retried credit, got %d", ledger.Balance())
	}
	sawFailure := false
	for _, entry := range logger.snapshot() {
		if entry.Operation == operationRecovery && entry.Status == operationStatusError {
			sawFailure = true
		}
	}
	if !sawFailure {
		test.Fatalf("expected the failed credit to be logged")
	}
}

func TestRecoveryPolicyEvaluate(test *testing.T) {
	test.Parallel()
	policy := DefaultRecoveryPolicy()
	testCases := []struct {
		name        string
		policy      RecoveryPolicy
		before      int64
		after       int64
		armed       bool
		wantTrigger bool
		wantArmed   bool
	}{
		{name: "crossing while armed", policy: policy, before: 0, after: -600000, armed: true, wantTrigger: true, wantArmed: false},
		{name: "landing exactly on threshold", policy: policy, before: 10, after: -500000, armed: true, wantTrigger: true, wantArmed: false},
		{name: "spend from above rearms", policy: policy, before: -10, after: -700000, armed: false, wantTrigger: true, wantArmed: false},
		{name: "already below stays quiet", policy: policy, before: -600000, after: -600010, armed: false, wantTrigger: false, wantArmed: false},
		{name: "above threshold", policy: policy, before: 100, after: 50, armed: true, wantTrigger: false, wantArmed: true},
		{name: "disabled", policy: RecoveryPolicy{}, before: 0, after: -600000, armed: true, wantTrigger: false, wantArmed: true},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			trigger, armed := testCase.policy.evaluate(testCase.before, testCase.after, testCase.armed)
			if trigger != testCase.wantTrigger || armed != testCase.wantArmed {
				test.Fatalf("got trigger=%t armed=%t, want trigger=%t armed=%t", trigger, armed, testCase.wantTrigger, testCase.wantArmed)
			}
		})
	}
}

func TestRecoveryCreditAmount(test *testing.T) {
	test.Parallel()
	policy := DefaultRecoveryPolicy()
	for _, sample := range []float64{0, 0.25, 0.999999, 1} {
		base := policy.BaseAmount(sample)
		if base < policy.BaseMin || base > policy.BaseMax {
			test.Fatalf("base %d outside [%d, %d] for sample %v", base, policy.BaseMin, policy.BaseMax, sample)
		}
	}
	amount, base, deficit := policy.CreditAmount(-600000, 0)
	if base != 2500 || deficit != 600000 || amount != 600000+250000 {
		test.Fatalf("unexpected credit: amount=%d base=%d deficit=%d", amount, base, deficit)
	}
	if -600000+amount <= policy.Threshold || -600000+amount <= 0 {
		test.Fatalf("credit must lift the balance above zero")
	}
}

func TestRecoveryPolicyDefaults(test *testing.T) {
	test.Parallel()
	policy := DefaultRecoveryPolicy()
	if policy.Threshold != -500000 || policy.RetryDelay != 5*time.Second || policy.Multiplier != 100 {
		test.Fatalf("unexpected defaults: %+v", policy)
	}
}
