package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestRecordRewardUsesCatalogValue(test *testing.T) {
	test.Parallel()
	ledger := mustNewLedger(test, newMemoryStore(test))
	mustBootstrap(test, ledger, 0)
	event, err := ParseRewardEvent("market_snapshot")
	if err != nil {
		test.Fatalf("parse failed: %v", err)
	}
	transaction, err := ledger.RecordReward(context.Background(), event, Metadata{"station": "Jameson"})
	if err != nil {
		test.Fatalf("reward failed: %v", err)
	}
	if transaction.Amount != 750 || transaction.Metadata[metadataKeyEvent] != "MARKET_SNAPSHOT" || transaction.Metadata.Reason() != "market_snapshot" {
		test.Fatalf("unexpected reward: %+v", transaction)
	}
	if transaction.Metadata["station"] != "Jameson" {
		test.Fatalf("caller metadata dropped: %+v", transaction.Metadata)
	}
}

func TestRecordChargeUsesCatalogCost(test *testing.T) {
	test.Parallel()
	ledger := mustNewLedger(test, newMemoryStore(test))
	mustBootstrap(test, ledger, 1000)
	transaction, err := ledger.RecordCharge(context.Background(), CostTradeRoutes, Metadata{MetadataKeyReason: "route-search"})
	if err != nil {
		test.Fatalf("charge failed: %v", err)
	}
	if transaction.Amount != 500 || transaction.Balance != 500 || transaction.Metadata.Reason() != "route-search" {
		test.Fatalf("unexpected charge: %+v", transaction)
	}
}

func TestCatalogRejectsUnknownNames(test *testing.T) {
	test.Parallel()
	ledger := mustNewLedger(test, newMemoryStore(test))
	if _, err := ParseRewardEvent("BOUNTY"); !errors.Is(err, ErrUnknownRewardEvent) {
		test.Fatalf(errorMismatchMessage, ErrUnknownRewardEvent, err)
	}
	if _, err := ParseSpendCost("teleport"); !errors.Is(err, ErrUnknownSpendCost) {
		test.Fatalf(errorMismatchMessage, ErrUnknownSpendCost, err)
	}
	if _, err := ledger.RecordReward(context.Background(), RewardEvent("BOUNTY"), nil); !errors.Is(err, ErrUnknownRewardEvent) {
		test.Fatalf(errorMismatchMessage, ErrUnknownRewardEvent, err)
	}
	if _, err := ledger.RecordCharge(context.Background(), SpendCost("TELEPORT"), nil); !errors.Is(err, ErrUnknownSpendCost) {
		test.Fatalf(errorMismatchMessage, ErrUnknownSpendCost, err)
	}
}

func TestRecordExchangeChargesBytes(test *testing.T) {
	test.Parallel()
	ledger := mustNewLedger(test, newMemoryStore(test))
	mustBootstrap(test, ledger, 10000)

	_, recorded, err := ledger.RecordExchange(context.Background(), ExchangeUsage{Endpoint: "/noop"})
	if err != nil || recorded {
		test.Fatalf("expected empty exchange to be skipped, got %t %v", recorded, err)
	}

	transaction, recorded, err := ledger.RecordExchange(context.Background(), ExchangeUsage{
		Endpoint:      "/search",
		RequestBytes:  EstimateByteSize("query=sol"),
		ResponseBytes: 1200,
	})
	if err != nil || !recorded {
		test.Fatalf("exchange failed: %t %v", recorded, err)
	}
	if transaction.Amount != 1209 || transaction.Metadata.Reason() != ExchangeReason || transaction.Metadata[metadataKeyEndpoint] != "/search" {
		test.Fatalf("unexpected exchange: %+v", transaction)
	}
	if transaction.Metadata[metadataKeyRequestBytes] != int64(9) || transaction.Metadata[metadataKeyResponseBytes] != int64(1200) {
		test.Fatalf("unexpected byte counts: %+v", transaction.Metadata)
	}
}

func TestEstimateByteSize(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name  string
		value any
		want  int64
	}{
		{name: "nil", value: nil, want: 0},
		{name: "ascii", value: "abc", want: 3},
		{name: "multibyte", value: "é", want: 2},
		{name: "bytes", value: []byte{1, 2, 3, 4}, want: 4},
		{name: "object", value: map[string]int{"a": 1}, want: int64(len(`{"a":1}`))},
		{name: "number", value: 1234, want: 4},
		{name: "unencodable", value: make(chan int), want: 0},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if got := EstimateByteSize(testCase.value); got != testCase.want {
				test.Fatalf(errorMismatchMessage, testCase.want, got)
			}
		})
	}
}
