package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// RewardEvent names an activity that earns tokens.
type RewardEvent string

const (
	RewardMarketSnapshot     RewardEvent = "MARKET_SNAPSHOT"
	RewardOutfittingSnapshot RewardEvent = "OUTFITTING_SNAPSHOT"
	RewardShipyardSnapshot   RewardEvent = "SHIPYARD_SNAPSHOT"
	RewardMissionCompleted   RewardEvent = "MISSION_COMPLETED"
	RewardMaterialCollected  RewardEvent = "MATERIAL_COLLECTED"
	RewardDataCollected      RewardEvent = "DATA_COLLECTED"
	RewardEngineerProgress   RewardEvent = "ENGINEER_PROGRESS"
)

// SpendCost names a request that costs tokens.
type SpendCost string

const (
	CostDefaultRequest  SpendCost = "DEFAULT_REQUEST"
	CostTradeRoutes     SpendCost = "TRADE_ROUTES"
	CostMissions        SpendCost = "MISSIONS"
	CostPristineMining  SpendCost = "PRISTINE_MINING"
	CostCommodityValues SpendCost = "COMMODITY_VALUES"
	CostGeneralSearch   SpendCost = "GENERAL_SEARCH"
	CostWebScrape       SpendCost = "WEB_SCRAPE"
)

var rewardValues = map[RewardEvent]int64{
	RewardMarketSnapshot:     750,
	RewardOutfittingSnapshot: 600,
	RewardShipyardSnapshot:   600,
	RewardMissionCompleted:   400,
	RewardMaterialCollected:  250,
	RewardDataCollected:      250,
	RewardEngineerProgress:   500,
}

var spendCosts = map[SpendCost]int64{
	CostDefaultRequest:  250,
	CostTradeRoutes:     500,
	CostMissions:        450,
	CostPristineMining:  400,
	CostCommodityValues: 350,
	CostGeneralSearch:   200,
	CostWebScrape:       200,
}

const (
	metadataKeyCost          = "cost"
	metadataKeyEndpoint      = "endpoint"
	metadataKeyRequestBytes  = "requestBytes"
	metadataKeyResponseBytes = "responseBytes"

	// ExchangeReason is the default reason for metered data exchanges.
	ExchangeReason = "data-exchange"
)

// ParseRewardEvent resolves a reward event name case-insensitively.
func ParseRewardEvent(raw string) (RewardEvent, error) {
	event := RewardEvent(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := rewardValues[event]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRewardEvent, raw)
	}
	return event, nil
}

// ParseSpendCost resolves a spend cost name case-insensitively.
func ParseSpendCost(raw string) (SpendCost, error) {
	cost := SpendCost(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := spendCosts[cost]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSpendCost, raw)
	}
	return cost, nil
}

// Value returns the tokens earned for the event.
func (event RewardEvent) Value() (int64, bool) {
	value, ok := rewardValues[event]
	return value, ok
}

// Value returns the tokens charged for the cost.
func (cost SpendCost) Value() (int64, bool) {
	value, ok := spendCosts[cost]
	return value, ok
}

// RecordReward credits the catalog value of event.
func (ledger *Ledger) RecordReward(ctx context.Context, event RewardEvent, metadata Metadata) (Transaction, error) {
	amount, ok := event.Value()
	if !ok {
		return Transaction{}, WrapError(operationEarn, subjectTransaction, codeValidate, fmt.Errorf("%w: %q", ErrUnknownRewardEvent, event))
	}
	tagged := metadata.Clone()
	tagged[metadataKeyEvent] = string(event)
	if tagged.Reason() == "" {
		tagged[MetadataKeyReason] = strings.ToLower(string(event))
	}
	return ledger.RecordEarn(ctx, amount, tagged)
}

// RecordCharge debits the catalog value of cost.
func (ledger *Ledger) RecordCharge(ctx context.Context, cost SpendCost, metadata Metadata) (Transaction, error) {
	amount, ok := cost.Value()
	if !ok {
		return Transaction{}, WrapError(operationSpend, subjectTransaction, codeValidate, fmt.Errorf("%w: %q", ErrUnknownSpendCost, cost))
	}
	tagged := metadata.Clone()
	tagged[metadataKeyCost] = string(cost)
	if tagged.Reason() == "" {
		tagged[MetadataKeyReason] = strings.ToLower(string(cost))
	}
	return ledger.RecordSpend(ctx, amount, tagged)
}

// ExchangeUsage describes the bytes moved by one outbound data exchange.
type ExchangeUsage struct {
	Endpoint      string
	RequestBytes  int64
	ResponseBytes int64
	Metadata      Metadata
}

// RecordExchange charges one token per byte exchanged. It reports false and
// records nothing when no bytes were moved.
func (ledger *Ledger) RecordExchange(ctx context.Context, usage ExchangeUsage) (Transaction, bool, error) {
	requestBytes := max(usage.RequestBytes, 0)
	responseBytes := max(usage.ResponseBytes, 0)
	total := requestBytes + responseBytes
	if total <= 0 {
		return Transaction{}, false, nil
	}
	tagged := usage.Metadata.Clone()
	tagged[metadataKeyEndpoint] = usage.Endpoint
	tagged[metadataKeyRequestBytes] = requestBytes
	tagged[metadataKeyResponseBytes] = responseBytes
	if tagged.Reason() == "" {
		tagged[MetadataKeyReason] = ExchangeReason
	}
	transaction, err := ledger.RecordSpend(ctx, total, tagged)
	if err != nil {
		return Transaction{}, false, err
	}
	return transaction, true, nil
}

// EstimateByteSize returns the UTF-8 size of strings, the length of byte
// slices and the JSON-encoded size of anything else. Unencodable values
// count as zero.
func EstimateByteSize(value any) int64 {
	switch typed := value.(type) {
	case nil:
		return 0
	case string:
		return int64(len(typed))
	case []byte:
		return int64(len(typed))
	case json.RawMessage:
		return int64(len(typed))
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return 0
	}
	return int64(len(encoded))
}
