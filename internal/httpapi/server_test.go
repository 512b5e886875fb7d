package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/store/filestore"
	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mutex        sync.Mutex
	record       *ledger.BalanceRecord
	transactions []ledger.Transaction
}

func (store *memoryStore) LoadBalance(context.Context) (ledger.BalanceRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.record == nil {
		return ledger.BalanceRecord{}, ledger.ErrStateNotFound
	}
	return *store.record, nil
}

func (store *memoryStore) LoadTransactions(context.Context) ([]ledger.Transaction, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return append([]ledger.Transaction(nil), store.transactions...), nil
}

func (store *memoryStore) PersistBalance(_ context.Context, record ledger.BalanceRecord) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.record = &record
	return nil
}

func (store *memoryStore) PersistTransactions(_ context.Context, transactions []ledger.Transaction) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.transactions = append([]ledger.Transaction(nil), transactions...)
	return nil
}

type testHarness struct {
	server  *httptest.Server
	hub     *Hub
	handler http.Handler
}

func newHarness(test *testing.T, initialBalance int64) testHarness {
	test.Helper()
	hub := NewHub(nil)
	registry, err := ledger.NewRegistry(func(userID ledger.UserID) (*ledger.Ledger, error) {
		return ledger.New(userID, &memoryStore{}, ledger.WithListener(hub))
	}, ledger.BootstrapOptions{InitialBalance: &initialBalance})
	require.NoError(test, err)
	test.Cleanup(registry.Close)

	apiServer, err := NewServer(registry, hub, WithHistoryLimit(2), WithMetricsHandler(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		_, _ = writer.Write([]byte("metrics"))
	})))
	require.NoError(test, err)
	handler := apiServer.Router()
	server := httptest.NewServer(handler)
	test.Cleanup(server.Close)
	test.Cleanup(hub.Close)
	return testHarness{server: server, hub: hub, handler: handler}
}

func (harness testHarness) do(test *testing.T, method string, path string, body string) (int, map[string]any) {
	test.Helper()
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	harness.handler.ServeHTTP(recorder, request)
	payload := map[string]any{}
	if strings.HasPrefix(recorder.Header().Get("Content-Type"), "application/json") {
		require.NoError(test, json.Unmarshal(recorder.Body.Bytes(), &payload))
	}
	return recorder.Code, payload
}

func TestEarnSpendAndSnapshot(test *testing.T) {
	test.Parallel()
	harness := newHarness(test, 0)

	status, payload := harness.do(test, http.MethodPost, "/api/tokens/pilot/earn", `{"amount":500,"metadata":{"reason":"a"}}`)
	require.Equal(test, http.StatusOK, status)
	transaction := payload["transaction"].(map[string]any)
	require.Equal(test, "earn", transaction["type"])
	require.EqualValues(test, 500, transaction["balance"])

	status, _ = harness.do(test, http.MethodPost, "/api/tokens/pilot/spend", `{"amount":150,"metadata":{"reason":"b"}}`)
	require.Equal(test, http.StatusOK, status)

	status, payload = harness.do(test, http.MethodGet, "/api/tokens/pilot", "")
	require.Equal(test, http.StatusOK, status)
	require.EqualValues(test, 350, payload["balance"])
	require.Equal(test, true, payload["simulation"])

	status, payload = harness.do(test, http.MethodPost, "/api/tokens/pilot/spend", `{"amount":1000}`)
	require.Equal(test, http.StatusOK, status)
	require.EqualValues(test, -650, payload["snapshot"].(map[string]any)["balance"])
}

func TestCatalogRoutes(test *testing.T) {
	test.Parallel()
	harness := newHarness(test, 1000)

	status, payload := harness.do(test, http.MethodPost, "/api/tokens/pilot/earn", `{"event":"mission_completed"}`)
	require.Equal(test, http.StatusOK, status)
	require.EqualValues(test, 400, payload["transaction"].(map[string]any)["amount"])

	status, payload = harness.do(test, http.MethodPost, "/api/tokens/pilot/spend", `{"cost":"TRADE_ROUTES"}`)
	require.Equal(test, http.StatusOK, status)
	require.EqualValues(test, 900, payload["snapshot"].(map[string]any)["balance"])

	status, payload = harness.do(test, http.MethodPost, "/api/tokens/pilot/exchange", `{"endpoint":"/search","request":"abcd","responseBytes":6}`)
	require.Equal(test, http.StatusOK, status)
	require.Equal(test, true, payload["recorded"])
	require.EqualValues(test, 10, payload["transaction"].(map[string]any)["amount"])

	status, payload = harness.do(test, http.MethodPost, "/api/tokens/pilot/exchange", `{"endpoint":"/noop"}`)
	require.Equal(test, http.StatusOK, status)
	require.Equal(test, false, payload["recorded"])
}

func TestTransactionsHonourLimit(test *testing.T) {
	test.Parallel()
	harness := newHarness(test, 0)
	for index := 1; index <= 3; index++ {
		status, _ := harness.do(test, http.MethodPost, "/api/tokens/pilot/earn", `{"amount":`+strconv.Itoa(index)+`}`)
		require.Equal(test, http.StatusOK, status)
	}

	status, payload := harness.do(test, http.MethodGet, "/api/tokens/pilot/transactions", "")
	require.Equal(test, http.StatusOK, status)
	require.Len(test, payload["transactions"], 2)

	status, payload = harness.do(test, http.MethodGet, "/api/tokens/pilot/transactions?limit=10", "")
	require.Equal(test, http.StatusOK, status)
	transactions := payload["transactions"].([]any)
	require.Len(test, transactions, 3)
	require.EqualValues(test, 1, transactions[0].(map[string]any)["amount"])
}

func TestRejectsInvalidRequests(test *testing.T) {
	test.Parallel()
	harness := newHarness(test, 0)
	testCases := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{name: "bad json", method: http.MethodPost, path: "/api/tokens/pilot/earn", body: `{`, wantStatus: http.StatusBadRequest, wantCode: "invalid_payload"},
		{name: "missing amount", method: http.MethodPost, path: "/api/tokens/pilot/earn", body: `{}`, wantStatus: http.StatusBadRequest, wantCode: "invalid_amount"},
		{name: "zero amount", method: http.MethodPost, path: "/api/tokens/pilot/spend", body: `{"amount":0}`, wantStatus: http.StatusBadRequest, wantCode: "invalid_amount"},
		{name: "negative amount", method: http.MethodPost, path: "/api/tokens/pilot/earn", body: `{"amount":-5}`, wantStatus: http.StatusBadRequest, wantCode: "invalid_amount"},
		{name: "unknown event", method: http.MethodPost, path: "/api/tokens/pilot/earn", body: `{"event":"BOUNTY"}`, wantStatus: http.StatusBadRequest, wantCode: "unknown_event"},
		{name: "unknown cost", method: http.MethodPost, path: "/api/tokens/pilot/spend", body: `{"cost":"TELEPORT"}`, wantStatus: http.StatusBadRequest, wantCode: "unknown_cost"},
		{name: "bad limit", method: http.MethodGet, path: "/api/tokens/pilot/transactions?limit=abc", wantStatus: http.StatusBadRequest, wantCode: "invalid_limit"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			status, payload := harness.do(test, testCase.method, testCase.path, testCase.body)
			require.Equal(test, testCase.wantStatus, status)
			require.Equal(test, testCase.wantCode, payload["error"].(map[string]any)["code"])
		})
	}
}

func TestHealthAndMetrics(test *testing.T) {
	test.Parallel()
	harness := newHarness(test, 0)
	status, payload := harness.do(test, http.MethodGet, "/healthz", "")
	require.Equal(test, http.StatusOK, status)
	require.Equal(test, "ok", payload["status"])

	recorder := httptest.NewRecorder()
	harness.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(test, "metrics", recorder.Body.String())
}

func TestStreamPushesUpdates(test *testing.T) {
	test.Parallel()
	harness := newHarness(test, 100)
	url := "ws" + strings.TrimPrefix(harness.server.URL, "http") + "/api/tokens/pilot/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(test, err)
	defer conn.Close()
	require.NoError(test, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var initial StreamMessage
	require.NoError(test, conn.ReadJSON(&initial))
	require.Equal(test, MessageTypeSnapshot, initial.Type)
	require.Equal(test, int64(100), initial.Snapshot.Balance)
	require.Eventually(test, func() bool { return harness.hub.Subscribers("pilot") == 1 }, time.Second, 10*time.Millisecond)

	status, _ := harness.do(test, http.MethodPost, "/api/tokens/pilot/spend", `{"amount":30}`)
	require.Equal(test, http.StatusOK, status)

	var update StreamMessage
	require.NoError(test, conn.ReadJSON(&update))
	require.Equal(test, MessageTypeUpdated, update.Type)
	require.Equal(test, int64(70), update.Snapshot.Balance)
	require.NotNil(test, update.Entry)
	require.Equal(test, ledger.TransactionSpend, update.Entry.Type)

	require.NoError(test, conn.Close())
	require.Eventually(test, func() bool { return harness.hub.Subscribers("pilot") == 0 }, time.Second, 10*time.Millisecond)
}

func TestNewServerRequiresDependencies(test *testing.T) {
	test.Parallel()
	_, err := NewServer(nil, NewHub(nil))
	require.ErrorIs(test, err, ledger.ErrInvalidServiceConfig)
}

func TestDotUserIDStaysBelowStorageRoot(test *testing.T) {
	test.Parallel()
	const storageRoot = "/data/ledgers"
	filesystem := afero.NewMemMapFs()
	initialBalance := int64(0)
	hub := NewHub(nil)
	test.Cleanup(hub.Close)
	registry, err := ledger.NewRegistry(func(userID ledger.UserID) (*ledger.Ledger, error) {
		store := filestore.New(filestore.UserDir(storageRoot, userID), filestore.WithFs(filesystem))
		return ledger.New(userID, store, ledger.WithListener(hub))
	}, ledger.BootstrapOptions{InitialBalance: &initialBalance})
	require.NoError(test, err)
	test.Cleanup(registry.Close)
	apiServer, err := NewServer(registry, hub)
	require.NoError(test, err)
	harness := testHarness{hub: hub, handler: apiServer.Router()}

	status, _ := harness.do(test, http.MethodPost, "/api/tokens/%2E%2E/earn", `{"amount":25}`)
	require.Equal(test, http.StatusOK, status)
	require.Equal(test, []string{"__"}, registry.UserIDs())

	inside, err := afero.Exists(filesystem, storageRoot+"/__/"+filestore.BalanceFileName)
	require.NoError(test, err)
	require.True(test, inside)
	escaped, err := afero.Exists(filesystem, "/data/"+filestore.BalanceFileName)
	require.NoError(test, err)
	require.False(test, escaped)

	status, payload := harness.do(test, http.MethodGet, "/api/tokens/__", "")
	require.Equal(test, http.StatusOK, status)
	require.EqualValues(test, 25, payload["balance"])
}

func TestRegistryCapReturnsServiceUnavailable(test *testing.T) {
	test.Parallel()
	hub := NewHub(nil)
	test.Cleanup(hub.Close)
	registry, err := ledger.NewRegistry(func(userID ledger.UserID) (*ledger.Ledger, error) {
		return ledger.New(userID, &memoryStore{}, ledger.WithListener(hub))
	}, ledger.BootstrapOptions{}, ledger.WithMaxLedgers(1))
	require.NoError(test, err)
	test.Cleanup(registry.Close)
	apiServer, err := NewServer(registry, hub)
	require.NoError(test, err)
	harness := testHarness{hub: hub, handler: apiServer.Router()}

	status, _ := harness.do(test, http.MethodGet, "/api/tokens/pilot", "")
	require.Equal(test, http.StatusOK, status)
	status, payload := harness.do(test, http.MethodGet, "/api/tokens/copilot", "")
	require.Equal(test, http.StatusServiceUnavailable, status)
	require.Equal(test, "ledger_capacity", payload["error"].(map[string]any)["code"])
}
