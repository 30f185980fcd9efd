package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	balancememory "wallet-settlement/pkg/balance/memory"
	"wallet-settlement/pkg/ledger"
	ledgermemory "wallet-settlement/pkg/ledger/memory"
	"wallet-settlement/pkg/provider"
	"wallet-settlement/pkg/provider/mock"
	"wallet-settlement/pkg/resilience"

	"github.com/shopspring/decimal"
)

type testEnv struct {
	server   *Server
	ledger   *ledgermemory.Ledger
	balances *balancememory.Store
	account  ledger.Account
	tx       ledger.Transaction
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	l := ledgermemory.New(ledgermemory.DefaultConfig())
	balances := balancememory.New("test")

	acct, err := l.EnsureAccount(ctx, "alice", "ETB")
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	tx, err := l.InsertPending(ctx, ledger.NewTransaction{
		AccountID: acct.ID,
		Kind:      ledger.KindDeposit,
		Amount:    decimal.NewFromInt(50),
		Currency:  "ETB",
		Provider:  "telebirr",
	})
	if err != nil {
		t.Fatalf("InsertPending failed: %v", err)
	}
	balances.ApplyDelta(ctx, acct.ID, decimal.NewFromInt(75))

	registry := provider.NewRegistry(mock.NewGateway("telebirr"))
	registry.Wrap(resilience.Wrap(resilience.DefaultConfig()))
	registry.Register(mock.NewGateway("plain"))

	return &testEnv{
		server:   NewServer(l, balances, registry, nil, DefaultServerConfig()),
		ledger:   l,
		balances: balances,
		account:  acct,
		tx:       tx,
	}
}

func (e *testEnv) get(t *testing.T, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)

	var response map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		json.NewDecoder(w.Body).Decode(&response)
	}
	return w, response
}

func TestServer_Health(t *testing.T) {
	env := setupTestServer(t)

	w, response := env.get(t, "/health")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if response["status"] != "healthy" {
		t.Errorf("Expected status healthy, got %v", response["status"])
	}
}

func TestServer_Status(t *testing.T) {
	env := setupTestServer(t)

	w, response := env.get(t, "/status")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if response["status"] != "running" {
		t.Errorf("Expected status running, got %v", response["status"])
	}

	providers, ok := response["providers"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected providers map, got %v", response["providers"])
	}
	if providers["telebirr"] != "closed" {
		t.Errorf("Expected closed circuit for telebirr, got %v", providers["telebirr"])
	}
	if providers["plain"] != "none" {
		t.Errorf("Expected no circuit for plain, got %v", providers["plain"])
	}
}

func TestServer_Balance(t *testing.T) {
	env := setupTestServer(t)

	w, response := env.get(t, "/accounts/"+itoa(env.account.ID)+"/balance")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if response["available"] != "75" || response["reserved"] != "0" || response["total"] != "75" {
		t.Errorf("Unexpected balance %v", response)
	}

	w, _ = env.get(t, "/accounts/999/balance")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown account, got %d", w.Code)
	}
}

func TestServer_AccountTransactions(t *testing.T) {
	env := setupTestServer(t)
	path := "/accounts/" + itoa(env.account.ID) + "/transactions"

	w, response := env.get(t, path)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if response["count"] != float64(1) {
		t.Errorf("Expected 1 transaction, got %v", response["count"])
	}

	_, response = env.get(t, path+"?status=completed")
	if response["count"] != float64(0) {
		t.Errorf("Expected no completed transactions, got %v", response["count"])
	}

	w, _ = env.get(t, path+"?limit=abc")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for bad limit, got %d", w.Code)
	}
}

func TestServer_Transaction(t *testing.T) {
	env := setupTestServer(t)

	w, response := env.get(t, "/transactions/"+itoa(env.tx.ID))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if response["status"] != "pending" || response["amount"] != "50" {
		t.Errorf("Unexpected transaction %v", response)
	}

	w, _ = env.get(t, "/transactions/12345")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}

	w, _ = env.get(t, "/transactions/abc")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected non-numeric ids to miss the route, got %d", w.Code)
	}
}

func TestServer_Stats(t *testing.T) {
	env := setupTestServer(t)

	w, response := env.get(t, "/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if response["transactions"] != float64(1) || response["accounts"] != float64(1) {
		t.Errorf("Unexpected stats %v", response)
	}
}

func TestServer_ReadOnly(t *testing.T) {
	env := setupTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/transactions/1", nil)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	env := setupTestServer(t)

	env.get(t, "/health")
	w, _ := env.get(t, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `api_http_requests_total{endpoint="/health",method="GET",status="200"} 1`) {
		t.Errorf("Expected request counter in metrics output, got:\n%s", w.Body.String())
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
