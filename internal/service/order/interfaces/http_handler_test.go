package interfaces

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockflow/internal/pkg/metrics"
	"stockflow/internal/service/order/application"
	"stockflow/internal/service/order/domain"
	"stockflow/internal/service/order/infrastructure"
	"stockflow/internal/service/order/ledger"
)

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Kind           domain.Kind `json:"kind"`
		AvailableStock *int        `json:"availableStock"`
	} `json:"error"`
}

type testEnv struct {
	svc     *application.OrderApplicationService
	journal *infrastructure.AuditJournal
	mux     *http.ServeMux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	journal := infrastructure.NewAuditJournal(100)
	sink := infrastructure.NewAsyncAuditSink(64, m, journal)
	t.Cleanup(func() { _ = sink.Close() })

	svc := application.NewOrderApplicationService(application.Deps{
		Ledger:   ledger.NewMemoryLedger(ledger.WithMetrics(m)),
		Orders:   infrastructure.NewMemoryStore().Orders(),
		Audit:    sink,
		AuditLog: journal,
		Metrics:  m,
		Catalog:  []domain.CatalogItem{{ID: "p-1", Name: "Widget", Total: 100}},
	})
	_, err := svc.ResetCatalog(context.Background(), nil)
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewOrderHandler(svc, nil, reg).RegisterRoutes(mux)
	return &testEnv{svc: svc, journal: journal, mux: mux}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)

	var env envelope
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec.Code, env
}

func (e *testEnv) submit(t *testing.T, qty int) domain.Order {
	t.Helper()
	code, env := e.do(t, http.MethodPost, "/api/orders", application.CreateOrderRequest{
		ProductID: "p-1", Quantity: qty, BuyerID: "b-1", BuyerName: "Ann",
	})
	require.Equal(t, http.StatusCreated, code, env.Message)
	var order domain.Order
	require.NoError(t, json.Unmarshal(env.Data, &order))
	return order
}

func TestSubmitPayFulfillOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	order := env.submit(t, 30)
	assert.Equal(t, domain.StatusPending, order.Status)

	code, resp := env.do(t, http.MethodPost, "/api/orders/"+order.ID+"/payment", application.OutcomeRequest{Outcome: "success"})
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)

	code, _ = env.do(t, http.MethodPost, "/api/orders/"+order.ID+"/fulfillment", application.OutcomeRequest{Outcome: "success"})
	require.Equal(t, http.StatusOK, code)

	code, resp = env.do(t, http.MethodGet, "/api/stock", nil)
	require.Equal(t, http.StatusOK, code)
	var stocks []domain.Stock
	require.NoError(t, json.Unmarshal(resp.Data, &stocks))
	require.Len(t, stocks, 1)
	assert.Equal(t, 70, stocks[0].Available)
	assert.Equal(t, 30, stocks[0].Deducted)
	assert.Equal(t, 0, stocks[0].Locked)

	code, resp = env.do(t, http.MethodGet, "/api/orders/"+order.ID, nil)
	require.Equal(t, http.StatusOK, code)
	var got domain.Order
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	assert.Equal(t, domain.StatusFulfilled, got.Status)
}

func TestInsufficientStockReportsAvailable(t *testing.T) {
	env := newTestEnv(t)
	code, resp := env.do(t, http.MethodPost, "/api/orders", application.CreateOrderRequest{
		ProductID: "p-1", Quantity: 101, BuyerID: "b-1", BuyerName: "Ann",
	})
	require.Equal(t, http.StatusConflict, code)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.KindInsufficientStock, resp.Error.Kind)
	require.NotNil(t, resp.Error.AvailableStock)
	assert.Equal(t, 100, *resp.Error.AvailableStock)
}

func TestErrorStatusMapping(t *testing.T) {
	env := newTestEnv(t)
	order := env.submit(t, 1)
	_, _ = env.do(t, http.MethodPost, "/api/orders/"+order.ID+"/payment", application.OutcomeRequest{Outcome: "failed"})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		kind   domain.Kind
	}{
		{"bad quantity", http.MethodPost, "/api/orders", application.CreateOrderRequest{ProductID: "p-1", Quantity: 0, BuyerID: "b", BuyerName: "n"}, http.StatusBadRequest, domain.KindInvalidArgument},
		{"unknown product", http.MethodPost, "/api/orders", application.CreateOrderRequest{ProductID: "nope", Quantity: 1, BuyerID: "b", BuyerName: "n"}, http.StatusNotFound, domain.KindNotFound},
		{"unknown order", http.MethodGet, "/api/orders/missing", nil, http.StatusNotFound, domain.KindNotFound},
		{"pay cancelled order", http.MethodPost, "/api/orders/" + order.ID + "/payment", application.OutcomeRequest{Outcome: "success"}, http.StatusConflict, domain.KindInvalidState},
		{"bad outcome", http.MethodPost, "/api/orders/" + order.ID + "/fulfillment", application.OutcomeRequest{Outcome: "maybe"}, http.StatusBadRequest, domain.KindInvalidArgument},
		{"missing body", http.MethodPost, "/api/orders/" + order.ID + "/payment", nil, http.StatusBadRequest, domain.KindInvalidArgument},
		{"negative audit limit", http.MethodGet, "/api/audit?limit=-1", nil, http.StatusBadRequest, domain.KindInvalidArgument},
		{"non numeric audit limit", http.MethodGet, "/api/audit?limit=abc", nil, http.StatusBadRequest, domain.KindInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, code)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.kind, resp.Error.Kind)
			assert.False(t, resp.Success)
		})
	}
}

func TestMalformedJSONIsInvalidArgument(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResetCatalogOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, 5)

	code, resp := env.do(t, http.MethodPost, "/api/catalog/reset", application.ResetCatalogRequest{
		Products: []domain.CatalogItem{{ID: "a", Name: "A", Total: 3}, {ID: "b", Name: "B", Total: 0}},
	})
	require.Equal(t, http.StatusOK, code, resp.Message)
	var stocks []domain.Stock
	require.NoError(t, json.Unmarshal(resp.Data, &stocks))
	require.Len(t, stocks, 2)
	assert.Equal(t, "a", stocks[0].ID)

	code, resp = env.do(t, http.MethodGet, "/api/orders", nil)
	require.Equal(t, http.StatusOK, code)
	var orders []domain.Order
	require.NoError(t, json.Unmarshal(resp.Data, &orders))
	assert.Empty(t, orders)

	// 空 body 恢复默认目录
	code, resp = env.do(t, http.MethodPost, "/api/catalog/reset", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &stocks))
	require.Len(t, stocks, 1)
	assert.Equal(t, 100, stocks[0].Total)

	code, resp = env.do(t, http.MethodPost, "/api/catalog/reset", application.ResetCatalogRequest{
		Products: []domain.CatalogItem{{ID: "a", Name: "A", Total: 1}, {ID: "a", Name: "A", Total: 2}},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, domain.KindInvalidArgument, resp.Error.Kind)
}

func TestAuditEndpoint(t *testing.T) {
	env := newTestEnv(t)
	order := env.submit(t, 2)

	require.Eventually(t, func() bool {
		return len(env.journal.Recent(10)) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	code, resp := env.do(t, http.MethodGet, "/api/audit?limit=1", nil)
	require.Equal(t, http.StatusOK, code)
	var events []domain.AuditEvent
	require.NoError(t, json.Unmarshal(resp.Data, &events))
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventOrderSubmitted, events[0].Type)
	assert.Equal(t, order.ID, events[0].OrderID)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, 1)

	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	env.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stockflow_")
}
