package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiStockLedger/internal/auth"
	"github.com/nemonet1337/zaiStockLedger/internal/config"
	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
	"github.com/nemonet1337/zaiStockLedger/pkg/inventory/storage"
)

type testAPI struct {
	t       *testing.T
	handler http.Handler
	authn   *auth.Authenticator
	tokens  map[auth.Role]string
}

func newTestAPI(t *testing.T, opts routerOptions) *testAPI {
	t.Helper()

	logger := zap.NewNop()
	store := storage.NewMemoryStorage()
	registry := prometheus.NewRegistry()
	manager := inventory.NewManager(store, nil, logger, nil).WithMetrics(inventory.NewMetrics(registry))
	handlers := NewHandlers(manager, inventory.NewValuationEngine(store, logger),
		inventory.NewTrackingManager(store, logger), store, 0, logger)

	authn := auth.NewAuthenticator(config.AuthConfig{
		Secret:   "handler-test-secret-0123",
		Issuer:   "stock-ledger",
		TokenTTL: time.Hour,
	}, handlers.sendError)

	if opts.Metrics == nil {
		opts.Metrics = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}
	handler, err := setupRouter(handlers, authn, opts)
	require.NoError(t, err)

	api := &testAPI{t: t, handler: handler, authn: authn, tokens: map[auth.Role]string{}}
	for _, role := range []auth.Role{auth.RoleAdmin, auth.RoleStaff, auth.RoleViewer} {
		token, err := authn.IssueToken("user-"+string(role), role)
		require.NoError(t, err)
		api.tokens[role] = token
	}
	return api
}

// do sends a request as role ("" for anonymous) and decodes the envelope
func (a *testAPI) do(role auth.Role, method, path string, body interface{}) (int, APIResponse, json.RawMessage) {
	a.t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(a.t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+a.tokens[role])
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	var envelope struct {
		APIResponse
		Data json.RawMessage `json:"data"`
	}
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	}
	return rec.Code, envelope.APIResponse, envelope.Data
}

func (a *testAPI) createFlour() inventory.StockItem {
	a.t.Helper()

	code, _, data := a.do(auth.RoleAdmin, http.MethodPost, "/api/v1/items", map[string]interface{}{
		"name":         "Flour",
		"category":     "Ingredients",
		"currentStock": 0,
		"unit":         "kg",
		"minStock":     10,
		"maxStock":     100,
		"reorderPoint": 20,
		"supplier":     "Mill Co",
		"costPerUnit":  1.5,
	})
	require.Equal(a.t, http.StatusCreated, code)

	var item inventory.StockItem
	require.NoError(a.t, json.Unmarshal(data, &item))
	return item
}

func TestHealthCheck(t *testing.T) {
	api := newTestAPI(t, routerOptions{})

	code, resp, _ := api.do("", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
}

func TestItemLifecycle(t *testing.T) {
	api := newTestAPI(t, routerOptions{})
	flour := api.createFlour()

	code, _, data := api.do(auth.RoleViewer, http.MethodGet, "/api/v1/items/"+flour.ID, nil)
	require.Equal(t, http.StatusOK, code)
	var got inventory.StockItem
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "Flour", got.Name)
	assert.True(t, got.CurrentStock.IsZero())

	code, _, data = api.do(auth.RoleAdmin, http.MethodPatch, "/api/v1/items/"+flour.ID, map[string]interface{}{
		"supplier": "Stone Mill",
	})
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "Stone Mill", got.Supplier)

	code, _, _ = api.do(auth.RoleAdmin, http.MethodDelete, "/api/v1/items/"+flour.ID, nil)
	require.Equal(t, http.StatusOK, code)

	code, _, data = api.do(auth.RoleViewer, http.MethodGet, "/api/v1/items", nil)
	require.Equal(t, http.StatusOK, code)
	var items []inventory.StockItem
	require.NoError(t, json.Unmarshal(data, &items))
	assert.Empty(t, items)

	code, _, data = api.do(auth.RoleViewer, http.MethodGet, "/api/v1/items?include_inactive=true", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(data, &items))
	assert.Len(t, items, 1)
}

func TestFlourScenarioOverHTTP(t *testing.T) {
	api := newTestAPI(t, routerOptions{})
	flour := api.createFlour()

	code, _, _ := api.do(auth.RoleStaff, http.MethodPost, "/api/v1/stock/in", map[string]interface{}{
		"itemId":   flour.ID,
		"quantity": "50",
		"supplier": "Mill Co",
	})
	require.Equal(t, http.StatusCreated, code)

	code, _, _ = api.do(auth.RoleStaff, http.MethodPost, "/api/v1/stock/out", map[string]interface{}{
		"itemId":    flour.ID,
		"quantity":  "35",
		"reason":    "baking",
		"reference": "ORD-1",
	})
	require.Equal(t, http.StatusCreated, code)

	code, resp, _ := api.do(auth.RoleStaff, http.MethodPost, "/api/v1/stock/out", map[string]interface{}{
		"itemId":    flour.ID,
		"quantity":  "20",
		"reason":    "baking",
		"reference": "ORD-2",
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, string(inventory.KindInsufficientStock), resp.Kind)

	code, _, data := api.do(auth.RoleViewer, http.MethodGet, "/api/v1/stock/low-stock", nil)
	require.Equal(t, http.StatusOK, code)
	var low []inventory.LowStockItem
	require.NoError(t, json.Unmarshal(data, &low))
	require.Len(t, low, 1)
	assert.True(t, low[0].Item.CurrentStock.Equal(decimal.NewFromInt(15)))
	assert.True(t, low[0].Shortfall.Equal(decimal.NewFromInt(5)))

	today := time.Now().UTC().Format(time.DateOnly)
	code, _, data = api.do(auth.RoleViewer, http.MethodGet,
		"/api/v1/stock/movements?item_id="+flour.ID+"&date_from="+today+"&date_to="+today, nil)
	require.Equal(t, http.StatusOK, code)
	var movements []inventory.StockMovement
	require.NoError(t, json.Unmarshal(data, &movements))
	require.Len(t, movements, 2)
	assert.Equal(t, inventory.MovementTypeOut, movements[0].Type)

	code, _, data = api.do(auth.RoleViewer, http.MethodGet, "/api/v1/stock/movements/"+movements[0].ID, nil)
	require.Equal(t, http.StatusOK, code)
	var movement inventory.StockMovement
	require.NoError(t, json.Unmarshal(data, &movement))
	assert.Equal(t, "user-staff", movement.CreatedBy)

	code, _, data = api.do(auth.RoleViewer, http.MethodGet, "/api/v1/stock/statistics", nil)
	require.Equal(t, http.StatusOK, code)
	var stats inventory.Statistics
	require.NoError(t, json.Unmarshal(data, &stats))
	assert.Equal(t, int64(2), stats.TotalMovements)
	assert.Equal(t, 1, stats.LowStockCount)
}

func TestStatusMapping(t *testing.T) {
	api := newTestAPI(t, routerOptions{})
	flour := api.createFlour()

	tests := []struct {
		name      string
		role      auth.Role
		method    string
		path      string
		body      interface{}
		wantCode  int
		wantKind  inventory.ErrorKind
		wantField string
	}{
		{
			name: "missing field", role: auth.RoleAdmin, method: http.MethodPost, path: "/api/v1/items",
			body:     map[string]interface{}{"category": "Ingredients", "currentStock": 0, "unit": "kg", "minStock": 1, "maxStock": 5, "reorderPoint": 2, "supplier": "x", "costPerUnit": 1},
			wantCode: http.StatusBadRequest, wantKind: inventory.KindValidation, wantField: "name",
		},
		{
			name: "duplicate item", role: auth.RoleAdmin, method: http.MethodPost, path: "/api/v1/items",
			body:     map[string]interface{}{"name": "FLOUR", "category": "Ingredients", "currentStock": 0, "unit": "kg", "minStock": 1, "maxStock": 5, "reorderPoint": 2, "supplier": "x", "costPerUnit": 1},
			wantCode: http.StatusConflict, wantKind: inventory.KindConflict,
		},
		{
			name: "unknown item", role: auth.RoleViewer, method: http.MethodGet, path: "/api/v1/items/" + uuid.NewString(),
			wantCode: http.StatusNotFound, wantKind: inventory.KindNotFound,
		},
		{
			name: "unknown movement", role: auth.RoleViewer, method: http.MethodGet, path: "/api/v1/stock/movements/" + uuid.NewString(),
			wantCode: http.StatusNotFound, wantKind: inventory.KindNotFound,
		},
		{
			name: "stock in below minimum quantity", role: auth.RoleStaff, method: http.MethodPost, path: "/api/v1/stock/in",
			body:     map[string]interface{}{"itemId": flour.ID, "quantity": "0.001", "supplier": "Mill Co"},
			wantCode: http.StatusBadRequest, wantKind: inventory.KindValidation, wantField: "quantity",
		},
		{
			name: "stock out without reference", role: auth.RoleStaff, method: http.MethodPost, path: "/api/v1/stock/out",
			body:     map[string]interface{}{"itemId": flour.ID, "quantity": "1", "reason": "waste"},
			wantCode: http.StatusBadRequest, wantKind: inventory.KindValidation, wantField: "reference",
		},
		{
			name: "patch current stock", role: auth.RoleAdmin, method: http.MethodPatch, path: "/api/v1/items/" + flour.ID,
			body:     map[string]interface{}{"currentStock": 99},
			wantCode: http.StatusBadRequest, wantKind: inventory.KindValidation, wantField: "currentStock",
		},
		{
			name: "bad movement type", role: auth.RoleViewer, method: http.MethodGet, path: "/api/v1/stock/movements?type=MOVE",
			wantCode: http.StatusBadRequest, wantKind: inventory.KindValidation, wantField: "type",
		},
		{
			name: "bad date", role: auth.RoleViewer, method: http.MethodGet, path: "/api/v1/stock/movements?date_from=yesterday",
			wantCode: http.StatusBadRequest, wantKind: inventory.KindValidation, wantField: "date_from",
		},
		{
			name: "bad valuation method", role: auth.RoleViewer, method: http.MethodGet, path: "/api/v1/items/" + flour.ID + "/valuation?method=HIFO",
			wantCode: http.StatusBadRequest, wantKind: inventory.KindValidation, wantField: "method",
		},
		{
			name: "unknown field", role: auth.RoleStaff, method: http.MethodPost, path: "/api/v1/stock/in",
			body:     `{"itemId":"` + flour.ID + `","quantity":"1","supplier":"x","location":"A"}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name: "malformed json", role: auth.RoleStaff, method: http.MethodPost, path: "/api/v1/stock/in",
			body:     `{"itemId":`,
			wantCode: http.StatusBadRequest,
		},
		{
			name: "no token", method: http.MethodGet, path: "/api/v1/items",
			wantCode: http.StatusUnauthorized,
		},
		{
			name: "viewer cannot record", role: auth.RoleViewer, method: http.MethodPost, path: "/api/v1/stock/in",
			body:     map[string]interface{}{"itemId": flour.ID, "quantity": "1", "supplier": "x"},
			wantCode: http.StatusForbidden,
		},
		{
			name: "staff cannot create items", role: auth.RoleStaff, method: http.MethodPost, path: "/api/v1/items",
			body:     map[string]interface{}{"name": "Sugar"},
			wantCode: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp, _ := api.do(tt.role, tt.method, tt.path, tt.body)

			assert.Equal(t, tt.wantCode, code)
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Error)
			if tt.wantKind != "" {
				assert.Equal(t, string(tt.wantKind), resp.Kind)
			}
			if tt.wantField != "" {
				assert.Equal(t, tt.wantField, resp.Field)
			}
		})
	}
}

func TestBatchOperation(t *testing.T) {
	api := newTestAPI(t, routerOptions{})
	flour := api.createFlour()

	code, _, data := api.do(auth.RoleStaff, http.MethodPost, "/api/v1/stock/batch", []map[string]interface{}{
		{"type": "IN", "in": map[string]interface{}{"itemId": flour.ID, "quantity": "10", "supplier": "Mill Co"}},
		{"type": "OUT", "out": map[string]interface{}{"itemId": flour.ID, "quantity": "50", "reason": "baking", "reference": "ORD-9"}},
	})
	require.Equal(t, http.StatusOK, code)

	var batch inventory.BatchResult
	require.NoError(t, json.Unmarshal(data, &batch))
	assert.Equal(t, inventory.BatchStatusPartial, batch.Status)
	require.Len(t, batch.Errors, 1)
	assert.Equal(t, 1, batch.Errors[0].OperationIndex)
	assert.Equal(t, inventory.KindInsufficientStock, batch.Errors[0].Kind)
}

func TestReconcileAndReports(t *testing.T) {
	api := newTestAPI(t, routerOptions{})
	flour := api.createFlour()

	expiry := time.Now().UTC().AddDate(0, 0, 3).Format(time.DateOnly)
	code, _, _ := api.do(auth.RoleStaff, http.MethodPost, "/api/v1/stock/in", map[string]interface{}{
		"itemId":        flour.ID,
		"quantity":      "40",
		"supplier":      "Mill Co",
		"batchNumber":   "B-1",
		"expiryDate":    expiry,
		"purchasePrice": "1.25",
	})
	require.Equal(t, http.StatusCreated, code)

	code, _, data := api.do(auth.RoleAdmin, http.MethodPost, "/api/v1/items/"+flour.ID+"/reconcile", nil)
	require.Equal(t, http.StatusOK, code)
	var result inventory.ReconcileResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.False(t, result.Healed)
	assert.True(t, result.Ledger.Equal(decimal.NewFromInt(40)))

	code, _, _ = api.do(auth.RoleStaff, http.MethodPost, "/api/v1/stock/reconcile", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _, data = api.do(auth.RoleAdmin, http.MethodPost, "/api/v1/stock/reconcile", nil)
	require.Equal(t, http.StatusOK, code)
	var report inventory.ReconcileReport
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, 1, report.Checked)

	code, _, data = api.do(auth.RoleViewer, http.MethodGet, "/api/v1/items/"+flour.ID+"/valuation?method=fifo", nil)
	require.Equal(t, http.StatusOK, code)
	var valuation inventory.ItemValuation
	require.NoError(t, json.Unmarshal(data, &valuation))
	assert.True(t, valuation.Value.Equal(decimal.NewFromInt(50)), valuation.Value.String())

	code, _, data = api.do(auth.RoleViewer, http.MethodGet, "/api/v1/stock/expiring?days=7", nil)
	require.Equal(t, http.StatusOK, code)
	var batches []inventory.BatchInfo
	require.NoError(t, json.Unmarshal(data, &batches))
	require.Len(t, batches, 1)
	assert.Equal(t, "B-1", batches[0].Movement.BatchNumber)

	code, _, data = api.do(auth.RoleViewer, http.MethodGet, "/api/v1/items/"+flour.ID+"/audit", nil)
	require.Equal(t, http.StatusOK, code)
	var trail inventory.AuditTrail
	require.NoError(t, json.Unmarshal(data, &trail))
	assert.Len(t, trail.Movements, 1)
	assert.True(t, trail.ClosingBalance.Equal(decimal.NewFromInt(40)))
}

func TestRateLimit(t *testing.T) {
	api := newTestAPI(t, routerOptions{RateLimit: "2-M"})

	for i := 0; i < 2; i++ {
		code, _, _ := api.do("", http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, code)
	}
	code, resp, _ := api.do("", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.False(t, resp.Success)
}

func TestMetricsEndpoint(t *testing.T) {
	api := newTestAPI(t, routerOptions{})
	api.createFlour()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stock_ledger_items_created_total 1")
}

func TestCORSPreflight(t *testing.T) {
	api := newTestAPI(t, routerOptions{EnableCORS: true})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/items", nil)
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PATCH")
}
