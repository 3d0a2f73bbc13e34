package handler_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/medflow/medflow-pharmacy/internal/pharmacy/handler"
	"github.com/medflow/medflow-pharmacy/internal/pharmacy/repository"
	"github.com/medflow/medflow-pharmacy/internal/pharmacy/service"
	"github.com/medflow/medflow-pharmacy/pkg/config"
	"github.com/medflow/medflow-pharmacy/pkg/errors"
	"github.com/medflow/medflow-pharmacy/pkg/httputil"
	"github.com/medflow/medflow-pharmacy/pkg/logger"
	"github.com/medflow/medflow-pharmacy/pkg/permissions"
	"github.com/medflow/medflow-pharmacy/pkg/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockBatches struct{ mock.Mock }

func (m *mockBatches) AddBatch(ctx context.Context, req service.AddBatchRequest) (*service.AddBatchResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*service.AddBatchResult)
	return res, args.Error(1)
}

func (m *mockBatches) GetBatch(ctx context.Context, id string) (*repository.Batch, error) {
	args := m.Called(ctx, id)
	b, _ := args.Get(0).(*repository.Batch)
	return b, args.Error(1)
}

func (m *mockBatches) UpdateBatchMetadata(ctx context.Context, id string, req service.UpdateBatchRequest) (*repository.Batch, error) {
	args := m.Called(ctx, id, req)
	b, _ := args.Get(0).(*repository.Batch)
	return b, args.Error(1)
}

func (m *mockBatches) WriteOffBatch(ctx context.Context, id, reason string, notes *string) (*service.WriteOffResult, error) {
	args := m.Called(ctx, id, reason, notes)
	res, _ := args.Get(0).(*service.WriteOffResult)
	return res, args.Error(1)
}

func (m *mockBatches) ListBatchesForProduct(ctx context.Context, productID string) ([]*repository.Batch, error) {
	args := m.Called(ctx, productID)
	b, _ := args.Get(0).([]*repository.Batch)
	return b, args.Error(1)
}

type mockStock struct{ mock.Mock }

func (m *mockStock) AggregateForProduct(ctx context.Context, productID string) (*service.StockLevel, error) {
	args := m.Called(ctx, productID)
	l, _ := args.Get(0).(*service.StockLevel)
	return l, args.Error(1)
}

func (m *mockStock) PreviewAllocation(ctx context.Context, productID string, qty int) (*service.AllocationPreview, error) {
	args := m.Called(ctx, productID, qty)
	p, _ := args.Get(0).(*service.AllocationPreview)
	return p, args.Error(1)
}

func (m *mockStock) ReorderSuggestions(ctx context.Context) ([]service.ReorderSuggestion, error) {
	args := m.Called(ctx)
	s, _ := args.Get(0).([]service.ReorderSuggestion)
	return s, args.Error(1)
}

func (m *mockStock) ListInventory(ctx context.Context, filter repository.InventoryFilter, page, perPage int) ([]*repository.InventoryRow, int64, error) {
	args := m.Called(ctx, filter, page, perPage)
	rows, _ := args.Get(0).([]*repository.InventoryRow)
	return rows, args.Get(1).(int64), args.Error(2)
}

type mockLedger struct{ mock.Mock }

func (m *mockLedger) HistoryForProduct(ctx context.Context, productID string, filter repository.TransactionFilter, page, perPage int) (*service.History, error) {
	args := m.Called(ctx, productID, filter, page, perPage)
	h, _ := args.Get(0).(*service.History)
	return h, args.Error(1)
}

func (m *mockLedger) EntriesForReference(ctx context.Context, reference string) ([]*repository.Transaction, error) {
	args := m.Called(ctx, reference)
	e, _ := args.Get(0).([]*repository.Transaction)
	return e, args.Error(1)
}

type mockDispenser struct{ mock.Mock }

func (m *mockDispenser) Dispense(ctx context.Context, req service.DispenseRequest) (*service.DispenseResult, error) {
	args := m.Called(ctx, req)
	r, _ := args.Get(0).(*service.DispenseResult)
	return r, args.Error(1)
}

type mockMovements struct{ mock.Mock }

func (m *mockMovements) Return(ctx context.Context, req service.ReturnRequest) (*repository.Transaction, error) {
	args := m.Called(ctx, req)
	t, _ := args.Get(0).(*repository.Transaction)
	return t, args.Error(1)
}

func (m *mockMovements) Adjust(ctx context.Context, req service.AdjustRequest) (*service.AdjustResult, error) {
	args := m.Called(ctx, req)
	r, _ := args.Get(0).(*service.AdjustResult)
	return r, args.Error(1)
}

type mockAlerts struct{ mock.Mock }

func (m *mockAlerts) Config() service.AlertConfig {
	return service.AlertConfig{LowStockDefaultThreshold: 10, ExpiryWarningDays: 30}
}

func (m *mockAlerts) EvaluateWith(ctx context.Context, cfg service.AlertConfig) (*service.AlertReport, error) {
	args := m.Called(ctx, cfg)
	r, _ := args.Get(0).(*service.AlertReport)
	return r, args.Error(1)
}

type testEnv struct {
	router    http.Handler
	batches   *mockBatches
	stock     *mockStock
	ledger    *mockLedger
	dispenser *mockDispenser
	movements *mockMovements
	alerts    *mockAlerts
}

func newTestEnv() *testEnv {
	env := &testEnv{
		batches:   &mockBatches{},
		stock:     &mockStock{},
		ledger:    &mockLedger{},
		dispenser: &mockDispenser{},
		movements: &mockMovements{},
		alerts:    &mockAlerts{},
	}
	h := handler.NewPharmacyHandler(handler.Services{
		Batches:   env.batches,
		Stock:     env.stock,
		Ledger:    env.ledger,
		Dispenser: env.dispenser,
		Movements: env.movements,
		Alerts:    env.alerts,
	}, 50, logger.Nop())

	auth := httputil.NewAuthenticator(config.JWTConfig{Secret: "test-secret"}, config.AuthConfig{TrustGatewayHeaders: true}, logger.Nop())
	r := chi.NewRouter()
	r.Use(auth.Middleware)
	r.Route("/api/v1/pharmacy", h.Routes)
	env.router = r
	return env
}

func (env *testEnv) do(method, path string, body interface{}, perms ...string) *httptest.ResponseRecorder {
	req := testutil.NewHTTPRequest(method, path, body)
	testutil.WithTenantHeaders(req, testutil.TestTenantID, testutil.TestTenantSlug, testutil.TestSchema)
	testutil.WithUserHeaders(req, "user-1", "pharmacist", perms...)
	return testutil.ExecuteRequest(env.router, req)
}

var allPermissions = []string{
	permissions.PharmacyRead,
	permissions.PharmacyBatchesWrite,
	permissions.PharmacyDispense,
	permissions.PharmacyStockAdjust,
}

func TestDispense_Created(t *testing.T) {
	env := newTestEnv()
	productID := uuid.New().String()

	env.dispenser.On("Dispense", mock.Anything, mock.MatchedBy(func(req service.DispenseRequest) bool {
		return len(req.Lines) == 1 && req.Lines[0].ProductID == productID && req.Lines[0].Quantity == 4 &&
			req.IssuedTo != nil && *req.IssuedTo == "Ward 2"
	})).Return(&service.DispenseResult{
		ReferenceNumber: "ISS-000042",
		State:           service.DispenseCompleted,
		TotalValue:      decimal.RequireFromString("14.00"),
	}, nil)

	rr := env.do(http.MethodPost, "/api/v1/pharmacy/dispenses", map[string]interface{}{
		"lines":     []map[string]interface{}{{"product_id": productID, "quantity": 4}},
		"issued_to": "Ward 2",
	}, permissions.PharmacyDispense)

	testutil.AssertStatus(t, rr, http.StatusCreated)
	testutil.AssertBodyContains(t, rr, "ISS-000042")
	env.dispenser.AssertExpectations(t)
}

func TestDispense_ValidationNamesTheLine(t *testing.T) {
	env := newTestEnv()

	rr := env.do(http.MethodPost, "/api/v1/pharmacy/dispenses", map[string]interface{}{
		"lines": []map[string]interface{}{
			{"product_id": uuid.New().String(), "quantity": 2},
			{"product_id": uuid.New().String(), "quantity": 0},
		},
	}, permissions.PharmacyDispense)

	testutil.AssertStatus(t, rr, http.StatusBadRequest)
	var resp httputil.Response
	testutil.ParseJSONBody(t, rr, &resp)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Details, "lines[1].quantity")
	env.dispenser.AssertNotCalled(t, "Dispense", mock.Anything, mock.Anything)
}

func TestDispense_InsufficientStockListsShortfalls(t *testing.T) {
	env := newTestEnv()
	productID := uuid.New().String()

	env.dispenser.On("Dispense", mock.Anything, mock.Anything).Return(nil, errors.InsufficientStock(
		errors.Shortfall{ProductID: productID, Line: 1, Requested: 10, Available: 4, Shortfall: 6},
	))

	rr := env.do(http.MethodPost, "/api/v1/pharmacy/dispenses", map[string]interface{}{
		"lines": []map[string]interface{}{{"product_id": productID, "quantity": 10}},
	}, permissions.PharmacyDispense)

	testutil.AssertStatus(t, rr, http.StatusConflict)
	var resp httputil.Response
	testutil.ParseJSONBody(t, rr, &resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INSUFFICIENT_STOCK", resp.Error.Code)
	require.Len(t, resp.Error.Shortfalls, 1)
	assert.Equal(t, 6, resp.Error.Shortfalls[0].Shortfall)
}

func TestDispense_RejectsUnknownFields(t *testing.T) {
	env := newTestEnv()

	rr := env.do(http.MethodPost, "/api/v1/pharmacy/dispenses",
		`{"lines":[{"product_id":"`+uuid.New().String()+`","qty":3}]}`, permissions.PharmacyDispense)

	testutil.AssertStatus(t, rr, http.StatusBadRequest)
	env.dispenser.AssertNotCalled(t, "Dispense", mock.Anything, mock.Anything)
}

func TestRoutes_EnforcePermissions(t *testing.T) {
	env := newTestEnv()
	batchID := uuid.New().String()

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
	}{
		{"dispense", http.MethodPost, "/api/v1/pharmacy/dispenses", map[string]interface{}{}},
		{"adjust", http.MethodPost, "/api/v1/pharmacy/adjustments", map[string]interface{}{}},
		{"write-off", http.MethodPost, "/api/v1/pharmacy/batches/" + batchID + "/write-off", map[string]interface{}{}},
		{"add batch", http.MethodPost, "/api/v1/pharmacy/batches", map[string]interface{}{}},
		{"update batch", http.MethodPatch, "/api/v1/pharmacy/batches/" + batchID, map[string]interface{}{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(tt.method, tt.path, tt.body, permissions.PharmacyRead)
			testutil.AssertStatus(t, rr, http.StatusForbidden)
		})
	}
}

func TestAddBatch(t *testing.T) {
	env := newTestEnv()
	productID := uuid.New().String()

	env.batches.On("AddBatch", mock.Anything, mock.MatchedBy(func(req service.AddBatchRequest) bool {
		return req.ProductID == productID &&
			req.ExpiryDate.Equal(testutil.Date(2027, time.March, 31)) &&
			req.BuyingPrice.Equal(decimal.RequireFromString("1.25"))
	})).Return(&service.AddBatchResult{Batch: &repository.Batch{ID: uuid.New().String(), ProductID: productID}}, nil)

	rr := env.do(http.MethodPost, "/api/v1/pharmacy/batches", map[string]interface{}{
		"product_id":       productID,
		"batch_number":     "LOT-2026-10",
		"manufacture_date": "2026-09-01",
		"expiry_date":      "2027-03-31",
		"quantity":         120,
		"buying_price":     "1.25",
		"selling_price":    "2.10",
	}, permissions.PharmacyBatchesWrite)

	testutil.AssertStatus(t, rr, http.StatusCreated)
	env.batches.AssertExpectations(t)

	t.Run("bad date", func(t *testing.T) {
		rr := env.do(http.MethodPost, "/api/v1/pharmacy/batches", map[string]interface{}{
			"product_id":       productID,
			"batch_number":     "LOT-X",
			"manufacture_date": "01/09/2026",
			"expiry_date":      "2027-03-31",
			"quantity":         1,
		}, permissions.PharmacyBatchesWrite)

		testutil.AssertStatus(t, rr, http.StatusBadRequest)
		testutil.AssertBodyContains(t, rr, "manufacture_date")
	})
}

func TestGetBatch_InvalidID(t *testing.T) {
	env := newTestEnv()

	rr := env.do(http.MethodGet, "/api/v1/pharmacy/batches/not-a-uuid", nil, permissions.PharmacyRead)

	testutil.AssertStatus(t, rr, http.StatusBadRequest)
	env.batches.AssertNotCalled(t, "GetBatch", mock.Anything, mock.Anything)
}

func TestGetBatch_NotFound(t *testing.T) {
	env := newTestEnv()
	id := uuid.New().String()
	env.batches.On("GetBatch", mock.Anything, id).Return(nil, errors.NotFound("batch"))

	rr := env.do(http.MethodGet, "/api/v1/pharmacy/batches/"+id, nil, permissions.PharmacyRead)

	testutil.AssertStatus(t, rr, http.StatusNotFound)
}

func TestListInventory_ClampsPageSize(t *testing.T) {
	env := newTestEnv()
	filter := repository.InventoryFilter{Search: "amox", StockStatus: "low_stock"}
	env.stock.On("ListInventory", mock.Anything, filter, 2, 50).
		Return([]*repository.InventoryRow{{ProductID: uuid.New().String(), Name: "Amoxicillin"}}, int64(120), nil)

	rr := env.do(http.MethodGet, "/api/v1/pharmacy/inventory?search=amox&stock_status=low_stock&page=2&per_page=500", nil, permissions.PharmacyRead)

	testutil.AssertStatus(t, rr, http.StatusOK)
	var resp httputil.Response
	testutil.ParseJSONBody(t, rr, &resp)
	require.NotNil(t, resp.Meta)
	assert.Equal(t, 50, resp.Meta.PerPage)
	assert.Equal(t, 3, resp.Meta.TotalPages)
	env.stock.AssertExpectations(t)
}

func TestProductTransactions_ToCoversWholeDay(t *testing.T) {
	env := newTestEnv()
	productID := uuid.New().String()

	env.ledger.On("HistoryForProduct", mock.Anything, productID, mock.MatchedBy(func(f repository.TransactionFilter) bool {
		return f.Type != nil && *f.Type == "issue" &&
			f.From.Equal(testutil.Date(2026, time.October, 1)) &&
			f.To.After(testutil.Date(2026, time.October, 16).Add(23*time.Hour)) &&
			f.To.Before(testutil.Date(2026, time.October, 17))
	}), 1, 20).Return(&service.History{Entries: []*repository.Transaction{}, Total: 0}, nil)

	rr := env.do(http.MethodGet,
		"/api/v1/pharmacy/products/"+productID+"/transactions?type=issue&from=2026-10-01&to=2026-10-16", nil, permissions.PharmacyRead)

	testutil.AssertStatus(t, rr, http.StatusOK)
	env.ledger.AssertExpectations(t)
}

func TestAllocationPreview_RequiresQuantity(t *testing.T) {
	env := newTestEnv()

	rr := env.do(http.MethodGet, "/api/v1/pharmacy/products/"+uuid.New().String()+"/allocation-preview", nil, permissions.PharmacyRead)

	testutil.AssertStatus(t, rr, http.StatusBadRequest)
	testutil.AssertBodyContains(t, rr, "quantity")
}

func TestAlerts_QueryOverrides(t *testing.T) {
	env := newTestEnv()
	env.alerts.On("EvaluateWith", mock.Anything, service.AlertConfig{LowStockDefaultThreshold: 25, ExpiryWarningDays: 60}).
		Return(&service.AlertReport{}, nil)

	rr := env.do(http.MethodGet, "/api/v1/pharmacy/alerts?expiry_days=60&low_stock_threshold=25", nil, permissions.PharmacyRead)

	testutil.AssertStatus(t, rr, http.StatusOK)
	env.alerts.AssertExpectations(t)
}

func TestAdjust_PassesThrough(t *testing.T) {
	env := newTestEnv()
	productID := uuid.New().String()
	env.movements.On("Adjust", mock.Anything, service.AdjustRequest{
		ProductID:  productID,
		Delta:      -3,
		ReasonCode: "damaged",
	}).Return(&service.AdjustResult{ProductID: productID, Delta: -3}, nil)

	rr := env.do(http.MethodPost, "/api/v1/pharmacy/adjustments", map[string]interface{}{
		"product_id":  productID,
		"delta":       -3,
		"reason_code": "damaged",
	}, allPermissions...)

	testutil.AssertStatus(t, rr, http.StatusCreated)
	env.movements.AssertExpectations(t)
}

func TestGetDispense(t *testing.T) {
	env := newTestEnv()
	env.ledger.On("EntriesForReference", mock.Anything, "ISS-000007").
		Return([]*repository.Transaction{{ID: uuid.New().String(), Type: repository.TransactionIssue}}, nil)
	env.ledger.On("EntriesForReference", mock.Anything, "ISS-404404").Return(nil, errors.NotFound("reference"))

	rr := env.do(http.MethodGet, "/api/v1/pharmacy/dispenses/ISS-000007", nil, permissions.PharmacyRead)
	testutil.AssertStatus(t, rr, http.StatusOK)

	rr = env.do(http.MethodGet, "/api/v1/pharmacy/dispenses/ISS-404404", nil, permissions.PharmacyRead)
	testutil.AssertStatus(t, rr, http.StatusNotFound)
}

func TestAddBatch_ZeroQuantityIsInvalidQuantity(t *testing.T) {
	env := newTestEnv()
	productID := uuid.New().String()
	env.batches.On("AddBatch", mock.Anything, mock.MatchedBy(func(req service.AddBatchRequest) bool {
		return req.Quantity == 0
	})).Return(nil, errors.InvalidQuantityOrPrice(map[string]string{"quantity": "must be greater than 0"}))

	rr := env.do(http.MethodPost, "/api/v1/pharmacy/batches", map[string]interface{}{
		"product_id":       productID,
		"batch_number":     "LOT-0",
		"manufacture_date": "2026-09-01",
		"expiry_date":      "2027-03-31",
		"quantity":         0,
		"buying_price":     "1.25",
		"selling_price":    "2.10",
	}, permissions.PharmacyBatchesWrite)

	testutil.AssertStatus(t, rr, http.StatusUnprocessableEntity)
	testutil.AssertBodyContains(t, rr, "INVALID_QUANTITY_OR_PRICE")
	env.batches.AssertExpectations(t)
}

func TestAdjust_ZeroDeltaIsInvalidDelta(t *testing.T) {
	env := newTestEnv()
	productID := uuid.New().String()
	env.movements.On("Adjust", mock.Anything, service.AdjustRequest{
		ProductID:  productID,
		Delta:      0,
		ReasonCode: "count_correction",
	}).Return(nil, errors.InvalidDelta("adjustment", 0))

	rr := env.do(http.MethodPost, "/api/v1/pharmacy/adjustments", map[string]interface{}{
		"product_id":  productID,
		"delta":       0,
		"reason_code": "count_correction",
	}, allPermissions...)

	testutil.AssertStatus(t, rr, http.StatusUnprocessableEntity)
	testutil.AssertBodyContains(t, rr, "INVALID_DELTA")
	env.movements.AssertExpectations(t)
}
