package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/medflow/medflow-pharmacy/internal/pharmacy/repository"
	"github.com/medflow/medflow-pharmacy/internal/pharmacy/service"
	"github.com/medflow/medflow-pharmacy/pkg/errors"
	"github.com/medflow/medflow-pharmacy/pkg/httputil"
	"github.com/medflow/medflow-pharmacy/pkg/logger"
	"github.com/medflow/medflow-pharmacy/pkg/permissions"
)

const (
	defaultPerPage = 20
	dateLayout     = "2006-01-02"
)

// BatchService is the batch lifecycle used by the handlers
type BatchService interface {
	AddBatch(ctx context.Context, req service.AddBatchRequest) (*service.AddBatchResult, error)
	GetBatch(ctx context.Context, batchID string) (*repository.Batch, error)
	UpdateBatchMetadata(ctx context.Context, batchID string, req service.UpdateBatchRequest) (*repository.Batch, error)
	WriteOffBatch(ctx context.Context, batchID, reasonCode string, notes *string) (*service.WriteOffResult, error)
	ListBatchesForProduct(ctx context.Context, productID string) ([]*repository.Batch, error)
}

// StockService answers stock level questions
type StockService interface {
	AggregateForProduct(ctx context.Context, productID string) (*service.StockLevel, error)
	PreviewAllocation(ctx context.Context, productID string, qty int) (*service.AllocationPreview, error)
	ReorderSuggestions(ctx context.Context) ([]service.ReorderSuggestion, error)
	ListInventory(ctx context.Context, filter repository.InventoryFilter, page, perPage int) ([]*repository.InventoryRow, int64, error)
}

// LedgerReader reads recorded movements
type LedgerReader interface {
	HistoryForProduct(ctx context.Context, productID string, filter repository.TransactionFilter, page, perPage int) (*service.History, error)
	EntriesForReference(ctx context.Context, reference string) ([]*repository.Transaction, error)
}

// Dispenser issues stock
type Dispenser interface {
	Dispense(ctx context.Context, req service.DispenseRequest) (*service.DispenseResult, error)
}

// MovementService records returns and adjustments
type MovementService interface {
	Return(ctx context.Context, req service.ReturnRequest) (*repository.Transaction, error)
	Adjust(ctx context.Context, req service.AdjustRequest) (*service.AdjustResult, error)
}

// AlertEvaluator computes the alert report on demand
type AlertEvaluator interface {
	Config() service.AlertConfig
	EvaluateWith(ctx context.Context, cfg service.AlertConfig) (*service.AlertReport, error)
}

// Services bundles what the pharmacy handlers depend on
type Services struct {
	Batches   BatchService
	Stock     StockService
	Ledger    LedgerReader
	Dispenser Dispenser
	Movements MovementService
	Alerts    AlertEvaluator
}

// PharmacyHandler serves the pharmacy API
type PharmacyHandler struct {
	svc         Services
	maxPageSize int
	logger      *logger.Logger
}

// NewPharmacyHandler creates a new pharmacy handler. maxPageSize caps
// per_page on every paged listing.
func NewPharmacyHandler(svc Services, maxPageSize int, log *logger.Logger) *PharmacyHandler {
	if maxPageSize <= 0 {
		maxPageSize = 100
	}
	return &PharmacyHandler{
		svc:         svc,
		maxPageSize: maxPageSize,
		logger:      log.WithComponent("http"),
	}
}

// Routes mounts the pharmacy endpoints with their permission checks
func (h *PharmacyHandler) Routes(r chi.Router) {
	read := httputil.RequirePermission(permissions.PharmacyRead)
	writeBatches := httputil.RequirePermission(permissions.PharmacyBatchesWrite)
	dispense := httputil.RequirePermission(permissions.PharmacyDispense)
	adjust := httputil.RequirePermission(permissions.PharmacyStockAdjust)

	r.With(read).Get("/inventory", h.ListInventory)
	r.With(read).Get("/alerts", h.Alerts)
	r.With(read).Get("/reorder-suggestions", h.ReorderSuggestions)

	r.Route("/batches", func(r chi.Router) {
		r.With(writeBatches).Post("/", h.AddBatch)
		r.With(read).Get("/{id}", h.GetBatch)
		r.With(writeBatches).Patch("/{id}", h.UpdateBatch)
		r.With(adjust).Post("/{id}/write-off", h.WriteOffBatch)
	})

	r.Route("/products/{id}", func(r chi.Router) {
		r.Use(read)
		r.Get("/batches", h.ListProductBatches)
		r.Get("/stock", h.ProductStock)
		r.Get("/allocation-preview", h.AllocationPreview)
		r.Get("/transactions", h.ProductTransactions)
	})

	r.With(dispense).Post("/dispenses", h.Dispense)
	r.With(read).Get("/dispenses/{reference}", h.GetDispense)
	r.With(dispense).Post("/returns", h.Return)
	r.With(adjust).Post("/adjustments", h.Adjust)
}

// pathID reads a UUID path parameter
func pathID(r *http.Request, name string) (string, error) {
	id := chi.URLParam(r, name)
	if _, err := uuid.Parse(id); err != nil {
		return "", errors.Validation(map[string]string{name: "must be a valid UUID"})
	}
	return id, nil
}

// pagination reads page and per_page, clamping per_page to the configured maximum
func (h *PharmacyHandler) pagination(r *http.Request) (int, int, error) {
	page, err := httputil.QueryInt(r, "page", 1)
	if err != nil {
		return 0, 0, err
	}
	perPage, err := httputil.QueryInt(r, "per_page", defaultPerPage)
	if err != nil {
		return 0, 0, err
	}
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = defaultPerPage
	}
	if perPage > h.maxPageSize {
		perPage = h.maxPageSize
	}
	return page, perPage, nil
}

// parseDate reads a calendar date in UTC
func parseDate(field, value string) (time.Time, error) {
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, errors.Validation(map[string]string{field: "must be a date formatted as " + dateLayout})
	}
	return t.UTC(), nil
}

func parseOptionalDate(field string, value *string) (*time.Time, error) {
	if value == nil || *value == "" {
		return nil, nil
	}
	t, err := parseDate(field, *value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
