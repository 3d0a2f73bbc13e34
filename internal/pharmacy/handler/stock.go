package handler

import (
	"net/http"
	"time"

	"github.com/medflow/medflow-pharmacy/internal/pharmacy/repository"
	"github.com/medflow/medflow-pharmacy/pkg/errors"
	"github.com/medflow/medflow-pharmacy/pkg/httputil"
)

// ListInventory lists products with their stock figures
func (h *PharmacyHandler) ListInventory(w http.ResponseWriter, r *http.Request) {
	page, perPage, err := h.pagination(r)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	q := r.URL.Query()
	filter := repository.InventoryFilter{
		Search:        q.Get("search"),
		Category:      q.Get("category"),
		StockStatus:   q.Get("stock_status"),
		ProductStatus: q.Get("product_status"),
	}

	rows, total, err := h.svc.Stock.ListInventory(r.Context(), filter, page, perPage)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	if rows == nil {
		rows = []*repository.InventoryRow{}
	}

	httputil.JSONWithMeta(w, http.StatusOK, rows, httputil.NewMeta(page, perPage, total))
}

// ReorderSuggestions lists products at or below their reorder point
func (h *PharmacyHandler) ReorderSuggestions(w http.ResponseWriter, r *http.Request) {
	suggestions, err := h.svc.Stock.ReorderSuggestions(r.Context())
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, suggestions)
}

// ProductStock returns the aggregate stock of a product
func (h *PharmacyHandler) ProductStock(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httputil.Error(w, err)
		return
	}

	level, err := h.svc.Stock.AggregateForProduct(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, level)
}

// AllocationPreview shows which batches a dispense of ?quantity=N would draw from
func (h *PharmacyHandler) AllocationPreview(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httputil.Error(w, err)
		return
	}
	qty, err := httputil.QueryInt(r, "quantity", 0)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	if qty <= 0 {
		httputil.Error(w, errors.Validation(map[string]string{"quantity": "must be greater than 0"}))
		return
	}

	preview, err := h.svc.Stock.PreviewAllocation(r.Context(), id, qty)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, preview)
}

// ProductTransactions returns one page of a product's ledger. A date-only
// "to" includes the whole day.
func (h *PharmacyHandler) ProductTransactions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httputil.Error(w, err)
		return
	}
	page, perPage, err := h.pagination(r)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	q := r.URL.Query()
	var filter repository.TransactionFilter
	if v := q.Get("type"); v != "" {
		filter.Type = &v
	}
	if v := q.Get("from"); v != "" {
		from, err := parseDate("from", v)
		if err != nil {
			httputil.Error(w, err)
			return
		}
		filter.From = &from
	}
	if v := q.Get("to"); v != "" {
		to, err := parseDate("to", v)
		if err != nil {
			httputil.Error(w, err)
			return
		}
		to = to.Add(24*time.Hour - time.Microsecond)
		filter.To = &to
	}

	history, err := h.svc.Ledger.HistoryForProduct(r.Context(), id, filter, page, perPage)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, history, httputil.NewMeta(page, perPage, history.Total))
}
