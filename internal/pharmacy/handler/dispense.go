package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/medflow/medflow-pharmacy/internal/pharmacy/service"
	"github.com/medflow/medflow-pharmacy/pkg/errors"
	"github.com/medflow/medflow-pharmacy/pkg/httputil"
)

// Dispense issues every line of the request or none of them
func (h *PharmacyHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	var req DispenseRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.svc.Dispenser.Dispense(r.Context(), req.toService())
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, result)
}

// GetDispense lists the ledger entries written under one reference number
func (h *PharmacyHandler) GetDispense(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	if reference == "" {
		httputil.Error(w, errors.NotFound("reference"))
		return
	}

	entries, err := h.svc.Ledger.EntriesForReference(r.Context(), reference)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, entries)
}

// Return puts units back into a batch
func (h *PharmacyHandler) Return(w http.ResponseWriter, r *http.Request) {
	var req ReturnRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	entry, err := h.svc.Movements.Return(r.Context(), service.ReturnRequest{
		BatchID:         req.BatchID,
		Quantity:        req.Quantity,
		ReferenceNumber: req.ReferenceNumber,
		ReturnedBy:      req.ReturnedBy,
		ReasonCode:      req.ReasonCode,
		Notes:           req.Notes,
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, entry)
}

// Adjust applies a manual stock correction
func (h *PharmacyHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.svc.Movements.Adjust(r.Context(), service.AdjustRequest{
		ProductID:  req.ProductID,
		BatchID:    req.BatchID,
		Delta:      req.Delta,
		ReasonCode: req.ReasonCode,
		Notes:      req.Notes,
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, result)
}
