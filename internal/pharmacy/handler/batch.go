package handler

import (
	"net/http"

	"github.com/medflow/medflow-pharmacy/pkg/httputil"
)

// AddBatch receives a new batch
func (h *PharmacyHandler) AddBatch(w http.ResponseWriter, r *http.Request) {
	var req AddBatchRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	in, err := req.toService()
	if err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.svc.Batches.AddBatch(r.Context(), in)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, result)
}

// GetBatch gets a batch by ID
func (h *PharmacyHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httputil.Error(w, err)
		return
	}

	batch, err := h.svc.Batches.GetBatch(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, batch)
}

// UpdateBatch changes batch metadata
func (h *PharmacyHandler) UpdateBatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httputil.Error(w, err)
		return
	}

	var req UpdateBatchRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	in, err := req.toService()
	if err != nil {
		httputil.Error(w, err)
		return
	}

	batch, err := h.svc.Batches.UpdateBatchMetadata(r.Context(), id, in)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, batch)
}

// WriteOffBatch removes the remaining stock of a batch and deactivates it
func (h *PharmacyHandler) WriteOffBatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httputil.Error(w, err)
		return
	}

	var req WriteOffRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.svc.Batches.WriteOffBatch(r.Context(), id, req.ReasonCode, req.Notes)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}

// ListProductBatches lists every batch of a product
func (h *PharmacyHandler) ListProductBatches(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httputil.Error(w, err)
		return
	}

	batches, err := h.svc.Batches.ListBatchesForProduct(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, batches)
}
