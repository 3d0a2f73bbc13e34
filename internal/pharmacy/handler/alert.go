package handler

import (
	"net/http"

	"github.com/medflow/medflow-pharmacy/pkg/httputil"
)

// Alerts evaluates stock and expiry alerts. expiry_days and
// low_stock_threshold override the configured defaults for this request.
func (h *PharmacyHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	cfg := h.svc.Alerts.Config()

	days, err := httputil.QueryInt(r, "expiry_days", cfg.ExpiryWarningDays)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	threshold, err := httputil.QueryInt(r, "low_stock_threshold", cfg.LowStockDefaultThreshold)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	cfg.ExpiryWarningDays = days
	cfg.LowStockDefaultThreshold = threshold

	report, err := h.svc.Alerts.EvaluateWith(r.Context(), cfg)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, report)
}
