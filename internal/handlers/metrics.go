package handlers

import (
	"context"
	"net/http"

	"github.com/laurikarhu/stealth-gate/internal/metrics"
)

// MetricsSource produces a metrics snapshot
type MetricsSource interface {
	Collect(ctx context.Context) (*metrics.SystemMetrics, error)
}

// MetricsHandler handles metrics API requests
type MetricsHandler struct {
	collector MetricsSource
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(collector MetricsSource) *MetricsHandler {
	return &MetricsHandler{
		collector: collector,
	}
}

// GetMetrics returns gate counters and backend health as JSON
func (h *MetricsHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	systemMetrics, err := h.collector.Collect(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "Failed to collect metrics")
		return
	}

	writeJSON(w, http.StatusOK, systemMetrics)
}
