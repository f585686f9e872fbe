// Package handler exposes the filestore consumer health snapshot over HTTP.
package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-metastore/domains/filestore/be/consumer"
)

// HealthReporter exposes the consumer state without tying the handler to the
// consumer lifecycle.
type HealthReporter interface {
	Health() consumer.Health
}

// Handler serves the filestore sync routes.
type Handler struct {
	consumer HealthReporter
	log      *zap.Logger
}

// New wires the filestore routes.
func New(reporter HealthReporter, log *zap.Logger) *Handler {
	if reporter == nil {
		panic("health reporter is required")
	}
	if log == nil {
		panic("logger is required")
	}
	return &Handler{consumer: reporter, log: log}
}

// Health handles GET /filestore/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	snapshot := h.consumer.Health()

	var lastObserved any
	if snapshot.LastObservedAt != nil {
		lastObserved = snapshot.LastObservedAt.UTC().Format(time.RFC3339Nano)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":                snapshot.Status,
		"enabled":               snapshot.Enabled,
		"inline":                snapshot.Inline,
		"connected":             snapshot.Connected,
		"namespace":             snapshot.Namespace,
		"channel":               snapshot.Channel,
		"stallThresholdSeconds": snapshot.StallThresholdSeconds,
		"lagSeconds":            snapshot.LagSeconds,
		"lastObservedAt":        lastObserved,
		"processedTotal":        snapshot.ProcessedTotal,
		"failures":              snapshot.Failures,
		"retries":               snapshot.Retries,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
