// Package handler exposes the schema registry over HTTP.
package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-metastore/domains/schemas/be/service"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/httperr"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/logging"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/persistence"
)

const maxBodyBytes = 1 << 20

// Handler serves schema registry routes.
type Handler struct {
	svc service.Service
	log *zap.Logger
}

// New wires the registry routes.
func New(svc service.Service, log *zap.Logger) *Handler {
	if svc == nil {
		panic("schemas service is required")
	}
	if log == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, log: log}
}

// Get handles GET /schemas/{hash}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	def, err := h.svc.Get(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schema": definitionView(def)})
}

// Register handles POST /admin/schemas.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, r, httperr.BadRequest("request body unreadable: "+err.Error()))
		return
	}

	result, err := h.svc.Register(r.Context(), body)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"schema":  definitionView(result.Definition),
		"created": result.Created,
	})
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	he := httperr.From(err)
	if he.StatusCode >= http.StatusInternalServerError {
		logging.FromRequest(r, h.log).Error("schema registry request failed", zap.Error(err))
	}
	httperr.Write(w, err)
}

func definitionView(def persistence.SchemaDefinition) map[string]any {
	return map[string]any{
		"schemaHash":  def.SchemaHash,
		"name":        def.Name,
		"description": def.Description,
		"version":     def.Version,
		"fields":      def.Fields,
		"metadata":    def.Metadata,
		"createdAt":   def.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updatedAt":   def.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
