// Package handler exposes namespace summaries over HTTP.
package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-metastore/domains/namespaces/be/service"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/auth"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/httperr"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/logging"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/persistence"
)

// Handler serves GET /namespaces.
type Handler struct {
	svc service.Service
	log *zap.Logger
}

// New wires the namespace summary routes.
func New(svc service.Service, log *zap.Logger) *Handler {
	if svc == nil {
		panic("namespaces service is required")
	}
	if log == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, log: log}
}

// List handles GET /namespaces.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		httperr.Write(w, httperr.Unauthorized("missing identity"))
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		httperr.Write(w, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		httperr.Write(w, err)
		return
	}

	result, listErr := h.svc.List(r.Context(), identity, service.ListInput{
		Prefix: r.URL.Query().Get("prefix"),
		Limit:  limit,
		Offset: offset,
	})
	if listErr != nil {
		he := httperr.From(listErr)
		if he.StatusCode >= http.StatusInternalServerError {
			logging.FromRequest(r, h.log).Error("namespace summary failed", zap.Error(listErr))
		}
		httperr.Write(w, listErr)
		return
	}

	namespaces := make([]map[string]any, 0, len(result.Summaries))
	for _, summary := range result.Summaries {
		namespaces = append(namespaces, summaryView(summary))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"pagination": map[string]any{
			"total":  result.Total,
			"limit":  result.Limit,
			"offset": result.Offset,
		},
		"namespaces": namespaces,
	})
}

func summaryView(summary persistence.NamespaceSummary) map[string]any {
	owners := make([]map[string]any, 0, len(summary.OwnerCounts))
	for _, oc := range summary.OwnerCounts {
		owners = append(owners, map[string]any{"owner": oc.Owner, "count": oc.Count})
	}
	return map[string]any{
		"namespace":      summary.Namespace,
		"totalRecords":   summary.TotalRecords,
		"deletedRecords": summary.DeletedRecords,
		"lastUpdatedAt":  summary.LastUpdatedAt.UTC().Format(time.RFC3339Nano),
		"ownerCounts":    owners,
	}
}

func queryInt(r *http.Request, name string) (*int, *httperr.Error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, httperr.BadRequest(fmt.Sprintf("%s must be an integer", name))
	}
	return &v, nil
}
