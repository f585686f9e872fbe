package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/benediktbwimmer/apphub-metastore/domains/records/be/service"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/auth"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/httperr"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/search"
)

type searchRequest struct {
	Namespace      string             `json:"namespace"`
	Query          string             `json:"q"`
	Filter         json.RawMessage    `json:"filter"`
	Preset         string             `json:"preset"`
	Sort           []search.SortField `json:"sort"`
	Limit          *int               `json:"limit"`
	Offset         *int               `json:"offset"`
	Projection     []string           `json:"projection"`
	Summary        bool               `json:"summary"`
	IncludeDeleted bool               `json:"includeDeleted"`
}

// Search handles POST /records/search.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		httperr.Write(w, httperr.Unauthorized("missing identity"))
		return
	}
	if req.Namespace != "" && !identity.NamespaceAllowed(req.Namespace) {
		httperr.Write(w, httperr.Forbidden(fmt.Sprintf("namespace %q is not accessible with this token", req.Namespace)))
		return
	}

	result, err := h.svc.Search(r.Context(), identity, service.SearchInput{
		Namespace:      req.Namespace,
		Query:          req.Query,
		Filter:         req.Filter,
		Preset:         req.Preset,
		Sort:           req.Sort,
		Limit:          req.Limit,
		Offset:         req.Offset,
		Projection:     req.Projection,
		Summary:        req.Summary,
		IncludeDeleted: req.IncludeDeleted,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	records := make([]map[string]any, 0, len(result.Records))
	for _, record := range result.Records {
		records = append(records, recordView(record, result.Projection))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pagination": paginationView(result.Total, result.Limit, result.Offset),
		"records":    records,
	})
}

// Presets handles GET /records/search/presets. Presets whose required scopes
// the caller does not hold are omitted rather than erroring.
func (h *Handler) Presets(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		httperr.Write(w, httperr.Unauthorized("missing identity"))
		return
	}

	presets := h.svc.Presets(identity)
	views := make([]map[string]any, 0, len(presets))
	for _, preset := range presets {
		views = append(views, presetView(preset))
	}

	writeJSON(w, http.StatusOK, map[string]any{"presets": views})
}

type bulkRequest struct {
	Operations      []bulkOperationRequest `json:"operations"`
	ContinueOnError bool                   `json:"continueOnError"`
}

type bulkOperationRequest struct {
	Type            string         `json:"type"`
	Namespace       string         `json:"namespace"`
	Key             string         `json:"key"`
	Metadata        map[string]any `json:"metadata"`
	Tags            []string       `json:"tags"`
	Owner           *string        `json:"owner"`
	SchemaHash      *string        `json:"schemaHash"`
	ExpectedVersion *int64         `json:"expectedVersion"`
}

// Bulk handles POST /records/bulk.
func (h *Handler) Bulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		httperr.Write(w, httperr.Unauthorized("missing identity"))
		return
	}

	ops := make([]service.BulkOperation, 0, len(req.Operations))
	for _, op := range req.Operations {
		ops = append(ops, service.BulkOperation{
			Type:            op.Type,
			Namespace:       op.Namespace,
			Key:             op.Key,
			Metadata:        op.Metadata,
			Tags:            op.Tags,
			Owner:           op.Owner,
			SchemaHash:      op.SchemaHash,
			ExpectedVersion: op.ExpectedVersion,
		})
	}

	result, err := h.svc.Bulk(r.Context(), identity, service.BulkInput{
		Operations:      ops,
		ContinueOnError: req.ContinueOnError,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	entries := make([]map[string]any, 0, len(result.Entries))
	for _, entry := range result.Entries {
		entries = append(entries, bulkEntryView(entry))
	}

	writeJSON(w, result.StatusCode, map[string]any{"operations": entries})
}
