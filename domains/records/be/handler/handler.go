// Package handler exposes the records domain over HTTP: lifecycle mutations,
// search, bulk writes, the audit trail, and the live event stream.
package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-metastore/domains/records/be/service"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/auth"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/httperr"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/logging"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/persistence"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/streaming"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/validate"
)

// StreamAuthenticator resolves credentials for stream upgrades, which run
// outside the regular middleware chain so websocket rejections can use a
// close frame instead of an HTTP status.
type StreamAuthenticator func(r *http.Request) (*auth.Identity, error)

// Handler wires the records service to its HTTP routes.
type Handler struct {
	svc        service.Service
	hub        *streaming.Hub
	streamAuth StreamAuthenticator
	log        *zap.Logger
}

// New constructs a Handler. The hub and streamAuth may be nil when the stream
// route is not mounted.
func New(svc service.Service, hub *streaming.Hub, streamAuth StreamAuthenticator, log *zap.Logger) *Handler {
	if svc == nil {
		panic("records service is required")
	}
	if log == nil {
		panic("logger is required")
	}

	return &Handler{svc: svc, hub: hub, streamAuth: streamAuth, log: log}
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	he := httperr.From(err)
	if he.StatusCode >= http.StatusInternalServerError {
		logging.FromRequest(r, h.log).Error("request failed",
			zap.String("code", he.Code),
			zap.Error(err),
		)
	}
	httperr.Write(w, err)
}

// recordPath validates the {namespace}/{key} route parameters.
func recordPath(r *http.Request) (string, string, error) {
	namespace := chi.URLParam(r, "namespace")
	key := chi.URLParam(r, "key")
	if !validate.Namespace(namespace) {
		return "", "", httperr.BadRequest("namespace must start with an alphanumeric and contain only alphanumerics, ':', '_' or '-'")
	}
	if key == "" || len(key) > 256 {
		return "", "", httperr.BadRequest("key must be between 1 and 256 characters")
	}
	return namespace, key, nil
}

// requireNamespace enforces the namespace allow-list for the resolved identity.
func requireNamespace(w http.ResponseWriter, r *http.Request, namespace string) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		httperr.Write(w, httperr.Unauthorized("missing identity"))
		return nil, false
	}
	if !identity.NamespaceAllowed(namespace) {
		httperr.Write(w, httperr.Forbidden(fmt.Sprintf("namespace %q is not accessible with this token", namespace)))
		return nil, false
	}
	return identity, true
}

func queryBool(r *http.Request, name string) bool {
	switch r.URL.Query().Get(name) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func queryInt64(r *http.Request, name string) (*int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, httperr.BadRequest(fmt.Sprintf("%s must be an integer", name))
	}
	return &v, nil
}

func queryInt(r *http.Request, name string) (*int, error) {
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

type createRequest struct {
	Namespace  string         `json:"namespace" validate:"required,namespace"`
	Key        string         `json:"key" validate:"required,max=256"`
	Metadata   map[string]any `json:"metadata"`
	Tags       []string       `json:"tags"`
	Owner      *string        `json:"owner"`
	SchemaHash *string        `json:"schemaHash"`
}

// Create handles POST /records.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	if fields := validate.Struct(req); fields != nil {
		h.respondError(w, r, httperr.BadRequest("validation failed").WithDetails(fields))
		return
	}

	identity, ok := requireNamespace(w, r, req.Namespace)
	if !ok {
		return
	}

	result, err := h.svc.Create(r.Context(), service.CreateInput{
		Namespace:  req.Namespace,
		Key:        req.Key,
		Metadata:   req.Metadata,
		Tags:       req.Tags,
		Owner:      req.Owner,
		SchemaHash: req.SchemaHash,
		Actor:      identity.Actor(),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"record":  recordView(result.Record, nil),
		"created": result.Created,
	})
}

// Fetch handles GET /records/{namespace}/{key}.
func (h *Handler) Fetch(w http.ResponseWriter, r *http.Request) {
	namespace, key, err := recordPath(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if _, ok := requireNamespace(w, r, namespace); !ok {
		return
	}

	record, err := h.svc.Fetch(r.Context(), namespace, key, queryBool(r, "includeDeleted"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"record": recordView(record, nil)})
}

type upsertRequest struct {
	Metadata        map[string]any `json:"metadata"`
	Tags            []string       `json:"tags"`
	Owner           *string        `json:"owner"`
	SchemaHash      *string        `json:"schemaHash"`
	ExpectedVersion *int64         `json:"expectedVersion"`
}

// Upsert handles PUT /records/{namespace}/{key}.
func (h *Handler) Upsert(w http.ResponseWriter, r *http.Request) {
	namespace, key, err := recordPath(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	var req upsertRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	identity, ok := requireNamespace(w, r, namespace)
	if !ok {
		return
	}

	result, err := h.svc.Upsert(r.Context(), service.UpsertInput{
		Namespace:       namespace,
		Key:             key,
		Metadata:        req.Metadata,
		Tags:            req.Tags,
		Owner:           req.Owner,
		SchemaHash:      req.SchemaHash,
		ExpectedVersion: req.ExpectedVersion,
		Actor:           identity.Actor(),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"record":  recordView(result.Record, nil),
		"created": result.Created,
	})
}

type tagPatchRequest struct {
	Set    []string `json:"set"`
	Add    []string `json:"add"`
	Remove []string `json:"remove"`
}

type patchRequest struct {
	Metadata        map[string]any   `json:"metadata"`
	MetadataUnset   []string         `json:"metadataUnset"`
	Tags            *tagPatchRequest `json:"tags"`
	Owner           *string          `json:"owner"`
	SchemaHash      *string          `json:"schemaHash"`
	ExpectedVersion *int64           `json:"expectedVersion"`

	ownerSet      bool
	schemaHashSet bool
}

// UnmarshalJSON tracks key presence for owner and schemaHash so an explicit
// null clears the field while absence leaves it untouched.
func (p *patchRequest) UnmarshalJSON(data []byte) error {
	type plain patchRequest
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	*p = patchRequest(decoded)
	_, p.ownerSet = keys["owner"]
	_, p.schemaHashSet = keys["schemaHash"]
	return nil
}

// Patch handles PATCH /records/{namespace}/{key}.
func (h *Handler) Patch(w http.ResponseWriter, r *http.Request) {
	namespace, key, err := recordPath(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	var req patchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	identity, ok := requireNamespace(w, r, namespace)
	if !ok {
		return
	}

	input := service.PatchInput{
		Namespace:       namespace,
		Key:             key,
		Metadata:        req.Metadata,
		MetadataUnset:   req.MetadataUnset,
		SetOwner:        req.ownerSet,
		Owner:           req.Owner,
		SetSchemaHash:   req.schemaHashSet,
		SchemaHash:      req.SchemaHash,
		ExpectedVersion: req.ExpectedVersion,
		Actor:           identity.Actor(),
	}
	if req.Tags != nil {
		input.Tags = &persistence.TagPatch{Set: req.Tags.Set, Add: req.Tags.Add, Remove: req.Tags.Remove}
	}

	record, err := h.svc.Patch(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"record": recordView(record, nil)})
}

// Delete handles DELETE /records/{namespace}/{key}. Deleting an
// already-deleted record reports idempotent success.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	namespace, key, err := recordPath(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	expectedVersion, err := queryInt64(r, "expectedVersion")
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	identity, ok := requireNamespace(w, r, namespace)
	if !ok {
		return
	}

	result, err := h.svc.SoftDelete(r.Context(), service.DeleteInput{
		Namespace:       namespace,
		Key:             key,
		ExpectedVersion: expectedVersion,
		Actor:           identity.Actor(),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	body := map[string]any{
		"record":  recordView(result.Record, nil),
		"deleted": result.Mutated,
	}
	if !result.Mutated {
		body["idempotent"] = true
	}
	writeJSON(w, http.StatusOK, body)
}

// Purge handles DELETE /records/{namespace}/{key}/purge.
func (h *Handler) Purge(w http.ResponseWriter, r *http.Request) {
	namespace, key, err := recordPath(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	expectedVersion, err := queryInt64(r, "expectedVersion")
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	identity, ok := requireNamespace(w, r, namespace)
	if !ok {
		return
	}

	record, err := h.svc.Purge(r.Context(), service.DeleteInput{
		Namespace:       namespace,
		Key:             key,
		ExpectedVersion: expectedVersion,
		Actor:           identity.Actor(),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"record": recordView(record, nil),
		"purged": true,
	})
}

type restoreRequest struct {
	AuditID         *int64 `json:"auditId"`
	Version         *int64 `json:"version"`
	ExpectedVersion *int64 `json:"expectedVersion"`
}

// Restore handles POST /records/{namespace}/{key}/restore.
func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	namespace, key, err := recordPath(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	var req restoreRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	identity, ok := requireNamespace(w, r, namespace)
	if !ok {
		return
	}

	result, err := h.svc.Restore(r.Context(), service.RestoreInput{
		Namespace:       namespace,
		Key:             key,
		AuditID:         req.AuditID,
		Version:         req.Version,
		ExpectedVersion: req.ExpectedVersion,
		Actor:           identity.Actor(),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"record":   recordView(result.Record, nil),
		"restored": true,
		"restoredFrom": map[string]any{
			"auditId": result.RestoredFrom.AuditID,
			"version": result.RestoredFrom.Version,
		},
	})
}

// ListAudits handles GET /records/{namespace}/{key}/audit.
func (h *Handler) ListAudits(w http.ResponseWriter, r *http.Request) {
	namespace, key, err := recordPath(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	if _, ok := requireNamespace(w, r, namespace); !ok {
		return
	}

	result, err := h.svc.ListAudits(r.Context(), service.ListAuditsInput{
		Namespace: namespace,
		Key:       key,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	entries := make([]map[string]any, 0, len(result.Entries))
	for _, entry := range result.Entries {
		entries = append(entries, auditView(entry))
	}

	effectiveLimit := 50
	if limit != nil {
		effectiveLimit = *limit
	}
	effectiveOffset := 0
	if offset != nil {
		effectiveOffset = *offset
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pagination": paginationView(result.Total, effectiveLimit, effectiveOffset),
		"entries":    entries,
	})
}

// AuditDiff handles GET /records/{namespace}/{key}/audit/{id}/diff.
func (h *Handler) AuditDiff(w http.ResponseWriter, r *http.Request) {
	namespace, key, err := recordPath(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.respondError(w, r, httperr.BadRequest("audit id must be an integer"))
		return
	}

	if _, ok := requireNamespace(w, r, namespace); !ok {
		return
	}

	entry, err := h.svc.GetAudit(r.Context(), namespace, key, id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, auditDiffView(entry))
}
