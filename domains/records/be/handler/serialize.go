package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/benediktbwimmer/apphub-metastore/domains/records/be/service"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/httperr"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/jsondoc"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/persistence"
)

// maxBodyBytes caps mutation payloads; metadata documents beyond this are a
// client error, not a service concern.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return httperr.BadRequest("request body is not valid JSON: " + err.Error())
	}
	return nil
}

func isoTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func isoTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return isoTime(*t)
}

// recordView shapes a record for the wire: ISO timestamps, nulls passed
// through, and the optional projection applied last so dotted metadata paths
// can narrow the document.
func recordView(record persistence.Record, projection []string) map[string]any {
	view := map[string]any{
		"namespace":  record.Namespace,
		"key":        record.Key,
		"metadata":   record.Metadata,
		"tags":       record.Tags,
		"owner":      record.Owner,
		"schemaHash": record.SchemaHash,
		"version":    record.Version,
		"createdAt":  isoTime(record.CreatedAt),
		"updatedAt":  isoTime(record.UpdatedAt),
		"deletedAt":  isoTimePtr(record.DeletedAt),
		"createdBy":  record.CreatedBy,
		"updatedBy":  record.UpdatedBy,
	}
	if len(projection) > 0 {
		return jsondoc.Project(view, projection)
	}
	return view
}

func auditView(entry persistence.AuditEntry) map[string]any {
	return map[string]any{
		"id":                 entry.ID,
		"namespace":          entry.Namespace,
		"key":                entry.Key,
		"action":             entry.Action,
		"actor":              entry.Actor,
		"previousVersion":    entry.PreviousVersion,
		"version":            entry.Version,
		"metadata":           entry.Metadata,
		"previousMetadata":   entry.PreviousMetadata,
		"tags":               entry.Tags,
		"previousTags":       entry.PreviousTags,
		"owner":              entry.Owner,
		"previousOwner":      entry.PreviousOwner,
		"schemaHash":         entry.SchemaHash,
		"previousSchemaHash": entry.PreviousSchemaHash,
		"createdAt":          isoTime(entry.CreatedAt),
	}
}

func paginationView(total int64, limit, offset int) map[string]any {
	return map[string]any{
		"total":  total,
		"limit":  limit,
		"offset": offset,
	}
}

func bulkEntryView(entry service.BulkEntry) map[string]any {
	if entry.Status == "error" {
		return map[string]any{
			"status":    "error",
			"namespace": entry.Namespace,
			"key":       entry.Key,
			"error": map[string]any{
				"statusCode": entry.Err.StatusCode,
				"code":       entry.Err.Code,
				"message":    entry.Err.Message,
			},
		}
	}

	view := map[string]any{
		"status":    "ok",
		"type":      entry.Type,
		"namespace": entry.Namespace,
		"key":       entry.Key,
	}
	if entry.Record != nil {
		view["record"] = recordView(*entry.Record, nil)
	}
	if entry.Created != nil {
		view["created"] = *entry.Created
	}
	return view
}

func presetView(preset service.Preset) map[string]any {
	view := map[string]any{
		"name":           preset.Name,
		"filter":         preset.RawFilter,
		"requiredScopes": preset.RequiredScopes,
	}
	if preset.Description != "" {
		view["description"] = preset.Description
	}
	if preset.RequiredScopes == nil {
		view["requiredScopes"] = []string{}
	}
	return view
}
