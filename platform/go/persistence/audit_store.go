package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrAuditNotFound indicates the requested audit entry does not exist for the
// given record.
var ErrAuditNotFound = errors.New("audit entry not found")

// AuditEntry is one append-only snapshot of a record mutation: the full next
// state plus the previous state of every field that can change.
type AuditEntry struct {
	ID                 int64          `json:"id"`
	RecordID           int64          `json:"-"`
	Namespace          string         `json:"namespace"`
	Key                string         `json:"key"`
	Action             string         `json:"action"`
	Actor              *string        `json:"actor"`
	PreviousVersion    *int64         `json:"previousVersion"`
	Version            int64          `json:"version"`
	Metadata           map[string]any `json:"metadata"`
	PreviousMetadata   map[string]any `json:"previousMetadata"`
	Tags               []string       `json:"tags"`
	PreviousTags       []string       `json:"previousTags"`
	Owner              *string        `json:"owner"`
	PreviousOwner      *string        `json:"previousOwner"`
	SchemaHash         *string        `json:"schemaHash"`
	PreviousSchemaHash *string        `json:"previousSchemaHash"`
	CreatedAt          time.Time      `json:"createdAt"`
}

// ListAuditsParams pages through a record's audit trail.
type ListAuditsParams struct {
	Namespace string
	Key       string
	Limit     int
	Offset    int
}

// ListAuditsResult carries one page plus the total entry count.
type ListAuditsResult struct {
	Entries []AuditEntry
	Total   int64
}

// AuditStore reads the append-only audit trail. Writes happen through
// RecordTx in the same transaction as the mutation they describe.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore wires the store to the shared pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	if pool == nil {
		panic("audit store: pool is required")
	}
	return &AuditStore{pool: pool}
}

const auditColumns = `a.id, a.record_id, a.namespace, a.record_key, a.action, a.actor,
	a.previous_version, a.version,
	a.metadata, a.previous_metadata, a.tags, a.previous_tags,
	a.owner, a.previous_owner, a.schema_hash, a.previous_schema_hash,
	a.created_at`

// ListByRecord returns entries newest-first with a deterministic id tiebreak,
// plus the total count for the pagination envelope.
func (s *AuditStore) ListByRecord(ctx context.Context, params ListAuditsParams) (ListAuditsResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+auditColumns+`, COUNT(*) OVER() AS total
		FROM record_audits a
		WHERE a.namespace = $1 AND a.record_key = $2
		ORDER BY a.created_at DESC, a.id DESC
		LIMIT $3 OFFSET $4`,
		params.Namespace, params.Key, params.Limit, params.Offset)
	if err != nil {
		return ListAuditsResult{}, fmt.Errorf("list audits: %w", err)
	}
	defer rows.Close()

	result := ListAuditsResult{Entries: []AuditEntry{}}
	for rows.Next() {
		entry, total, err := scanAuditWithTotal(rows)
		if err != nil {
			return ListAuditsResult{}, fmt.Errorf("scan audit entry: %w", err)
		}
		result.Total = total
		result.Entries = append(result.Entries, entry)
	}
	if err := rows.Err(); err != nil {
		return ListAuditsResult{}, fmt.Errorf("list audits: %w", err)
	}

	// An empty page past the end still needs the real total.
	if len(result.Entries) == 0 && params.Offset > 0 {
		if err := s.pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM record_audits a
			WHERE a.namespace = $1 AND a.record_key = $2`,
			params.Namespace, params.Key).Scan(&result.Total); err != nil {
			return ListAuditsResult{}, fmt.Errorf("count audits: %w", err)
		}
	}
	return result, nil
}

// GetByID fetches a single entry, scoped to the record so entry ids cannot be
// guessed across namespaces.
func (s *AuditStore) GetByID(ctx context.Context, namespace, key string, id int64) (AuditEntry, error) {
	entry, err := scanAudit(s.pool.QueryRow(ctx, `
		SELECT `+auditColumns+`
		FROM record_audits a
		WHERE a.namespace = $1 AND a.record_key = $2 AND a.id = $3`,
		namespace, key, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AuditEntry{}, ErrAuditNotFound
		}
		return AuditEntry{}, fmt.Errorf("get audit by id: %w", err)
	}
	return entry, nil
}

// GetByVersion fetches the entry whose mutation produced the given record
// version. The newest entry wins if a purge-and-recreate reused a version.
func (s *AuditStore) GetByVersion(ctx context.Context, namespace, key string, version int64) (AuditEntry, error) {
	entry, err := scanAudit(s.pool.QueryRow(ctx, `
		SELECT `+auditColumns+`
		FROM record_audits a
		WHERE a.namespace = $1 AND a.record_key = $2 AND a.version = $3
		ORDER BY a.id DESC
		LIMIT 1`,
		namespace, key, version))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AuditEntry{}, ErrAuditNotFound
		}
		return AuditEntry{}, fmt.Errorf("get audit by version: %w", err)
	}
	return entry, nil
}

func scanAudit(scanner rowScanner) (AuditEntry, error) {
	entry, _, err := scanAuditFields(scanner, false)
	return entry, err
}

func scanAuditWithTotal(scanner rowScanner) (AuditEntry, int64, error) {
	return scanAuditFields(scanner, true)
}

func scanAuditFields(scanner rowScanner, withTotal bool) (AuditEntry, int64, error) {
	var (
		entry            AuditEntry
		metadata         []byte
		previousMetadata []byte
		total            int64
	)

	dest := []any{
		&entry.ID,
		&entry.RecordID,
		&entry.Namespace,
		&entry.Key,
		&entry.Action,
		&entry.Actor,
		&entry.PreviousVersion,
		&entry.Version,
		&metadata,
		&previousMetadata,
		&entry.Tags,
		&entry.PreviousTags,
		&entry.Owner,
		&entry.PreviousOwner,
		&entry.SchemaHash,
		&entry.PreviousSchemaHash,
		&entry.CreatedAt,
	}
	if withTotal {
		dest = append(dest, &total)
	}
	if err := scanner.Scan(dest...); err != nil {
		return AuditEntry{}, 0, err
	}

	entry.Metadata = map[string]any{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
			return AuditEntry{}, 0, fmt.Errorf("decode audit metadata: %w", err)
		}
	}
	if len(previousMetadata) > 0 {
		entry.PreviousMetadata = map[string]any{}
		if err := json.Unmarshal(previousMetadata, &entry.PreviousMetadata); err != nil {
			return AuditEntry{}, 0, fmt.Errorf("decode audit previous metadata: %w", err)
		}
	}
	if entry.Tags == nil {
		entry.Tags = []string{}
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	return entry, total, nil
}
