package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrRecordNotFound indicates the requested record does not exist (or is
// soft-deleted and the caller did not ask for deleted rows).
var ErrRecordNotFound = errors.New("record not found")

// ErrVersionConflict indicates an expectedVersion check failed against the
// locked row.
var ErrVersionConflict = errors.New("record version conflict")

// ErrRecordDeleted indicates a write targeted a soft-deleted record that the
// operation refuses to touch.
var ErrRecordDeleted = errors.New("record is soft-deleted")

// ErrUpsertFailed indicates an update unexpectedly matched no row after the
// lock was taken.
var ErrUpsertFailed = errors.New("record update produced no row")

// rowScanner abstracts pgx.Row and pgx.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

// Record mirrors the records table. Identity is (Namespace, Key); ID is the
// surrogate used for audit joins. Metadata is always a JSON object.
type Record struct {
	ID         int64          `json:"-"`
	Namespace  string         `json:"namespace"`
	Key        string         `json:"key"`
	Metadata   map[string]any `json:"metadata"`
	Tags       []string       `json:"tags"`
	Owner      *string        `json:"owner"`
	SchemaHash *string        `json:"schemaHash"`
	Version    int64          `json:"version"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	DeletedAt  *time.Time     `json:"deletedAt"`
	CreatedBy  *string        `json:"createdBy"`
	UpdatedBy  *string        `json:"updatedBy"`
}

// Deleted reports whether the record is soft-deleted.
func (r Record) Deleted() bool {
	return r.DeletedAt != nil
}

// CreateRecordParams carries a full record body for insertion.
type CreateRecordParams struct {
	Namespace  string
	Key        string
	Metadata   map[string]any
	Tags       []string
	Owner      *string
	SchemaHash *string
	Actor      *string
}

// UpsertRecordParams replaces the full record body, creating the row when absent.
type UpsertRecordParams struct {
	Namespace       string
	Key             string
	Metadata        map[string]any
	Tags            []string
	Owner           *string
	SchemaHash      *string
	Actor           *string
	ExpectedVersion *int64
}

// TagPatch mutates the tag set: a non-nil Set replaces it outright (an empty
// Set clears it), otherwise Remove applies before Add.
type TagPatch struct {
	Set    []string
	Add    []string
	Remove []string
}

func (p TagPatch) empty() bool {
	return p.Set == nil && len(p.Add) == 0 && len(p.Remove) == 0
}

// PatchRecordParams applies a partial update. Metadata deep-merges;
// MetadataUnset removes dotted paths; SetOwner/SetSchemaHash distinguish
// "overwrite with this value (possibly null)" from "leave untouched".
type PatchRecordParams struct {
	Namespace       string
	Key             string
	Metadata        map[string]any
	MetadataUnset   []string
	Tags            *TagPatch
	SetOwner        bool
	Owner           *string
	SetSchemaHash   bool
	SchemaHash      *string
	Actor           *string
	ExpectedVersion *int64
}

// Empty reports whether the patch carries no mutation at all.
func (p PatchRecordParams) Empty() bool {
	return p.Metadata == nil && len(p.MetadataUnset) == 0 &&
		(p.Tags == nil || p.Tags.empty()) && !p.SetOwner && !p.SetSchemaHash
}

// DeleteRecordParams identifies a record for soft or hard deletion.
type DeleteRecordParams struct {
	Namespace       string
	Key             string
	Actor           *string
	ExpectedVersion *int64
}

// RestoreRecordParams overwrites the row with an audited snapshot.
type RestoreRecordParams struct {
	Namespace       string
	Key             string
	Metadata        map[string]any
	Tags            []string
	Owner           *string
	SchemaHash      *string
	Actor           *string
	ExpectedVersion *int64
}

// RecordWriteResult reports whether a create/upsert inserted a new row.
type RecordWriteResult struct {
	Record  Record
	Created bool
}

// RecordStore persists versioned metadata records with a full audit trail.
// Every mutation runs in a transaction that locks the target row first, so
// concurrent writers on the same (namespace, key) serialise.
type RecordStore struct {
	pool *pgxpool.Pool
}

// NewRecordStore wires the store to the shared pool.
func NewRecordStore(pool *pgxpool.Pool) *RecordStore {
	if pool == nil {
		panic("record store: pool is required")
	}
	return &RecordStore{pool: pool}
}

// RunInTx opens a transaction, hands the caller a RecordTx bound to it, and
// commits when fn returns nil. Any error rolls back. Bulk atomic mode chains
// several mutations through one call; single operations pass a one-shot fn.
func (s *RecordStore) RunInTx(ctx context.Context, fn func(ops *RecordTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin record tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := fn(&RecordTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit record tx: %w", err)
	}
	return nil
}

// FetchRecord looks up a record by its identity. Soft-deleted rows are hidden
// unless includeDeleted is set.
func (s *RecordStore) FetchRecord(ctx context.Context, namespace, key string, includeDeleted bool) (Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM records r
		WHERE r.namespace = $1 AND r.record_key = $2`
	if !includeDeleted {
		query += ` AND r.deleted_at IS NULL`
	}

	record, err := scanRecord(s.pool.QueryRow(ctx, query, namespace, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, fmt.Errorf("fetch record: %w", err)
	}
	return record, nil
}

const recordColumns = `r.id, r.namespace, r.record_key, r.metadata, r.tags, r.owner, r.schema_hash, r.version, r.created_at, r.updated_at, r.deleted_at, r.created_by, r.updated_by`

func scanRecord(scanner rowScanner) (Record, error) {
	var (
		record   Record
		metadata []byte
	)
	if err := scanner.Scan(
		&record.ID,
		&record.Namespace,
		&record.Key,
		&metadata,
		&record.Tags,
		&record.Owner,
		&record.SchemaHash,
		&record.Version,
		&record.CreatedAt,
		&record.UpdatedAt,
		&record.DeletedAt,
		&record.CreatedBy,
		&record.UpdatedBy,
	); err != nil {
		return Record{}, err
	}
	if err := decodeRecordJSON(&record, metadata); err != nil {
		return Record{}, err
	}
	return record, nil
}

// decodeRecordJSON normalises a scanned row: metadata decoded to a map, nil
// tag arrays flattened, timestamps in UTC.
func decodeRecordJSON(record *Record, metadata []byte) error {
	record.Metadata = map[string]any{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &record.Metadata); err != nil {
			return fmt.Errorf("decode record metadata: %w", err)
		}
	}
	if record.Tags == nil {
		record.Tags = []string{}
	}
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	if record.DeletedAt != nil {
		utc := record.DeletedAt.UTC()
		record.DeletedAt = &utc
	}
	return nil
}

// NormalizeTags trims entries, drops empties, deduplicates and sorts. The
// result is the canonical stored form.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func encodeMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode record metadata: %w", err)
	}
	return encoded, nil
}
