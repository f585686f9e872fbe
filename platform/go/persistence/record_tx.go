package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/benediktbwimmer/apphub-metastore/platform/go/jsondoc"
)

// Audit actions recorded alongside record mutations.
const (
	AuditActionCreate  = "create"
	AuditActionUpdate  = "update"
	AuditActionDelete  = "delete"
	AuditActionRestore = "restore"
)

// RecordTx exposes the record mutations bound to one open transaction. Every
// operation locks the target row (soft-deleted included) before touching it,
// so a transaction that chains several mutations holds its locks until commit.
type RecordTx struct {
	tx pgx.Tx
}

// lockRecord selects the target row FOR UPDATE. Returns ErrNoRows through
// found=false rather than an error so callers can branch on absence.
func (t *RecordTx) lockRecord(ctx context.Context, namespace, key string) (Record, bool, error) {
	record, err := scanRecord(t.tx.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM records r
		WHERE r.namespace = $1 AND r.record_key = $2
		FOR UPDATE`, namespace, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("lock record: %w", err)
	}
	return record, true, nil
}

func checkExpectedVersion(expected *int64, current int64) error {
	if expected != nil && *expected != current {
		return fmt.Errorf("%w: expected version %d, found %d", ErrVersionConflict, *expected, current)
	}
	return nil
}

// Create inserts a new record. When the identity is already taken the
// existing row is returned with Created=false and no mutation happens; the
// caller decides how to treat a soft-deleted survivor.
func (t *RecordTx) Create(ctx context.Context, params CreateRecordParams) (RecordWriteResult, error) {
	metadata, err := encodeMetadata(params.Metadata)
	if err != nil {
		return RecordWriteResult{}, err
	}
	tags := NormalizeTags(params.Tags)

	record, err := scanRecord(t.tx.QueryRow(ctx, `
		INSERT INTO records (namespace, record_key, metadata, tags, owner, schema_hash, version, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $7)
		ON CONFLICT (namespace, record_key) DO NOTHING
		RETURNING `+insertReturning,
		params.Namespace, params.Key, metadata, tags, params.Owner, params.SchemaHash, params.Actor))
	if err == nil {
		if err := t.insertAudit(ctx, AuditActionCreate, params.Actor, nil, record); err != nil {
			return RecordWriteResult{}, err
		}
		return RecordWriteResult{Record: record, Created: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return RecordWriteResult{}, fmt.Errorf("insert record: %w", err)
	}

	existing, found, err := t.lockRecord(ctx, params.Namespace, params.Key)
	if err != nil {
		return RecordWriteResult{}, err
	}
	if !found {
		return RecordWriteResult{}, ErrUpsertFailed
	}
	return RecordWriteResult{Record: existing, Created: false}, nil
}

// Upsert replaces the record body wholesale, creating the row when absent and
// reviving it when soft-deleted. ExpectedVersion is checked against the
// locked row before anything changes.
func (t *RecordTx) Upsert(ctx context.Context, params UpsertRecordParams) (RecordWriteResult, error) {
	current, found, err := t.lockRecord(ctx, params.Namespace, params.Key)
	if err != nil {
		return RecordWriteResult{}, err
	}
	if !found {
		result, err := t.Create(ctx, CreateRecordParams{
			Namespace:  params.Namespace,
			Key:        params.Key,
			Metadata:   params.Metadata,
			Tags:       params.Tags,
			Owner:      params.Owner,
			SchemaHash: params.SchemaHash,
			Actor:      params.Actor,
		})
		if err != nil {
			return RecordWriteResult{}, err
		}
		if result.Created {
			return result, nil
		}
		// Lost a race with a concurrent inserter; fall through to update the
		// row it committed.
		current = result.Record
	}

	if err := checkExpectedVersion(params.ExpectedVersion, current.Version); err != nil {
		return RecordWriteResult{}, err
	}

	record, err := t.updateRecord(ctx, current, params.Metadata, params.Tags, params.Owner, params.SchemaHash, params.Actor)
	if err != nil {
		return RecordWriteResult{}, err
	}
	if err := t.insertAudit(ctx, AuditActionUpdate, params.Actor, &current, record); err != nil {
		return RecordWriteResult{}, err
	}
	return RecordWriteResult{Record: record, Created: false}, nil
}

// Patch applies a partial update to a live record. Metadata deep-merges,
// unset paths prune, and the tag patch applies set-or-(remove-then-add).
func (t *RecordTx) Patch(ctx context.Context, params PatchRecordParams) (Record, error) {
	current, found, err := t.lockRecord(ctx, params.Namespace, params.Key)
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, ErrRecordNotFound
	}
	if current.Deleted() {
		return Record{}, ErrRecordDeleted
	}
	if err := checkExpectedVersion(params.ExpectedVersion, current.Version); err != nil {
		return Record{}, err
	}

	metadata := jsondoc.CloneMap(current.Metadata)
	if params.Metadata != nil {
		metadata = jsondoc.DeepMerge(metadata, params.Metadata)
	}
	for _, path := range params.MetadataUnset {
		metadata = jsondoc.UnsetPath(metadata, path)
	}

	tags := current.Tags
	if params.Tags != nil {
		tags = applyTagPatch(current.Tags, *params.Tags)
	}

	owner := current.Owner
	if params.SetOwner {
		owner = params.Owner
	}
	schemaHash := current.SchemaHash
	if params.SetSchemaHash {
		schemaHash = params.SchemaHash
	}

	record, err := t.updateRecord(ctx, current, metadata, tags, owner, schemaHash, params.Actor)
	if err != nil {
		return Record{}, err
	}
	if err := t.insertAudit(ctx, AuditActionUpdate, params.Actor, &current, record); err != nil {
		return Record{}, err
	}
	return record, nil
}

// SoftDelete marks the record deleted. Deleting an already-deleted record is
// a no-op reported through mutated=false; the version does not move.
func (t *RecordTx) SoftDelete(ctx context.Context, params DeleteRecordParams) (Record, bool, error) {
	current, found, err := t.lockRecord(ctx, params.Namespace, params.Key)
	if err != nil {
		return Record{}, false, err
	}
	if !found {
		return Record{}, false, ErrRecordNotFound
	}
	if err := checkExpectedVersion(params.ExpectedVersion, current.Version); err != nil {
		return Record{}, false, err
	}
	if current.Deleted() {
		return current, false, nil
	}

	record, err := scanRecord(t.tx.QueryRow(ctx, `
		UPDATE records r
		SET deleted_at = NOW(), updated_at = NOW(), updated_by = $2, version = version + 1
		WHERE r.id = $1
		RETURNING `+recordColumns, current.ID, params.Actor))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, ErrUpsertFailed
		}
		return Record{}, false, fmt.Errorf("soft delete record: %w", err)
	}
	if err := t.insertAudit(ctx, AuditActionDelete, params.Actor, &current, record); err != nil {
		return Record{}, false, err
	}
	return record, true, nil
}

// HardDelete removes the record and its entire audit history. The prior
// snapshot is returned; no audit entry survives a purge.
func (t *RecordTx) HardDelete(ctx context.Context, params DeleteRecordParams) (Record, error) {
	current, found, err := t.lockRecord(ctx, params.Namespace, params.Key)
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, ErrRecordNotFound
	}
	if err := checkExpectedVersion(params.ExpectedVersion, current.Version); err != nil {
		return Record{}, err
	}

	if _, err := t.tx.Exec(ctx, `DELETE FROM record_audits WHERE namespace = $1 AND record_key = $2`, params.Namespace, params.Key); err != nil {
		return Record{}, fmt.Errorf("purge record audits: %w", err)
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM records WHERE id = $1`, current.ID); err != nil {
		return Record{}, fmt.Errorf("purge record: %w", err)
	}
	return current, nil
}

// Restore overwrites the row with an audit snapshot, reviving a soft-deleted
// record and bumping the version.
func (t *RecordTx) Restore(ctx context.Context, params RestoreRecordParams) (Record, error) {
	current, found, err := t.lockRecord(ctx, params.Namespace, params.Key)
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, ErrRecordNotFound
	}
	if err := checkExpectedVersion(params.ExpectedVersion, current.Version); err != nil {
		return Record{}, err
	}

	record, err := t.updateRecord(ctx, current, params.Metadata, params.Tags, params.Owner, params.SchemaHash, params.Actor)
	if err != nil {
		return Record{}, err
	}
	if err := t.insertAudit(ctx, AuditActionRestore, params.Actor, &current, record); err != nil {
		return Record{}, err
	}
	return record, nil
}

// updateRecord writes the full record body, bumps the version and clears any
// soft-delete marker.
func (t *RecordTx) updateRecord(ctx context.Context, current Record, metadata map[string]any, tags []string, owner, schemaHash, actor *string) (Record, error) {
	encoded, err := encodeMetadata(metadata)
	if err != nil {
		return Record{}, err
	}

	record, err := scanRecord(t.tx.QueryRow(ctx, `
		UPDATE records r
		SET metadata = $2, tags = $3, owner = $4, schema_hash = $5,
		    updated_at = NOW(), updated_by = $6, version = version + 1, deleted_at = NULL
		WHERE r.id = $1
		RETURNING `+recordColumns,
		current.ID, encoded, NormalizeTags(tags), owner, schemaHash, actor))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrUpsertFailed
		}
		return Record{}, fmt.Errorf("update record: %w", err)
	}
	return record, nil
}

func (t *RecordTx) insertAudit(ctx context.Context, action string, actor *string, previous *Record, next Record) error {
	metadata, err := encodeMetadata(next.Metadata)
	if err != nil {
		return err
	}

	var (
		previousVersion    *int64
		previousMetadata   []byte
		previousTags       []string
		previousOwner      *string
		previousSchemaHash *string
	)
	if previous != nil {
		previousVersion = &previous.Version
		previousMetadata, err = encodeMetadata(previous.Metadata)
		if err != nil {
			return err
		}
		previousTags = previous.Tags
		previousOwner = previous.Owner
		previousSchemaHash = previous.SchemaHash
	}

	if _, err := t.tx.Exec(ctx, `
		INSERT INTO record_audits (
			record_id, namespace, record_key, action, actor,
			previous_version, version,
			metadata, previous_metadata, tags, previous_tags,
			owner, previous_owner, schema_hash, previous_schema_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		next.ID, next.Namespace, next.Key, action, actor,
		previousVersion, next.Version,
		metadata, previousMetadata, next.Tags, previousTags,
		next.Owner, previousOwner, next.SchemaHash, previousSchemaHash,
	); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func applyTagPatch(current []string, patch TagPatch) []string {
	// A non-nil Set replaces outright, even when empty.
	if patch.Set != nil {
		return patch.Set
	}

	remove := make(map[string]struct{}, len(patch.Remove))
	for _, tag := range NormalizeTags(patch.Remove) {
		remove[tag] = struct{}{}
	}

	out := make([]string, 0, len(current)+len(patch.Add))
	for _, tag := range current {
		if _, gone := remove[tag]; !gone {
			out = append(out, tag)
		}
	}
	out = append(out, patch.Add...)
	return out
}

// insertReturning matches recordColumns without the alias prefix, for use in
// INSERT ... RETURNING clauses.
const insertReturning = `id, namespace, record_key, metadata, tags, owner, schema_hash, version, created_at, updated_at, deleted_at, created_by, updated_by`
