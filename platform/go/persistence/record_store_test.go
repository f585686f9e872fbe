package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func int64Ptr(v int64) *int64 { return &v }

func TestRecordStoreLifecycle(t *testing.T) {
	pool := startTestPool(t)
	ctx := context.Background()

	store := NewRecordStore(pool)
	audits := NewAuditStore(pool)

	actor := strPtr("tester")

	var created Record
	err := store.RunInTx(ctx, func(ops *RecordTx) error {
		result, err := ops.Create(ctx, CreateRecordParams{
			Namespace: "datasets",
			Key:       "daily-report",
			Metadata:  map[string]any{"format": "csv", "rows": float64(10)},
			Tags:      []string{"reports", "daily", "reports", " "},
			Owner:     strPtr("team-data"),
			Actor:     actor,
		})
		if err != nil {
			return err
		}
		require.True(t, result.Created)
		created = result.Record
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), created.Version)
	require.Equal(t, []string{"daily", "reports"}, created.Tags)
	require.Equal(t, "team-data", *created.Owner)
	require.Equal(t, "tester", *created.CreatedBy)
	require.Nil(t, created.DeletedAt)
	require.False(t, created.CreatedAt.IsZero())

	t.Run("duplicate create returns existing row untouched", func(t *testing.T) {
		err := store.RunInTx(ctx, func(ops *RecordTx) error {
			result, err := ops.Create(ctx, CreateRecordParams{
				Namespace: "datasets",
				Key:       "daily-report",
				Metadata:  map[string]any{"format": "json"},
				Actor:     actor,
			})
			if err != nil {
				return err
			}
			require.False(t, result.Created)
			require.Equal(t, int64(1), result.Record.Version)
			require.Equal(t, "csv", result.Record.Metadata["format"])
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("upsert rejects a stale expected version", func(t *testing.T) {
		err := store.RunInTx(ctx, func(ops *RecordTx) error {
			_, err := ops.Upsert(ctx, UpsertRecordParams{
				Namespace:       "datasets",
				Key:             "daily-report",
				Metadata:        map[string]any{"format": "parquet"},
				Actor:           actor,
				ExpectedVersion: int64Ptr(99),
			})
			return err
		})
		require.ErrorIs(t, err, ErrVersionConflict)
	})

	t.Run("upsert replaces the record body and bumps the version", func(t *testing.T) {
		err := store.RunInTx(ctx, func(ops *RecordTx) error {
			result, err := ops.Upsert(ctx, UpsertRecordParams{
				Namespace:       "datasets",
				Key:             "daily-report",
				Metadata:        map[string]any{"format": "parquet", "compression": "zstd"},
				Tags:            []string{"reports"},
				Owner:           strPtr("team-data"),
				Actor:           actor,
				ExpectedVersion: int64Ptr(1),
			})
			if err != nil {
				return err
			}
			require.False(t, result.Created)
			require.Equal(t, int64(2), result.Record.Version)
			require.Equal(t, map[string]any{"format": "parquet", "compression": "zstd"}, result.Record.Metadata)
			require.Equal(t, []string{"reports"}, result.Record.Tags)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("patch merges metadata, unsets paths and patches tags", func(t *testing.T) {
		err := store.RunInTx(ctx, func(ops *RecordTx) error {
			record, err := ops.Patch(ctx, PatchRecordParams{
				Namespace:     "datasets",
				Key:           "daily-report",
				Metadata:      map[string]any{"schedule": map[string]any{"cron": "0 6 * * *"}},
				MetadataUnset: []string{"compression"},
				Tags:          &TagPatch{Add: []string{"scheduled"}, Remove: []string{"reports"}},
				Actor:         actor,
			})
			if err != nil {
				return err
			}
			require.Equal(t, int64(3), record.Version)
			require.Equal(t, map[string]any{
				"format":   "parquet",
				"schedule": map[string]any{"cron": "0 6 * * *"},
			}, record.Metadata)
			require.Equal(t, []string{"scheduled"}, record.Tags)
			require.Equal(t, "team-data", *record.Owner, "owner untouched without SetOwner")
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("soft delete is idempotent and hides the record", func(t *testing.T) {
		err := store.RunInTx(ctx, func(ops *RecordTx) error {
			record, mutated, err := ops.SoftDelete(ctx, DeleteRecordParams{
				Namespace: "datasets",
				Key:       "daily-report",
				Actor:     actor,
			})
			if err != nil {
				return err
			}
			require.True(t, mutated)
			require.Equal(t, int64(4), record.Version)
			require.NotNil(t, record.DeletedAt)
			return nil
		})
		require.NoError(t, err)

		err = store.RunInTx(ctx, func(ops *RecordTx) error {
			record, mutated, err := ops.SoftDelete(ctx, DeleteRecordParams{
				Namespace: "datasets",
				Key:       "daily-report",
				Actor:     actor,
			})
			if err != nil {
				return err
			}
			require.False(t, mutated, "second delete must not mutate")
			require.Equal(t, int64(4), record.Version)
			return nil
		})
		require.NoError(t, err)

		_, err = store.FetchRecord(ctx, "datasets", "daily-report", false)
		require.ErrorIs(t, err, ErrRecordNotFound)

		record, err := store.FetchRecord(ctx, "datasets", "daily-report", true)
		require.NoError(t, err)
		require.NotNil(t, record.DeletedAt)
	})

	t.Run("patch refuses a soft-deleted record", func(t *testing.T) {
		err := store.RunInTx(ctx, func(ops *RecordTx) error {
			_, err := ops.Patch(ctx, PatchRecordParams{
				Namespace: "datasets",
				Key:       "daily-report",
				Metadata:  map[string]any{"format": "csv"},
				Actor:     actor,
			})
			return err
		})
		require.ErrorIs(t, err, ErrRecordDeleted)
	})

	t.Run("restore revives the record from an audit snapshot", func(t *testing.T) {
		snapshot, err := audits.GetByVersion(ctx, "datasets", "daily-report", 2)
		require.NoError(t, err)
		require.Equal(t, AuditActionUpdate, snapshot.Action)

		err = store.RunInTx(ctx, func(ops *RecordTx) error {
			record, err := ops.Restore(ctx, RestoreRecordParams{
				Namespace:  "datasets",
				Key:        "daily-report",
				Metadata:   snapshot.Metadata,
				Tags:       snapshot.Tags,
				Owner:      snapshot.Owner,
				SchemaHash: snapshot.SchemaHash,
				Actor:      actor,
			})
			if err != nil {
				return err
			}
			require.Equal(t, int64(5), record.Version)
			require.Nil(t, record.DeletedAt)
			require.Equal(t, snapshot.Metadata, record.Metadata)
			return nil
		})
		require.NoError(t, err)

		record, err := store.FetchRecord(ctx, "datasets", "daily-report", false)
		require.NoError(t, err)
		require.Equal(t, "zstd", record.Metadata["compression"])
	})

	t.Run("hard delete purges the record and its audit trail", func(t *testing.T) {
		err := store.RunInTx(ctx, func(ops *RecordTx) error {
			prior, err := ops.HardDelete(ctx, DeleteRecordParams{
				Namespace: "datasets",
				Key:       "daily-report",
				Actor:     actor,
			})
			if err != nil {
				return err
			}
			require.Equal(t, int64(5), prior.Version)
			return nil
		})
		require.NoError(t, err)

		_, err = store.FetchRecord(ctx, "datasets", "daily-report", true)
		require.ErrorIs(t, err, ErrRecordNotFound)

		trail, err := audits.ListByRecord(ctx, ListAuditsParams{Namespace: "datasets", Key: "daily-report", Limit: 10})
		require.NoError(t, err)
		require.Zero(t, trail.Total)
		require.Empty(t, trail.Entries)
	})

	t.Run("mutations on a missing record fail cleanly", func(t *testing.T) {
		err := store.RunInTx(ctx, func(ops *RecordTx) error {
			_, err := ops.Patch(ctx, PatchRecordParams{Namespace: "datasets", Key: "ghost", Metadata: map[string]any{"a": true}})
			return err
		})
		require.ErrorIs(t, err, ErrRecordNotFound)

		err = store.RunInTx(ctx, func(ops *RecordTx) error {
			_, _, err := ops.SoftDelete(ctx, DeleteRecordParams{Namespace: "datasets", Key: "ghost"})
			return err
		})
		require.ErrorIs(t, err, ErrRecordNotFound)

		err = store.RunInTx(ctx, func(ops *RecordTx) error {
			_, err := ops.HardDelete(ctx, DeleteRecordParams{Namespace: "datasets", Key: "ghost"})
			return err
		})
		require.ErrorIs(t, err, ErrRecordNotFound)
	})
}

func TestRecordStoreRollsBackOnError(t *testing.T) {
	pool := startTestPool(t)
	ctx := context.Background()

	store := NewRecordStore(pool)

	err := store.RunInTx(ctx, func(ops *RecordTx) error {
		if _, err := ops.Create(ctx, CreateRecordParams{
			Namespace: "datasets",
			Key:       "first",
			Metadata:  map[string]any{"ok": true},
		}); err != nil {
			return err
		}
		// The second mutation fails, so the first must not survive.
		_, err := ops.Patch(ctx, PatchRecordParams{Namespace: "datasets", Key: "missing", Metadata: map[string]any{"a": true}})
		return err
	})
	require.ErrorIs(t, err, ErrRecordNotFound)

	_, err = store.FetchRecord(ctx, "datasets", "first", true)
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestAuditTrailPagination(t *testing.T) {
	pool := startTestPool(t)
	ctx := context.Background()

	store := NewRecordStore(pool)
	audits := NewAuditStore(pool)
	actor := strPtr("auditor")

	err := store.RunInTx(ctx, func(ops *RecordTx) error {
		if _, err := ops.Create(ctx, CreateRecordParams{
			Namespace: "flows",
			Key:       "ingest",
			Metadata:  map[string]any{"stage": "draft"},
			Actor:     actor,
		}); err != nil {
			return err
		}
		if _, err := ops.Upsert(ctx, UpsertRecordParams{
			Namespace: "flows",
			Key:       "ingest",
			Metadata:  map[string]any{"stage": "live"},
			Actor:     actor,
		}); err != nil {
			return err
		}
		_, _, err := ops.SoftDelete(ctx, DeleteRecordParams{Namespace: "flows", Key: "ingest", Actor: actor})
		return err
	})
	require.NoError(t, err)

	trail, err := audits.ListByRecord(ctx, ListAuditsParams{Namespace: "flows", Key: "ingest", Limit: 2})
	require.NoError(t, err)
	require.Equal(t, int64(3), trail.Total)
	require.Len(t, trail.Entries, 2)
	require.Equal(t, AuditActionDelete, trail.Entries[0].Action, "newest entry first")
	require.Equal(t, AuditActionUpdate, trail.Entries[1].Action)
	require.Equal(t, int64(2), *trail.Entries[0].PreviousVersion)
	require.Equal(t, int64(3), trail.Entries[0].Version)

	rest, err := audits.ListByRecord(ctx, ListAuditsParams{Namespace: "flows", Key: "ingest", Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Equal(t, int64(3), rest.Total)
	require.Len(t, rest.Entries, 1)
	require.Equal(t, AuditActionCreate, rest.Entries[0].Action)
	require.Nil(t, rest.Entries[0].PreviousVersion)

	past, err := audits.ListByRecord(ctx, ListAuditsParams{Namespace: "flows", Key: "ingest", Limit: 2, Offset: 10})
	require.NoError(t, err)
	require.Equal(t, int64(3), past.Total, "empty pages still report the real total")
	require.Empty(t, past.Entries)

	t.Run("entries resolve by id only within their record", func(t *testing.T) {
		entry, err := audits.GetByID(ctx, "flows", "ingest", trail.Entries[0].ID)
		require.NoError(t, err)
		require.Equal(t, AuditActionDelete, entry.Action)

		_, err = audits.GetByID(ctx, "other", "ingest", trail.Entries[0].ID)
		require.ErrorIs(t, err, ErrAuditNotFound)
	})

	t.Run("version lookup picks the entry that produced it", func(t *testing.T) {
		entry, err := audits.GetByVersion(ctx, "flows", "ingest", 2)
		require.NoError(t, err)
		require.Equal(t, AuditActionUpdate, entry.Action)
		require.Equal(t, map[string]any{"stage": "live"}, entry.Metadata)
		require.Equal(t, map[string]any{"stage": "draft"}, entry.PreviousMetadata)

		_, err = audits.GetByVersion(ctx, "flows", "ingest", 42)
		require.ErrorIs(t, err, ErrAuditNotFound)
	})
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	pool := startTestPool(t)
	ctx := context.Background()

	// startTestPool already migrated; a second run applies nothing.
	applied, err := ApplyMigrations(ctx, pool, testSchema)
	require.NoError(t, err)
	require.Empty(t, applied)
}
