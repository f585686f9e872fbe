package repo

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/benediktbwimmer/apphub-metastore/platform/go/persistence"
)

// Ops is the mutation surface available inside a record transaction. Every
// call locks the target row first, so concurrent writers on the same
// (namespace, key) serialise; audit rows are written in the same transaction.
type Ops interface {
	Create(ctx context.Context, params persistence.CreateRecordParams) (persistence.RecordWriteResult, error)
	Upsert(ctx context.Context, params persistence.UpsertRecordParams) (persistence.RecordWriteResult, error)
	Patch(ctx context.Context, params persistence.PatchRecordParams) (persistence.Record, error)
	SoftDelete(ctx context.Context, params persistence.DeleteRecordParams) (persistence.Record, bool, error)
	HardDelete(ctx context.Context, params persistence.DeleteRecordParams) (persistence.Record, error)
	Restore(ctx context.Context, params persistence.RestoreRecordParams) (persistence.Record, error)
}

// Repository exposes record persistence: reads run against the pool directly,
// writes go through WithinTx so multi-operation requests commit atomically.
type Repository interface {
	WithinTx(ctx context.Context, fn func(ops Ops) error) error
	Fetch(ctx context.Context, namespace, key string, includeDeleted bool) (persistence.Record, error)
	Search(ctx context.Context, params persistence.SearchRecordsParams) (persistence.SearchRecordsResult, error)
	ListAudits(ctx context.Context, params persistence.ListAuditsParams) (persistence.ListAuditsResult, error)
	GetAuditByID(ctx context.Context, namespace, key string, id int64) (persistence.AuditEntry, error)
	GetAuditByVersion(ctx context.Context, namespace, key string, version int64) (persistence.AuditEntry, error)
}

type repository struct {
	records *persistence.RecordStore
	audits  *persistence.AuditStore
}

// New constructs a Repository backed by the shared persistence layer.
func New(pool *pgxpool.Pool) Repository {
	if pool == nil {
		panic("postgres pool is required")
	}

	return &repository{
		records: persistence.NewRecordStore(pool),
		audits:  persistence.NewAuditStore(pool),
	}
}

func (r *repository) WithinTx(ctx context.Context, fn func(ops Ops) error) error {
	return r.records.RunInTx(ctx, func(tx *persistence.RecordTx) error {
		return fn(tx)
	})
}

func (r *repository) Fetch(ctx context.Context, namespace, key string, includeDeleted bool) (persistence.Record, error) {
	return r.records.FetchRecord(ctx, namespace, key, includeDeleted)
}

func (r *repository) Search(ctx context.Context, params persistence.SearchRecordsParams) (persistence.SearchRecordsResult, error) {
	return r.records.SearchRecords(ctx, params)
}

func (r *repository) ListAudits(ctx context.Context, params persistence.ListAuditsParams) (persistence.ListAuditsResult, error) {
	return r.audits.ListByRecord(ctx, params)
}

func (r *repository) GetAuditByID(ctx context.Context, namespace, key string, id int64) (persistence.AuditEntry, error) {
	return r.audits.GetByID(ctx, namespace, key, id)
}

func (r *repository) GetAuditByVersion(ctx context.Context, namespace, key string, version int64) (persistence.AuditEntry, error) {
	return r.audits.GetByVersion(ctx, namespace, key, version)
}
