// Package service implements the record lifecycle: transactional writes with
// audit trails, optimistic concurrency, structured search, bulk operations,
// and post-commit event fan-out to stream subscribers and the event bus.
package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/benediktbwimmer/apphub-metastore/domains/records/be/repo"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/auth"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/events"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/httperr"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/persistence"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/search"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/streaming"
)

// Streamer fans committed record events out to connected stream subscribers.
type Streamer interface {
	Publish(event streaming.Event)
}

// BusPublisher mirrors committed record events onto the external event bus.
// Implementations must never fail the calling operation.
type BusPublisher interface {
	Publish(ctx context.Context, eventType string, payload events.Payload)
}

// CreateInput carries a full record body for insertion.
type CreateInput struct {
	Namespace  string
	Key        string
	Metadata   map[string]any
	Tags       []string
	Owner      *string
	SchemaHash *string
	Actor      *string
}

// UpsertInput replaces the full record body, creating the row when absent.
type UpsertInput struct {
	Namespace       string
	Key             string
	Metadata        map[string]any
	Tags            []string
	Owner           *string
	SchemaHash      *string
	ExpectedVersion *int64
	Actor           *string
}

// PatchInput applies a partial update; at least one field must be present.
type PatchInput struct {
	Namespace       string
	Key             string
	Metadata        map[string]any
	MetadataUnset   []string
	Tags            *persistence.TagPatch
	SetOwner        bool
	Owner           *string
	SetSchemaHash   bool
	SchemaHash      *string
	ExpectedVersion *int64
	Actor           *string
}

// DeleteInput identifies a record for soft deletion or purge.
type DeleteInput struct {
	Namespace       string
	Key             string
	ExpectedVersion *int64
	Actor           *string
}

// RestoreInput rewinds a record to an audited snapshot. Exactly one of
// AuditID or Version selects the snapshot.
type RestoreInput struct {
	Namespace       string
	Key             string
	AuditID         *int64
	Version         *int64
	ExpectedVersion *int64
	Actor           *string
}

// ListAuditsInput pages through a record's audit trail.
type ListAuditsInput struct {
	Namespace string
	Key       string
	Limit     *int
	Offset    *int
}

// WriteResult reports the stored record and whether a new row was inserted.
type WriteResult struct {
	Record  persistence.Record
	Created bool
}

// SoftDeleteResult reports the record state and whether the delete changed it.
type SoftDeleteResult struct {
	Record  persistence.Record
	Mutated bool
}

// RestoredFrom identifies the audit snapshot a restore applied.
type RestoredFrom struct {
	AuditID int64 `json:"auditId"`
	Version int64 `json:"version"`
}

// RestoreResult carries the restored record and its snapshot provenance.
type RestoreResult struct {
	Record       persistence.Record
	RestoredFrom RestoredFrom
}

// Service exposes the records domain operations.
type Service interface {
	Create(ctx context.Context, input CreateInput) (WriteResult, error)
	Upsert(ctx context.Context, input UpsertInput) (WriteResult, error)
	Patch(ctx context.Context, input PatchInput) (persistence.Record, error)
	SoftDelete(ctx context.Context, input DeleteInput) (SoftDeleteResult, error)
	Purge(ctx context.Context, input DeleteInput) (persistence.Record, error)
	Restore(ctx context.Context, input RestoreInput) (RestoreResult, error)
	Fetch(ctx context.Context, namespace, key string, includeDeleted bool) (persistence.Record, error)
	Search(ctx context.Context, identity *auth.Identity, input SearchInput) (SearchResult, error)
	Presets(identity *auth.Identity) []Preset
	Bulk(ctx context.Context, identity *auth.Identity, input BulkInput) (BulkResult, error)
	ListAudits(ctx context.Context, input ListAuditsInput) (persistence.ListAuditsResult, error)
	GetAudit(ctx context.Context, namespace, key string, id int64) (persistence.AuditEntry, error)
}

type service struct {
	repo    repo.Repository
	hub     Streamer
	bus     BusPublisher
	presets []Preset
	now     func() time.Time
}

// New builds a records Service. The hub and bus may be nil, in which case the
// corresponding fan-out is skipped.
func New(repository repo.Repository, hub Streamer, bus BusPublisher, presets []Preset) Service {
	if repository == nil {
		panic("records repository is required")
	}

	return &service{
		repo:    repository,
		hub:     hub,
		bus:     bus,
		presets: presets,
		now:     time.Now,
	}
}

func (s *service) Create(ctx context.Context, input CreateInput) (WriteResult, error) {
	var result persistence.RecordWriteResult
	err := s.repo.WithinTx(ctx, func(ops repo.Ops) error {
		var err error
		result, err = ops.Create(ctx, persistence.CreateRecordParams{
			Namespace:  input.Namespace,
			Key:        input.Key,
			Metadata:   input.Metadata,
			Tags:       input.Tags,
			Owner:      input.Owner,
			SchemaHash: input.SchemaHash,
			Actor:      input.Actor,
		})
		return err
	})
	if err != nil {
		return WriteResult{}, classify(err)
	}

	if !result.Created && result.Record.Deleted() {
		return WriteResult{}, httperr.RecordDeleted("record exists but is soft-deleted; restore or purge it first")
	}

	if result.Created {
		s.emit(ctx, []pendingEvent{{
			action: streaming.ActionCreated,
			record: result.Record,
			actor:  input.Actor,
		}})
	}

	return WriteResult{Record: result.Record, Created: result.Created}, nil
}

func (s *service) Upsert(ctx context.Context, input UpsertInput) (WriteResult, error) {
	var result persistence.RecordWriteResult
	err := s.repo.WithinTx(ctx, func(ops repo.Ops) error {
		var err error
		result, err = ops.Upsert(ctx, persistence.UpsertRecordParams{
			Namespace:       input.Namespace,
			Key:             input.Key,
			Metadata:        input.Metadata,
			Tags:            input.Tags,
			Owner:           input.Owner,
			SchemaHash:      input.SchemaHash,
			Actor:           input.Actor,
			ExpectedVersion: input.ExpectedVersion,
		})
		return err
	})
	if err != nil {
		return WriteResult{}, classify(err)
	}

	action := streaming.ActionUpdated
	if result.Created {
		action = streaming.ActionCreated
	}
	s.emit(ctx, []pendingEvent{{action: action, record: result.Record, actor: input.Actor}})

	return WriteResult{Record: result.Record, Created: result.Created}, nil
}

func (s *service) Patch(ctx context.Context, input PatchInput) (persistence.Record, error) {
	params := persistence.PatchRecordParams{
		Namespace:       input.Namespace,
		Key:             input.Key,
		Metadata:        input.Metadata,
		MetadataUnset:   input.MetadataUnset,
		Tags:            input.Tags,
		SetOwner:        input.SetOwner,
		Owner:           input.Owner,
		SetSchemaHash:   input.SetSchemaHash,
		SchemaHash:      input.SchemaHash,
		Actor:           input.Actor,
		ExpectedVersion: input.ExpectedVersion,
	}
	if params.Empty() {
		return persistence.Record{}, httperr.BadRequest("patch requires at least one of metadata, metadataUnset, tags, owner, schemaHash")
	}

	var record persistence.Record
	err := s.repo.WithinTx(ctx, func(ops repo.Ops) error {
		var err error
		record, err = ops.Patch(ctx, params)
		return err
	})
	if err != nil {
		return persistence.Record{}, classify(err)
	}

	s.emit(ctx, []pendingEvent{{action: streaming.ActionUpdated, record: record, actor: input.Actor}})
	return record, nil
}

func (s *service) SoftDelete(ctx context.Context, input DeleteInput) (SoftDeleteResult, error) {
	var (
		record  persistence.Record
		mutated bool
	)
	err := s.repo.WithinTx(ctx, func(ops repo.Ops) error {
		var err error
		record, mutated, err = ops.SoftDelete(ctx, persistence.DeleteRecordParams{
			Namespace:       input.Namespace,
			Key:             input.Key,
			Actor:           input.Actor,
			ExpectedVersion: input.ExpectedVersion,
		})
		return err
	})
	if err != nil {
		return SoftDeleteResult{}, classify(err)
	}

	if mutated {
		s.emit(ctx, []pendingEvent{{
			action: streaming.ActionDeleted,
			record: record,
			actor:  input.Actor,
			mode:   streaming.DeleteModeSoft,
		}})
	}

	return SoftDeleteResult{Record: record, Mutated: mutated}, nil
}

func (s *service) Purge(ctx context.Context, input DeleteInput) (persistence.Record, error) {
	var record persistence.Record
	err := s.repo.WithinTx(ctx, func(ops repo.Ops) error {
		var err error
		record, err = ops.HardDelete(ctx, persistence.DeleteRecordParams{
			Namespace:       input.Namespace,
			Key:             input.Key,
			Actor:           input.Actor,
			ExpectedVersion: input.ExpectedVersion,
		})
		return err
	})
	if err != nil {
		return persistence.Record{}, classify(err)
	}

	s.emit(ctx, []pendingEvent{{
		action: streaming.ActionDeleted,
		record: record,
		actor:  input.Actor,
		mode:   streaming.DeleteModeHard,
	}})

	return record, nil
}

func (s *service) Restore(ctx context.Context, input RestoreInput) (RestoreResult, error) {
	if (input.AuditID == nil) == (input.Version == nil) {
		return RestoreResult{}, httperr.BadRequest("restore requires exactly one of auditId or version")
	}

	// The snapshot is resolved outside the write transaction so a slow audit
	// lookup never extends the row lock.
	var (
		entry persistence.AuditEntry
		err   error
	)
	if input.AuditID != nil {
		entry, err = s.repo.GetAuditByID(ctx, input.Namespace, input.Key, *input.AuditID)
	} else {
		entry, err = s.repo.GetAuditByVersion(ctx, input.Namespace, input.Key, *input.Version)
	}
	if err != nil {
		return RestoreResult{}, classify(err)
	}

	var record persistence.Record
	err = s.repo.WithinTx(ctx, func(ops repo.Ops) error {
		var err error
		record, err = ops.Restore(ctx, persistence.RestoreRecordParams{
			Namespace:       input.Namespace,
			Key:             input.Key,
			Metadata:        entry.Metadata,
			Tags:            entry.Tags,
			Owner:           entry.Owner,
			SchemaHash:      entry.SchemaHash,
			Actor:           input.Actor,
			ExpectedVersion: input.ExpectedVersion,
		})
		return err
	})
	if err != nil {
		return RestoreResult{}, classify(err)
	}

	restoredFrom := RestoredFrom{AuditID: entry.ID, Version: entry.Version}
	s.emit(ctx, []pendingEvent{{
		action: streaming.ActionUpdated,
		record: record,
		actor:  input.Actor,
		restoredFrom: &events.RestoreSource{
			AuditID: restoredFrom.AuditID,
			Version: restoredFrom.Version,
		},
	}})

	return RestoreResult{Record: record, RestoredFrom: restoredFrom}, nil
}

func (s *service) Fetch(ctx context.Context, namespace, key string, includeDeleted bool) (persistence.Record, error) {
	record, err := s.repo.Fetch(ctx, namespace, key, includeDeleted)
	if err != nil {
		return persistence.Record{}, classify(err)
	}
	return record, nil
}

func (s *service) ListAudits(ctx context.Context, input ListAuditsInput) (persistence.ListAuditsResult, error) {
	page, err := search.NormalizePage(input.Limit, input.Offset)
	if err != nil {
		return persistence.ListAuditsResult{}, httperr.BadRequest(err.Error())
	}

	result, err := s.repo.ListAudits(ctx, persistence.ListAuditsParams{
		Namespace: input.Namespace,
		Key:       input.Key,
		Limit:     page.Limit,
		Offset:    page.Offset,
	})
	if err != nil {
		return persistence.ListAuditsResult{}, classify(err)
	}
	return result, nil
}

func (s *service) GetAudit(ctx context.Context, namespace, key string, id int64) (persistence.AuditEntry, error) {
	entry, err := s.repo.GetAuditByID(ctx, namespace, key, id)
	if err != nil {
		return persistence.AuditEntry{}, classify(err)
	}
	return entry, nil
}

// classify maps persistence and compiler sentinels onto wire errors.
// Unrecognised errors pass through untouched so callers can log them before
// the envelope writer collapses them to internal_error.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, persistence.ErrRecordNotFound):
		return httperr.NotFound("record not found")
	case errors.Is(err, persistence.ErrAuditNotFound):
		return httperr.NotFound("audit entry not found")
	case errors.Is(err, persistence.ErrVersionConflict):
		return httperr.VersionConflict("expectedVersion does not match the current record version")
	case errors.Is(err, persistence.ErrRecordDeleted):
		return httperr.RecordDeleted("record is soft-deleted")
	case errors.Is(err, persistence.ErrUpsertFailed):
		return httperr.New(http.StatusInternalServerError, httperr.CodeUpsertFailed, "record update produced no row")
	case errors.Is(err, search.ErrInvalid):
		return httperr.BadRequest(err.Error())
	default:
		return err
	}
}
