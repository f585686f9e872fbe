package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/benediktbwimmer/apphub-metastore/domains/records/be/repo"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/auth"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/httperr"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/persistence"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/streaming"
)

// MaxBulkOperations bounds a single bulk request.
const MaxBulkOperations = 100

// Normalized bulk operation types. upsert, put and create are aliases.
const (
	bulkTypeUpsert = "upsert"
	bulkTypeDelete = "delete"
)

// errBulkAborted forces the atomic transaction to roll back after the first
// failed operation without masking the operation's own error.
var errBulkAborted = errors.New("bulk aborted")

// BulkOperation is one entry of a bulk request. An empty Type means upsert.
type BulkOperation struct {
	Type            string
	Namespace       string
	Key             string
	Metadata        map[string]any
	Tags            []string
	Owner           *string
	SchemaHash      *string
	ExpectedVersion *int64
}

// BulkInput carries the operation list and the failure mode: atomic (default)
// or continue-on-error with one transaction per operation.
type BulkInput struct {
	Operations      []BulkOperation
	ContinueOnError bool
}

// BulkEntry reports one operation's outcome.
type BulkEntry struct {
	Status    string
	Type      string
	Namespace string
	Key       string
	Record    *persistence.Record
	Created   *bool
	Err       *httperr.Error
}

// BulkResult is the full outcome plus the HTTP status the response should
// carry: 200 unless an atomic run aborted, in which case the failing
// operation's status propagates.
type BulkResult struct {
	Entries    []BulkEntry
	StatusCode int
}

func (s *service) Bulk(ctx context.Context, identity *auth.Identity, input BulkInput) (BulkResult, error) {
	operations, err := normalizeBulk(input.Operations)
	if err != nil {
		return BulkResult{}, err
	}

	if input.ContinueOnError {
		return s.bulkContinueOnError(ctx, identity, operations)
	}
	return s.bulkAtomic(ctx, identity, operations)
}

func (s *service) bulkAtomic(ctx context.Context, identity *auth.Identity, operations []BulkOperation) (BulkResult, error) {
	entries := make([]BulkEntry, 0, len(operations))
	pending := make([]pendingEvent, 0, len(operations))
	var failure *httperr.Error

	err := s.repo.WithinTx(ctx, func(ops repo.Ops) error {
		for _, op := range operations {
			entry, event, err := s.applyBulkOp(ctx, ops, identity, op)
			if err != nil {
				failure = httperr.From(classify(err))
				entries = append(entries, errorEntry(op, failure))
				return errBulkAborted
			}
			entries = append(entries, entry)
			if event != nil {
				pending = append(pending, *event)
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errBulkAborted) {
		return BulkResult{}, classify(err)
	}

	if failure != nil {
		return BulkResult{Entries: entries, StatusCode: failure.StatusCode}, nil
	}

	s.emit(ctx, pending)
	return BulkResult{Entries: entries, StatusCode: http.StatusOK}, nil
}

func (s *service) bulkContinueOnError(ctx context.Context, identity *auth.Identity, operations []BulkOperation) (BulkResult, error) {
	entries := make([]BulkEntry, 0, len(operations))

	for _, op := range operations {
		var (
			entry BulkEntry
			event *pendingEvent
		)
		err := s.repo.WithinTx(ctx, func(ops repo.Ops) error {
			var err error
			entry, event, err = s.applyBulkOp(ctx, ops, identity, op)
			return err
		})
		if err != nil {
			entries = append(entries, errorEntry(op, httperr.From(classify(err))))
			continue
		}

		entries = append(entries, entry)
		if event != nil {
			s.emit(ctx, []pendingEvent{*event})
		}
	}

	return BulkResult{Entries: entries, StatusCode: http.StatusOK}, nil
}

func (s *service) applyBulkOp(ctx context.Context, ops repo.Ops, identity *auth.Identity, op BulkOperation) (BulkEntry, *pendingEvent, error) {
	if !identity.NamespaceAllowed(op.Namespace) {
		return BulkEntry{}, nil, httperr.Forbidden(fmt.Sprintf("namespace %q is not accessible with this token", op.Namespace))
	}
	actor := identity.Actor()

	switch op.Type {
	case bulkTypeDelete:
		if !identity.HasScope(auth.ScopeDelete) {
			return BulkEntry{}, nil, httperr.Forbidden("delete operations require the metastore:delete scope")
		}

		record, mutated, err := ops.SoftDelete(ctx, persistence.DeleteRecordParams{
			Namespace:       op.Namespace,
			Key:             op.Key,
			Actor:           actor,
			ExpectedVersion: op.ExpectedVersion,
		})
		if err != nil {
			return BulkEntry{}, nil, err
		}

		entry := BulkEntry{
			Status:    "ok",
			Type:      bulkTypeDelete,
			Namespace: op.Namespace,
			Key:       op.Key,
			Record:    &record,
		}
		var event *pendingEvent
		if mutated {
			event = &pendingEvent{
				action: streaming.ActionDeleted,
				record: record,
				actor:  actor,
				mode:   streaming.DeleteModeSoft,
			}
		}
		return entry, event, nil

	default:
		result, err := ops.Upsert(ctx, persistence.UpsertRecordParams{
			Namespace:       op.Namespace,
			Key:             op.Key,
			Metadata:        op.Metadata,
			Tags:            op.Tags,
			Owner:           op.Owner,
			SchemaHash:      op.SchemaHash,
			Actor:           actor,
			ExpectedVersion: op.ExpectedVersion,
		})
		if err != nil {
			return BulkEntry{}, nil, err
		}

		created := result.Created
		entry := BulkEntry{
			Status:    "ok",
			Type:      bulkTypeUpsert,
			Namespace: op.Namespace,
			Key:       op.Key,
			Record:    &result.Record,
			Created:   &created,
		}
		action := streaming.ActionUpdated
		if created {
			action = streaming.ActionCreated
		}
		return entry, &pendingEvent{action: action, record: result.Record, actor: actor}, nil
	}
}

// normalizeBulk validates the request shape before any transaction opens.
// Structural problems reject the whole request; per-operation authorisation
// and persistence failures surface as error entries instead.
func normalizeBulk(operations []BulkOperation) ([]BulkOperation, error) {
	if len(operations) == 0 {
		return nil, httperr.BadRequest("at least one operation is required")
	}
	if len(operations) > MaxBulkOperations {
		return nil, httperr.BadRequest(fmt.Sprintf("bulk requests accept at most %d operations", MaxBulkOperations))
	}

	out := make([]BulkOperation, len(operations))
	for i, op := range operations {
		switch strings.ToLower(strings.TrimSpace(op.Type)) {
		case "", "upsert", "put", "create":
			op.Type = bulkTypeUpsert
		case bulkTypeDelete:
			op.Type = bulkTypeDelete
		default:
			return nil, httperr.BadRequest(fmt.Sprintf("operation %d has unsupported type %q", i, op.Type))
		}

		if strings.TrimSpace(op.Namespace) == "" {
			return nil, httperr.BadRequest(fmt.Sprintf("operation %d is missing a namespace", i))
		}
		if strings.TrimSpace(op.Key) == "" {
			return nil, httperr.BadRequest(fmt.Sprintf("operation %d is missing a key", i))
		}
		out[i] = op
	}
	return out, nil
}

func errorEntry(op BulkOperation, err *httperr.Error) BulkEntry {
	return BulkEntry{
		Status:    "error",
		Namespace: op.Namespace,
		Key:       op.Key,
		Err:       err,
	}
}
