package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/benediktbwimmer/apphub-metastore/domains/records/be/repo"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/jsondoc"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/persistence"
)

// apply translates one event into record mutations under the system actor.
func (c *Consumer) apply(ctx context.Context, evt nodeEvent, observed time.Time) error {
	if evt.action == actionDeleted {
		return c.applyDelete(ctx, evt.key())
	}
	return c.applyUpsert(ctx, evt.key(), evt.envelope(observed))
}

func (c *Consumer) applyDelete(ctx context.Context, key string) error {
	actor := SystemActor
	err := c.store.WithinTx(ctx, func(ops repo.Ops) error {
		_, _, err := ops.SoftDelete(ctx, persistence.DeleteRecordParams{
			Namespace: c.cfg.Namespace,
			Key:       key,
			Actor:     &actor,
		})
		return err
	})
	if errors.Is(err, persistence.ErrRecordNotFound) {
		// Nothing was ever synced for this node.
		return nil
	}
	return err
}

// applyUpsert merges the filestore envelope onto the record, creating it when
// absent and reviving it when soft-deleted. The worker is the only filestore
// writer, so races only come from API clients touching the same record; each
// pass is safe to repeat when one slips in.
func (c *Consumer) applyUpsert(ctx context.Context, key string, envelope map[string]any) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = c.mergePatch(ctx, key, envelope)
		if !errors.Is(err, persistence.ErrRecordDeleted) {
			return err
		}
		err = c.revive(ctx, key, envelope)
		if err == nil ||
			(!errors.Is(err, persistence.ErrVersionConflict) && !errors.Is(err, persistence.ErrRecordNotFound)) {
			return err
		}
	}
	return err
}

func (c *Consumer) mergePatch(ctx context.Context, key string, envelope map[string]any) error {
	actor := SystemActor
	patch := persistence.PatchRecordParams{
		Namespace: c.cfg.Namespace,
		Key:       key,
		Metadata:  map[string]any{"filestore": envelope},
		Actor:     &actor,
	}
	return c.store.WithinTx(ctx, func(ops repo.Ops) error {
		_, err := ops.Patch(ctx, patch)
		if !errors.Is(err, persistence.ErrRecordNotFound) {
			return err
		}

		result, err := ops.Create(ctx, persistence.CreateRecordParams{
			Namespace: patch.Namespace,
			Key:       patch.Key,
			Metadata:  patch.Metadata,
			Actor:     &actor,
		})
		if err != nil {
			return err
		}
		if !result.Created {
			// Another writer inserted between the probe and the insert.
			_, err = ops.Patch(ctx, patch)
			return err
		}
		return nil
	})
}

// revive rebuilds a soft-deleted record with the envelope merged onto its
// last snapshot; tags, owner and schema hash survive the round trip.
func (c *Consumer) revive(ctx context.Context, key string, envelope map[string]any) error {
	record, err := c.store.Fetch(ctx, c.cfg.Namespace, key, true)
	if err != nil {
		return err
	}

	metadata := jsondoc.CloneMap(record.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	if existing, ok := metadata["filestore"].(map[string]any); ok {
		metadata["filestore"] = jsondoc.DeepMerge(existing, envelope)
	} else {
		metadata["filestore"] = jsondoc.CloneMap(envelope)
	}

	actor := SystemActor
	expected := record.Version
	return c.store.WithinTx(ctx, func(ops repo.Ops) error {
		_, err := ops.Upsert(ctx, persistence.UpsertRecordParams{
			Namespace:       c.cfg.Namespace,
			Key:             key,
			Metadata:        metadata,
			Tags:            record.Tags,
			Owner:           record.Owner,
			SchemaHash:      record.SchemaHash,
			Actor:           &actor,
			ExpectedVersion: &expected,
		})
		return err
	})
}
