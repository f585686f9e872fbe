package service

import (
	"context"

	"github.com/benediktbwimmer/apphub-metastore/platform/go/events"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/persistence"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/streaming"
)

// pendingEvent is a mutation collected during a transaction and emitted only
// after the transaction commits, so subscribers never observe rolled-back
// state.
type pendingEvent struct {
	action       string
	record       persistence.Record
	actor        *string
	mode         string
	restoredFrom *events.RestoreSource
}

func (s *service) emit(ctx context.Context, pending []pendingEvent) {
	for _, p := range pending {
		event := streaming.Event{
			Action:     p.action,
			Namespace:  p.record.Namespace,
			Key:        p.record.Key,
			Version:    p.record.Version,
			OccurredAt: s.now().UTC(),
			UpdatedAt:  p.record.UpdatedAt,
			DeletedAt:  p.record.DeletedAt,
			Actor:      p.actor,
			Mode:       p.mode,
		}

		if s.hub != nil {
			s.hub.Publish(event)
		}
		if s.bus != nil {
			s.bus.Publish(ctx, event.Name(), events.Payload{
				Namespace:    p.record.Namespace,
				Key:          p.record.Key,
				Actor:        p.actor,
				Record:       p.record,
				Mode:         p.mode,
				RestoredFrom: p.restoredFrom,
			})
		}
	}
}
