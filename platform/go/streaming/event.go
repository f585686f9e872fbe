package streaming

import "time"

// Actions carried by record lifecycle events.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// Delete modes attached to deleted events.
const (
	DeleteModeSoft = "soft"
	DeleteModeHard = "hard"
)

// Event is one record lifecycle notification as fanned out to subscribers.
// ID is assigned by the hub at emission time and travels outside the JSON
// body: SSE carries it in the id field, websocket in the envelope.
type Event struct {
	ID         int64      `json:"-"`
	Action     string     `json:"action"`
	Namespace  string     `json:"namespace"`
	Key        string     `json:"key"`
	Version    int64      `json:"version"`
	OccurredAt time.Time  `json:"occurredAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	DeletedAt  *time.Time `json:"deletedAt"`
	Actor      *string    `json:"actor"`
	Mode       string     `json:"mode,omitempty"`
}

// Name is the transport-facing event name, e.g. "metastore.record.created".
func (e Event) Name() string {
	return "metastore.record." + e.Action
}
