package consumer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/benediktbwimmer/apphub-metastore/platform/go/jsondoc"
)

// Node lifecycle actions carried by filestore events.
const (
	actionCreated    = "created"
	actionUpdated    = "updated"
	actionReconciled = "reconciled"
	actionMissing    = "missing"
	actionDeleted    = "deleted"
)

// wireEnvelope tolerates the envelope shapes the filestore has published over
// time: node fields under "data" or "payload", or flat next to "type".
type wireEnvelope struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Payload json.RawMessage `json:"payload"`
}

// nodePayload is the filestore node snapshot carried by an event. Pointer
// fields distinguish absent keys from zero values: absent keys must stay out
// of the merged metadata envelope so they cannot clobber earlier snapshots.
type nodePayload struct {
	NodeID               *int64         `json:"nodeId"`
	BackendMountID       *int64         `json:"backendMountId"`
	Path                 *string        `json:"path"`
	Kind                 *string        `json:"kind"`
	State                *string        `json:"state"`
	ParentID             *int64         `json:"parentId"`
	Version              *int64         `json:"version"`
	SizeBytes            *int64         `json:"sizeBytes"`
	Checksum             *string        `json:"checksum"`
	ContentHash          *string        `json:"contentHash"`
	Metadata             map[string]any `json:"metadata"`
	ObservedAt           *string        `json:"observedAt"`
	JournalID            *int64         `json:"journalId"`
	Command              *string        `json:"command"`
	IdempotencyKey       *string        `json:"idempotencyKey"`
	Principal            *string        `json:"principal"`
	ConsistencyState     *string        `json:"consistencyState"`
	ConsistencyCheckedAt *string        `json:"consistencyCheckedAt"`
	LastReconciledAt     *string        `json:"lastReconciledAt"`
	Reason               *string        `json:"reason"`
	PreviousState        *string        `json:"previousState"`
}

type nodeEvent struct {
	action string
	node   nodePayload
}

// key is the record key: the node id rendered as a decimal string.
func (e nodeEvent) key() string {
	return strconv.FormatInt(*e.node.NodeID, 10)
}

// parseNodeEvent decodes a raw bus message. ok=false marks messages the
// consumer skips on purpose (foreign event types, nodes without an id); an
// error marks a message it could not read at all.
func parseNodeEvent(raw []byte) (nodeEvent, bool, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nodeEvent{}, false, fmt.Errorf("decode filestore event: %w", err)
	}

	action, known := parseAction(wire.Type)
	if !known {
		return nodeEvent{}, false, nil
	}

	body := raw
	if isJSONObject(wire.Data) {
		body = wire.Data
	} else if isJSONObject(wire.Payload) {
		body = wire.Payload
	}

	var node nodePayload
	if err := json.Unmarshal(body, &node); err != nil {
		return nodeEvent{}, false, fmt.Errorf("decode filestore node payload: %w", err)
	}
	if node.NodeID == nil {
		return nodeEvent{}, false, nil
	}
	return nodeEvent{action: action, node: node}, true, nil
}

func parseAction(eventType string) (string, bool) {
	name := strings.TrimPrefix(eventType, "filestore.")
	action, found := strings.CutPrefix(name, "node.")
	if !found {
		return "", false
	}
	switch action {
	case actionCreated, actionUpdated, actionReconciled, actionMissing, actionDeleted:
		return action, true
	}
	return "", false
}

func isJSONObject(raw json.RawMessage) bool {
	return strings.HasPrefix(strings.TrimSpace(string(raw)), "{")
}

// envelope builds the filestore sub-document merged into record metadata.
// Only keys present on the event are emitted, so the store-side deep merge
// keeps earlier values for anything this snapshot does not mention.
func (e nodeEvent) envelope(observed time.Time) map[string]any {
	doc := map[string]any{}
	put(doc, "backendMountId", e.node.BackendMountID)
	put(doc, "path", e.node.Path)
	put(doc, "kind", e.node.Kind)

	state := e.node.State
	if state == nil && e.action == actionMissing {
		missing := "missing"
		state = &missing
	}
	put(doc, "state", state)

	put(doc, "parentId", e.node.ParentID)
	put(doc, "version", e.node.Version)
	put(doc, "sizeBytes", e.node.SizeBytes)
	put(doc, "checksum", e.node.Checksum)
	put(doc, "contentHash", e.node.ContentHash)
	if e.node.Metadata != nil {
		doc["nodeMetadata"] = jsondoc.CloneMap(e.node.Metadata)
	}

	observedAt := observed.UTC().Format(time.RFC3339Nano)
	if e.node.ObservedAt != nil {
		observedAt = *e.node.ObservedAt
	}
	doc["observedAt"] = observedAt

	put(doc, "journalId", e.node.JournalID)
	put(doc, "command", e.node.Command)
	put(doc, "idempotencyKey", e.node.IdempotencyKey)
	put(doc, "principal", e.node.Principal)

	doc["consistencyState"] = e.consistency(state)
	put(doc, "consistencyCheckedAt", e.node.ConsistencyCheckedAt)
	put(doc, "lastReconciledAt", e.node.LastReconciledAt)
	if e.action == actionReconciled {
		put(doc, "reconciliationReason", e.node.Reason)
	}
	put(doc, "previousState", e.node.PreviousState)
	return doc
}

// consistency derives the consistency state. Reconciliation reports carry it
// explicitly; otherwise the node state decides: missing and inconsistent pass
// through, anything else reads as active.
func (e nodeEvent) consistency(state *string) string {
	if e.action == actionReconciled && e.node.ConsistencyState != nil {
		return *e.node.ConsistencyState
	}
	if state != nil && (*state == "missing" || *state == "inconsistent") {
		return *state
	}
	return "active"
}

func put[T any](doc map[string]any, key string, value *T) {
	if value != nil {
		doc[key] = *value
	}
}
