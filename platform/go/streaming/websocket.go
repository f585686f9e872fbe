package streaming

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// CloseUnauthorized is sent when a websocket client fails authorisation after
// the upgrade completed.
const CloseUnauthorized = 4403

const wsWriteTimeout = 10 * time.Second

// Envelope is the websocket wire frame. Record events set Type to the event
// name and carry the hub-assigned id; control frames such as connection.ack
// omit the id.
type Envelope struct {
	Type string `json:"type"`
	ID   *int64 `json:"id,omitempty"`
	Data any    `json:"data"`
}

// CloseWithCode sends a close frame and tears the connection down. Used for
// post-upgrade rejections where an HTTP status can no longer be written.
func CloseWithCode(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(wsWriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// WSDispatcher drains one subscriber onto a websocket connection.
type WSDispatcher struct {
	sub  *Subscriber
	conn *websocket.Conn
	log  *zap.Logger

	heartbeat time.Duration
}

// NewWSDispatcher binds a subscriber to an upgraded connection.
func NewWSDispatcher(sub *Subscriber, conn *websocket.Conn, log *zap.Logger) *WSDispatcher {
	return &WSDispatcher{
		sub:       sub,
		conn:      conn,
		log:       log,
		heartbeat: heartbeatInterval,
	}
}

// Run acknowledges the connection, then forwards events until the context
// ends, the subscriber detaches or the peer disconnects.
func (d *WSDispatcher) Run(ctx context.Context) error {
	defer d.sub.Close()
	defer d.conn.Close() // nolint:errcheck

	ack := Envelope{
		Type: "connection.ack",
		Data: map[string]any{"occurredAt": time.Now().UTC().Format(time.RFC3339Nano)},
	}
	if err := d.writeEnvelope(ack); err != nil {
		return nil
	}

	// Drain inbound frames so pings are answered and disconnects surface.
	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		for {
			if _, _, err := d.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(d.heartbeat)
	defer ticker.Stop()

	for {
		for {
			event, _, ok := d.sub.TryNext()
			if !ok {
				break
			}
			id := event.ID
			if err := d.writeEnvelope(Envelope{Type: event.Name(), ID: &id, Data: event}); err != nil {
				d.log.Debug("websocket subscriber went away", zap.Error(err))
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-d.sub.Done():
			return nil
		case <-peerGone:
			return nil
		case <-ticker.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := d.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return nil
			}
		case <-d.sub.Wake():
		}
	}
}

func (d *WSDispatcher) writeEnvelope(envelope Envelope) error {
	if err := d.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return d.conn.WriteJSON(envelope)
}
