package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func dialWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWSDispatcherAcksThenForwardsEvents(t *testing.T) {
	log := zaptest.NewLogger(t)
	hub := NewHub(log, nil)
	upgrader := websocket.Upgrader{}

	ready := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sub := hub.Subscribe(TransportWebsocket, nil)
		close(ready)
		_ = NewWSDispatcher(sub, conn, log).Run(r.Context())
	}))
	defer server.Close()

	conn := dialWS(t, server)

	var ack Envelope
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, "connection.ack", ack.Type)
	require.Nil(t, ack.ID)
	data, ok := ack.Data.(map[string]any)
	require.True(t, ok)
	require.NotEmpty(t, data["occurredAt"])

	<-ready
	actor := "tester"
	hub.Publish(Event{
		Action:     ActionUpdated,
		Namespace:  "assets",
		Key:        "render-alpha",
		Version:    3,
		OccurredAt: time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
		Actor:      &actor,
	})

	var envelope struct {
		Type string          `json:"type"`
		ID   *int64          `json:"id"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&envelope))
	require.Equal(t, "metastore.record.updated", envelope.Type)
	require.NotNil(t, envelope.ID)
	require.Equal(t, int64(1), *envelope.ID)

	var body Event
	require.NoError(t, json.Unmarshal(envelope.Data, &body))
	require.Equal(t, "assets", body.Namespace)
	require.Equal(t, "render-alpha", body.Key)
	require.Equal(t, int64(3), body.Version)
	require.Equal(t, "tester", *body.Actor)
}

func TestWSDispatcherStopsWhenPeerDisconnects(t *testing.T) {
	log := zaptest.NewLogger(t)
	hub := NewHub(log, nil)
	upgrader := websocket.Upgrader{}

	finished := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sub := hub.Subscribe(TransportWebsocket, nil)
		_ = NewWSDispatcher(sub, conn, log).Run(context.Background())
		close(finished)
	}))
	defer server.Close()

	conn := dialWS(t, server)

	var ack Envelope
	require.NoError(t, conn.ReadJSON(&ack))
	conn.Close()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher must stop when the peer goes away")
	}
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCloseWithCodeSendsPolicyViolation(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		CloseWithCode(conn, CloseUnauthorized, "forbidden")
	}))
	defer server.Close()

	conn := dialWS(t, server)

	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, CloseUnauthorized, closeErr.Code)
	require.Equal(t, "forbidden", closeErr.Text)
}
