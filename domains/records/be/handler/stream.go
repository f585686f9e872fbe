package handler

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/benediktbwimmer/apphub-metastore/platform/go/auth"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/httperr"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/logging"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/streaming"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Token auth makes the stream origin-agnostic; browsers cannot attach
	// bearer headers cross-origin anyway.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Stream handles GET /stream/records over either websocket or SSE. The route
// sits outside the auth middleware: websocket clients that fail authorisation
// get upgraded first and then closed with code 4403, because EventSource and
// browser websockets cannot read an HTTP error body.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil || h.streamAuth == nil {
		httperr.Write(w, httperr.New(http.StatusServiceUnavailable, httperr.CodeInternal, "event stream is not enabled"))
		return
	}

	identity, authErr := h.streamAuth(r)
	if authErr == nil && !identity.HasScope(auth.ScopeRead) {
		authErr = httperr.Forbidden("the metastore:read scope is required to stream record events")
	}

	if websocket.IsWebSocketUpgrade(r) {
		h.streamWebsocket(w, r, identity, authErr)
		return
	}
	h.streamSSE(w, r, identity, authErr)
}

func (h *Handler) streamSSE(w http.ResponseWriter, r *http.Request, identity *auth.Identity, authErr error) {
	if authErr != nil {
		httperr.Write(w, authErr)
		return
	}

	sub := h.hub.Subscribe(streaming.TransportSSE, namespaceFilter(identity))
	dispatcher, err := streaming.NewSSEDispatcher(sub, w, logging.FromRequest(r, h.log))
	if err != nil {
		sub.Close()
		h.respondError(w, r, err)
		return
	}
	_ = dispatcher.Run(r.Context())
}

func (h *Handler) streamWebsocket(w http.ResponseWriter, r *http.Request, identity *auth.Identity, authErr error) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake failure.
		return
	}

	if authErr != nil {
		he := httperr.From(authErr)
		streaming.CloseWithCode(conn, streaming.CloseUnauthorized, he.Message)
		return
	}

	sub := h.hub.Subscribe(streaming.TransportWebsocket, namespaceFilter(identity))
	dispatcher := streaming.NewWSDispatcher(sub, conn, logging.FromRequest(r, h.log))
	_ = dispatcher.Run(r.Context())
}

// namespaceFilter drops events the identity may not see before they are
// queued, so a scoped token never buffers frames from foreign namespaces.
func namespaceFilter(identity *auth.Identity) func(streaming.Event) bool {
	if identity.AllNamespaces() {
		return nil
	}
	return func(event streaming.Event) bool {
		return identity.NamespaceAllowed(event.Namespace)
	}
}
