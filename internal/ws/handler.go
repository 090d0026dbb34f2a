package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/HerbHall/meshsip/internal/event"
)

const sendBuffer = 256

// Handler upgrades requests to WebSocket and streams every bus event. The
// optional ?topic= query parameter restricts the stream to topics with
// that prefix, e.g. ?topic=sip.call.
type Handler struct {
	hub    *Hub
	unsub  func()
	logger *zap.Logger
}

// NewHandler creates a WebSocket handler subscribed to all topics on bus.
func NewHandler(bus *event.Bus, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		hub:    NewHub(logger),
		logger: logger,
	}
	h.unsub = bus.SubscribeAll(func(_ context.Context, e event.Event) {
		h.hub.Broadcast(fromEvent(e))
	})
	return h
}

// ServeHTTP streams events until the client disconnects or Close is called.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The status server's read and write timeouts must not apply to the
	// hijacked connection.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:   conn,
		remote: r.RemoteAddr,
		prefix: r.URL.Query().Get("topic"),
		send:   make(chan Message, sendBuffer),
		logger: h.logger,
	}
	if !h.hub.Register(client) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	// Run read and write pumps. When either exits, clean up.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	done := make(chan struct{})
	go func() {
		client.writePump(ctx)
		// A failed write also ends the read side.
		cancel()
		close(done)
	}()

	// readPump blocks until client disconnects.
	client.readPump(ctx)

	h.hub.Unregister(client)
	conn.Close(websocket.StatusNormalClosure, "")
	<-done
}

// Clients returns the number of connected clients.
func (h *Handler) Clients() int {
	return h.hub.ClientCount()
}

// Close unsubscribes from the bus and drops every client.
func (h *Handler) Close() {
	h.unsub()
	h.hub.Close()
}
