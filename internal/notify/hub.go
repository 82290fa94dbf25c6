package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const hubWriteTimeout = 5 * time.Second

// WebsocketHub fans each message out to every connected websocket client.
// It doubles as the notification Sink, so the dispatcher can stream straight
// to browsers or companion apps. A client that cannot keep up is dropped
// rather than allowed to stall delivery to the others.
type WebsocketHub struct {
	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	logger *slog.Logger
}

func NewWebsocketHub(logger *slog.Logger) *WebsocketHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebsocketHub{
		conns:  make(map[*websocket.Conn]struct{}),
		logger: logger,
	}
}

// ServeHTTP upgrades the request and keeps the connection registered until
// the client goes away. Clients are read-only; inbound frames are discarded.
func (h *WebsocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	count := len(h.conns)
	h.mu.Unlock()
	h.logger.Info("notification stream connected", "remote", r.RemoteAddr, "clients", count)

	// CloseRead returns a context that ends when the peer disconnects.
	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()
	h.drop(conn, websocket.StatusNormalClosure, "closing")
}

// HandleMessage broadcasts the message to all connected clients. It never
// returns an error: a hub with zero clients is a valid quiet state.
func (h *WebsocketHub) HandleMessage(ctx context.Context, text string) error {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		writeCtx, cancel := context.WithTimeout(ctx, hubWriteTimeout)
		err := conn.Write(writeCtx, websocket.MessageText, []byte(text))
		cancel()
		if err != nil {
			h.logger.Warn("dropping slow or dead stream client", "error", err)
			h.drop(conn, websocket.StatusPolicyViolation, "write timeout")
		}
	}
	return nil
}

// ClientCount reports the number of connected stream clients.
func (h *WebsocketHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects every client. Used during shutdown.
func (h *WebsocketHub) Close() error {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	return nil
}

func (h *WebsocketHub) drop(conn *websocket.Conn, code websocket.StatusCode, reason string) {
	h.mu.Lock()
	_, present := h.conns[conn]
	delete(h.conns, conn)
	h.mu.Unlock()
	if present {
		_ = conn.Close(code, reason)
	}
}
