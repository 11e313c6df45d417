package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsSubscriberSize = 16
)

// Hub is the websocket channel: it keeps live connections per recipient and
// pushes deliveries addressed to them. Recipients with no open connection are skipped.
type Hub struct {
	origins []string
	logger  *slog.Logger

	mu   sync.Mutex
	subs map[string]map[chan []byte]struct{}
}

// NewHub builds a hub that accepts same-origin upgrades plus any origin host
// matching one of origins.
func NewHub(logger *slog.Logger, origins ...string) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		origins: origins,
		logger:  logger.With("component", "ws_hub"),
		subs:    make(map[string]map[chan []byte]struct{}),
	}
}

// Send implements Sender. A subscriber whose buffer is full misses the message.
func (h *Hub) Send(_ context.Context, d Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("notification: encode ws message: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[d.Recipient] {
		select {
		case sub <- data:
		default:
			h.logger.Warn("websocket subscriber lagging, message dropped", "notification", d.NotificationID)
		}
	}
	return nil
}

// Subscribers returns the number of open connections for recipient.
func (h *Hub) Subscribers(recipient string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[recipient])
}

// Serve upgrades the request and streams deliveries for recipient until the client
// disconnects or the request context ends.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, recipient string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Debug("websocket upgrade refused", "origin", r.Header.Get("Origin"), "error", err.Error())
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := conn.CloseRead(r.Context())
	sub := h.subscribe(recipient)
	defer h.unsubscribe(recipient, sub)

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-sub:
			if err := write(ctx, conn, data); err != nil {
				if websocket.CloseStatus(err) == -1 {
					_ = conn.Close(websocket.StatusInternalError, "stream error")
				}
				return
			}
		}
	}
}

func (h *Hub) subscribe(recipient string) chan []byte {
	sub := make(chan []byte, wsSubscriberSize)
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[recipient]
	if !ok {
		set = make(map[chan []byte]struct{})
		h.subs[recipient] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(recipient string, sub chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[recipient], sub)
	if len(h.subs[recipient]) == 0 {
		delete(h.subs, recipient)
	}
}

func write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
