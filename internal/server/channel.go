package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/austinbrady/Assist-sub001/internal/metrics"
	"github.com/austinbrady/Assist-sub001/internal/router"
)

const writeWait = 10 * time.Second

// channelHub is the long-lived message channel used by the popup, content
// scripts and the injected widget. Each frame is one request envelope; each
// reply and status push is one frame back.
type channelHub struct {
	router   MessageRouter
	status   StatusSource
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*channelClient]struct{}
}

type channelClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *channelClient) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func newChannelHub(r MessageRouter, status StatusSource, allowedOrigins []string, logger *slog.Logger) *channelHub {
	return &channelHub{
		router: r,
		status: status,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(allowedOrigins),
		},
		logger:  logger,
		clients: make(map[*channelClient]struct{}),
	}
}

// originChecker allows every origin when the list is empty. Extension
// origins look like chrome-extension://<id>.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set["*"] || set[origin]
	}
}

// start forwards status changes to every client until ctx ends.
func (h *channelHub) start(ctx context.Context) {
	updates, unsubscribe := h.status.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-updates:
				if !ok {
					return
				}
				h.broadcast(router.StatusPush{Type: router.TypeConnectionStatusChanged, Status: s})
			}
		}
	}()
}

func (h *channelHub) broadcast(v interface{}) {
	h.mu.RLock()
	clients := make([]*channelClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.writeJSON(v); err != nil {
			h.logger.Debug("Status push failed", "error", err)
		}
	}
}

func (h *channelHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *channelHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.conn.Close()
	}
}

func (h *channelHub) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	c := &channelClient{conn: conn}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.ChannelClients.Inc()

	// Requests outlive a dropped connection only until it is noticed.
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		metrics.ChannelClients.Dec()
		conn.Close()
	}()

	h.logger.Debug("Channel client connected", "remote", r.RemoteAddr)
	if err := c.writeJSON(router.StatusPush{Type: router.TypeConnectionStatusChanged, Status: h.status.Status()}); err != nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("Channel read error", "error", err)
			}
			return
		}

		var req router.Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.writeJSON(router.NewReply("", nil, fmt.Errorf("%w: %v", router.ErrInvalidPayload, err)))
			continue
		}

		h.router.Serve(ctx, req, func(rep router.Reply) {
			if err := c.writeJSON(rep); err != nil {
				h.logger.Debug("Reply write failed", "id", rep.ID, "error", err)
			}
		})
	}
}
