package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vincentbai/target-inspector/internal/log"
	"github.com/vincentbai/target-inspector/internal/models"
)

const (
	clientBufferSize = 16
	writeWait        = 5 * time.Second
)

type client struct {
	conn  *websocket.Conn
	tabID string // empty subscribes to every tab
	send  chan []byte
}

// Hub pushes ACTIVITY_DETECTED notifications to WebSocket subscribers.
// Delivery is best effort: a client that falls behind misses frames.
type Hub struct {
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	wg      sync.WaitGroup
}

func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			// the UI is served from an extension origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ActivityCommitted implements inspector.Notifier.
func (h *Hub) ActivityCommitted(tabID string, activity models.Activity) {
	frame, err := json.Marshal(models.Notification{
		Type:     models.NotifyActivityDetected,
		TabID:    tabID,
		Activity: activity,
	})
	if err != nil {
		h.logger.Errorf("Hub:ActivityCommitted", "encoding notification: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.tabID != "" && c.tabID != tabID {
			continue
		}
		select {
		case c.send <- frame:
		default:
			h.logger.Debugf("Hub:ActivityCommitted", "dropping frame for slow client %s", c.conn.RemoteAddr())
		}
	}
}

// ServeHTTP upgrades the request and streams notifications until the
// client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debugf("Hub:ServeHTTP", "upgrade failed: %v", err)
		return
	}
	c := &client{
		conn:  conn,
		tabID: r.URL.Query().Get("tabId"),
		send:  make(chan []byte, clientBufferSize),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.writePump(c)
	}()

	// reads only detect the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.unregister(c)
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for frame := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Clients is the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber and waits for their writers to stop.
func (h *Hub) Close() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	h.wg.Wait()
}
