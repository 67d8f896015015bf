package gateway

import (
	"log/slog"
	"sync"

	"options-analytics/internal/metrics"

	"github.com/gorilla/websocket"
)

// Hub tracks connected WebSocket clients. Each client sends request
// envelopes and receives one reply per request; there is no fan-out.
type Hub struct {
	d       *Dispatcher
	metrics *metrics.Metrics

	// MaxInFlight caps concurrent requests per client.
	MaxInFlight int

	mu      sync.RWMutex
	clients map[*Client]bool
}

// NewHub creates a hub whose clients dispatch through d.
func NewHub(d *Dispatcher, m *metrics.Metrics) *Hub {
	if m == nil {
		m = d.metrics
	}
	return &Hub{
		d:           d,
		metrics:     m,
		MaxInFlight: 4,
		clients:     make(map[*Client]bool),
	}
}

// HandleWSRequest registers an upgraded connection and starts its pumps.
func (h *Hub) HandleWSRequest(conn *websocket.Conn) {
	client := newClient(h, conn)

	conn.EnableWriteCompression(true)

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.metrics.WSClients.Inc()

	slog.Info("[gateway] ws client connected", "clients", count)

	go client.writePump()
	go client.readPump()
}

// RemoveClient removes a client from the hub. Safe to call more than once.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		h.metrics.WSClients.Dec()
		c.stop()
	}
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every client, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.RemoveClient(c)
	}
}
