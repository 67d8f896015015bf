package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 256 << 10 // portfolios can carry many positions
)

// Client represents a single WebSocket peer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	// in-flight requests are cancelled when the client goes away
	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}

	done     chan struct{}
	stopOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	inFlight := h.MaxInFlight
	if inFlight <= 0 {
		inFlight = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:   conn,
		send:   make(chan []byte, 64),
		hub:    h,
		ctx:    ctx,
		cancel: cancel,
		sem:    make(chan struct{}, inFlight),
		done:   make(chan struct{}),
	}
}

func (c *Client) stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		close(c.done)
	})
}

// SendJSON queues v for the client, dropping it if the buffer is full or
// the client is gone.
func (c *Client) SendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("[gateway] json marshal error", "error", err)
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		slog.Warn("[gateway] client send buffer full, dropping reply")
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.RemoveClient(c)
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.RemoveClient(c)
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
		slog.Info("[gateway] ws client disconnected")
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		// Block reading while MaxInFlight requests are running.
		select {
		case c.sem <- struct{}{}:
		case <-c.done:
			return
		}
		go func(raw []byte) {
			defer func() { <-c.sem }()
			reply := c.hub.d.HandleEnvelope(c.ctx, raw, "ws")
			c.SendJSON(reply)
		}(msg)
	}
}
