package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsSendBuffer = 16
)

// wsHub fans ledger snapshots out to live feed clients.
//
// A single goroutine owns the connection set. Snapshots are full state, so
// publish only keeps the latest one and wakes the hub; a burst of appends
// coalesces into fewer frames but the final state is always delivered.
type wsHub struct {
	connections map[*wsConn]bool

	registerCh   chan *wsConn
	unregisterCh chan *wsConn
	notifyCh     chan struct{}

	mu     sync.Mutex
	latest []byte

	done     chan struct{}
	stopOnce sync.Once
}

// wsConn wraps a single WebSocket connection.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte
}

var upgrader = websocket.Upgrader{
	CheckOrigin: sameOrigin,
}

func newWSHub() *wsHub {
	return &wsHub{
		connections:  make(map[*wsConn]bool),
		registerCh:   make(chan *wsConn),
		unregisterCh: make(chan *wsConn),
		notifyCh:     make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

func (h *wsHub) run() {
	for {
		select {
		case c := <-h.registerCh:
			h.connections[c] = true
			if msg := h.current(); msg != nil {
				c.send <- msg // fresh buffer, never full
			}
			slog.Debug("websocket client connected", "total", len(h.connections))

		case c := <-h.unregisterCh:
			if h.connections[c] {
				delete(h.connections, c)
				close(c.send)
				slog.Debug("websocket client disconnected", "total", len(h.connections))
			}

		case <-h.notifyCh:
			msg := h.current()
			for c := range h.connections {
				select {
				case c.send <- msg:
				default:
					// Slow client: drop it rather than stall the feed.
					delete(h.connections, c)
					close(c.send)
				}
			}

		case <-h.done:
			for c := range h.connections {
				delete(h.connections, c)
				close(c.send)
			}
			return
		}
	}
}

func (h *wsHub) current() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest
}

// publish replaces the latest frame and wakes the hub. Never blocks.
func (h *wsHub) publish(msg []byte) {
	h.mu.Lock()
	h.latest = msg
	h.mu.Unlock()
	select {
	case h.notifyCh <- struct{}{}:
	default:
	}
}

func (h *wsHub) stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// handleWebSocket upgrades the connection and registers it. The client
// receives the current snapshot first, then one frame per change.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsConn{conn: conn, send: make(chan []byte, wsSendBuffer)}
	select {
	case s.ws.registerCh <- c:
	case <-s.ws.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump(s.ws)
}

func (c *wsConn) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteWait))
}

// readPump drains client frames to detect disconnection.
func (c *wsConn) readPump(h *wsHub) {
	defer func() {
		select {
		case h.unregisterCh <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
