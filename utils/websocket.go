package utils

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/mgutz/logxi/v1"
)

var logger = log.New("ws")

// SetLogger replaces the package logger. Call it before any traffic.
func SetLogger(l log.Logger) {
	logger = l
}

// clientWriteTimeout keeps one slow client from stalling a broadcast.
const clientWriteTimeout = 100 * time.Millisecond

type WebSocketHub struct {
	clients map[*websocket.Conn]bool
	mu      sync.Mutex
}

func NewWebSocketHub() *WebSocketHub {
	return &WebSocketHub{
		clients: make(map[*websocket.Conn]bool),
	}
}

func (h *WebSocketHub) AddClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = true
	logger.Debug("client added", "remote", conn.RemoteAddr(), "clients", len(h.clients))
}

func (h *WebSocketHub) RemoveClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
		logger.Debug("client removed", "remote", conn.RemoteAddr(), "clients", len(h.clients))
	}
}

// ClientCount returns the number of attached clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll disconnects every client.
func (h *WebSocketHub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

func (h *WebSocketHub) Broadcast(event WebSocketEvent) {
	h.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	var failedClients []*websocket.Conn
	var failedMu sync.Mutex

	for _, conn := range clients {
		wg.Add(1)
		go func(c *websocket.Conn) {
			defer wg.Done()

			c.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
			if err := c.WriteJSON(event); err != nil {
				failedMu.Lock()
				failedClients = append(failedClients, c)
				failedMu.Unlock()
			}
		}(conn)
	}

	wg.Wait()

	if len(failedClients) > 0 {
		h.mu.Lock()
		for _, conn := range failedClients {
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
		}
		h.mu.Unlock()
		logger.Warn("dropped unresponsive clients", "count", len(failedClients), "event", event.Type)
	}
}
