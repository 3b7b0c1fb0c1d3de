package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bullionx/marketplace-engine/internal/model"
)

// client is one WebSocket connection. The mutex serializes writes: the hub
// loop broadcasts and the ping ticker write from different goroutines, and
// gorilla/websocket allows at most one concurrent writer per connection.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

// Hub broadcasts fill events to connected WebSocket clients. It implements
// Notifier; a slow or dead client never delays order formation.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case cl := <-h.register:
			h.mu.Lock()
			h.clients[cl] = true
			h.mu.Unlock()
			slog.Info("ws client connected", "total", len(h.clients))

		case cl := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[cl]; ok {
				delete(h.clients, cl)
				cl.conn.Close()
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for cl := range h.clients {
				if err := cl.write(websocket.TextMessage, msg); err != nil {
					cl.conn.Close()
					delete(h.clients, cl)
				}
			}
			h.mu.Unlock()
		}
	}
}

// NotifyFilled broadcasts a fill event to all connected clients.
func (h *Hub) NotifyFilled(ev model.FillEvent) {
	data, err := json.Marshal(struct {
		Type string `json:"type"`
		model.FillEvent
	}{Type: "bid_filled", FillEvent: ev})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking order formation.
		slog.Warn("fill event dropped, ws buffer full", "order", ev.OrderID)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	cl := &client{conn: conn}
	h.register <- cl

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- cl }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[cl]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := cl.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}
