package admin

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opencast/castbus/bus"
)

const maxWSConnections = 100

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Operational tooling endpoint; origin checks are left to the deployment.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans bus activity out to websocket clients for live troubleshooting.
// Single broadcaster; slow or dead clients are dropped, never waited on.
type Hub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	activity   chan bus.Activity
	mu         sync.Mutex
}

// NewHub creates an activity hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		activity:   make(chan bus.Activity, 256),
	}
}

// Publish queues an activity notification. Never blocks: when the buffer is
// full the notification is dropped (the tail is best effort).
func (h *Hub) Publish(a bus.Activity) {
	select {
	case h.activity <- a:
	default:
	}
}

// Run drives the hub until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("[admin] websocket rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("[admin] websocket client connected. Total: %d", total)

		case conn := <-h.unregister:
			h.drop(conn)

		case a := <-h.activity:
			h.broadcast(a)
		}
	}
}

func (h *Hub) broadcast(a bus.Activity) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(a); err != nil {
			log.Printf("[admin] websocket write error: %v", err)
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// handleWS upgrades the connection and parks a reader that detects closes.
func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[admin] websocket upgrade failed: %v", err)
		return
	}
	h.register <- conn

	go func() {
		defer func() { h.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
