// Package trainmonitor streams live training progress snapshots to websocket
// clients. The supervisor publishes one snapshot per poll tick; slow clients
// are dropped rather than allowed to stall training.
package trainmonitor

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	clientQueueSize = 16
	pingInterval    = 30 * time.Second
)

// Snapshot is one point-in-time view of a running trial.
type Snapshot struct {
	TrialID      string        `json:"trial_id"`
	Steps        int64         `json:"steps"`
	Rewards      float64       `json:"rewards"`
	MeanReward   float64       `json:"mean_reward"`
	AliveWorkers int           `json:"alive_workers"`
	Elapsed      time.Duration `json:"elapsed_ns"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans snapshots out to connected websocket clients.
type Hub struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[*client]struct{}
	last     []byte
	closed   bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Publish broadcasts a snapshot to every connected client. Clients whose
// queue is full are disconnected.
func (h *Hub) Publish(s Snapshot) {
	data, err := json.Marshal(s)
	if err != nil {
		log.Printf("monitor: marshaling snapshot: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.last = data

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request to a websocket and streams snapshots until
// the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("monitor: websocket upgrade: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientQueueSize)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	if h.last != nil {
		c.send <- h.last
	}
	h.mu.Unlock()

	go h.sender(c)
	h.reader(c)
}

func (h *Hub) sender(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) reader(c *client) {
	defer func() {
		h.mu.Lock()
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close disconnects all clients and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		close(c.send)
		c.conn.Close()
		delete(h.clients, c)
	}
}
