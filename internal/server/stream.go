package server

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/murmurwall/murmur/internal/engine"
)

const (
	writeTimeout = 5 * time.Second

	// sendBuffer is the per-client event backlog. A client that falls
	// this far behind is dropped.
	sendBuffer = 8
)

// streamEvent is the wire shape pushed to websocket clients on every
// cluster cycle.
type streamEvent struct {
	Type    string      `json:"type"`
	Cluster clusterJSON `json:"cluster"`
	Added   []int64     `json:"added,omitempty"`
	Evicted []int64     `json:"evicted,omitempty"`
}

// client is one websocket subscriber. All writes to the connection go
// through its writer goroutine; the hub only enqueues.
type client struct {
	conn *websocket.Conn
	send chan streamEvent

	// closeReason is set by the hub before send is closed. The channel
	// close orders it before the writer goroutine reads it.
	closeReason string
}

// writeLoop drains the client's send channel onto the connection. It
// exits when the channel is closed (hub dropped the client) or a write
// fails.
func (c *client) writeLoop(h *Hub) {
	for msg := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := wsjson.Write(ctx, c.conn, msg)
		cancel()
		if err != nil {
			h.drop(c, "write failure")
			c.conn.Close(websocket.StatusPolicyViolation, "write failure")
			return
		}
	}
	c.conn.Close(websocket.StatusGoingAway, c.closeReason)
}

// Hub fans engine change events out to connected websocket clients.
// Broadcast only enqueues onto per-client buffers and never waits on a
// connection, so a slow or dead client cannot stall the caller; a client
// whose buffer overflows is dropped instead.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

func newHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

func (h *Hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

// send enqueues one event for a single client, silently dropping the
// event if the client is gone or its buffer is full.
func (h *Hub) send(c *client, ev streamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- ev:
	default:
	}
}

// drop removes a client and closes its send channel exactly once. The
// membership check makes concurrent drops (reader exit, writer failure,
// broadcast overflow, shutdown) safe.
func (h *Hub) drop(c *client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	h.mu.Unlock()

	if ok {
		c.closeReason = reason
		close(c.send)
	}
}

// Broadcast enqueues an engine change event for every connected client.
// Never blocks: clients that cannot keep up lose their slot, not the
// engine its cycle. Safe to call from the engine's change listener.
func (h *Hub) Broadcast(ev engine.ChangeEvent) {
	if ev.Cluster == nil {
		return
	}
	msg := streamEvent{
		Type:    "cluster",
		Cluster: toClusterJSON(ev.Cluster),
		Added:   ev.Added,
		Evicted: ev.Evicted,
	}

	h.mu.Lock()
	var dropped []*client
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			delete(h.clients, c)
			dropped = append(dropped, c)
		}
	}
	h.mu.Unlock()

	for _, c := range dropped {
		c.closeReason = "send buffer overflow"
		close(c.send)
	}
}

// close disconnects every client and rejects future registrations.
func (h *Hub) close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.closeReason = "server shutting down"
		close(c.send)
	}
}

// handleStream upgrades the request and holds the connection open until
// the client disconnects. All traffic is server to client; anything the
// client sends is drained and ignored.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // same-origin wall displays and kiosks
	})
	if err != nil {
		log.Printf("stream accept: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan streamEvent, sendBuffer)}
	if !s.hub.add(c) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	go c.writeLoop(s.hub)
	defer s.hub.drop(c, "client disconnected")

	// Queue the current cluster so a new display does not wait a full
	// cycle for content.
	if cluster := s.engine.LastCluster(); cluster != nil {
		s.hub.send(c, streamEvent{Type: "cluster", Cluster: toClusterJSON(cluster)})
	}

	// Block until the peer goes away.
	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}
