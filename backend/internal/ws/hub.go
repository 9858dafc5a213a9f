// Package ws is the server end of the realtime protocol: one hub of
// topic -> connections, and per-connection read and write loops.
package ws

import (
	"sync"

	"github.com/rs/zerolog"

	"collabServer/backend/internal/protocol"
)

type Hub struct {
	mu sync.RWMutex
	// topic -> set of connections. One user may hold several connections
	// (tabs, devices), so fan-out is per connection.
	rooms map[string]map[*Conn]struct{}
	log   zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{rooms: make(map[string]map[*Conn]struct{}), log: log.With().Str("component", "hub").Logger()}
}

// Join adds c to a topic. It reports false if c was already a member.
func (h *Hub) Join(topic string, c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.rooms[topic]
	if conns == nil {
		conns = make(map[*Conn]struct{})
		h.rooms[topic] = conns
	}
	if _, ok := conns[c]; ok {
		return false
	}
	conns[c] = struct{}{}
	return true
}

// Leave removes c from a topic and reports whether the topic is now empty.
func (h *Hub) Leave(topic string, c *Conn) (empty bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.rooms[topic]
	if !ok {
		return false
	}
	if _, member := conns[c]; !member {
		return false
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.rooms, topic)
		return true
	}
	return false
}

func (h *Hub) Members(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[topic])
}

// UserConns counts the connections of userID in a topic.
func (h *Hub) UserConns(topic, userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.rooms[topic] {
		if c.userID == userID {
			n++
		}
	}
	return n
}

// Broadcast enqueues an encoded frame on every connection of the topic
// except the sender. It returns the number of connections reached.
func (h *Hub) Broadcast(topic string, except *Conn, raw []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.rooms[topic] {
		if c == except {
			continue
		}
		if c.enqueue(raw) {
			n++
		}
	}
	return n
}

// Publish encodes msg once and broadcasts it.
func (h *Hub) Publish(topic string, except *Conn, msg protocol.Message) int {
	raw, err := protocol.Encode(topic, msg)
	if err != nil {
		h.log.Error().Err(err).Str("topic", topic).Msg("encode broadcast")
		return 0
	}
	return h.Broadcast(topic, except, raw)
}

// Deliver fans out a frame received from another server instance.
func (h *Hub) Deliver(topic string, raw []byte) {
	h.Broadcast(topic, nil, raw)
}
