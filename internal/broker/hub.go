// Package broker is a small in-memory STOMP broker speaking the same
// destinations as the chat backend. It exists to run the client locally and
// to test it end to end.
package broker

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/omochice/realtime-chat-client/internal/stomp"
)

// Conn abstracts the WebSocket connection of one broker session.
type Conn interface {
	// Read reads a single WebSocket message.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single WebSocket message.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Session is one connected client.
type Session struct {
	ID       string
	Conn     Conn
	Outgoing chan []byte

	done     chan struct{}
	doneOnce sync.Once

	mu   sync.Mutex
	subs map[string]string // subscription id -> destination
}

// NewSession creates a session around conn with room for queued bytes.
func NewSession(conn Conn, queue int) *Session {
	return &Session{
		ID:       uuid.NewString(),
		Conn:     conn,
		Outgoing: make(chan []byte, queue),
		done:     make(chan struct{}),
		subs:     make(map[string]string),
	}
}

// Enqueue queues data for the writer. It reports false when the session is
// closed or its queue is full.
func (s *Session) Enqueue(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.Outgoing <- data:
		return true
	default:
		return false
	}
}

// Close marks the session done. The writer stops and Enqueue fails.
func (s *Session) Close() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) subscribe(id, destination string) {
	s.mu.Lock()
	s.subs[id] = destination
	s.mu.Unlock()
}

func (s *Session) unsubscribe(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[id]
	delete(s.subs, id)
	return ok
}

// matching returns the ids of the subscriptions on destination.
func (s *Session) matching(destination string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, dest := range s.subs {
		if dest == destination {
			ids = append(ids, id)
		}
	}
	return ids
}

// Hub tracks sessions and fans messages out to subscribers.
type Hub struct {
	sessions map[*Session]bool
	mu       sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[*Session]bool),
	}
}

// Register adds a session to the hub.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s] = true
}

// Unregister removes a session from the hub.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s)
}

// ClientCount returns number of connected sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Deliver sends body as a MESSAGE frame to every subscription on
// destination and returns how many frames were queued.
func (h *Hub) Deliver(destination, contentType string, body []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for s := range h.sessions {
		for _, id := range s.matching(destination) {
			data, err := stomp.Encode(stomp.Message(id, uuid.NewString(), destination, contentType, body))
			if err != nil {
				continue
			}
			if s.Enqueue(data) {
				delivered++
			}
		}
	}
	return delivered
}

// Subscriptions returns the destination of every active subscription,
// sorted, one entry per subscription.
func (h *Hub) Subscriptions() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var destinations []string
	for s := range h.sessions {
		s.mu.Lock()
		for _, dest := range s.subs {
			destinations = append(destinations, dest)
		}
		s.mu.Unlock()
	}
	sort.Strings(destinations)
	return destinations
}

// CloseAll closes every session and its connection.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions {
		s.Close()
		_ = s.Conn.Close()
	}
}
