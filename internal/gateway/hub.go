package gateway

import "sync"

const defaultStreamBuffer = 16

// Hub is the fan-out primitive behind every broadcast: a registry of
// per-connection outbound event streams. Sends are non-blocking; a consumer
// that cannot keep up drops events and reconciles through message ids on
// reconnect.
//
// Streams are closed only while holding the write lock and sent to only while
// holding the read lock, so a send can never hit a closed stream.
type Hub struct {
	mu         sync.RWMutex
	streams    map[string]chan Event
	bufferSize int
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{
		streams:    make(map[string]chan Event),
		bufferSize: defaultStreamBuffer,
	}
}

// Attach creates the outbound stream for a connection and returns it. A second
// attach for the same id replaces the previous stream.
func (h *Hub) Attach(connectionID string) <-chan Event {
	stream := make(chan Event, h.bufferSize)
	h.mu.Lock()
	if previous, ok := h.streams[connectionID]; ok {
		close(previous)
	}
	h.streams[connectionID] = stream
	h.mu.Unlock()
	return stream
}

// Detach removes and closes the connection's stream.
func (h *Hub) Detach(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if stream, ok := h.streams[connectionID]; ok {
		delete(h.streams, connectionID)
		close(stream)
	}
}

// Send delivers the event to a single connection. It reports false when the
// connection is not attached or its buffer is full.
func (h *Hub) Send(connectionID string, event Event) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	stream, ok := h.streams[connectionID]
	if !ok {
		return false
	}
	select {
	case stream <- event:
		return true
	default:
		return false
	}
}

// Broadcast delivers the event to every attached connection.
func (h *Hub) Broadcast(event Event) {
	h.broadcast(event, "")
}

// BroadcastExcept delivers the event to every attached connection other than
// the origin.
func (h *Hub) BroadcastExcept(originConnectionID string, event Event) {
	h.broadcast(event, originConnectionID)
}

// ConnectionCount reports how many connections are currently attached.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}

func (h *Hub) broadcast(event Event, skipConnectionID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for connectionID, stream := range h.streams {
		if connectionID == skipConnectionID {
			continue
		}
		select {
		case stream <- event:
		default:
		}
	}
}
