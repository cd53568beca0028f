package gateway

import (
	"errors"
	"sync"
)

// ErrUnknownConnection indicates the connection id was never registered or has
// already been unregistered.
var ErrUnknownConnection = errors.New("gateway: unknown connection")

// ConnectionRegistry is the in-memory bidirectional mapping between live
// connection ids and authenticated phone identities. It also keeps a live
// connection count per identity so that presence only flips offline when the
// last connection for that identity goes away.
//
// All methods are safe for concurrent use from arbitrarily interleaved
// connection handlers.
type ConnectionRegistry struct {
	mu       sync.Mutex
	sessions map[string]string
	live     map[string]int
}

// NewConnectionRegistry constructs an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		sessions: make(map[string]string),
		live:     make(map[string]int),
	}
}

// Register records a new unauthenticated session for the connection id.
func (r *ConnectionRegistry) Register(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[connectionID] = ""
}

// Authenticate binds the phone identity to a previously registered connection.
// A second authenticate for the same connection overwrites the binding; the
// displaced identity and its remaining live-connection count are returned so
// the caller can complete an offline transition when the count drained to
// zero.
func (r *ConnectionRegistry) Authenticate(connectionID, phone string) (displaced string, displacedRemaining int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous, ok := r.sessions[connectionID]
	if !ok {
		return "", 0, ErrUnknownConnection
	}
	if previous == phone {
		return "", 0, nil
	}
	if previous != "" {
		displaced = previous
		displacedRemaining = r.decrementLocked(previous)
	}
	r.sessions[connectionID] = phone
	r.live[phone]++
	return displaced, displacedRemaining, nil
}

// Lookup returns the identity bound to the connection, or false when the
// connection is unknown or still unauthenticated.
func (r *ConnectionRegistry) Lookup(connectionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	phone, ok := r.sessions[connectionID]
	if !ok || phone == "" {
		return "", false
	}
	return phone, true
}

// Unregister removes the session and returns the identity that was bound to it
// (bound=false when the handshake never completed) together with the number of
// live connections that identity still has.
func (r *ConnectionRegistry) Unregister(connectionID string) (phone string, remaining int, bound bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	phone, ok := r.sessions[connectionID]
	delete(r.sessions, connectionID)
	if !ok || phone == "" {
		return "", 0, false
	}
	return phone, r.decrementLocked(phone), true
}

// LiveConnections reports how many authenticated connections the identity
// currently has.
func (r *ConnectionRegistry) LiveConnections(phone string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live[phone]
}

func (r *ConnectionRegistry) decrementLocked(phone string) int {
	count := r.live[phone]
	if count <= 1 {
		delete(r.live, phone)
		return 0
	}
	r.live[phone] = count - 1
	return count - 1
}
