// Package notify implements the notification fabric: fan-out consumption
// from the broker, live delivery to connected UI sockets, durable
// store-and-forward for offline sessions, and replay on reconnect.
package notify

import (
	"context"
	"sync"
)

// Sender is one connected UI socket. Implementations must be safe for
// concurrent Send calls; the gateway's WebSocket wrapper serializes writes.
type Sender interface {
	// Send writes one notification frame to the client.
	Send(ctx context.Context, payload []byte) error
}

// Registry tracks the live sockets per session. A session may have several
// sockets open at once (multiple tabs, web plus mobile); every one of them
// receives every notification for the session.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]map[Sender]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]map[Sender]struct{})}
}

// Add registers a socket under a session.
func (r *Registry) Add(sessionID string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[sessionID]
	if !ok {
		set = make(map[Sender]struct{})
		r.sessions[sessionID] = set
	}
	set[s] = struct{}{}
}

// Remove drops a socket. Removing the last socket of a session removes the
// session entry entirely, so Sessions never reports ghosts.
func (r *Registry) Remove(sessionID string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.sessions, sessionID)
	}
}

// Sockets returns a snapshot of the sockets for one session. The snapshot is
// safe to iterate without the lock; sends happen outside it.
func (r *Registry) Sockets(sessionID string) []Sender {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.sessions[sessionID]
	out := make([]Sender, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// All returns a snapshot of every socket paired with its session, for
// broadcast notifications.
func (r *Registry) All() map[string][]Sender {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]Sender, len(r.sessions))
	for sid, set := range r.sessions {
		list := make([]Sender, 0, len(set))
		for s := range set {
			list = append(list, s)
		}
		out[sid] = list
	}
	return out
}

// Count returns the total number of registered sockets.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, set := range r.sessions {
		n += len(set)
	}
	return n
}
