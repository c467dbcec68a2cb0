// Package registry tracks the live operator connection for each party.
package registry

import (
	"context"
	"sync"

	"github.com/matheus3301/relay/internal/metrics"
)

// Conn is a live push connection to an operator console.
type Conn interface {
	// ID uniquely identifies the connection for its lifetime.
	ID() string
	// Send writes one frame. An error means the connection is dead.
	Send(ctx context.Context, frame []byte) error
	Close() error
}

// Entry pairs a party with its registered connection.
type Entry struct {
	Party string
	Conn  Conn
}

// Registry maps a party id to at most one live connection.
type Registry struct {
	mu    sync.Mutex
	conns map[string]Conn
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Register makes conn the connection for party. The last registration wins;
// the displaced connection, if any, is returned and left open.
func (r *Registry) Register(party string, conn Conn) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[party]
	r.conns[party] = conn
	if prev == nil {
		metrics.ActiveConnections.Inc()
	}
	return prev
}

// Unregister removes conn for party only if it is still the registered one.
// A stale connection closing never evicts its replacement.
func (r *Registry) Unregister(party string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[party]
	if !ok || cur.ID() != conn.ID() {
		return false
	}
	delete(r.conns, party)
	metrics.ActiveConnections.Dec()
	return true
}

// Lookup returns the connection registered for party.
func (r *Registry) Lookup(party string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[party]
	return c, ok
}

// All returns a snapshot of every registration.
func (r *Registry) All() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.conns))
	for party, c := range r.conns {
		out = append(out, Entry{Party: party, Conn: c})
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
