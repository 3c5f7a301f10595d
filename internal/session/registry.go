// Package session tracks live client connections. The registry is the single
// owner of session state: connect, disconnect, and query-recording all funnel
// through its API, and the broadcaster reads it only via ForEach.
package session

import (
	"sync"
	"sync/atomic"
)

// Sender delivers one message to a client. Send must not block; it reports
// false when the message was dropped (backpressure or closed transport).
type Sender interface {
	Send(payload []byte) bool
}

// Query is the most recent listing request a session issued. It is kept per
// session but does not filter pushes; fan-out is unconditional.
type Query struct {
	Sort      string
	Direction string
	Page      int
}

type session struct {
	sender    Sender
	lastQuery *Query
}

// Registry is a shared mapping from session ID to session state. State is
// discarded immediately on unregister; reconnects start from scratch.
type Registry struct {
	mu       sync.RWMutex
	sessions map[int64]*session
	seq      atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[int64]*session)}
}

// Register adds a new session and returns its ID.
func (r *Registry) Register(sender Sender) int64 {
	id := r.seq.Add(1)

	r.mu.Lock()
	r.sessions[id] = &session{sender: sender}
	r.mu.Unlock()

	return id
}

// RecordQuery overwrites the session's live query. Unknown IDs are ignored;
// the session may have disconnected while its request was in flight.
func (r *Registry) RecordQuery(id int64, q Query) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		s.lastQuery = &q
	}
	r.mu.Unlock()
}

// LastQuery returns the session's recorded query, if any.
func (r *Registry) LastQuery(id int64) (Query, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok || s.lastQuery == nil {
		return Query{}, false
	}
	return *s.lastQuery, true
}

// Unregister removes a session and all its state.
func (r *Registry) Unregister(id int64) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ForEach invokes fn for every registered session. fn must not call back
// into the registry.
func (r *Registry) ForEach(fn func(id int64, s Sender)) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, s := range r.sessions {
		fn(id, s.sender)
	}
}
