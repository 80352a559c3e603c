package transport

import "sync"

// Registry tracks the live ChannelTransport for each remote session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]ChannelTransport
}

// NewRegistry creates an empty transport registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]ChannelTransport)}
}

// Get returns the transport for the given session id, or nil if none exists.
func (r *Registry) Get(sessionID string) ChannelTransport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// Set stores a transport for the given session id.
func (r *Registry) Set(sessionID string, t ChannelTransport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = t
}

// Remove closes and removes the transport for the given session id.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	t, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	if ok && t != nil {
		t.Close()
	}
}

// SessionIDs returns the ids of all registered sessions.
func (r *Registry) SessionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown closes every registered transport.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]ChannelTransport)
	r.mu.Unlock()

	for _, t := range sessions {
		if t != nil {
			t.Close()
		}
	}
}
