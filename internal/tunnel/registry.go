package tunnel

import "sync"

// Registry is the authoritative table of tunnels. Its lock covers only the
// lookup/insert/delete itself and is never held across I/O.
type Registry struct {
	mu      sync.RWMutex
	tunnels map[string]*Tunnel
}

// NewRegistry creates an empty tunnel registry.
func NewRegistry() *Registry {
	return &Registry{tunnels: make(map[string]*Tunnel)}
}

// Insert adds a tunnel. It fails with ErrPortInUse when another tunnel
// that is not yet terminal already claims the same local port.
func (r *Registry) Insert(t *Tunnel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.tunnels {
		if existing.LocalPort == t.LocalPort && !existing.State().terminal() {
			return ErrPortInUse
		}
	}
	r.tunnels[t.ID] = t
	return nil
}

// Get returns the tunnel for the given id, or nil.
func (r *Registry) Get(id string) *Tunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tunnels[id]
}

// Remove deletes the tunnel record. The tunnel itself must already be in a
// terminal state.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tunnels, id)
}

// List returns snapshots of all tunnels for the given session id, or of
// every tunnel when sessionID is empty.
func (r *Registry) List(sessionID string) []Info {
	r.mu.RLock()
	tunnels := make([]*Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		if sessionID == "" || t.SessionID == sessionID {
			tunnels = append(tunnels, t)
		}
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(tunnels))
	for _, t := range tunnels {
		infos = append(infos, t.info())
	}
	return infos
}

// All returns every registered tunnel.
func (r *Registry) All() []*Tunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		all = append(all, t)
	}
	return all
}
