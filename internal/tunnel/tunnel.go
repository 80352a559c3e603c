package tunnel

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies what a tunnel does with its byte stream.
type Kind string

const (
	// KindSocks5 multiplexes many client connections over the tunnel
	// channel behind a local SOCKS5 front end.
	KindSocks5 Kind = "socks5"
	// KindForward forwards a single local connection to the remote target
	// untouched.
	KindForward Kind = "forward"
)

// State is a tunnel lifecycle state. Transitions are monotonic: a tunnel
// never leaves Closed or Failed.
type State int

const (
	StateStarting State = iota
	StateActive
	StateStopping
	StateClosed
	StateFailed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// terminal reports whether no further transitions are allowed.
func (s State) terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Tunnel is the registry's record of one managed tunnel. The registry owns
// it; all mutation goes through Manager operations.
type Tunnel struct {
	ID           string
	Kind         Kind
	SessionID    string
	LocalPort    int
	RemoteTarget string
	CreatedAt    time.Time

	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	// lifecycle serializes concurrent Start/Stop on the same tunnel so one
	// observes the other's completed effect.
	lifecycle sync.Mutex

	mu    sync.Mutex
	state State
}

// State returns the current lifecycle state.
func (t *Tunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// transition moves the tunnel to the given state. It returns false when
// the current state is terminal; monotonicity is never violated.
func (t *Tunnel) transition(to State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.terminal() {
		return false
	}
	t.state = to
	return true
}

// addBytes accumulates relay transfer counters. in counts bytes flowing
// from the remote channel to the local side.
func (t *Tunnel) addBytes(in, out int64) {
	t.bytesIn.Add(in)
	t.bytesOut.Add(out)
}

// Info is a read-only snapshot of a tunnel, as returned by ListTunnels.
type Info struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	SessionID    string    `json:"session_id"`
	LocalPort    int       `json:"local_port"`
	RemoteTarget string    `json:"remote_target,omitempty"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	BytesIn      int64     `json:"bytes_in"`
	BytesOut     int64     `json:"bytes_out"`
}

// info snapshots the tunnel.
func (t *Tunnel) info() Info {
	return Info{
		ID:           t.ID,
		Kind:         t.Kind,
		SessionID:    t.SessionID,
		LocalPort:    t.LocalPort,
		RemoteTarget: t.RemoteTarget,
		State:        t.State().String(),
		CreatedAt:    t.CreatedAt,
		BytesIn:      t.bytesIn.Load(),
		BytesOut:     t.bytesOut.Load(),
	}
}
