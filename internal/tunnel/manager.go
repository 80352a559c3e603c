// Package tunnel implements the tunnel lifecycle manager: ephemeral
// SOCKS5 proxy and raw port-forward channels opened through an
// already-authenticated session transport. The Registry owns the tunnel
// records; the Manager owns the local listeners, the remote channels and
// the relay goroutines, and is the single point of mutation.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/yamux"

	"github.com/0xmanhnv/sliver-ui/internal/eventbus"
	"github.com/0xmanhnv/sliver-ui/internal/transport"
)

// Config carries the manager's tunables.
type Config struct {
	// ConnectTimeout bounds how long a sub-stream or forward channel waits
	// for the remote side to report its dial outcome.
	ConnectTimeout time.Duration
}

// FailedEvent is the payload published on tunnel.failed.
type FailedEvent struct {
	TunnelID  string `json:"tunnel_id"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// StartResult is returned by StartTunnel.
type StartResult struct {
	TunnelID    string   `json:"tunnel_id"`
	LocalPort   int      `json:"local_port"`
	DerivedURLs []string `json:"derived_urls,omitempty"`
}

// running bundles the live resources of one tunnel: the local listener and
// the remote channel are acquired together at start and released together
// at teardown.
type running struct {
	t       *Tunnel
	tr      transport.ChannelTransport
	ln      net.Listener
	channel net.Conn
	mux     *yamux.Session // socks5 sub-stream session, nil for forward

	// forward-only: busy gates the single active connection, ready is
	// closed once the remote dial outcome arrived in readyErr.
	busy     atomic.Bool
	ready    chan struct{}
	readyErr error
}

// Manager orchestrates tunnel start/stop and runs the relay loops.
type Manager struct {
	cfg        Config
	registry   *Registry
	transports *transport.Registry
	hub        *eventbus.Hub

	mu      sync.Mutex
	running map[string]*running
	wg      sync.WaitGroup
}

// NewManager creates a tunnel manager. Failed-tunnel events are published
// to hub on the tunnel.failed topic.
func NewManager(transports *transport.Registry, hub *eventbus.Hub, cfg Config) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	return &Manager{
		cfg:        cfg,
		registry:   NewRegistry(),
		transports: transports,
		hub:        hub,
		running:    make(map[string]*running),
	}
}

// StartTunnel allocates a loopback listener (ephemeral port when localPort
// is 0), opens the remote channel for a fresh tunnel id, registers the
// tunnel and spawns its accept loop. remoteTarget is required for forward
// tunnels and ignored for SOCKS5 ones.
func (m *Manager) StartTunnel(ctx context.Context, sessionID string, kind Kind, localPort int, remoteTarget string) (StartResult, error) {
	tr := m.transports.Get(sessionID)
	if tr == nil || !tr.Connected() {
		return StartResult{}, fmt.Errorf("session %s: %w", sessionID, ErrSessionUnavailable)
	}
	if kind == KindForward && remoteTarget == "" {
		return StartResult{}, fmt.Errorf("forward tunnel requires a remote target")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		if localPort != 0 {
			return StartResult{}, fmt.Errorf("port %d: %w", localPort, ErrPortInUse)
		}
		return StartResult{}, fmt.Errorf("listen: %w", err)
	}
	boundPort := ln.Addr().(*net.TCPAddr).Port

	id := uuid.NewString()
	channel, err := tr.Open(ctx, id)
	if err != nil {
		ln.Close()
		return StartResult{}, fmt.Errorf("%w: %v", ErrChannelOpenFailed, err)
	}

	t := &Tunnel{
		ID:           id,
		Kind:         kind,
		SessionID:    sessionID,
		LocalPort:    boundPort,
		RemoteTarget: remoteTarget,
		CreatedAt:    time.Now(),
	}
	if err := m.registry.Insert(t); err != nil {
		ln.Close()
		tr.CloseChannel(id)
		return StartResult{}, err
	}

	rt := &running{t: t, tr: tr, ln: ln, channel: channel}

	switch kind {
	case KindSocks5:
		if err := transport.WriteHeader(channel, transport.ModeSocks5, ""); err != nil {
			m.abortStart(rt, err)
			return StartResult{}, fmt.Errorf("%w: %v", ErrChannelOpenFailed, err)
		}
		mux, err := yamux.Client(channel, nil)
		if err != nil {
			m.abortStart(rt, err)
			return StartResult{}, fmt.Errorf("%w: %v", ErrChannelOpenFailed, err)
		}
		rt.mux = mux
	case KindForward:
		if err := transport.WriteHeader(channel, transport.ModeForward, remoteTarget); err != nil {
			m.abortStart(rt, err)
			return StartResult{}, fmt.Errorf("%w: %v", ErrChannelOpenFailed, err)
		}
		rt.ready = make(chan struct{})
		go m.awaitForwardReady(rt)
	default:
		m.abortStart(rt, fmt.Errorf("unknown tunnel kind %q", kind))
		return StartResult{}, fmt.Errorf("unknown tunnel kind %q", kind)
	}

	m.mu.Lock()
	m.running[id] = rt
	m.mu.Unlock()

	t.transition(StateActive)

	m.wg.Add(1)
	go m.acceptLoop(rt)
	if rt.mux != nil {
		m.wg.Add(1)
		go m.watchChannel(rt)
	}

	log.Printf("[tunnel] %s tunnel %s started for session %s on 127.0.0.1:%d", kind, id, sessionID, boundPort)

	res := StartResult{TunnelID: id, LocalPort: boundPort}
	if kind == KindForward {
		res.DerivedURLs = DerivedURLs(boundPort)
	}
	return res, nil
}

// abortStart releases a half-started tunnel's resources and marks the
// record failed.
func (m *Manager) abortStart(rt *running, err error) {
	rt.ln.Close()
	rt.tr.CloseChannel(rt.t.ID)
	rt.t.transition(StateFailed)
	log.Printf("[tunnel] tunnel %s start aborted: %v", rt.t.ID, err)
}

// StopTunnel tears the tunnel down. Stopping an already Closed or Failed
// tunnel succeeds without side effects. sessionID guards against stopping
// another session's tunnel; pass "" to skip the check.
func (m *Manager) StopTunnel(sessionID, tunnelID string) error {
	t := m.registry.Get(tunnelID)
	if t == nil || (sessionID != "" && t.SessionID != sessionID) {
		return fmt.Errorf("tunnel %s: %w", tunnelID, ErrTunnelNotFound)
	}

	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	if t.State().terminal() {
		return nil
	}

	t.transition(StateStopping)
	m.teardown(tunnelID)
	t.transition(StateClosed)
	log.Printf("[tunnel] tunnel %s stopped", tunnelID)
	return nil
}

// ReleaseSession stops every tunnel belonging to the session and drops
// their records. Called when the session's transport is detached; tunnel
// history does not outlive its session.
func (m *Manager) ReleaseSession(sessionID string) {
	for _, info := range m.registry.List(sessionID) {
		m.StopTunnel(sessionID, info.ID)
		m.registry.Remove(info.ID)
	}
}

// ListTunnels returns a snapshot of the session's tunnels; an empty
// sessionID lists every tunnel.
func (m *Manager) ListTunnels(sessionID string) []Info {
	return m.registry.List(sessionID)
}

// Shutdown stops every tunnel and waits for the relay goroutines to exit.
func (m *Manager) Shutdown() {
	for _, t := range m.registry.All() {
		m.StopTunnel("", t.ID)
	}
	m.wg.Wait()
}

// teardown releases the tunnel's resources: local listener, sub-stream
// session and remote channel go together. Callers hold the tunnel's
// lifecycle lock.
func (m *Manager) teardown(tunnelID string) {
	m.mu.Lock()
	rt, ok := m.running[tunnelID]
	if ok {
		delete(m.running, tunnelID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	rt.ln.Close()
	if rt.mux != nil {
		rt.mux.Close() // force-closes every sub-stream
	}
	rt.channel.Close()
	rt.tr.CloseChannel(tunnelID)
}

// watchChannel fails a socks5 tunnel as soon as its sub-stream session
// dies, which is how a dead parent channel surfaces even while no client
// is connected. An orderly StopTunnel closes the session too, but by then
// the tunnel is terminal and failTunnel is a no-op.
func (m *Manager) watchChannel(rt *running) {
	defer m.wg.Done()
	<-rt.mux.CloseChan()
	m.failTunnel(rt, errors.New("session channel closed"))
}

// failTunnel handles an unexpected transport error on a running tunnel:
// resources are released, the state becomes Failed and a tunnel.failed
// event is emitted. The tunnel is never restarted automatically.
func (m *Manager) failTunnel(rt *running, cause error) {
	t := rt.t
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	if t.State().terminal() {
		return
	}

	t.transition(StateFailed)
	m.teardown(t.ID)

	log.Printf("[tunnel] tunnel %s failed: %v", t.ID, cause)
	if m.hub != nil {
		m.hub.Publish(eventbus.TopicTunnelFailed, FailedEvent{
			TunnelID:  t.ID,
			SessionID: t.SessionID,
			Reason:    cause.Error(),
		})
	}
}

// closeTunnel handles a clean end of the tunnel's sole byte path.
func (m *Manager) closeTunnel(rt *running) {
	t := rt.t
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	if t.State().terminal() {
		return
	}

	t.transition(StateStopping)
	m.teardown(t.ID)
	t.transition(StateClosed)
	log.Printf("[tunnel] tunnel %s closed", t.ID)
}

// acceptLoop accepts local connections until the listener closes. Each
// connection is served on its own goroutine; a forward tunnel admits one
// connection at a time and rejects the rest.
func (m *Manager) acceptLoop(rt *running) {
	defer m.wg.Done()

	for {
		conn, err := rt.ln.Accept()
		if err != nil {
			return
		}

		switch rt.t.Kind {
		case KindSocks5:
			m.wg.Add(1)
			go m.serveSocksConn(rt, conn)
		case KindForward:
			if !rt.busy.CompareAndSwap(false, true) {
				conn.Close()
				continue
			}
			m.wg.Add(1)
			go m.serveForwardConn(rt, conn)
		}
	}
}
