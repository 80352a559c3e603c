package tunnel

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/0xmanhnv/sliver-ui/internal/eventbus"
	"github.com/0xmanhnv/sliver-ui/internal/transport"
)

// pipeTransport wires the manager to an in-process transport.Peer over
// net.Pipe, exercising the real channel protocol without a WebSocket.
type pipeTransport struct {
	peer *transport.Peer

	mu        sync.Mutex
	connected bool
	channels  map[string]net.Conn
	events    chan eventbus.Event
}

func newPipeTransport(peer *transport.Peer) *pipeTransport {
	return &pipeTransport{
		peer:      peer,
		connected: true,
		channels:  make(map[string]net.Conn),
		events:    make(chan eventbus.Event),
	}
}

func (p *pipeTransport) Open(ctx context.Context, tunnelID string) (net.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, errors.New("transport closed")
	}
	local, remote := net.Pipe()
	go p.peer.ServeTunnelChannel(remote)
	p.channels[tunnelID] = local
	return local, nil
}

func (p *pipeTransport) CloseChannel(tunnelID string) error {
	p.mu.Lock()
	conn, ok := p.channels[tunnelID]
	delete(p.channels, tunnelID)
	p.mu.Unlock()
	if ok {
		conn.Close()
	}
	return nil
}

func (p *pipeTransport) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *pipeTransport) Events() <-chan eventbus.Event { return p.events }

func (p *pipeTransport) Close() error {
	p.mu.Lock()
	p.connected = false
	channels := p.channels
	p.channels = make(map[string]net.Conn)
	p.mu.Unlock()
	for _, conn := range channels {
		conn.Close()
	}
	return nil
}

// startEcho runs a TCP echo server on a loopback ephemeral port.
func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

// deadAddr returns a loopback address nothing listens on.
func deadAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func newTestManager(t *testing.T, sessionID string, hub *eventbus.Hub) (*Manager, *pipeTransport) {
	t.Helper()
	transports := transport.NewRegistry()
	pt := newPipeTransport(transport.NewPeer(2 * time.Second))
	transports.Set(sessionID, pt)
	m := NewManager(transports, hub, Config{ConnectTimeout: 2 * time.Second})
	t.Cleanup(m.Shutdown)
	return m, pt
}

func waitTunnelState(t *testing.T, m *Manager, id string, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		tn := m.registry.Get(id)
		if tn != nil && tn.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	tn := m.registry.Get(id)
	if tn == nil {
		t.Fatalf("tunnel %s not in registry", id)
	}
	t.Fatalf("tunnel state = %v, want %v", tn.State(), want)
}

// socksConnect performs the no-auth handshake and an IPv4 CONNECT to dest,
// returning the proxied connection and the reply code.
func socksConnect(t *testing.T, localPort int, dest string) (net.Conn, byte) {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	sel := make([]byte, 2)
	if _, err := io.ReadFull(conn, sel); err != nil {
		t.Fatalf("read method selection: %v", err)
	}
	if sel[0] != 0x05 || sel[1] != 0x00 {
		t.Fatalf("method selection = %v, want [5 0]", sel)
	}

	host, portStr, err := net.SplitHostPort(dest)
	if err != nil {
		t.Fatalf("split dest: %v", err)
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		t.Fatalf("dest %q is not IPv4", host)
	}
	var port uint16
	fmt.Sscanf(portStr, "%d", &port)

	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, ip...)
	req = binary.BigEndian.AppendUint16(req, port)
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	conn.SetDeadline(time.Time{})
	return conn, reply[1]
}

func echoRoundtrip(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetDeadline(time.Time{})
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("echo mismatch: got %q, want %q", got, payload)
	}
}

func TestStartTunnelWithoutTransport(t *testing.T) {
	m := NewManager(transport.NewRegistry(), nil, Config{})
	_, err := m.StartTunnel(context.Background(), "ghost", KindSocks5, 0, "")
	if !errors.Is(err, ErrSessionUnavailable) {
		t.Fatalf("err = %v, want ErrSessionUnavailable", err)
	}
}

func TestStartTunnelWithDeadTransport(t *testing.T) {
	m, pt := newTestManager(t, "s1", nil)
	pt.Close()
	_, err := m.StartTunnel(context.Background(), "s1", KindSocks5, 0, "")
	if !errors.Is(err, ErrSessionUnavailable) {
		t.Fatalf("err = %v, want ErrSessionUnavailable", err)
	}
}

func TestStartForwardRequiresTarget(t *testing.T) {
	m, _ := newTestManager(t, "s1", nil)
	if _, err := m.StartTunnel(context.Background(), "s1", KindForward, 0, ""); err == nil {
		t.Fatal("forward tunnel without a target must fail")
	}
}

func TestStartTunnelPortInUse(t *testing.T) {
	m, _ := newTestManager(t, "s1", nil)

	first, err := m.StartTunnel(context.Background(), "s1", KindSocks5, 0, "")
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err = m.StartTunnel(context.Background(), "s1", KindSocks5, first.LocalPort, "")
	if !errors.Is(err, ErrPortInUse) {
		t.Fatalf("err = %v, want ErrPortInUse", err)
	}
}

func TestSocks5TunnelConcurrentClients(t *testing.T) {
	echoA := startEcho(t)
	echoB := startEcho(t)
	m, _ := newTestManager(t, "s1", nil)

	res, err := m.StartTunnel(context.Background(), "s1", KindSocks5, 0, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitTunnelState(t, m, res.TunnelID, StateActive)

	var wg sync.WaitGroup
	conns := make([]net.Conn, 2)
	for i, dest := range []string{echoA, echoB} {
		wg.Add(1)
		go func(i int, dest string) {
			defer wg.Done()
			conn, rep := socksConnect(t, res.LocalPort, dest)
			if rep != 0x00 {
				t.Errorf("client %d: reply = %#x, want succeeded", i, rep)
				return
			}
			conns[i] = conn
			payload := bytes.Repeat([]byte{byte('A' + i)}, 4096)
			echoRoundtrip(t, conn, payload)
			echoRoundtrip(t, conn, payload)
		}(i, dest)
	}
	wg.Wait()
	if t.Failed() {
		t.FailNow()
	}

	// Stop closes every proxied connection and the local listener.
	if err := m.StopTunnel("s1", res.TunnelID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	for i, conn := range conns {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := conn.Read(make([]byte, 1)); err == nil {
			t.Fatalf("client %d: connection still open after StopTunnel", i)
		}
		conn.Close()
	}
	if _, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", res.LocalPort), time.Second); err == nil {
		t.Fatal("local listener still accepting after StopTunnel")
	}
	waitTunnelState(t, m, res.TunnelID, StateClosed)
}

func TestSocks5RejectsUnsupportedVersionSilently(t *testing.T) {
	m, _ := newTestManager(t, "s1", nil)
	res, err := m.StartTunnel(context.Background(), "s1", KindSocks5, 0, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", res.LocalPort))
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{0x04, 0x01, 0x00}); err != nil {
		t.Fatalf("write socks4 greeting: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, err := conn.Read(make([]byte, 16))
	if n != 0 || err == nil {
		t.Fatalf("read after bad version: n=%d err=%v, want close with zero bytes", n, err)
	}
}

func TestSocks5RejectsMissingNoAuthMethod(t *testing.T) {
	m, _ := newTestManager(t, "s1", nil)
	res, err := m.StartTunnel(context.Background(), "s1", KindSocks5, 0, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", res.LocalPort))
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second))

	// Offer GSSAPI and username/password only.
	if _, err := conn.Write([]byte{0x05, 0x02, 0x01, 0x02}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	sel := make([]byte, 2)
	if _, err := io.ReadFull(conn, sel); err != nil {
		t.Fatalf("read selection: %v", err)
	}
	if sel[0] != 0x05 || sel[1] != 0xFF {
		t.Fatalf("selection = %v, want [5 255]", sel)
	}
}

func TestSocks5RejectsBindCommand(t *testing.T) {
	m, _ := newTestManager(t, "s1", nil)
	res, err := m.StartTunnel(context.Background(), "s1", KindSocks5, 0, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", res.LocalPort))
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second))

	conn.Write([]byte{0x05, 0x01, 0x00})
	sel := make([]byte, 2)
	if _, err := io.ReadFull(conn, sel); err != nil {
		t.Fatalf("read selection: %v", err)
	}
	// BIND request.
	conn.Write([]byte{0x05, 0x02, 0x00, 0x01, 127, 0, 0, 1, 0x1F, 0x90})
	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != 0x07 {
		t.Fatalf("reply = %#x, want command-not-supported", reply[1])
	}
}

func TestSocks5UnreachableDestinationKeepsTunnelAlive(t *testing.T) {
	echo := startEcho(t)
	dead := deadAddr(t)
	m, _ := newTestManager(t, "s1", nil)

	res, err := m.StartTunnel(context.Background(), "s1", KindSocks5, 0, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	conn, rep := socksConnect(t, res.LocalPort, dead)
	if rep != 0x04 {
		t.Fatalf("reply = %#x, want host-unreachable", rep)
	}
	conn.Close()

	waitTunnelState(t, m, res.TunnelID, StateActive)

	// The tunnel still serves other clients.
	conn, rep = socksConnect(t, res.LocalPort, echo)
	if rep != 0x00 {
		t.Fatalf("reply after failed sibling = %#x, want succeeded", rep)
	}
	echoRoundtrip(t, conn, []byte("still alive"))
	conn.Close()
}

func TestSocks5TunnelFailsWhenSessionDies(t *testing.T) {
	echo := startEcho(t)
	hub := eventbus.NewHub(16)
	defer hub.Shutdown()

	failed := make(chan eventbus.Event, 1)
	id := hub.Register(sinkFunc(func(e eventbus.Event) { failed <- e }))
	hub.Subscribe(id, eventbus.TopicTunnelFailed)

	m, pt := newTestManager(t, "s1", hub)
	res, err := m.StartTunnel(context.Background(), "s1", KindSocks5, 0, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitTunnelState(t, m, res.TunnelID, StateActive)

	conn, rep := socksConnect(t, res.LocalPort, echo)
	if rep != 0x00 {
		t.Fatalf("reply = %#x, want succeeded", rep)
	}
	echoRoundtrip(t, conn, []byte("mid-relay traffic"))

	// Kill the transport under the tunnel while a sub-stream is live.
	pt.Close()

	waitTunnelState(t, m, res.TunnelID, StateFailed)
	select {
	case e := <-failed:
		payload, ok := e.Payload.(FailedEvent)
		if !ok {
			t.Fatalf("payload type %T", e.Payload)
		}
		if payload.TunnelID != res.TunnelID || payload.SessionID != "s1" {
			t.Fatalf("failed event = %+v", payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("tunnel.failed never published")
	}

	// The proxied client goes down with the tunnel.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("client connection survived tunnel failure")
	}
	conn.Close()
}

func TestSocks5TunnelFailsWhenSessionDiesWhileIdle(t *testing.T) {
	m, pt := newTestManager(t, "s1", nil)
	res, err := m.StartTunnel(context.Background(), "s1", KindSocks5, 0, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitTunnelState(t, m, res.TunnelID, StateActive)

	// No client is connected; channel death must still surface.
	pt.Close()
	waitTunnelState(t, m, res.TunnelID, StateFailed)
}

func TestReleaseSessionStopsAndPrunesTunnels(t *testing.T) {
	m, _ := newTestManager(t, "s1", nil)
	res, err := m.StartTunnel(context.Background(), "s1", KindSocks5, 0, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitTunnelState(t, m, res.TunnelID, StateActive)

	m.ReleaseSession("s1")

	if got := m.ListTunnels("s1"); len(got) != 0 {
		t.Fatalf("tunnels after release = %+v, want none", got)
	}
	if _, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", res.LocalPort), time.Second); err == nil {
		t.Fatal("local listener still accepting after release")
	}
}

func TestForwardTunnelRelaysAndClosesOneShot(t *testing.T) {
	echo := startEcho(t)
	m, _ := newTestManager(t, "s1", nil)

	res, err := m.StartTunnel(context.Background(), "s1", KindForward, 0, echo)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(res.DerivedURLs) != 2 {
		t.Fatalf("derived urls = %v, want 2 entries", res.DerivedURLs)
	}
	if want := fmt.Sprintf("http://127.0.0.1:%d", res.LocalPort); res.DerivedURLs[0] != want {
		t.Fatalf("derived url = %q, want %q", res.DerivedURLs[0], want)
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", res.LocalPort))
	if err != nil {
		t.Fatalf("dial local: %v", err)
	}
	echoRoundtrip(t, conn, []byte("forwarded payload"))

	// A second connection while the first is active is refused.
	second, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", res.LocalPort))
	if err == nil {
		second.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := second.Read(make([]byte, 1)); err == nil {
			t.Fatal("second concurrent connection was served")
		}
		second.Close()
	}

	// Closing the sole byte path ends the tunnel.
	conn.Close()
	waitTunnelState(t, m, res.TunnelID, StateClosed)
}

func TestForwardTunnelUnreachableTargetFails(t *testing.T) {
	dead := deadAddr(t)
	hub := eventbus.NewHub(16)
	defer hub.Shutdown()

	failed := make(chan eventbus.Event, 1)
	id := hub.Register(sinkFunc(func(e eventbus.Event) { failed <- e }))
	hub.Subscribe(id, eventbus.TopicTunnelFailed)

	m, _ := newTestManager(t, "s1", hub)
	res, err := m.StartTunnel(context.Background(), "s1", KindForward, 0, dead)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	waitTunnelState(t, m, res.TunnelID, StateFailed)

	select {
	case e := <-failed:
		payload, ok := e.Payload.(FailedEvent)
		if !ok {
			t.Fatalf("payload type %T", e.Payload)
		}
		if payload.TunnelID != res.TunnelID || payload.SessionID != "s1" {
			t.Fatalf("failed event = %+v", payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("tunnel.failed never published")
	}
}

func TestStopTunnelIdempotentAndScoped(t *testing.T) {
	m, _ := newTestManager(t, "s1", nil)
	res, err := m.StartTunnel(context.Background(), "s1", KindSocks5, 0, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := m.StopTunnel("other-session", res.TunnelID); !errors.Is(err, ErrTunnelNotFound) {
		t.Fatalf("foreign session stop err = %v, want ErrTunnelNotFound", err)
	}
	if err := m.StopTunnel("s1", res.TunnelID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := m.StopTunnel("s1", res.TunnelID); err != nil {
		t.Fatalf("second stop must be a no-op: %v", err)
	}
	if err := m.StopTunnel("s1", "no-such-tunnel"); !errors.Is(err, ErrTunnelNotFound) {
		t.Fatalf("unknown tunnel err = %v, want ErrTunnelNotFound", err)
	}
}

func TestListTunnels(t *testing.T) {
	echo := startEcho(t)
	m, _ := newTestManager(t, "s1", nil)

	socks, err := m.StartTunnel(context.Background(), "s1", KindSocks5, 0, "")
	if err != nil {
		t.Fatalf("start socks: %v", err)
	}
	fwd, err := m.StartTunnel(context.Background(), "s1", KindForward, 0, echo)
	if err != nil {
		t.Fatalf("start forward: %v", err)
	}

	infos := m.ListTunnels("s1")
	if len(infos) != 2 {
		t.Fatalf("ListTunnels = %d entries, want 2", len(infos))
	}
	byID := make(map[string]Info)
	for _, info := range infos {
		byID[info.ID] = info
	}
	if byID[socks.TunnelID].Kind != KindSocks5 {
		t.Fatalf("socks entry = %+v", byID[socks.TunnelID])
	}
	if byID[fwd.TunnelID].RemoteTarget != echo {
		t.Fatalf("forward entry = %+v", byID[fwd.TunnelID])
	}
	if len(m.ListTunnels("other")) != 0 {
		t.Fatal("foreign session sees tunnels")
	}
}

// sinkFunc adapts a function to the hub's Sink.
type sinkFunc func(eventbus.Event)

func (f sinkFunc) Send(ctx context.Context, e eventbus.Event) error {
	f(e)
	return nil
}

func (f sinkFunc) Close() error { return nil }
