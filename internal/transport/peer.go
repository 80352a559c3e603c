package transport

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/hashicorp/yamux"

	"github.com/0xmanhnv/sliver-ui/internal/eventbus"
	"github.com/0xmanhnv/sliver-ui/internal/logutil"
)

// headerTimeout is how long the peer waits for a stream's header line.
const headerTimeout = 5 * time.Second

// Tunnel channel modes, sent as the first line on a tunnel channel.
const (
	ModeForward = "forward"
	ModeSocks5  = "socks5"
)

// SubStreamConnect is the header verb on each SOCKS5 sub-stream.
const SubStreamConnect = "connect"

// Peer is the remote end of a session transport: it accepts WebSocket
// connections, wraps each in a yamux server session, and routes the
// streams the local side opens. It implements the endpoint the
// SessionTransport dials and doubles as the in-process remote side in
// tests.
type Peer struct {
	// DialTimeout bounds destination dials for tunnel channels.
	DialTimeout time.Duration

	mu    sync.Mutex
	feeds map[*json.Encoder]net.Conn // live event feed streams
}

// NewPeer creates a peer with the given destination dial timeout.
func NewPeer(dialTimeout time.Duration) *Peer {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &Peer{
		DialTimeout: dialTimeout,
		feeds:       make(map[*json.Encoder]net.Conn),
	}
}

// ServeHTTP upgrades the request to a WebSocket and serves yamux streams
// until the session closes.
func (p *Peer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[peer] websocket accept error: %v", err)
		return
	}

	netConn := websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary)

	session, err := yamux.Server(netConn, nil)
	if err != nil {
		log.Printf("[peer] yamux server error: %v", err)
		wsConn.CloseNow()
		return
	}
	defer session.Close()

	for {
		stream, err := session.AcceptStream()
		if err != nil {
			return
		}
		go p.routeStream(stream)
	}
}

// routeStream reads the header line from a fresh stream and dispatches it.
func (p *Peer) routeStream(stream *yamux.Stream) {
	stream.SetReadDeadline(time.Now().Add(headerTimeout))
	header, err := ReadLine(stream)
	if err != nil {
		stream.Close()
		return
	}
	stream.SetReadDeadline(time.Time{})

	verb, arg, _ := strings.Cut(header, " ")
	switch verb {
	case HeaderPing:
		stream.Write([]byte(ReplyPong + "\n"))
		stream.Close()
	case HeaderEvents:
		p.serveEvents(stream)
	case HeaderTunnel:
		_ = arg // tunnel id, informational only on this side
		p.ServeTunnelChannel(stream)
	default:
		log.Printf("[peer] unknown stream header %q, closing", logutil.SanitizeForLog(verb))
		stream.Close()
	}
}

// serveEvents registers the stream as an event feed and blocks until it
// closes. Events published via Publish are encoded as JSON envelopes.
func (p *Peer) serveEvents(conn net.Conn) {
	enc := json.NewEncoder(conn)

	p.mu.Lock()
	p.feeds[enc] = conn
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.feeds, enc)
		p.mu.Unlock()
		conn.Close()
	}()

	// The local side never writes on the feed; a read unblocks on close.
	io.Copy(io.Discard, conn)
}

// Publish pushes a domain event to every connected event feed.
func (p *Peer) Publish(topic string, payload any) {
	frame := eventbus.Event{Topic: topic, Payload: payload}

	p.mu.Lock()
	defer p.mu.Unlock()
	for enc, conn := range p.feeds {
		if err := enc.Encode(struct {
			Event string `json:"event"`
			Data  any    `json:"data"`
		}{frame.Topic, frame.Payload}); err != nil {
			conn.Close()
			delete(p.feeds, enc)
		}
	}
}

// ServeTunnelChannel handles a tunnel channel: it reads the mode line and
// either relays the channel 1:1 to a dialed destination (forward) or runs
// a nested yamux session whose sub-streams each carry their own
// destination (socks5).
func (p *Peer) ServeTunnelChannel(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(headerTimeout))
	mode, err := ReadLine(conn)
	if err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	verb, arg, _ := strings.Cut(mode, " ")
	switch verb {
	case ModeForward:
		p.serveForward(conn, arg)
	case ModeSocks5:
		p.serveSocks5(conn)
	default:
		log.Printf("[peer] unknown tunnel mode %q, closing", logutil.SanitizeForLog(verb))
		conn.Close()
	}
}

// serveForward dials the destination and relays the channel to it.
func (p *Peer) serveForward(conn net.Conn, dest string) {
	defer conn.Close()

	remote, err := net.DialTimeout("tcp", dest, p.DialTimeout)
	if err != nil {
		conn.Write([]byte(ReplyUnreachable + "\n"))
		return
	}
	defer remote.Close()

	if _, err := conn.Write([]byte(ReplyOK + "\n")); err != nil {
		return
	}
	relay(conn, remote)
}

// serveSocks5 runs a nested yamux server over the tunnel channel. Each
// sub-stream starts with "connect <host:port>\n"; the peer dials the
// destination and relays bytes for that sub-stream independently.
func (p *Peer) serveSocks5(conn net.Conn) {
	session, err := yamux.Server(conn, nil)
	if err != nil {
		conn.Close()
		return
	}
	defer session.Close()

	for {
		stream, err := session.AcceptStream()
		if err != nil {
			return
		}
		go p.serveSubStream(stream)
	}
}

func (p *Peer) serveSubStream(stream net.Conn) {
	defer stream.Close()

	stream.SetReadDeadline(time.Now().Add(headerTimeout))
	header, err := ReadLine(stream)
	if err != nil {
		return
	}
	stream.SetReadDeadline(time.Time{})

	verb, dest, _ := strings.Cut(header, " ")
	if verb != SubStreamConnect || dest == "" {
		return
	}

	remote, err := net.DialTimeout("tcp", dest, p.DialTimeout)
	if err != nil {
		stream.Write([]byte(ReplyUnreachable + "\n"))
		return
	}
	defer remote.Close()

	if _, err := stream.Write([]byte(ReplyOK + "\n")); err != nil {
		return
	}
	relay(stream, remote)
}

// relay pipes data between two connections until one side closes.
func relay(a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		defer func() { done <- struct{}{} }()
		io.Copy(dst, src)
	}
	go cp(a, b)
	go cp(b, a)

	<-done
	a.Close()
	b.Close()
	<-done
}
