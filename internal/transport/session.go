package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/hashicorp/yamux"

	"github.com/0xmanhnv/sliver-ui/internal/eventbus"
)

// Ping defaults. Tests may override PingInterval.
var PingInterval = 30 * time.Second

const PingTimeout = 5 * time.Second

// SessionTransport is the default ChannelTransport: one yamux client
// session over a WebSocket to the remote session endpoint. The auth token
// is supplied once, as a query parameter during the WebSocket handshake.
type SessionTransport struct {
	sessionID string

	mu       sync.Mutex
	session  *yamux.Session
	channels map[string]net.Conn // open tunnel channels by tunnel id

	events     chan eventbus.Event
	eventsOnce sync.Once
}

// NewSessionTransport creates a transport for the given session id. Call
// Connect before use.
func NewSessionTransport(sessionID string) *SessionTransport {
	return &SessionTransport{
		sessionID: sessionID,
		channels:  make(map[string]net.Conn),
		events:    make(chan eventbus.Event, 16),
	}
}

// SessionID returns the remote session this transport is bound to.
func (t *SessionTransport) SessionID() string { return t.sessionID }

// Connect dials the remote endpoint's tunnel URL (ws:// or wss://) and
// establishes the yamux client session. The token authenticates the
// connection once, in the handshake.
func (t *SessionTransport) Connect(ctx context.Context, endpoint, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session != nil && !t.session.IsClosed() {
		return fmt.Errorf("transport already connected for session %s", t.sessionID)
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	wsConn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("websocket dial %s: %w", endpoint, err)
	}

	netConn := websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary)

	session, err := yamux.Client(netConn, nil)
	if err != nil {
		wsConn.CloseNow()
		return fmt.Errorf("yamux client init: %w", err)
	}

	t.session = session
	return nil
}

// SetSession replaces the yamux session directly. Intended for testing.
func (t *SessionTransport) SetSession(session *yamux.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session = session
}

// openStream opens a raw yamux stream and writes the header line.
func (t *SessionTransport) openStream(verb, arg string) (net.Conn, error) {
	t.mu.Lock()
	s := t.session
	t.mu.Unlock()

	if s == nil || s.IsClosed() {
		return nil, fmt.Errorf("transport not connected for session %s", t.sessionID)
	}

	conn, err := s.Open()
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if err := WriteHeader(conn, verb, arg); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Open opens the byte-stream channel for a tunnel. The channel stays
// registered until CloseChannel or Close.
func (t *SessionTransport) Open(ctx context.Context, tunnelID string) (net.Conn, error) {
	conn, err := t.openStream(HeaderTunnel, tunnelID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.channels[tunnelID] = conn
	t.mu.Unlock()
	return conn, nil
}

// CloseChannel closes the channel for the given tunnel id, if open.
func (t *SessionTransport) CloseChannel(tunnelID string) error {
	t.mu.Lock()
	conn, ok := t.channels[tunnelID]
	delete(t.channels, tunnelID)
	t.mu.Unlock()

	if !ok {
		return nil
	}
	return conn.Close()
}

// Connected reports whether the yamux session is up.
func (t *SessionTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session != nil && !t.session.IsClosed()
}

// Events opens the remote event feed on first call and returns the channel
// the decoded events arrive on. The channel closes when the feed or the
// session dies.
func (t *SessionTransport) Events() <-chan eventbus.Event {
	t.eventsOnce.Do(func() {
		go t.eventLoop()
	})
	return t.events
}

// eventLoop reads newline-delimited JSON envelopes from the remote event
// stream and forwards them as events.
func (t *SessionTransport) eventLoop() {
	defer close(t.events)

	conn, err := t.openStream(HeaderEvents, "")
	if err != nil {
		log.Printf("[transport] session %s: event feed unavailable: %v", t.sessionID, err)
		return
	}
	defer conn.Close()

	dec := json.NewDecoder(conn)
	for {
		var env eventbus.Envelope
		if err := dec.Decode(&env); err != nil {
			return
		}
		t.events <- eventbus.Event{
			Topic:       env.Event,
			Payload:     env.Data,
			PublishedAt: time.Now(),
		}
	}
}

// StartPing launches the keepalive loop. A missed pong closes the session,
// which makes Connected() report false.
func (t *SessionTransport) StartPing(ctx context.Context) {
	go t.pingLoop(ctx)
}

func (t *SessionTransport) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.Connected() {
				return
			}
			if err := t.sendPing(); err != nil {
				log.Printf("[transport] session %s: ping failed: %v, closing session", t.sessionID, err)
				t.Close()
				return
			}
		}
	}
}

func (t *SessionTransport) sendPing() error {
	conn, err := t.openStream(HeaderPing, "")
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(PingTimeout))
	line, err := ReadLine(conn)
	if err != nil {
		return fmt.Errorf("read pong: %w", err)
	}
	if line != ReplyPong {
		return fmt.Errorf("unexpected ping response: %q", line)
	}
	return nil
}

// Close tears down every open channel and the yamux session.
func (t *SessionTransport) Close() error {
	t.mu.Lock()
	channels := t.channels
	t.channels = make(map[string]net.Conn)
	session := t.session
	t.session = nil
	t.mu.Unlock()

	for _, conn := range channels {
		conn.Close()
	}
	if session == nil {
		return nil
	}
	return session.Close()
}
