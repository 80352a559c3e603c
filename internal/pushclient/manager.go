package pushclient

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/0xmanhnv/sliver-ui/internal/eventbus"
)

// FrameConn is one established push-channel connection. Read blocks until
// a frame arrives or the connection dies.
type FrameConn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close() error
}

// Dialer establishes a FrameConn. The token is handed over once, during
// the handshake.
type Dialer func(ctx context.Context, endpoint, token string) (FrameConn, error)

// CleanCloseFn classifies a read error as an orderly remote close.
type CleanCloseFn func(err error) bool

// wsFrameConn adapts a coder/websocket connection to FrameConn.
type wsFrameConn struct {
	conn *websocket.Conn
}

func (c *wsFrameConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsFrameConn) Write(ctx context.Context, frame []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, frame)
}

func (c *wsFrameConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// WebSocketDialer dials the hub's events endpoint with the token as a
// query parameter.
func WebSocketDialer(ctx context.Context, endpoint, token string) (FrameConn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return &wsFrameConn{conn: conn}, nil
}

// wsCleanClose treats a normal or going-away close status as orderly.
func wsCleanClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

// ConnectionManager drives the push-channel state machine against a real
// connection: it dials, reads and dispatches frames, schedules backoff
// timers with jitter, and re-subscribes after every reconnect.
type ConnectionManager struct {
	endpoint   string
	policy     Policy
	dialer     Dialer
	cleanClose CleanCloseFn
	dispatcher *Dispatcher

	// jitter returns the random addition to a scheduled retry delay.
	jitter func() time.Duration

	// onExhausted is called once retries are spent. Optional.
	onExhausted func(error)

	mu      sync.Mutex
	machine Machine
	token   string
	topics  map[string]bool // desired subscriptions, replayed on reconnect
	timer   *time.Timer
	conn    FrameConn
	gen     int // dial generation; results from stale generations are dropped
}

// Option tweaks a ConnectionManager. Mainly for tests.
type Option func(*ConnectionManager)

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer, clean CleanCloseFn) Option {
	return func(cm *ConnectionManager) {
		cm.dialer = d
		if clean != nil {
			cm.cleanClose = clean
		}
	}
}

// WithJitter replaces the retry jitter source.
func WithJitter(j func() time.Duration) Option {
	return func(cm *ConnectionManager) { cm.jitter = j }
}

// WithExhaustedCallback registers the retries-spent notification. The
// callback receives ErrMaxRetriesExceeded.
func WithExhaustedCallback(f func(error)) Option {
	return func(cm *ConnectionManager) { cm.onExhausted = f }
}

// NewConnectionManager creates a manager for the given endpoint and
// credentials. Call Connect to start it.
func NewConnectionManager(endpoint, token string, policy Policy, d *Dispatcher, opts ...Option) *ConnectionManager {
	if policy == (Policy{}) {
		policy = DefaultPolicy
	}
	cm := &ConnectionManager{
		endpoint:   endpoint,
		policy:     policy,
		dialer:     WebSocketDialer,
		cleanClose: wsCleanClose,
		dispatcher: d,
		token:      token,
		topics:     make(map[string]bool),
	}
	cm.jitter = func() time.Duration {
		if policy.Base <= 0 {
			return 0
		}
		return time.Duration(rand.Int63n(int64(policy.Base)))
	}
	for _, opt := range opts {
		opt(cm)
	}
	if d != nil {
		d.onPing = cm.sendPong
	}
	return cm
}

// State returns a snapshot of the machine.
func (cm *ConnectionManager) State() Machine {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.machine
}

// Connect starts connecting. A no-op unless currently disconnected.
func (cm *ConnectionManager) Connect() {
	cm.step(InputConnect)
}

// Disconnect drops the connection and cancels any pending retry. It wins
// over any scheduled reconnect unconditionally.
func (cm *ConnectionManager) Disconnect() {
	cm.step(InputDisconnect)
}

// SetCredentials installs a new token and reconnects immediately with it,
// resetting the retry budget. This is also the explicit trigger that
// revives an exhausted connection.
func (cm *ConnectionManager) SetCredentials(token string) {
	cm.mu.Lock()
	cm.token = token
	cm.mu.Unlock()
	cm.step(InputCredentialChange)
}

// Subscribe records the topics and, when the channel is open, sends the
// subscribe frame. The set is replayed after every reconnect.
func (cm *ConnectionManager) Subscribe(topics ...string) {
	cm.mu.Lock()
	for _, t := range topics {
		cm.topics[t] = true
	}
	conn := cm.conn
	open := cm.machine.State == StateOpen
	cm.mu.Unlock()

	if open && conn != nil {
		cm.sendSubscribe(conn, topics)
	}
}

// Unsubscribe removes the topics from the desired set and informs the hub.
func (cm *ConnectionManager) Unsubscribe(topics ...string) {
	cm.mu.Lock()
	for _, t := range topics {
		delete(cm.topics, t)
	}
	conn := cm.conn
	open := cm.machine.State == StateOpen
	cm.mu.Unlock()

	if open && conn != nil {
		cm.writeEnvelope(conn, "unsubscribe", map[string][]string{"topics": topics})
	}
}

// step feeds one input to the machine and executes the returned effects.
func (cm *ConnectionManager) step(in Input) {
	cm.mu.Lock()

	next, effects := Next(cm.policy, cm.machine, in)
	prev := cm.machine
	cm.machine = next

	// An explicit disconnect or credential change invalidates whatever
	// dial or connection is in flight.
	if in == InputDisconnect || in == InputCredentialChange {
		cm.gen++
		if cm.conn != nil {
			cm.conn.Close()
			cm.conn = nil
		}
	}

	var toRun []func()
	for _, eff := range effects {
		switch eff.Kind {
		case EffectCancelTimer:
			if cm.timer != nil {
				cm.timer.Stop()
				cm.timer = nil
			}
		case EffectDial:
			gen := cm.gen
			token := cm.token
			toRun = append(toRun, func() { go cm.dial(gen, token) })
		case EffectScheduleRetry:
			delay := eff.Delay + cm.jitter()
			cm.timer = time.AfterFunc(delay, func() { cm.step(InputTimerFired) })
		case EffectNotifyExhausted:
			log.Printf("[push] reconnect attempts exhausted after %d retries", cm.machine.RetryCount)
			if cb := cm.onExhausted; cb != nil {
				toRun = append(toRun, func() { cb(ErrMaxRetriesExceeded) })
			}
		}
	}
	cm.mu.Unlock()

	if prev.State != next.State {
		log.Printf("[push] %s -> %s", prev.State, next.State)
	}
	for _, f := range toRun {
		f()
	}
}

// dial performs one connection attempt for the given generation.
func (cm *ConnectionManager) dial(gen int, token string) {
	conn, err := cm.dialer(context.Background(), cm.endpoint, token)

	cm.mu.Lock()
	if gen != cm.gen {
		cm.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		cm.mu.Unlock()
		log.Printf("[push] dial failed: %v", err)
		cm.step(InputDialFailed)
		return
	}
	cm.conn = conn
	var topics []string
	for t := range cm.topics {
		topics = append(topics, t)
	}
	cm.mu.Unlock()

	cm.step(InputDialSucceeded)

	if len(topics) > 0 {
		cm.sendSubscribe(conn, topics)
	}
	go cm.readLoop(gen, conn)
}

// readLoop reads and dispatches frames until the connection dies, then
// feeds the close classification back into the machine.
func (cm *ConnectionManager) readLoop(gen int, conn FrameConn) {
	for {
		frame, err := conn.Read(context.Background())
		if err != nil {
			cm.mu.Lock()
			stale := gen != cm.gen
			if !stale && cm.conn == conn {
				cm.conn = nil
			}
			cm.mu.Unlock()
			if stale {
				return
			}
			if cm.cleanClose(err) || errors.Is(err, context.Canceled) {
				cm.step(InputCleanClose)
			} else {
				cm.step(InputUnexpectedClose)
			}
			return
		}
		if err := cm.dispatcher.Dispatch(frame); err != nil {
			log.Printf("[push] dropping malformed frame: %v", err)
		}
	}
}

// sendSubscribe sends a subscribe request for the given topics.
func (cm *ConnectionManager) sendSubscribe(conn FrameConn, topics []string) {
	cm.writeEnvelope(conn, "subscribe", map[string][]string{"topics": topics})
}

// sendPong answers a server ping on the current connection.
func (cm *ConnectionManager) sendPong() {
	cm.mu.Lock()
	conn := cm.conn
	cm.mu.Unlock()
	if conn != nil {
		cm.writeEnvelope(conn, eventbus.TopicPong, nil)
	}
}

func (cm *ConnectionManager) writeEnvelope(conn FrameConn, event string, data any) {
	frame, err := json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data,omitempty"`
	}{event, data})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, frame); err != nil {
		log.Printf("[push] write %s frame: %v", event, err)
	}
}

// ErrMaxRetriesExceeded is passed to the exhausted callback when
// automatic reconnection gives up.
var ErrMaxRetriesExceeded = errors.New("push channel: max retries exceeded")
