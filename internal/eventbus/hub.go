package eventbus

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sink delivers event frames to one connected client. Send may block for as
// long as the client is slow; the hub isolates that blocking to the
// connection's own sender goroutine.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// subscriber is the hub-side state for one push connection.
type subscriber struct {
	id     string
	sink   Sink
	queue  *eventQueue
	notify chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	lastSeen time.Time
}

func (s *subscriber) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *subscriber) seen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// ConnectionInfo is a read-only snapshot of one registered connection.
type ConnectionInfo struct {
	ID       string    `json:"id"`
	LastSeen time.Time `json:"last_seen"`
	Topics   []string  `json:"topics"`
	Pending  int       `json:"pending"`
}

// Hub fans published events out to subscribed connections. Each connection
// gets a bounded queue and a dedicated sender goroutine, so a stalled
// client never blocks a publisher or a sibling connection.
type Hub struct {
	capacity int

	mu     sync.RWMutex
	conns  map[string]*subscriber
	topics map[string]map[string]struct{} // topic -> set of connection ids
	closed bool
	wg     sync.WaitGroup
}

// NewHub creates a hub whose per-connection queues hold up to capacity
// pending events.
func NewHub(capacity int) *Hub {
	return &Hub{
		capacity: capacity,
		conns:    make(map[string]*subscriber),
		topics:   make(map[string]map[string]struct{}),
	}
}

// Register adds a connection and starts its sender goroutine. The returned
// id identifies the connection in all other hub calls.
func (h *Hub) Register(sink Sink) string {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscriber{
		id:       id,
		sink:     sink,
		queue:    newEventQueue(h.capacity),
		notify:   make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		lastSeen: time.Now(),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		sink.Close()
		return id
	}
	h.conns[id] = sub
	h.mu.Unlock()

	h.wg.Add(1)
	go h.sendLoop(sub)
	return id
}

// Unregister removes a connection, cancels its sender goroutine and
// discards its queue. It is idempotent.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	sub, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
		for _, set := range h.topics {
			delete(set, id)
		}
	}
	h.mu.Unlock()

	if ok {
		sub.cancel()
		sub.sink.Close()
	}
}

// Subscribe adds the connection to the given topics. Subscribing to a topic
// twice is a no-op.
func (h *Hub) Subscribe(id string, topics ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[id]; !ok {
		return
	}
	for _, t := range topics {
		set, ok := h.topics[t]
		if !ok {
			set = make(map[string]struct{})
			h.topics[t] = set
		}
		set[id] = struct{}{}
	}
}

// Unsubscribe removes the connection from the given topics. Removal from a
// topic it never joined is a no-op.
func (h *Hub) Unsubscribe(id string, topics ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range topics {
		delete(h.topics[t], id)
	}
}

// Publish enqueues the event to every connection subscribed to the topic.
// It never blocks on a slow connection; overflow is handled by the
// per-connection queue policy.
func (h *Hub) Publish(topic string, payload any) {
	e := Event{Topic: topic, Payload: payload, PublishedAt: time.Now()}

	h.mu.RLock()
	var targets []*subscriber
	for id := range h.topics[topic] {
		if sub, ok := h.conns[id]; ok {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		sub.queue.push(e)
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
}

// SendTo enqueues an event for a single connection, regardless of its
// subscriptions. Used for handshake and control replies so they share the
// connection's one writer.
func (h *Hub) SendTo(id, topic string, payload any) {
	h.mu.RLock()
	sub, ok := h.conns[id]
	h.mu.RUnlock()
	if !ok {
		return
	}
	sub.queue.push(Event{Topic: topic, Payload: payload, PublishedAt: time.Now()})
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

// Touch refreshes the connection's lastSeen timestamp. Called on every
// inbound frame from the client.
func (h *Hub) Touch(id string) {
	h.mu.RLock()
	sub, ok := h.conns[id]
	h.mu.RUnlock()
	if ok {
		sub.touch()
	}
}

// Connections returns a snapshot of the registered connections.
func (h *Hub) Connections() []ConnectionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	infos := make([]ConnectionInfo, 0, len(h.conns))
	for id, sub := range h.conns {
		var topics []string
		for t, set := range h.topics {
			if _, ok := set[id]; ok {
				topics = append(topics, t)
			}
		}
		infos = append(infos, ConnectionInfo{
			ID:       id,
			LastSeen: sub.seen(),
			Topics:   topics,
			Pending:  sub.queue.len(),
		})
	}
	return infos
}

// Shutdown unregisters every connection and waits for the sender
// goroutines to exit.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*subscriber, 0, len(h.conns))
	for _, sub := range h.conns {
		subs = append(subs, sub)
	}
	h.conns = make(map[string]*subscriber)
	h.topics = make(map[string]map[string]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		sub.sink.Close()
	}
	h.wg.Wait()
}

// sendLoop drains the connection's queue into its sink. A send failure
// tears the connection down.
func (h *Hub) sendLoop(sub *subscriber) {
	defer h.wg.Done()

	for {
		for {
			e, ok := sub.queue.pop()
			if !ok {
				break
			}
			if err := sub.sink.Send(sub.ctx, e); err != nil {
				if sub.ctx.Err() == nil {
					log.Printf("[eventbus] connection %s: send failed: %v", sub.id, err)
				}
				h.Unregister(sub.id)
				return
			}
		}

		select {
		case <-sub.ctx.Done():
			return
		case <-sub.notify:
		}
	}
}
