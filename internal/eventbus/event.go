package eventbus

import (
	"encoding/json"
	"time"
)

// Topic names carried on the push channel. Every frame is a JSON envelope
// {"event": <topic>, "data": <payload>}.
const (
	TopicConnected     = "connected"
	TopicSessionNew    = "session.new"
	TopicSessionLost   = "session.lost"
	TopicBeaconNew     = "beacon.new"
	TopicBeaconCheckin = "beacon.checkin"
	TopicTaskCompleted = "task_completed"
	TopicNotification  = "notification"
	TopicTunnelFailed  = "tunnel.failed"
	TopicPing          = "ping"
	TopicPong          = "pong"
	TopicSubscribed    = "subscribed"
	TopicError         = "error"
)

// criticalTopics are never dropped from a connection's queue, no matter
// how far behind the connection is.
var criticalTopics = map[string]bool{
	TopicError:        true,
	TopicTunnelFailed: true,
	TopicSessionLost:  true,
}

// Critical reports whether events on the given topic must survive queue
// overflow.
func Critical(topic string) bool {
	return criticalTopics[topic]
}

// Event is a single published domain event. Events are ephemeral: they are
// never persisted and delivery is best-effort.
type Event struct {
	Topic       string    `json:"event"`
	Payload     any       `json:"data"`
	PublishedAt time.Time `json:"-"`
}

// Envelope is the wire form of an event frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Marshal encodes the event into its wire envelope.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}{Event: e.Topic, Data: e.Payload})
}
