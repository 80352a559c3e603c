package pushclient

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/0xmanhnv/sliver-ui/internal/eventbus"
	"github.com/0xmanhnv/sliver-ui/internal/logutil"
)

// Typed payloads, one per recognized topic. Frames are decoded once, at
// the channel boundary; nothing downstream sees raw JSON.

// ConnectedEvent is the hub's greeting after the handshake.
type ConnectedEvent struct {
	ConnectionID string `json:"connection_id"`
}

// SessionEvent describes an interactive session appearing or vanishing.
type SessionEvent struct {
	SessionID  string `json:"session_id"`
	Name       string `json:"name,omitempty"`
	Hostname   string `json:"hostname,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	Transport  string `json:"transport,omitempty"`
}

// BeaconEvent describes a beacon registration or check-in.
type BeaconEvent struct {
	BeaconID    string `json:"beacon_id"`
	Hostname    string `json:"hostname,omitempty"`
	NextCheckin int64  `json:"next_checkin,omitempty"`
}

// TaskEvent describes a completed task.
type TaskEvent struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Success   bool   `json:"success"`
}

// NotificationEvent is a user-visible notice.
type NotificationEvent struct {
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
}

// TunnelEvent describes a failed tunnel.
type TunnelEvent struct {
	TunnelID  string `json:"tunnel_id"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ErrorEvent is a server-reported error.
type ErrorEvent struct {
	Message string `json:"message"`
}

// SubscribedEvent acknowledges a subscribe request.
type SubscribedEvent struct {
	Topics []string `json:"topics"`
}

// Handlers holds the per-topic side effects. Delivery is at-least-once,
// so every handler must tolerate duplicates. A nil handler drops the
// event.
type Handlers struct {
	OnConnected     func(ConnectedEvent)
	OnSessionNew    func(SessionEvent)
	OnSessionLost   func(SessionEvent)
	OnBeaconNew     func(BeaconEvent)
	OnBeaconCheckin func(BeaconEvent)
	OnTaskCompleted func(TaskEvent)
	OnNotification  func(NotificationEvent)
	OnTunnelFailed  func(TunnelEvent)
	OnError         func(ErrorEvent)
	OnSubscribed    func(SubscribedEvent)
}

// Dispatcher decodes push-channel frames into typed events and invokes
// the matching handler. Unrecognized topics are logged and ignored; they
// are never a protocol error.
type Dispatcher struct {
	handlers Handlers
	onPing   func() // set by the ConnectionManager to answer pongs
}

// NewDispatcher creates a dispatcher over the given handlers.
func NewDispatcher(h Handlers) *Dispatcher {
	return &Dispatcher{handlers: h}
}

// Dispatch decodes one frame and runs its side effects. Only a frame that
// is not a JSON envelope at all is an error.
func (d *Dispatcher) Dispatch(frame []byte) error {
	var env eventbus.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Event {
	case eventbus.TopicPing:
		if d.onPing != nil {
			d.onPing()
		}
	case eventbus.TopicPong:
		// Keepalive answer, nothing to do.
	case eventbus.TopicConnected:
		dispatchTyped(env.Data, d.handlers.OnConnected)
	case eventbus.TopicSessionNew:
		dispatchTyped(env.Data, d.handlers.OnSessionNew)
	case eventbus.TopicSessionLost:
		dispatchTyped(env.Data, d.handlers.OnSessionLost)
	case eventbus.TopicBeaconNew:
		dispatchTyped(env.Data, d.handlers.OnBeaconNew)
	case eventbus.TopicBeaconCheckin:
		dispatchTyped(env.Data, d.handlers.OnBeaconCheckin)
	case eventbus.TopicTaskCompleted:
		dispatchTyped(env.Data, d.handlers.OnTaskCompleted)
	case eventbus.TopicNotification:
		dispatchTyped(env.Data, d.handlers.OnNotification)
	case eventbus.TopicTunnelFailed:
		dispatchTyped(env.Data, d.handlers.OnTunnelFailed)
	case eventbus.TopicError:
		dispatchTyped(env.Data, d.handlers.OnError)
	case eventbus.TopicSubscribed:
		dispatchTyped(env.Data, d.handlers.OnSubscribed)
	default:
		log.Printf("[push] ignoring unrecognized event %q", logutil.SanitizeForLog(env.Event))
	}
	return nil
}

// dispatchTyped decodes the payload and calls the handler. A payload that
// does not decode is dropped with a log line; at-least-once delivery means
// the next copy may still make it.
func dispatchTyped[T any](data json.RawMessage, handler func(T)) {
	if handler == nil {
		return
	}
	var payload T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			log.Printf("[push] dropping undecodable payload: %v", err)
			return
		}
	}
	handler(payload)
}
