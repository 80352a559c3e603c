package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/coder/websocket"

	"github.com/0xmanhnv/sliver-ui/internal/eventbus"
	"github.com/0xmanhnv/sliver-ui/internal/logutil"
)

// wsSink adapts a WebSocket connection to the hub's Sink. Only the hub's
// sender goroutine writes events through it.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Send(ctx context.Context, e eventbus.Event) error {
	frame, err := e.Marshal()
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, frame)
}

func (s *wsSink) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

type subscribeRequest struct {
	Topics []string `json:"topics"`
}

// EventsWS is the push channel endpoint. The auth token arrives once, as
// a query parameter in the handshake; validating it is the authentication
// collaborator's job, this layer only refuses its absence.
//
//	GET /ws/events?token=…
func (a *API) EventsWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") == "" {
		writeError(w, http.StatusUnauthorized, "token required")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[handlers] events websocket accept failed: %v", err)
		return
	}

	id := a.Hub.Register(&wsSink{conn: conn})
	defer a.Hub.Unregister(id)

	a.Hub.SendTo(id, eventbus.TopicConnected, map[string]string{"connection_id": id})

	// Inbound control frames: subscribe, unsubscribe, ping. Everything
	// else is ignored for forward compatibility.
	ctx := r.Context()
	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			return
		}
		a.Hub.Touch(id)

		var env eventbus.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			continue
		}

		switch env.Event {
		case "subscribe":
			var req subscribeRequest
			if err := json.Unmarshal(env.Data, &req); err != nil || len(req.Topics) == 0 {
				continue
			}
			a.Hub.Subscribe(id, req.Topics...)
			a.Hub.SendTo(id, eventbus.TopicSubscribed, subscribeRequest{Topics: req.Topics})
		case "unsubscribe":
			var req subscribeRequest
			if err := json.Unmarshal(env.Data, &req); err != nil {
				continue
			}
			a.Hub.Unsubscribe(id, req.Topics...)
		case eventbus.TopicPing:
			a.Hub.SendTo(id, eventbus.TopicPong, nil)
		case eventbus.TopicPong:
			// Keepalive answer, lastSeen already refreshed.
		default:
			log.Printf("[handlers] connection %s: ignoring frame %q", id, logutil.SanitizeForLog(env.Event))
		}
	}
}

// Connections reports the hub's registered push connections.
//
//	GET /api/v1/events/connections
func (a *API) Connections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Hub.Connections())
}
