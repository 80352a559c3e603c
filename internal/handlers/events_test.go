package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/0xmanhnv/sliver-ui/internal/eventbus"
)

func dialEvents(t *testing.T, srvURL, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srvURL, "http") + "/ws/events"
	if token != "" {
		u += "?token=" + token
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) eventbus.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, frame, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var env eventbus.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("decode frame %q: %v", frame, err)
	}
	return env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	frame, err := json.Marshal(map[string]any{"event": event, "data": data})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestEventsWSRequiresToken(t *testing.T) {
	srv, _ := newTestAPI(t)

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, u, nil)
	if err == nil {
		t.Fatal("handshake without token must fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake response = %+v, want 401", resp)
	}
}

func TestEventsWSHandshakeAndSubscribe(t *testing.T) {
	srv, api := newTestAPI(t)
	conn := dialEvents(t, srv.URL, "operator-token")

	// First frame announces the connection id.
	env := readEnvelope(t, conn)
	if env.Event != eventbus.TopicConnected {
		t.Fatalf("first frame = %q, want connected", env.Event)
	}
	var hello struct {
		ConnectionID string `json:"connection_id"`
	}
	if err := json.Unmarshal(env.Data, &hello); err != nil || hello.ConnectionID == "" {
		t.Fatalf("connected payload = %s (%v)", env.Data, err)
	}

	writeEnvelope(t, conn, "subscribe", map[string][]string{"topics": {eventbus.TopicSessionNew}})
	env = readEnvelope(t, conn)
	if env.Event != eventbus.TopicSubscribed {
		t.Fatalf("subscribe reply = %q, want subscribed", env.Event)
	}

	api.Hub.Publish(eventbus.TopicSessionNew, map[string]string{"session_id": "s9"})
	env = readEnvelope(t, conn)
	if env.Event != eventbus.TopicSessionNew {
		t.Fatalf("pushed event = %q, want session.new", env.Event)
	}
	var payload map[string]string
	if err := json.Unmarshal(env.Data, &payload); err != nil || payload["session_id"] != "s9" {
		t.Fatalf("payload = %s (%v)", env.Data, err)
	}

	// Unsubscribed topics are not delivered.
	api.Hub.Publish(eventbus.TopicBeaconNew, map[string]string{"beacon_id": "b1"})
	writeEnvelope(t, conn, eventbus.TopicPing, nil)
	env = readEnvelope(t, conn)
	if env.Event != eventbus.TopicPong {
		t.Fatalf("frame after ping = %q, want pong (beacon event must not arrive)", env.Event)
	}
}

func TestEventsWSUnsubscribe(t *testing.T) {
	srv, api := newTestAPI(t)
	conn := dialEvents(t, srv.URL, "operator-token")
	readEnvelope(t, conn) // connected

	writeEnvelope(t, conn, "subscribe", map[string][]string{"topics": {eventbus.TopicNotification}})
	readEnvelope(t, conn) // subscribed

	writeEnvelope(t, conn, "unsubscribe", map[string][]string{"topics": {eventbus.TopicNotification}})
	// Give the unsubscribe a moment to land before publishing.
	time.Sleep(50 * time.Millisecond)

	api.Hub.Publish(eventbus.TopicNotification, map[string]string{"message": "dropped"})
	writeEnvelope(t, conn, eventbus.TopicPing, nil)
	env := readEnvelope(t, conn)
	if env.Event != eventbus.TopicPong {
		t.Fatalf("frame = %q, want pong (notification must not arrive)", env.Event)
	}
}

func TestEventsWSConnectionsEndpoint(t *testing.T) {
	srv, _ := newTestAPI(t)
	conn := dialEvents(t, srv.URL, "operator-token")
	readEnvelope(t, conn) // connected

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/events/connections", nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connections: %v", err)
	}
	defer res.Body.Close()
	var infos []eventbus.ConnectionInfo
	if err := json.NewDecoder(res.Body).Decode(&infos); err != nil {
		t.Fatalf("decode connections: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("connections = %d, want 1", len(infos))
	}
}

func TestEventsWSDisconnectUnregisters(t *testing.T) {
	srv, api := newTestAPI(t)
	conn := dialEvents(t, srv.URL, "operator-token")
	readEnvelope(t, conn) // connected

	conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(api.Hub.Connections()) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("connection still registered after close: %v", api.Hub.Connections())
}
