// Package handlers exposes the tunnel control surface and the push
// channel over HTTP. All state lives in the explicitly constructed API
// value; main wires it up once at process start.
package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/0xmanhnv/sliver-ui/internal/config"
	"github.com/0xmanhnv/sliver-ui/internal/eventbus"
	"github.com/0xmanhnv/sliver-ui/internal/transport"
	"github.com/0xmanhnv/sliver-ui/internal/tunnel"
)

// API bundles the shared components the handlers operate on.
type API struct {
	Tunnels    *tunnel.Manager
	Hub        *eventbus.Hub
	Transports *transport.Registry
}

type startTunnelRequest struct {
	Kind         string `json:"kind"`
	LocalPort    int    `json:"local_port,omitempty"`
	RemoteTarget string `json:"remote_target,omitempty"`
}

// StartTunnel opens a tunnel for the session in the URL.
//
//	POST /api/v1/sessions/{sessionID}/tunnels
func (a *API) StartTunnel(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req startTunnelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var kind tunnel.Kind
	switch req.Kind {
	case string(tunnel.KindSocks5):
		kind = tunnel.KindSocks5
	case string(tunnel.KindForward):
		kind = tunnel.KindForward
	default:
		writeError(w, http.StatusBadRequest, "kind must be socks5 or forward")
		return
	}

	res, err := a.Tunnels.StartTunnel(r.Context(), sessionID, kind, req.LocalPort, req.RemoteTarget)
	if err != nil {
		switch {
		case errors.Is(err, tunnel.ErrSessionUnavailable):
			writeError(w, http.StatusBadGateway, err.Error())
		case errors.Is(err, tunnel.ErrPortInUse):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, tunnel.ErrChannelOpenFailed):
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, res)
}

// StopTunnel closes a tunnel. Stopping an already closed tunnel succeeds.
//
//	DELETE /api/v1/sessions/{sessionID}/tunnels/{tunnelID}
func (a *API) StopTunnel(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	tunnelID := chi.URLParam(r, "tunnelID")

	if err := a.Tunnels.StopTunnel(sessionID, tunnelID); err != nil {
		if errors.Is(err, tunnel.ErrTunnelNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// ListTunnels returns a snapshot of the session's tunnels.
//
//	GET /api/v1/sessions/{sessionID}/tunnels
func (a *API) ListTunnels(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	writeJSON(w, http.StatusOK, a.Tunnels.ListTunnels(sessionID))
}

type attachSessionRequest struct {
	Endpoint string `json:"endpoint"`
	Token    string `json:"token"`
}

// AttachSession connects the channel transport for a session and starts
// piping its event feed into the hub. This is the boundary to the
// session-management collaborator: callers hand over an endpoint and a
// token already negotiated elsewhere.
//
//	POST /api/v1/sessions/{sessionID}/transport
func (a *API) AttachSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req attachSessionRequest
	if err := decodeJSON(r, &req); err != nil || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}

	if existing := a.Transports.Get(sessionID); existing != nil && existing.Connected() {
		writeError(w, http.StatusConflict, "session transport already connected")
		return
	}

	tr := transport.NewSessionTransport(sessionID)
	ctx := r.Context()
	if d := config.Cfg.DialTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	if err := tr.Connect(ctx, req.Endpoint, req.Token); err != nil {
		log.Printf("[handlers] session %s: transport connect failed: %v", sessionID, err)
		writeError(w, http.StatusBadGateway, "transport connect failed")
		return
	}

	a.Transports.Remove(sessionID) // drop any stale transport first
	a.Transports.Set(sessionID, tr)
	// The ping loop outlives this request; it stops when the session dies.
	tr.StartPing(context.Background())

	// Forward the remote event feed into the hub until the session dies.
	go func() {
		for e := range tr.Events() {
			a.Hub.Publish(e.Topic, e.Payload)
		}
		a.Hub.Publish(eventbus.TopicSessionLost, map[string]string{"session_id": sessionID})
	}()

	writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

// DetachSession stops the session's tunnels, drops their records and
// tears down the transport.
//
//	DELETE /api/v1/sessions/{sessionID}/transport
func (a *API) DetachSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	a.Tunnels.ReleaseSession(sessionID)
	a.Transports.Remove(sessionID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}
