package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/0xmanhnv/sliver-ui/internal/config"
	"github.com/0xmanhnv/sliver-ui/internal/eventbus"
	"github.com/0xmanhnv/sliver-ui/internal/handlers"
	"github.com/0xmanhnv/sliver-ui/internal/logging"
	"github.com/0xmanhnv/sliver-ui/internal/transport"
	"github.com/0xmanhnv/sliver-ui/internal/tunnel"
)

func main() {
	config.Load()
	logging.Init(config.Cfg.LogPath)

	transport.PingInterval = config.Cfg.PingInterval

	// All shared state is built here once and handed to the handlers by
	// reference; there are no package-level singletons.
	transports := transport.NewRegistry()
	hub := eventbus.NewHub(config.Cfg.EventQueueCapacity)
	tunnels := tunnel.NewManager(transports, hub, tunnel.Config{
		ConnectTimeout: config.Cfg.ConnectTimeout,
	})
	api := &handlers.API{
		Tunnels:    tunnels,
		Hub:        hub,
		Transports: transports,
	}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Post("/transport", api.AttachSession)
			r.Delete("/transport", api.DetachSession)
			r.Post("/tunnels", api.StartTunnel)
			r.Get("/tunnels", api.ListTunnels)
			r.Delete("/tunnels/{tunnelID}", api.StopTunnel)
		})
		r.Get("/events/connections", api.Connections)
	})

	r.Get("/ws/events", api.EventsWS)

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		log.Printf("Shutting down…")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	log.Printf("Listening on %s", config.Cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}

	tunnels.Shutdown()
	transports.Shutdown()
	hub.Shutdown()
	log.Printf("Shutdown complete")
}
