package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8000"`
	LogPath    string `envconfig:"LOG_PATH" default:""`

	// Event hub settings
	EventQueueCapacity int `envconfig:"EVENT_QUEUE_CAPACITY" default:"64"`

	// Session transport settings. DialTimeout bounds the WebSocket dial
	// when a session transport is attached.
	PingInterval time.Duration `envconfig:"PING_INTERVAL" default:"30s"`
	DialTimeout  time.Duration `envconfig:"DIAL_TIMEOUT" default:"10s"`

	// SOCKS5 remote dial deadline
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"5s"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SLIVERUI", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
