package session

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/tessora/bidstream/internal/backoff"
	"github.com/tessora/bidstream/internal/transport"
)

// RoomKey identifies one shared auction room connection.
type RoomKey struct {
	TenantID  string
	AuctionID string
}

func (k RoomKey) String() string {
	return k.TenantID + "/" + k.AuctionID
}

// Credentials are what a subscriber presents when acquiring a room. The
// token is opaque and is refreshed in place on every Acquire so reconnects
// always dial with the freshest one.
type Credentials struct {
	Token  string
	UserID string
}

// Config configures the registry and every connection it manages.
type Config struct {
	Endpoint         string        // realtime websocket endpoint
	UserAgent        string        // reported in HELLO clientInfo
	HandshakeTimeout time.Duration // hard cap from transport open to HELLO_OK
	HelloFallback    time.Duration // send HELLO unconditionally after this if no CONNECTED ack
	PingInterval     time.Duration // application heartbeat while authenticated
	Backoff          backoff.Policy
	WriteTimeout     time.Duration
	DialTimeout      time.Duration
	BufferSize       int

	Clock  clockwork.Clock // nil means the real clock
	Logger zerolog.Logger
}

// DefaultConfig returns the production settings for an endpoint.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:         endpoint,
		UserAgent:        "bidstream/1.0",
		HandshakeTimeout: 8 * time.Second,
		HelloFallback:    200 * time.Millisecond,
		PingInterval:     25 * time.Second,
		Backoff:          backoff.Session(),
		WriteTimeout:     5 * time.Second,
		DialTimeout:      10 * time.Second,
		BufferSize:       256,
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig(cfg.Endpoint)
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.HelloFallback <= 0 {
		cfg.HelloFallback = def.HelloFallback
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return cfg
}

func (cfg Config) transportConfig(token string) transport.Config {
	return transport.Config{
		Endpoint:     cfg.Endpoint,
		Token:        token,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
		BufferSize:   cfg.BufferSize,
	}
}
