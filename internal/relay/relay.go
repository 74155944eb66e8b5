// Package relay republishes routed auction room events onto NATS JetStream
// so downstream consumers (analytics, notification fan-out) get them without
// holding their own room connections.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/tessora/bidstream/internal/protocol"
	"github.com/tessora/bidstream/internal/session"
)

// Config configures the JetStream publisher.
type Config struct {
	URL           string
	StreamName    string
	SubjectFmt    string // fmt verbs: tenant, auction, event type
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns the production relay settings.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		StreamName:    "AUCTION_EVENTS",
		SubjectFmt:    "bids.%s.%s.%s",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// Publisher forwards room events to JetStream subjects per tenant/auction.
type Publisher struct {
	cfg    Config
	nc     *nats.Conn
	js     jetstream.JetStream
	logger zerolog.Logger
}

// NewPublisher connects to NATS and ensures the target stream exists.
func NewPublisher(ctx context.Context, cfg Config, logger zerolog.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.StreamName,
		Subjects: []string{"bids.>"},
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.StreamName, err)
	}

	return &Publisher{cfg: cfg, nc: nc, js: js, logger: logger}, nil
}

// Close drains the NATS connection.
func (p *Publisher) Close() {
	p.nc.Close()
}

// envelope is the published message shape.
type envelope struct {
	TenantID    string          `json:"tenantId"`
	AuctionID   string          `json:"auctionId"`
	Event       protocol.Type   `json:"event"`
	Data        json.RawMessage `json:"data"`
	PublishedAt time.Time       `json:"publishedAt"`
}

// subjectFor returns the JetStream subject one room event publishes to.
func (p *Publisher) subjectFor(key session.RoomKey, event protocol.Type) string {
	return fmt.Sprintf(p.cfg.SubjectFmt, key.TenantID, key.AuctionID, string(event))
}

// encodeEnvelope wraps one routed frame in the published message shape.
func encodeEnvelope(key session.RoomKey, msg protocol.Message, publishedAt time.Time) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	payload, err := json.Marshal(envelope{
		TenantID:    key.TenantID,
		AuctionID:   key.AuctionID,
		Event:       msg.Type(),
		Data:        data,
		PublishedAt: publishedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return payload, nil
}

// Publish forwards one routed frame for a room.
func (p *Publisher) Publish(ctx context.Context, key session.RoomKey, msg protocol.Message) error {
	payload, err := encodeEnvelope(key, msg, time.Now().UTC())
	if err != nil {
		return err
	}
	subject := p.subjectFor(key, msg.Type())
	if _, err := p.js.Publish(ctx, subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Bridge subscribes a room connection and republishes every frame it routes.
// Returns the unsubscribe function.
func (p *Publisher) Bridge(ctx context.Context, conn *session.Conn) func() {
	key := conn.Key()
	return conn.Subscribe(func(ev session.Event) {
		frame, ok := ev.(session.FrameEvent)
		if !ok {
			return
		}
		if err := p.Publish(ctx, key, frame.Msg); err != nil {
			p.logger.Warn().Err(err).Str("room", key.String()).Msg("relay publish failed")
		}
	})
}
