package transport

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/tessora/bidstream/internal/backoff"
)

// Redialer keeps one transport connection alive with the transport-tier
// backoff policy (1s doubling up to 30s plus jitter). It is used by
// standalone consumers such as the relay; shared room connections are
// reconnected by the session registry instead, on its faster policy.
type Redialer struct {
	cfg    Config
	policy backoff.Policy
	clock  clockwork.Clock
	logger zerolog.Logger

	out chan Message
}

// NewRedialer builds a redialer. A nil clock means the real one.
func NewRedialer(cfg Config, clock clockwork.Clock, logger zerolog.Logger) *Redialer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Redialer{
		cfg:    cfg,
		policy: backoff.Transport(),
		clock:  clock,
		logger: logger,
		out:    make(chan Message, cfg.BufferSize),
	}
}

// Messages returns the merged inbound stream across redials. Frames received
// while disconnected are simply missed; the policy here is best-effort.
func (r *Redialer) Messages() <-chan Message {
	return r.out
}

// Run dials, pumps frames, and redials on failure until ctx is cancelled.
func (r *Redialer) Run(ctx context.Context) error {
	rng := backoff.NewRand()
	attempt := 0

	defer close(r.out)

	for {
		client := NewClient(r.cfg, r.logger)
		if err := client.Connect(ctx); err != nil {
			r.logger.Warn().Err(err).Int("attempt", attempt).Msg("dial failed")
			if err := r.wait(ctx, r.policy.Delay(attempt, rng)); err != nil {
				return err
			}
			attempt++
			continue
		}
		attempt = 0

		err := r.pump(ctx, client)
		client.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if NormalClosure(err) {
			return nil
		}
		r.logger.Warn().Err(err).Msg("connection dropped, redialing")
		if err := r.wait(ctx, r.policy.Delay(attempt, rng)); err != nil {
			return err
		}
		attempt++
	}
}

func (r *Redialer) pump(ctx context.Context, client *Client) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-client.Errors():
			return err
		case msg, ok := <-client.Messages():
			if !ok {
				return ErrNotConnected
			}
			select {
			case r.out <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (r *Redialer) wait(ctx context.Context, d time.Duration) error {
	timer := r.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}
