// Package autobid is the client-driven proxy bidding engine: it watches
// routed bid events and re-bids on the owner's behalf up to a ceiling. The
// server only ever sees ordinary bid submissions; it cannot tell an auto-bid
// from a manual one.
package autobid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/tessora/bidstream/internal/protocol"
	"github.com/tessora/bidstream/internal/session"
)

// ErrCeilingTooLow rejects an activation whose ceiling does not exceed the
// current highest bid. The previous policy state is left unchanged.
var ErrCeilingTooLow = errors.New("autobid: ceiling must exceed current highest bid")

// Policy is the per-item proxy bidding preference.
type Policy struct {
	Enabled      bool  `json:"enabled"`
	CeilingPrice int64 `json:"ceilingPrice"`
}

// Submitter is the slice of the bid gateway the engine needs.
type Submitter interface {
	SubmitCorrelated(auctionItemID string, amount int64, correlationID string) (string, bool)
}

// Config configures an engine for one subscriber in one room.
type Config struct {
	OwnerID      string        // the subscriber the engine bids for
	BidIncrement int64         // room increment added to an opposing bid
	Delay        time.Duration // humanizing delay before a follow-up fires
	Clock        clockwork.Clock
	Store        Store // optional; policies persist across sessions when set
	Logger       zerolog.Logger
}

// Engine holds one Policy per auction item and emits follow-up bids through
// the gateway.
type Engine struct {
	cfg       Config
	clock     clockwork.Clock
	submitter Submitter
	logger    zerolog.Logger

	mu       sync.Mutex
	policies map[string]Policy
	seq      int
}

// NewEngine creates an engine bound to a gateway.
func NewEngine(cfg Config, submitter Submitter) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Delay <= 0 {
		cfg.Delay = time.Second
	}
	return &Engine{
		cfg:       cfg,
		clock:     cfg.Clock,
		submitter: submitter,
		logger:    cfg.Logger.With().Str("owner_id", cfg.OwnerID).Logger(),
		policies:  make(map[string]Policy),
	}
}

// LoadPolicies seeds the engine from the store at session start.
func (e *Engine) LoadPolicies(ctx context.Context) error {
	if e.cfg.Store == nil {
		return nil
	}
	policies, err := e.cfg.Store.Load(ctx, e.cfg.OwnerID)
	if err != nil {
		return fmt.Errorf("load autobid policies: %w", err)
	}
	e.mu.Lock()
	for itemID, p := range policies {
		e.policies[itemID] = p
	}
	e.mu.Unlock()
	return nil
}

// Activate enables proxy bidding for an item. The ceiling must exceed the
// current highest bid at activation time.
func (e *Engine) Activate(ctx context.Context, auctionItemID string, ceiling, currentHighest int64) error {
	if ceiling <= currentHighest {
		return ErrCeilingTooLow
	}
	p := Policy{Enabled: true, CeilingPrice: ceiling}

	e.mu.Lock()
	e.policies[auctionItemID] = p
	e.mu.Unlock()

	e.logger.Info().
		Str("item_id", auctionItemID).
		Int64("ceiling", ceiling).
		Msg("autobid activated")
	return e.persist(ctx, auctionItemID, p)
}

// Deactivate disables proxy bidding for an item. A follow-up already waiting
// on its humanizing delay re-checks the policy and stays silent.
func (e *Engine) Deactivate(ctx context.Context, auctionItemID string) error {
	e.mu.Lock()
	p := e.policies[auctionItemID]
	p.Enabled = false
	e.policies[auctionItemID] = p
	e.mu.Unlock()

	e.logger.Info().Str("item_id", auctionItemID).Msg("autobid deactivated")
	return e.persist(ctx, auctionItemID, p)
}

// PolicyFor returns the stored policy for an item.
func (e *Engine) PolicyFor(auctionItemID string) (Policy, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.policies[auctionItemID]
	return p, ok
}

// Handler adapts the engine to the session's subscriber interface.
func (e *Engine) Handler() session.Handler {
	return func(ev session.Event) {
		frame, ok := ev.(session.FrameEvent)
		if !ok {
			return
		}
		if bid, ok := frame.Msg.(protocol.BidEvent); ok {
			e.observe(bid)
		}
	}
}

// observe reacts to one routed bid. Bids by the owner are ignored: reacting
// to our own just-placed bid would loop until the ceiling. An engine without
// an owner id cannot tell its own bids apart, so it never bids at all.
func (e *Engine) observe(bid protocol.BidEvent) {
	if e.cfg.OwnerID == "" || bid.BidderID == e.cfg.OwnerID {
		return
	}

	e.mu.Lock()
	p, ok := e.policies[bid.AuctionItemID]
	e.mu.Unlock()
	if !ok || !p.Enabled {
		return
	}

	next := bid.Amount + e.cfg.BidIncrement
	if next > p.CeilingPrice {
		e.logger.Info().
			Str("item_id", bid.AuctionItemID).
			Int64("required", next).
			Int64("ceiling", p.CeilingPrice).
			Msg("autobid ceiling reached, standing down")
		return
	}

	itemID := bid.AuctionItemID
	e.clock.AfterFunc(e.cfg.Delay, func() { e.fire(itemID, next) })
}

// fire submits the delayed follow-up, re-checking the policy first so a
// deactivation during the delay suppresses the stale bid.
func (e *Engine) fire(auctionItemID string, amount int64) {
	e.mu.Lock()
	p, ok := e.policies[auctionItemID]
	if !ok || !p.Enabled || amount > p.CeilingPrice {
		e.mu.Unlock()
		return
	}
	e.seq++
	n := e.seq
	e.mu.Unlock()

	correlationID := fmt.Sprintf("%s-auto-%d", session.NewCorrelationID(), n)
	if _, sent := e.submitter.SubmitCorrelated(auctionItemID, amount, correlationID); !sent {
		e.logger.Warn().Str("item_id", auctionItemID).Msg("autobid not sent, gateway not ready")
		return
	}
	e.logger.Info().
		Str("item_id", auctionItemID).
		Int64("amount", amount).
		Str("correlation_id", correlationID).
		Msg("autobid submitted")
}

func (e *Engine) persist(ctx context.Context, auctionItemID string, p Policy) error {
	if e.cfg.Store == nil {
		return nil
	}
	if err := e.cfg.Store.Save(ctx, e.cfg.OwnerID, auctionItemID, p); err != nil {
		return fmt.Errorf("save autobid policy: %w", err)
	}
	return nil
}
