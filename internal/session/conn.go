package session

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/tessora/bidstream/internal/backoff"
	"github.com/tessora/bidstream/internal/protocol"
	"github.com/tessora/bidstream/internal/transport"
)

// State is the handshake state of a room connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateError:
		return "ERROR"
	default:
		return "DISCONNECTED"
	}
}

// ItemState is the per-item view maintained from routed events.
type ItemState struct {
	ItemID        string
	HighestBid    int64
	HighestBidder string
	EndTimeIso    string
}

// Snapshot is the current shared room state. Late subscribers read this
// instead of replaying events.
type Snapshot struct {
	State            State
	Joined           bool
	ParticipantCount int
	ServerOffsetMs   int64
	Status           string
	AuctionEndIso    string
	LastError        string
	Items            map[string]ItemState
}

// Conn is one managed connection to an auction room, shared by every
// subscriber of that room. It is created and destroyed by the Registry.
type Conn struct {
	key    RoomKey
	cfg    Config
	clock  clockwork.Clock
	logger zerolog.Logger
	rng    *rand.Rand

	ctx    context.Context
	cancel context.CancelFunc

	mu                sync.Mutex
	creds             Credentials
	state             State
	client            *transport.Client
	hs                *handshakeWaiter
	helloSent         bool
	refCount          int
	closing           bool
	joined            bool
	wantJoin          bool
	participantCount  int
	serverOffsetMs    int64
	status            string
	auctionEndIso     string
	lastError         string
	terminalErr       error
	reconnectAttempts int
	reconnectPending  bool
	reconnectTimer    clockwork.Timer
	items             map[string]*ItemState
	subs              []subscription
	nextSubID         int
}

type handshakeWaiter struct {
	once sync.Once
	done chan error
}

func (h *handshakeWaiter) resolve(err error) {
	h.once.Do(func() { h.done <- err })
}

func newConn(key RoomKey, creds Credentials, cfg Config) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		key:    key,
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: cfg.Logger.With().Str("tenant_id", key.TenantID).Str("auction_id", key.AuctionID).Logger(),
		rng:    backoff.NewRand(),
		ctx:    ctx,
		cancel: cancel,
		creds:  creds,
		items:  make(map[string]*ItemState),
	}
}

// Key returns the room identity.
func (c *Conn) Key() RoomKey { return c.key }

// UserID returns the identity the connection was acquired with.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds.UserID
}

// State returns the current handshake state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready reports whether the two-phase handshake has completed on the current
// transport. Sends are only permitted while Ready.
func (c *Conn) Ready() bool {
	return c.State() == StateAuthenticated
}

// OffsetMs returns the last observed (server time − local time) sample.
func (c *Conn) OffsetMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverOffsetMs
}

// Now returns the synchronized wall clock. Countdown displays must use this,
// never raw local time.
func (c *Conn) Now() time.Time {
	c.mu.Lock()
	offset := c.serverOffsetMs
	c.mu.Unlock()
	return c.clock.Now().Add(time.Duration(offset) * time.Millisecond)
}

// Remaining computes time left until an ISO end timestamp using the
// synchronized clock.
func (c *Conn) Remaining(endTimeIso string) (time.Duration, error) {
	end, err := time.Parse(time.RFC3339, endTimeIso)
	if err != nil {
		return 0, fmt.Errorf("parse end time: %w", err)
	}
	d := end.Sub(c.Now())
	if d < 0 {
		d = 0
	}
	return d, nil
}

// Snapshot returns a copy of the shared room state.
func (c *Conn) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	items := make(map[string]ItemState, len(c.items))
	for id, it := range c.items {
		items[id] = *it
	}
	return Snapshot{
		State:            c.state,
		Joined:           c.joined,
		ParticipantCount: c.participantCount,
		ServerOffsetMs:   c.serverOffsetMs,
		Status:           c.status,
		AuctionEndIso:    c.auctionEndIso,
		LastError:        c.lastError,
		Items:            items,
	}
}

func (c *Conn) updateCredentials(creds Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = creds
}

// connect dials the transport and runs the handshake to completion or
// failure. Callers own the returned error; reconnect scheduling happens
// elsewhere.
func (c *Conn) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = StateConnecting
	token := c.creds.Token
	c.mu.Unlock()
	c.fanOut(ConnectivityEvent{State: StateConnecting})

	client := transport.NewClient(c.cfg.transportConfig(token), c.logger)
	if err := client.Connect(ctx); err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.lastError = err.Error()
		c.mu.Unlock()
		return fmt.Errorf("dial %s: %w", c.key, err)
	}

	hs := &handshakeWaiter{done: make(chan error, 1)}
	c.mu.Lock()
	c.client = client
	c.state = StateConnected
	c.helloSent = false
	c.terminalErr = nil
	c.hs = hs
	c.reconnectAttempts = 0
	c.mu.Unlock()

	go c.pump(client)

	// The server usually acks with CONNECTED, which triggers HELLO. If the
	// ack never arrives, HELLO goes out anyway after a short fallback.
	fallback := c.clock.AfterFunc(c.cfg.HelloFallback, func() { c.sendHello(client) })
	defer fallback.Stop()

	timeout := c.clock.NewTimer(c.cfg.HandshakeTimeout)
	defer timeout.Stop()

	select {
	case err := <-hs.done:
		return err
	case <-timeout.Chan():
		c.clearWaiter(hs)
		client.Close()
		c.mu.Lock()
		c.state = StateError
		c.lastError = "handshake timeout"
		c.mu.Unlock()
		return &HandshakeError{Reason: "timed out waiting for HELLO_OK"}
	case <-ctx.Done():
		c.clearWaiter(hs)
		client.Close()
		return ctx.Err()
	}
}

func (c *Conn) clearWaiter(hs *handshakeWaiter) {
	c.mu.Lock()
	if c.hs == hs {
		c.hs = nil
	}
	c.mu.Unlock()
}

func (c *Conn) sendHello(client *transport.Client) {
	c.mu.Lock()
	if c.client != client || c.helloSent || c.closing {
		c.mu.Unlock()
		return
	}
	c.helloSent = true
	c.mu.Unlock()

	data, err := protocol.Marshal(protocol.TypeHello, protocol.HelloPayload{
		ClientInfo: protocol.ClientInfo{UserAgent: c.cfg.UserAgent},
	})
	if err != nil {
		return
	}
	if err := client.Send(data); err != nil {
		c.logger.Warn().Err(err).Msg("failed to send HELLO")
	}
}

// pump reads frames from one transport generation and drives routing and the
// application heartbeat. Exactly one pump runs per open transport.
func (c *Conn) pump(client *transport.Client) {
	ticker := c.clock.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-client.Errors():
			c.handleClose(client, err)
			return
		case msg, ok := <-client.Messages():
			if !ok {
				var err error
				select {
				case err = <-client.Errors():
				default:
				}
				c.handleClose(client, err)
				return
			}
			c.route(client, msg.Data)
		case <-ticker.Chan():
			c.heartbeat(client)
		}
	}
}

func (c *Conn) heartbeat(client *transport.Client) {
	c.mu.Lock()
	ok := c.client == client && c.state == StateAuthenticated
	c.mu.Unlock()
	if !ok {
		return
	}
	if data, err := protocol.Marshal(protocol.TypePing, struct{}{}); err == nil {
		client.Send(data)
	}
}

// route parses and applies one inbound frame. Malformed and unknown frames
// are dropped; they never tear down the connection.
func (c *Conn) route(client *transport.Client, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		c.logger.Debug().Err(err).Msg("dropping undecodable frame")
		return
	}

	if ts, ok := protocol.ServerTime(msg); ok {
		c.mu.Lock()
		c.serverOffsetMs = ts - c.clock.Now().UnixMilli()
		c.mu.Unlock()
	}

	switch m := msg.(type) {
	case protocol.Connected:
		c.sendHello(client)
		return

	case protocol.HelloOK:
		c.completeHandshake(client)
		return

	case protocol.JoinedPayload:
		c.applyJoined(m)

	case protocol.ParticipantCountPayload:
		c.mu.Lock()
		c.participantCount = m.Count
		c.mu.Unlock()

	case protocol.BidEvent:
		c.applyBid(m)

	case protocol.BidRejectedPayload:
		// Business-level, per-bid; no shared state to update.

	case protocol.TimeExtensionEvent:
		c.applyExtension(m)

	case protocol.StatusChangedPayload:
		c.mu.Lock()
		c.status = m.Status
		c.mu.Unlock()

	case protocol.KickedDuplicate:
		c.kick(client)
		return

	case protocol.ErrorPayload:
		if m.IsAuthFatal() {
			c.failAuth(client, m)
			return
		}
		c.mu.Lock()
		c.lastError = m.Message
		c.mu.Unlock()
	}

	c.fanOut(FrameEvent{Msg: msg})
}

func (c *Conn) completeHandshake(client *transport.Client) {
	c.mu.Lock()
	if c.client != client {
		c.mu.Unlock()
		return
	}
	c.state = StateAuthenticated
	c.lastError = ""
	hs := c.hs
	c.hs = nil
	c.mu.Unlock()

	if hs != nil {
		hs.resolve(nil)
	}
	c.logger.Info().Msg("room connection authenticated")
	c.fanOut(ConnectivityEvent{State: StateAuthenticated})
}

func (c *Conn) applyJoined(m protocol.JoinedPayload) {
	c.mu.Lock()
	c.joined = true
	if m.ParticipantCount != nil {
		c.participantCount = *m.ParticipantCount
	}
	for _, it := range m.AuctionItems {
		c.items[it.ID] = &ItemState{
			ItemID:        it.ID,
			HighestBid:    it.HighestBid,
			HighestBidder: it.HighestBidder,
			EndTimeIso:    it.EndTimeIso,
		}
	}
	c.mu.Unlock()
	c.logger.Info().Int("participants", c.ParticipantCount()).Msg("joined auction room")
}

func (c *Conn) applyBid(m protocol.BidEvent) {
	c.mu.Lock()
	it, ok := c.items[m.AuctionItemID]
	if !ok {
		it = &ItemState{ItemID: m.AuctionItemID}
		c.items[m.AuctionItemID] = it
	}
	if m.Amount > it.HighestBid {
		it.HighestBid = m.Amount
		it.HighestBidder = m.BidderID
	}
	c.mu.Unlock()
}

func (c *Conn) applyExtension(m protocol.TimeExtensionEvent) {
	c.mu.Lock()
	if m.AuctionItemID == "" {
		c.auctionEndIso = m.NewEndTimeIso
	} else {
		it, ok := c.items[m.AuctionItemID]
		if !ok {
			it = &ItemState{ItemID: m.AuctionItemID}
			c.items[m.AuctionItemID] = it
		}
		it.EndTimeIso = m.NewEndTimeIso
	}
	c.mu.Unlock()
}

// kick handles KICKED_DUPLICATE: a deliberate, non-retryable local shutdown
// distinct from network failure.
func (c *Conn) kick(client *transport.Client) {
	c.mu.Lock()
	if c.client != client {
		c.mu.Unlock()
		return
	}
	c.joined = false
	c.wantJoin = false
	c.terminalErr = ErrKicked
	c.lastError = ErrKicked.Error()
	c.mu.Unlock()

	c.logger.Warn().Msg("kicked: duplicate session for this identity")
	client.Close()
}

func (c *Conn) failAuth(client *transport.Client, m protocol.ErrorPayload) {
	herr := &HandshakeError{Reason: m.Message, Code: m.Code, AuthFatal: true}

	c.mu.Lock()
	if c.client != client {
		c.mu.Unlock()
		return
	}
	c.state = StateError
	c.lastError = m.Message
	c.terminalErr = herr
	hs := c.hs
	c.hs = nil
	c.mu.Unlock()

	c.logger.Warn().Str("code", m.Code).Str("message", m.Message).Msg("auth-fatal server error")
	client.Close()
	if hs != nil {
		hs.resolve(herr)
	}
}

// handleClose runs once per transport generation when its read side ends.
func (c *Conn) handleClose(client *transport.Client, err error) {
	c.mu.Lock()
	if c.client != client {
		c.mu.Unlock()
		return
	}
	c.client = nil
	c.joined = false
	hs := c.hs
	c.hs = nil
	closing := c.closing
	terminal := c.terminalErr
	if terminal != nil {
		c.state = StateError
	} else {
		c.state = StateDisconnected
	}
	if err != nil && terminal == nil {
		c.lastError = err.Error()
	}
	c.mu.Unlock()

	if hs != nil {
		// Close before HELLO_OK fails the in-flight connect; the caller owns
		// retry policy on this path.
		reason := "connection closed during handshake"
		if err != nil {
			reason = err.Error()
		}
		hs.resolve(&HandshakeError{Reason: reason})
		return
	}
	if closing {
		return
	}
	if terminal != nil {
		c.fanOut(ConnectivityEvent{State: StateError, Err: terminal})
		return
	}

	c.fanOut(ConnectivityEvent{State: StateDisconnected})

	if err == nil || transport.NormalClosure(err) {
		// Deliberate closure from the server side; nothing to retry.
		return
	}
	c.logger.Warn().Err(err).Msg("transport dropped unexpectedly")
	c.scheduleReconnect()
}

// scheduleReconnect arms at most one pending reconnect timer.
func (c *Conn) scheduleReconnect() {
	c.mu.Lock()
	if c.closing || c.refCount == 0 || c.reconnectPending {
		c.mu.Unlock()
		return
	}
	attempt := c.reconnectAttempts
	c.reconnectAttempts++
	c.reconnectPending = true
	delay := c.cfg.Backoff.Delay(attempt, c.rng)
	c.reconnectTimer = c.clock.AfterFunc(delay, c.reconnect)
	c.mu.Unlock()

	c.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
}

func (c *Conn) reconnect() {
	c.mu.Lock()
	c.reconnectPending = false
	c.reconnectTimer = nil
	if c.closing || c.refCount == 0 {
		c.mu.Unlock()
		return
	}
	wantJoin := c.wantJoin
	c.mu.Unlock()

	if err := c.connect(c.ctx); err != nil {
		if IsAuthFatal(err) || c.ctx.Err() != nil {
			c.fanOut(ConnectivityEvent{State: StateError, Err: err})
			return
		}
		c.scheduleReconnect()
		return
	}

	// Membership is restored transparently; subscribers do nothing.
	if wantJoin {
		if err := c.Join(); err != nil {
			c.logger.Warn().Err(err).Msg("failed to rejoin after reconnect")
		}
	}
}

// Join enters the auction room. Joined state is confirmed by the server's
// JOINED frame; reconnects replay the join automatically.
func (c *Conn) Join() error {
	c.mu.Lock()
	client := c.client
	if c.state != StateAuthenticated || client == nil {
		c.mu.Unlock()
		return ErrNotReady
	}
	c.wantJoin = true
	c.mu.Unlock()

	data, err := protocol.Marshal(protocol.TypeJoin, protocol.JoinPayload{
		TenantID:  c.key.TenantID,
		AuctionID: c.key.AuctionID,
	})
	if err != nil {
		return err
	}
	return client.Send(data)
}

// Leave exits the room without releasing the connection.
func (c *Conn) Leave() error {
	c.mu.Lock()
	client := c.client
	c.wantJoin = false
	c.joined = false
	c.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return ErrNotReady
	}
	data, err := protocol.Marshal(protocol.TypeLeave, protocol.JoinPayload{
		TenantID:  c.key.TenantID,
		AuctionID: c.key.AuctionID,
	})
	if err != nil {
		return err
	}
	return client.Send(data)
}

// ParticipantCount returns the shared room counter.
func (c *Conn) ParticipantCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantCount
}

// addRef and decRef implement the registry's ref-counting discipline.
func (c *Conn) addRef() {
	c.mu.Lock()
	c.refCount++
	c.mu.Unlock()
}

// decRef returns true when the count reached zero; in that case closing is
// already set, which suppresses any reconnect triggered by the close below.
func (c *Conn) decRef() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refCount > 0 {
		c.refCount--
	}
	if c.refCount == 0 {
		c.closing = true
		return true
	}
	return false
}

// shutdown tears the connection down after the last release.
func (c *Conn) shutdown() {
	c.mu.Lock()
	timer := c.reconnectTimer
	c.reconnectTimer = nil
	c.reconnectPending = false
	client := c.client
	joined := c.joined
	c.joined = false
	c.state = StateDisconnected
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if client != nil {
		if joined && client.IsConnected() {
			if data, err := protocol.Marshal(protocol.TypeLeave, protocol.JoinPayload{
				TenantID:  c.key.TenantID,
				AuctionID: c.key.AuctionID,
			}); err == nil {
				client.Send(data)
			}
		}
		client.Close()
	}
	c.cancel()
	c.logger.Info().Msg("room connection closed")
}

// NewCorrelationID generates a fresh client-side correlation id: a UUID, or a
// time+random fallback if the system entropy source fails.
func NewCorrelationID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Sprintf("cid-%d-%06d", time.Now().UnixNano(), rand.Intn(1000000))
	}
	return id.String()
}

// Submit sends a bid through this connection's gateway. The bool is false
// when nothing was sent: no open transport, not joined, or not authenticated.
// Callers must treat false as "not sent", never as "sent but unknown".
func (c *Conn) Submit(auctionItemID string, amount int64) (string, bool) {
	return c.SubmitCorrelated(auctionItemID, amount, NewCorrelationID())
}

// SubmitCorrelated sends a bid with a caller-supplied correlation id. The
// gateway does no business validation and tracks nothing; matching the
// eventual BID_PLACED or BID_REJECTED is the caller's responsibility.
func (c *Conn) SubmitCorrelated(auctionItemID string, amount int64, correlationID string) (string, bool) {
	c.mu.Lock()
	client := c.client
	ok := client != nil && client.IsConnected() && c.joined && c.state == StateAuthenticated
	c.mu.Unlock()
	if !ok {
		return "", false
	}

	data, err := protocol.Marshal(protocol.TypePlaceBid, protocol.PlaceBidPayload{
		TenantID:      c.key.TenantID,
		AuctionID:     c.key.AuctionID,
		AuctionItemID: auctionItemID,
		Amount:        amount,
		CorrelationID: correlationID,
	})
	if err != nil {
		return "", false
	}
	if err := client.Send(data); err != nil {
		c.logger.Warn().Err(err).Str("item_id", auctionItemID).Msg("bid send failed")
		return "", false
	}

	c.logger.Debug().
		Str("item_id", auctionItemID).
		Int64("amount", amount).
		Str("correlation_id", correlationID).
		Msg("bid submitted")
	return correlationID, true
}
