// Package auth defines the session core's view of the external
// token-issuance system: an opaque bearer token with an expiry, and a
// coordinator that de-duplicates concurrent refreshes per refresh token.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Token is an opaque bearer credential. The session core never parses it.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token is usable at the given instant.
func (t Token) Valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

// TokenProvider supplies a current bearer token for dialing a room.
type TokenProvider interface {
	Token(ctx context.Context) (Token, error)
}

// RefreshFunc exchanges a refresh token for a fresh bearer token. Supplied by
// the external auth collaborator.
type RefreshFunc func(ctx context.Context, refreshToken string) (Token, error)

// Coordinator de-duplicates refresh calls keyed by refresh token: while one
// refresh for a key is in flight, later callers wait on its result instead of
// issuing another. It is owned by an auth service instance, never a process
// global, so tenants sharing a process cannot bleed into each other.
type Coordinator struct {
	refresh RefreshFunc
	clock   clockwork.Clock

	mu       sync.Mutex
	inflight map[string]*refreshCall
}

type refreshCall struct {
	done  chan struct{}
	token Token
	err   error
}

// NewCoordinator wraps a refresh function.
func NewCoordinator(refresh RefreshFunc, clock clockwork.Clock) *Coordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Coordinator{
		refresh:  refresh,
		clock:    clock,
		inflight: make(map[string]*refreshCall),
	}
}

// Refresh returns the token for refreshToken, joining an in-flight call for
// the same key when one exists.
func (c *Coordinator) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	c.mu.Lock()
	if call, ok := c.inflight[refreshToken]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return Token{}, ctx.Err()
		}
	}

	call := &refreshCall{done: make(chan struct{})}
	c.inflight[refreshToken] = call
	c.mu.Unlock()

	call.token, call.err = c.refresh(ctx, refreshToken)
	close(call.done)

	c.mu.Lock()
	delete(c.inflight, refreshToken)
	c.mu.Unlock()

	return call.token, call.err
}

// StaticProvider returns a fixed token; useful for tools and tests.
type StaticProvider struct {
	Tok Token
}

func (p StaticProvider) Token(ctx context.Context) (Token, error) {
	return p.Tok, nil
}

// RefreshingProvider caches a token and refreshes it through a Coordinator
// shortly before expiry.
type RefreshingProvider struct {
	coordinator  *Coordinator
	refreshToken string
	leeway       time.Duration
	clock        clockwork.Clock

	mu      sync.Mutex
	current Token
}

// NewRefreshingProvider builds a provider that refreshes leeway before expiry.
func NewRefreshingProvider(coordinator *Coordinator, refreshToken string, leeway time.Duration) *RefreshingProvider {
	if leeway <= 0 {
		leeway = 30 * time.Second
	}
	return &RefreshingProvider{
		coordinator:  coordinator,
		refreshToken: refreshToken,
		leeway:       leeway,
		clock:        coordinator.clock,
	}
}

func (p *RefreshingProvider) Token(ctx context.Context) (Token, error) {
	p.mu.Lock()
	current := p.current
	p.mu.Unlock()

	if current.Valid(p.clock.Now().Add(p.leeway)) {
		return current, nil
	}

	tok, err := p.coordinator.Refresh(ctx, p.refreshToken)
	if err != nil {
		return Token{}, err
	}
	p.mu.Lock()
	p.current = tok
	p.mu.Unlock()
	return tok, nil
}
