// Package backoff computes reconnect delays for dropped auction room
// transports. Two tiers exist deliberately: session-level reconnects (shared
// room connections) recover quickly, while standalone transport redials back
// off further to spare the server during longer outages.
package backoff

import (
	"math/rand"
	"time"
)

// Policy is a capped exponential backoff with optional jitter.
type Policy struct {
	Base   time.Duration
	Growth float64
	Cap    time.Duration
	Jitter time.Duration // upper bound of the uniform jitter added per delay
}

// Session is the policy used by the room connection registry.
func Session() Policy {
	return Policy{
		Base:   500 * time.Millisecond,
		Growth: 1.5,
		Cap:    8 * time.Second,
		Jitter: 150 * time.Millisecond,
	}
}

// Transport is the policy used by standalone transport redial loops.
func Transport() Policy {
	return Policy{
		Base:   time.Second,
		Growth: 2,
		Cap:    30 * time.Second,
		Jitter: 250 * time.Millisecond,
	}
}

// Delay returns the wait before retry number attempt (0-based). The
// exponential part is min(Base·Growth^attempt, Cap); jitter is drawn from rng
// when one is provided.
func (p Policy) Delay(attempt int, rng *rand.Rand) time.Duration {
	d := time.Duration(float64(p.Base) * pow(p.Growth, attempt))
	if d > p.Cap || d <= 0 {
		d = p.Cap
	}
	if rng != nil && p.Jitter > 0 {
		d += time.Duration(rng.Int63n(int64(p.Jitter)))
	}
	return d
}

// pow avoids importing math for an integer exponent.
func pow(base float64, n int) float64 {
	out := 1.0
	for i := 0; i < n; i++ {
		out *= base
	}
	return out
}

// NewRand returns a private jitter source seeded once.
func NewRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
