package backoff

import (
	"math/rand"
	"testing"
	"time"
)

func TestSessionDelaysGrowToCap(t *testing.T) {
	p := Session()

	want := []time.Duration{
		500 * time.Millisecond,
		750 * time.Millisecond,
		1125 * time.Millisecond,
	}
	for attempt, expected := range want {
		if got := p.Delay(attempt, nil); got != expected {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, expected)
		}
	}

	prev := time.Duration(0)
	for attempt := 0; attempt < 20; attempt++ {
		d := p.Delay(attempt, nil)
		if d < prev {
			t.Errorf("Delay(%d) = %v shrank below %v", attempt, d, prev)
		}
		if d > p.Cap {
			t.Errorf("Delay(%d) = %v exceeds cap %v", attempt, d, p.Cap)
		}
		prev = d
	}
	if got := p.Delay(50, nil); got != p.Cap {
		t.Errorf("Delay(50) = %v, want cap %v", got, p.Cap)
	}
}

func TestTransportDelaysDouble(t *testing.T) {
	p := Transport()

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, expected := range want {
		if got := p.Delay(attempt, nil); got != expected {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, expected)
		}
	}
}

func TestJitterStaysInBounds(t *testing.T) {
	p := Transport()
	rng := rand.New(rand.NewSource(1))

	for attempt := 0; attempt < 10; attempt++ {
		base := p.Delay(attempt, nil)
		for i := 0; i < 100; i++ {
			d := p.Delay(attempt, rng)
			if d < base || d >= base+p.Jitter {
				t.Fatalf("Delay(%d) = %v outside [%v, %v)", attempt, d, base, base+p.Jitter)
			}
		}
	}
}

func TestZeroJitterPolicyIgnoresRand(t *testing.T) {
	p := Policy{Base: time.Second, Growth: 2, Cap: 10 * time.Second}
	rng := rand.New(rand.NewSource(1))
	if got := p.Delay(1, rng); got != 2*time.Second {
		t.Errorf("Delay(1) = %v, want 2s", got)
	}
}

func TestOverflowClampsToCap(t *testing.T) {
	p := Transport()
	// Growth^attempt overflows float64 into the duration conversion well
	// before attempt 1000; the result must still be the cap.
	if got := p.Delay(1000, nil); got != p.Cap {
		t.Errorf("Delay(1000) = %v, want cap %v", got, p.Cap)
	}
}
