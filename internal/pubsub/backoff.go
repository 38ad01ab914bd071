package pubsub

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays as min(Base*2^attempt + jitter, Cap).
//
// Jitter is drawn from [0, min(MaxJitter, Base)), which keeps the sequence
// non-decreasing across attempts.
type Backoff struct {
	Base      time.Duration
	Cap       time.Duration
	MaxJitter time.Duration

	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// DefaultBackoff returns the delays used when none are configured.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:      500 * time.Millisecond,
		Cap:       30 * time.Second,
		MaxJitter: 250 * time.Millisecond,
	}
}

// normalised fills in unset fields from DefaultBackoff.
func (b Backoff) normalised() Backoff {
	def := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = def.Base
	}
	if b.Cap <= 0 {
		b.Cap = def.Cap
	}
	if b.Cap < b.Base {
		b.Cap = b.Base
	}
	if b.MaxJitter < 0 {
		b.MaxJitter = 0
	}
	return b
}

// Delay returns the wait before reconnect attempt number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.normalised()
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 62 || b.Base > b.Cap>>uint(attempt) {
		return b.Cap
	}

	d := b.Base << uint(attempt)
	if span := min(b.MaxJitter, b.Base); span > 0 {
		r := rand.Float64
		if b.Rand != nil {
			r = b.Rand
		}
		d += time.Duration(r() * float64(span))
	}
	return min(d, b.Cap)
}
