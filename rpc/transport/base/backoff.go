package base

import (
	"github.com/ValentinKolb/smtc/lib/util"
	"math/rand"
	"time"
)

// Backoff produces exponentially growing reconnect delays: Min, 2*Min, ...
// clamped to Max, each scaled by a random jitter factor.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Jitter float64

	current time.Duration
	rng     *rand.Rand
}

// NewBackoff creates a backoff starting at min. jitter is a fraction, e.g. 0.1 for +-10%.
func NewBackoff(min, max time.Duration, jitter float64) *Backoff {
	return &Backoff{
		Min:    min,
		Max:    max,
		Jitter: jitter,
		rng:    rand.New(rand.NewSource(int64(util.GenerateSeed()))),
	}
}

// Next returns the delay before the next attempt and doubles the base delay
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Min
	}
	d := b.current
	b.current *= 2
	if b.current > b.Max {
		b.current = b.Max
	}
	return util.Jitter(d, b.Jitter, b.rng.Float64())
}

// Reset starts over at Min, called after a successful connect
func (b *Backoff) Reset() {
	b.current = 0
}
