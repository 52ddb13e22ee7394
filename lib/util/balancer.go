package util

import (
	"math/rand"
	"sync/atomic"
)

// Balancer picks an index in [0, n) for distributing work across n targets
type Balancer interface {
	Next() int
	Size() int
}

// --------------------------------------------------------------------------
// Round Robin
// --------------------------------------------------------------------------

// RoundRobin cycles through all targets in order. It is safe for concurrent use.
type RoundRobin struct {
	n    uint64
	next atomic.Uint64
}

// NewRoundRobin creates a round robin balancer over n targets, n must be positive
func NewRoundRobin(n int) *RoundRobin {
	if n <= 0 {
		panic("util: balancer needs at least one target")
	}
	return &RoundRobin{n: uint64(n)}
}

func (r *RoundRobin) Next() int {
	return int((r.next.Add(1) - 1) % r.n)
}

func (r *RoundRobin) Size() int { return int(r.n) }

// --------------------------------------------------------------------------
// Uniform Random
// --------------------------------------------------------------------------

// Random picks targets uniformly at random. It is NOT safe for concurrent use,
// every event loop owns its own instance.
type Random struct {
	n   int
	rng *rand.Rand
}

// NewRandom creates a random balancer over n targets. A zero seed draws one from GenerateSeed.
func NewRandom(n int, seed uint64) *Random {
	if n <= 0 {
		panic("util: balancer needs at least one target")
	}
	if seed == 0 {
		seed = GenerateSeed()
	}
	return &Random{n: n, rng: rand.New(rand.NewSource(int64(seed)))}
}

func (r *Random) Next() int {
	return r.rng.Intn(r.n)
}

func (r *Random) Size() int { return r.n }
