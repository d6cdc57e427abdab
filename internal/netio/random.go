package netio

import (
	"math/rand/v2"
	"time"
)

// UniformSource draws a uniform random integer in [0, n). Both the interval
// allocator's FindFree and the engine's timer jitter use the same seam, so a
// test can hand both a fixed sequence instead of real entropy.
type UniformSource interface {
	Uniform(n uint64) uint64
}

// SystemRandom is the production UniformSource, backed by math/rand/v2's
// process-global generator.
type SystemRandom struct{}

// Uniform returns a uniform random value in [0, n), or 0 if n is 0.
func (SystemRandom) Uniform(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	return rand.Uint64N(n)
}

// JitteredDelay returns base plus a uniform random amount in [0, variation),
// the pattern every retransmit and announce interval in the engine uses.
func JitteredDelay(rng UniformSource, base, variation time.Duration) time.Duration {
	if variation <= 0 {
		return base
	}
	return base + time.Duration(rng.Uniform(uint64(variation)))
}
