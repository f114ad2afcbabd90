// Rand implementation over math/rand/v2 shared by both backends
package substrate

import (
	"math/rand/v2"
)

type randSource struct {
	rng *rand.Rand
}

// NewRand wraps a math/rand/v2 source. The sequence of values depends only on the
// source, so a PCG source with a fixed seed yields the same draws on every platform.
func NewRand(src rand.Source) Rand {
	return &randSource{rng: rand.New(src)} //nolint:gosec // simulation randomness, not security-sensitive
}

// NewSeededRand returns the deterministic generator used by simulated worlds.
func NewSeededRand(seed uint64) Rand {
	return NewRand(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func (r *randSource) Uint64() uint64 { return r.rng.Uint64() }

func (r *randSource) IntN(n int) int { return r.rng.IntN(n) }

func (r *randSource) Range(low, high int64) int64 {
	if high <= low {
		panic("substrate: Range with empty interval")
	}
	return low + r.rng.Int64N(high-low)
}

func (r *randSource) Float64() float64 { return r.rng.Float64() }

func (r *randSource) NormFloat64() float64 { return r.rng.NormFloat64() }

func (r *randSource) Bool(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return r.rng.Float64() < p
}

func (r *randSource) Choose(weights []uint) int {
	var total uint64
	for _, w := range weights {
		total += uint64(w)
	}
	if total == 0 {
		return -1
	}
	pick := r.rng.Uint64N(total)
	for i, w := range weights {
		if pick < uint64(w) {
			return i
		}
		pick -= uint64(w)
	}
	return len(weights) - 1
}
