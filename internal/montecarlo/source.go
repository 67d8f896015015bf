package montecarlo

import (
	"math"
	"math/rand/v2"
)

// NormalSource produces standard normal variates (mean 0, variance 1).
// *rand.Rand from math/rand/v2 satisfies it.
type NormalSource interface {
	NormFloat64() float64
}

// UniformSource produces uniform variates on [0, 1).
type UniformSource interface {
	Float64() float64
}

// NewSource returns a reproducible PCG-backed source for seed.
func NewSource(seed uint64) *rand.Rand {
	return streamSource(seed, 0)
}

// streamSource returns stream number n of seed. Distinct n give independent
// sequences for the same seed, one per worker.
func streamSource(seed, n uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, n))
}

// BoxMuller turns a uniform source into standard normals with the basic
// (trigonometric) Box-Muller transform, caching the second variate of each pair.
// It is not safe for concurrent use.
type BoxMuller struct {
	u        UniformSource
	spare    float64
	hasSpare bool
}

// NewBoxMuller wraps u.
func NewBoxMuller(u UniformSource) *BoxMuller {
	return &BoxMuller{u: u}
}

// NormFloat64 returns the next standard normal variate.
func (b *BoxMuller) NormFloat64() float64 {
	if b.hasSpare {
		b.hasSpare = false
		return b.spare
	}
	// 1-u keeps the log argument in (0, 1].
	u1 := 1 - b.u.Float64()
	u2 := b.u.Float64()

	r := math.Sqrt(-2 * math.Log(u1))
	sin, cos := math.Sincos(2 * math.Pi * u2)

	b.spare = r * sin
	b.hasSpare = true
	return r * cos
}
