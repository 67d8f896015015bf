// Package montecarlo prices arithmetic-average (Asian) options by simulating
// geometric Brownian motion paths.
//
// The random source is always passed in. With a seeded source the results are
// exactly reproducible; otherwise they are a Monte Carlo estimate whose
// standard error shrinks as 1/sqrt(paths).
package montecarlo

import (
	"math"

	"options-analytics/internal/payoff"
)

// AsianParams describes one arithmetic-average option and the simulation grid.
type AsianParams struct {
	Spot   float64 `json:"spot"`
	Strike float64 `json:"strike"`
	Expiry float64 `json:"time_to_expiry"`
	Rate   float64 `json:"risk_free_rate"`
	Vol    float64 `json:"volatility"`
	Paths  int     `json:"num_paths"`
	Steps  int     `json:"num_steps"`
	IsCall bool    `json:"is_call"`
}

// SimulateAsianOption returns the discounted sample-mean payoff of an
// arithmetic-average option over numPaths paths of numSteps steps each.
// The average excludes S0. Inputs are not checked: zero paths or steps give NaN.
func SimulateAsianOption(src NormalSource, S0, K, T, r, sigma float64, numPaths, numSteps int, isCall bool) float64 {
	p := AsianParams{Spot: S0, Strike: K, Expiry: T, Rate: r, Vol: sigma, Paths: numPaths, Steps: numSteps, IsCall: isCall}
	g := newGrid(p)

	var sum float64
	for i := 0; i < numPaths; i++ {
		sum += g.path(src)
	}
	return math.Exp(-r*T) * (sum / float64(numPaths))
}

// grid holds the per-step constants shared by every path.
type grid struct {
	s0, k   float64
	drift   float64
	volStep float64
	steps   int
	isCall  bool
}

func newGrid(p AsianParams) grid {
	dt := p.Expiry / float64(p.Steps)
	return grid{
		s0:      p.Spot,
		k:       p.Strike,
		drift:   (p.Rate - 0.5*p.Vol*p.Vol) * dt,
		volStep: p.Vol * math.Sqrt(dt),
		steps:   p.Steps,
		isCall:  p.IsCall,
	}
}

// path simulates one path and returns its undiscounted payoff.
func (g grid) path(src NormalSource) float64 {
	s := g.s0
	var total float64
	for j := 0; j < g.steps; j++ {
		z := src.NormFloat64()
		s *= math.Exp(g.drift + g.volStep*z)
		total += s
	}
	avg := total / float64(g.steps)
	if g.isCall {
		return payoff.Call(avg, g.k)
	}
	return payoff.Put(avg, g.k)
}
