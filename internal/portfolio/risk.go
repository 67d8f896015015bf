package portfolio

import (
	"fmt"
	"math"
)

// GreekLimits caps the aggregate exposure of a portfolio. A zero field
// disables that check.
type GreekLimits struct {
	MaxAbsDelta float64 `json:"max_abs_delta"`
	MaxAbsGamma float64 `json:"max_abs_gamma"`
	MaxAbsVega  float64 `json:"max_abs_vega"`
	MinTheta    float64 `json:"min_theta"` // floor on total theta, per year
}

// Enabled reports whether any limit is set.
func (l GreekLimits) Enabled() bool {
	return l.MaxAbsDelta != 0 || l.MaxAbsGamma != 0 || l.MaxAbsVega != 0 || l.MinTheta != 0
}

// Breach describes one violated limit.
type Breach struct {
	Greek  string  `json:"greek"`
	Value  float64 `json:"value"`
	Limit  float64 `json:"limit"`
	Reason string  `json:"reason"`
}

// CheckLimits returns every limit the totals violate, in a fixed order
// (delta, gamma, vega, theta). NaN totals are reported as breaches.
func CheckLimits(g PortfolioGreeks, l GreekLimits) []Breach {
	var out []Breach

	abs := func(name string, v, limit float64) {
		if limit == 0 {
			return
		}
		if math.IsNaN(v) || math.Abs(v) > limit {
			out = append(out, Breach{
				Greek:  name,
				Value:  v,
				Limit:  limit,
				Reason: fmt.Sprintf("|%s| %.4f exceeds %.4f", name, v, limit),
			})
		}
	}

	abs("delta", g.TotalDelta, l.MaxAbsDelta)
	abs("gamma", g.TotalGamma, l.MaxAbsGamma)
	abs("vega", g.TotalVega, l.MaxAbsVega)

	if l.MinTheta != 0 && (math.IsNaN(g.TotalTheta) || g.TotalTheta < l.MinTheta) {
		out = append(out, Breach{
			Greek:  "theta",
			Value:  g.TotalTheta,
			Limit:  l.MinTheta,
			Reason: fmt.Sprintf("theta %.4f below %.4f", g.TotalTheta, l.MinTheta),
		})
	}
	return out
}
