// Package volatility backs out the Black-Scholes volatility implied by an
// observed option premium.
//
// The search is a plain bisection over a fixed bracket. It always returns a
// number: when the premium cannot be matched inside the bracket the search
// settles on the nearest bound, and when the iteration budget runs out it
// returns its last midpoint. Solve reports which of these happened; the
// ImpliedVolatility shorthand discards that information.
package volatility

import (
	"math"

	"options-analytics/internal/pricer"
)

const (
	// MinVol and MaxVol bound the bisection bracket.
	MinVol = 0.01
	MaxVol = 5.0

	// Tolerance is the absolute premium error accepted as a match.
	Tolerance = 1e-6

	// MaxIterations caps the number of midpoint evaluations.
	MaxIterations = 100
)

// Status describes how a search ended.
type Status int

const (
	Converged   Status = iota // premium matched within Tolerance
	Exhausted                 // iteration budget spent, last midpoint returned
	ClampedLow                // premium below the price at MinVol
	ClampedHigh               // premium above the price at MaxVol
)

func (s Status) String() string {
	switch s {
	case Converged:
		return "converged"
	case Exhausted:
		return "exhausted"
	case ClampedLow:
		return "clamped_low"
	case ClampedHigh:
		return "clamped_high"
	default:
		return "unknown"
	}
}

// MarshalText lets Status travel as its name in JSON.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result is the outcome of Solve.
type Result struct {
	Sigma      float64 `json:"implied_volatility"`
	Iterations int     `json:"iterations"`
	Status     Status  `json:"status"`
}

// ImpliedVolatility returns the volatility at which the call (isCall) or put
// premium for (S, K, T, r) equals marketPrice. It never fails; see Solve for
// the convergence status.
func ImpliedVolatility(S, K, T, r, marketPrice float64, isCall bool) float64 {
	return Solve(S, K, T, r, marketPrice, isCall).Sigma
}

// Solve runs the bisection and reports how it ended.
//
// Option premiums are assumed to increase with volatility; this is not
// checked. A premium outside the range reachable on [MinVol, MaxVol] pulls
// the bracket onto one bound, and that bound is returned exactly.
func Solve(S, K, T, r, marketPrice float64, isCall bool) Result {
	premium := func(sigma float64) float64 {
		res := pricer.Price(S, K, T, r, sigma)
		if isCall {
			return res.CallPrice
		}
		return res.PutPrice
	}
	return bisect(premium, marketPrice)
}

// bisect searches [MinVol, MaxVol] for the sigma where premium(sigma) is
// within Tolerance of target.
func bisect(premium func(sigma float64) float64, target float64) Result {
	lo, hi := MinVol, MaxVol
	raised, lowered := false, false
	mid := lo

	for i := 1; i <= MaxIterations; i++ {
		mid = (lo + hi) / 2
		price := premium(mid)

		if math.Abs(price-target) < Tolerance {
			return Result{Sigma: mid, Iterations: i, Status: Converged}
		}

		if price < target {
			lo = mid
			raised = true
		} else {
			hi = mid
			lowered = true
		}
	}

	switch {
	case !raised && lowered:
		return Result{Sigma: MinVol, Iterations: MaxIterations, Status: ClampedLow}
	case raised && !lowered:
		return Result{Sigma: MaxVol, Iterations: MaxIterations, Status: ClampedHigh}
	}
	return Result{Sigma: mid, Iterations: MaxIterations, Status: Exhausted}
}
