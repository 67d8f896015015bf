// Package portfolio aggregates option Greeks across a book of positions.
//
// Every position is valued independently: its volatility is backed out of its
// observed premium, the option is re-priced at that volatility, and the
// resulting sensitivities are scaled by the signed quantity and summed. There
// is no netting or correlation beyond the arithmetic sum, and no validation;
// degenerate positions contribute whatever NaN/Inf the pricer produces.
package portfolio

import (
	"options-analytics/internal/pricer"
	"options-analytics/internal/volatility"
)

// Position is one option holding.
type Position struct {
	Quantity    float64 `json:"quantity"` // positive = long, negative = short
	Strike      float64 `json:"strike"`
	Expiry      float64 `json:"expiry"` // years
	IsCall      bool    `json:"is_call"`
	MarketPrice float64 `json:"market_price"` // observed premium per unit
}

// PortfolioGreeks holds quantity-weighted totals.
type PortfolioGreeks struct {
	TotalDelta     float64 `json:"total_delta"`
	TotalGamma     float64 `json:"total_gamma"`
	TotalTheta     float64 `json:"total_theta"`
	TotalVega      float64 `json:"total_vega"`
	TotalRho       float64 `json:"total_rho"`
	PortfolioValue float64 `json:"portfolio_value"`
}

// Add accumulates other into g.
func (g *PortfolioGreeks) Add(other PortfolioGreeks) {
	g.TotalDelta += other.TotalDelta
	g.TotalGamma += other.TotalGamma
	g.TotalTheta += other.TotalTheta
	g.TotalVega += other.TotalVega
	g.TotalRho += other.TotalRho
	g.PortfolioValue += other.PortfolioValue
}

// PositionGreeks is the contribution of a single position, already scaled by
// its quantity, together with the volatility it was priced at.
type PositionGreeks struct {
	Position
	ImpliedVol float64           `json:"implied_volatility"`
	IVStatus   volatility.Status `json:"iv_status"`
	Greeks     PortfolioGreeks   `json:"greeks"`
}

// Analyze returns the portfolio totals for positions at the given spot and rate.
func Analyze(spotPrice, riskFreeRate float64, positions []Position) PortfolioGreeks {
	var total PortfolioGreeks
	for _, pos := range positions {
		total.Add(evaluate(spotPrice, riskFreeRate, pos).Greeks)
	}
	return total
}

// AnalyzePositions is Analyze with a per-position breakdown. The totals are
// identical to Analyze for the same inputs.
func AnalyzePositions(spotPrice, riskFreeRate float64, positions []Position) ([]PositionGreeks, PortfolioGreeks) {
	var total PortfolioGreeks
	out := make([]PositionGreeks, len(positions))
	for i, pos := range positions {
		out[i] = evaluate(spotPrice, riskFreeRate, pos)
		total.Add(out[i].Greeks)
	}
	return out, total
}

func evaluate(spot, rate float64, pos Position) PositionGreeks {
	iv := volatility.Solve(spot, pos.Strike, pos.Expiry, rate, pos.MarketPrice, pos.IsCall)
	res := pricer.Price(spot, pos.Strike, pos.Expiry, rate, iv.Sigma)

	delta, theta := res.Delta, res.Theta
	if !pos.IsCall {
		delta = pricer.PutDelta(res)
		theta = pricer.PutTheta(res, pos.Strike, pos.Expiry, rate)
	}

	q := pos.Quantity
	return PositionGreeks{
		Position:   pos,
		ImpliedVol: iv.Sigma,
		IVStatus:   iv.Status,
		Greeks: PortfolioGreeks{
			TotalDelta:     q * delta,
			TotalGamma:     q * res.Gamma,
			TotalTheta:     q * theta,
			TotalVega:      q * res.Vega,
			TotalRho:       q * res.Rho,
			PortfolioValue: q * pos.MarketPrice,
		},
	}
}
