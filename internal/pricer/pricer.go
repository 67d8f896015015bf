// Package pricer implements closed-form Black-Scholes valuation of European
// options together with their first- and second-order sensitivities.
//
// Inputs are never validated. Callers must supply S>0, K>0, T>0 and sigma>0;
// anything else flows through the arithmetic and yields NaN or ±Inf in the
// affected fields. For example T=0 at the money gives d1=NaN (0/0), which
// turns every price and Greek into NaN.
package pricer

import "math"

// OptionResult is the valuation of one option. Prices are for both sides,
// the Greeks follow the call convention.
type OptionResult struct {
	CallPrice float64 `json:"call_price"`
	PutPrice  float64 `json:"put_price"`
	Delta     float64 `json:"delta"` // call delta; put delta = Delta - 1
	Gamma     float64 `json:"gamma"`
	Theta     float64 `json:"theta"` // call-side decay per year
	Vega      float64 `json:"vega"`
	Rho       float64 `json:"rho"`
}

// Price values a European option on a non-dividend asset.
//
//	S     spot price
//	K     strike
//	T     time to expiry in years
//	r     continuously compounded risk-free rate
//	sigma annualized volatility
func Price(S, K, T, r, sigma float64) OptionResult {
	sqrtT := math.Sqrt(T)
	d1 := (math.Log(S/K) + (r+0.5*sigma*sigma)*T) / (sigma * sqrtT)
	d2 := d1 - sigma*sqrtT

	disc := K * math.Exp(-r*T)
	nd1 := NormCDF(d1)
	nd2 := NormCDF(d2)
	pdf := NormPDF(d1)

	return OptionResult{
		CallPrice: S*nd1 - disc*nd2,
		PutPrice:  disc*NormCDF(-d2) - S*NormCDF(-d1),
		Delta:     nd1,
		Gamma:     pdf / (S * sigma * sqrtT),
		Theta:     -(S*pdf*sigma)/(2*sqrtT) - r*disc*nd2,
		Vega:      S * pdf * sqrtT,
		Rho:       K * T * math.Exp(-r*T) * nd2,
	}
}

// PutDelta converts the call delta of res to the put delta.
func PutDelta(res OptionResult) float64 {
	return res.Delta - 1
}

// PutTheta converts the call theta of res to the put theta using the
// put-call relationship theta_put = theta_call + r·K·e^(-rT).
func PutTheta(res OptionResult, K, T, r float64) float64 {
	return res.Theta + r*K*math.Exp(-r*T)
}

// Parity returns S - K·e^(-rT), the value call_price - put_price must equal.
func Parity(S, K, T, r float64) float64 {
	return S - K*math.Exp(-r*T)
}
