package gateway

import (
	"encoding/json"

	"options-analytics/internal/payoff"
	"options-analytics/internal/portfolio"
)

// PriceRequest is the body of POST /api/v1/price and the params of op "price".
type PriceRequest struct {
	Spot   float64 `json:"spot"`
	Strike float64 `json:"strike"`
	Expiry float64 `json:"time_to_expiry"`
	Rate   float64 `json:"risk_free_rate"`
	Vol    float64 `json:"volatility"`
}

// IVRequest is the body of POST /api/v1/implied-volatility.
type IVRequest struct {
	Spot        float64 `json:"spot"`
	Strike      float64 `json:"strike"`
	Expiry      float64 `json:"time_to_expiry"`
	Rate        float64 `json:"risk_free_rate"`
	MarketPrice float64 `json:"market_price"`
	IsCall      *bool   `json:"is_call,omitempty"` // default true
}

// PortfolioRequest is the body of POST /api/v1/portfolio.
type PortfolioRequest struct {
	SpotPrice float64              `json:"spot_price"`
	Rate      float64              `json:"risk_free_rate"`
	Positions []portfolio.Position `json:"positions"`
	Detail    bool                 `json:"detail,omitempty"` // include per-position contributions
}

// PortfolioResponse carries the totals plus optional detail and limit breaches.
type PortfolioResponse struct {
	portfolio.PortfolioGreeks
	Positions     []portfolio.PositionGreeks `json:"positions,omitempty"`
	LimitBreaches []portfolio.Breach         `json:"limit_breaches,omitempty"`
}

// AsianRequest is the body of POST /api/v1/asian.
type AsianRequest struct {
	Spot   float64 `json:"spot"`
	Strike float64 `json:"strike"`
	Expiry float64 `json:"time_to_expiry"`
	Rate   float64 `json:"risk_free_rate"`
	Vol    float64 `json:"volatility"`
	Paths  int     `json:"num_paths"`
	Steps  int     `json:"num_steps"`
	IsCall *bool   `json:"is_call,omitempty"` // default true
	Seed   *uint64 `json:"seed,omitempty"`
}

// PayoffRequest is the body of POST /api/v1/payoff.
type PayoffRequest struct {
	Kind     payoff.Kind `json:"kind"`
	Strikes  []float64   `json:"strikes"`
	MinPrice float64     `json:"min_price"`
	MaxPrice float64     `json:"max_price"`
	Points   int         `json:"points"`
}

// Envelope is one request over WebSocket or the Redis request stream.
type Envelope struct {
	Type   string          `json:"type"`
	ReqID  string          `json:"req_id,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Reply answers an Envelope. Type is "result", "error" or "pong".
type Reply struct {
	Type     string `json:"type"`
	ReqID    string `json:"req_id,omitempty"`
	Op       string `json:"op,omitempty"`
	Data     any    `json:"data,omitempty"`
	Error    string `json:"error,omitempty"`
	ServerTS int64  `json:"server_ts,omitempty"`
}

// ErrorResponse is the REST error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
