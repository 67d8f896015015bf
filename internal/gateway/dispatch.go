package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"options-analytics/internal/logger"
	"options-analytics/internal/metrics"
	"options-analytics/internal/montecarlo"
	"options-analytics/internal/payoff"
	"options-analytics/internal/portfolio"
	"options-analytics/internal/pricer"
	"options-analytics/internal/volatility"
)

// Operation names shared by the REST, WebSocket and stream transports.
const (
	OpPrice        = "price"
	OpImpliedVol   = "implied_volatility"
	OpPortfolio    = "portfolio"
	OpAsian        = "asian"
	OpPayoff       = "payoff"
	maxCurvePoints = 10_000
)

var (
	ErrUnknownOp     = errors.New("unknown operation")
	ErrInvalidParams = errors.New("invalid parameters")
	ErrNonFinite     = errors.New("non-finite result")
)

// Options configures a Dispatcher.
type Options struct {
	MaxPaths  int
	MaxSteps  int
	MCWorkers int
	MCSeed    uint64 // 0 = fresh seed per request
	Limits    portfolio.GreekLimits
	Metrics   *metrics.Metrics // nil = private registry
}

type handlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Dispatcher validates request parameters, calls the engine and checks that
// the result can be encoded. It is safe for concurrent use.
type Dispatcher struct {
	opts     Options
	metrics  *metrics.Metrics
	latency  *LatencyTracker
	handlers map[string]handlerFunc
}

// NewDispatcher wires every operation to its engine call.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetrics(nil)
	}
	d := &Dispatcher{
		opts:    opts,
		metrics: opts.Metrics,
		latency: NewLatencyTracker(4096),
	}
	d.handlers = map[string]handlerFunc{
		OpPrice:      d.handlePrice,
		OpImpliedVol: d.handleImpliedVol,
		OpPortfolio:  d.handlePortfolio,
		OpAsian:      d.handleAsian,
		OpPayoff:     d.handlePayoff,
	}
	return d
}

// Ops lists the supported operation names in sorted order.
func (d *Dispatcher) Ops() []string {
	ops := make([]string, 0, len(d.handlers))
	for op := range d.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Latency returns the per-operation compute latency tracker.
func (d *Dispatcher) Latency() *LatencyTracker { return d.latency }

// Dispatch runs op with JSON params. transport labels the request metrics.
func (d *Dispatcher) Dispatch(ctx context.Context, op string, params json.RawMessage, transport string) (any, error) {
	h, ok := d.handlers[op]
	if !ok {
		d.metrics.RequestErrors.WithLabelValues("unknown", reason(ErrUnknownOp)).Inc()
		return nil, fmt.Errorf("%w: %q", ErrUnknownOp, op)
	}
	d.metrics.RequestsTotal.WithLabelValues(op, transport).Inc()
	ctx = logger.WithOp(ctx, op)

	start := time.Now()
	out, err := h(ctx, params)
	d.metrics.ObserveCompute(op, start)
	d.latency.Record(op, float64(time.Since(start).Microseconds())/1000.0)

	if err != nil {
		d.metrics.RequestErrors.WithLabelValues(op, reason(err)).Inc()
		logger.FromContext(ctx).Warn("[gateway] request failed", "transport", transport, "error", err)
		return nil, err
	}
	return out, nil
}

// HandleEnvelope decodes one raw envelope, dispatches it and builds the reply.
// It never fails: every problem becomes an error reply.
func (d *Dispatcher) HandleEnvelope(ctx context.Context, raw []byte, transport string) Reply {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Reply{Type: "error", Error: fmt.Sprintf("%v: malformed envelope: %v", ErrInvalidParams, err)}
	}
	if env.Type == "ping" {
		return Reply{Type: "pong", ReqID: env.ReqID, ServerTS: time.Now().UnixMilli()}
	}

	if env.ReqID == "" {
		env.ReqID = logger.GenerateRequestID(env.Type, time.Now())
	}
	ctx = logger.WithRequestID(ctx, env.ReqID)

	out, err := d.Dispatch(ctx, env.Type, env.Params, transport)
	if err != nil {
		return Reply{Type: "error", ReqID: env.ReqID, Op: env.Type, Error: err.Error()}
	}
	return Reply{Type: "result", ReqID: env.ReqID, Op: env.Type, Data: out}
}

func (d *Dispatcher) handlePrice(_ context.Context, params json.RawMessage) (any, error) {
	var req PriceRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := firstErr(
		positive("spot", req.Spot),
		positive("strike", req.Strike),
		positive("time_to_expiry", req.Expiry),
		positive("volatility", req.Vol),
		finite("risk_free_rate", req.Rate),
	); err != nil {
		return nil, err
	}

	res := pricer.Price(req.Spot, req.Strike, req.Expiry, req.Rate, req.Vol)
	if !allFinite(res.CallPrice, res.PutPrice, res.Delta, res.Gamma, res.Theta, res.Vega, res.Rho) {
		return nil, ErrNonFinite
	}
	return res, nil
}

func (d *Dispatcher) handleImpliedVol(_ context.Context, params json.RawMessage) (any, error) {
	var req IVRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := firstErr(
		positive("spot", req.Spot),
		positive("strike", req.Strike),
		positive("time_to_expiry", req.Expiry),
		finite("risk_free_rate", req.Rate),
		finite("market_price", req.MarketPrice),
	); err != nil {
		return nil, err
	}

	res := volatility.Solve(req.Spot, req.Strike, req.Expiry, req.Rate, req.MarketPrice, boolOr(req.IsCall, true))
	d.metrics.IVSolves.WithLabelValues(res.Status.String()).Inc()
	if !allFinite(res.Sigma) {
		return nil, ErrNonFinite
	}
	return res, nil
}

func (d *Dispatcher) handlePortfolio(_ context.Context, params json.RawMessage) (any, error) {
	var req PortfolioRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := firstErr(positive("spot_price", req.SpotPrice), finite("risk_free_rate", req.Rate)); err != nil {
		return nil, err
	}
	for i, p := range req.Positions {
		if err := firstErr(
			finite("quantity", p.Quantity),
			positive("strike", p.Strike),
			positive("expiry", p.Expiry),
			finite("market_price", p.MarketPrice),
		); err != nil {
			return nil, fmt.Errorf("positions[%d]: %w", i, err)
		}
	}

	detail, totals := portfolio.AnalyzePositions(req.SpotPrice, req.Rate, req.Positions)
	if !greeksFinite(totals) {
		return nil, ErrNonFinite
	}
	resp := PortfolioResponse{PortfolioGreeks: totals}
	if req.Detail {
		for _, pg := range detail {
			if !greeksFinite(pg.Greeks) || !allFinite(pg.ImpliedVol) {
				return nil, ErrNonFinite
			}
		}
		resp.Positions = detail
	}
	if d.opts.Limits.Enabled() {
		resp.LimitBreaches = portfolio.CheckLimits(totals, d.opts.Limits)
	}
	return resp, nil
}

func (d *Dispatcher) handleAsian(ctx context.Context, params json.RawMessage) (any, error) {
	var req AsianRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := firstErr(
		positive("spot", req.Spot),
		positive("strike", req.Strike),
		positive("time_to_expiry", req.Expiry),
		positive("volatility", req.Vol),
		finite("risk_free_rate", req.Rate),
		bounded("num_paths", req.Paths, d.opts.MaxPaths),
		bounded("num_steps", req.Steps, d.opts.MaxSteps),
	); err != nil {
		return nil, err
	}

	sim := montecarlo.Simulator{Workers: d.opts.MCWorkers, Seed: d.seed(req.Seed)}
	est, err := sim.Run(ctx, montecarlo.AsianParams{
		Spot: req.Spot, Strike: req.Strike, Expiry: req.Expiry, Rate: req.Rate, Vol: req.Vol,
		Paths: req.Paths, Steps: req.Steps, IsCall: boolOr(req.IsCall, true),
	})
	if err != nil {
		return nil, fmt.Errorf("simulate: %w", err)
	}
	d.metrics.MCPathsTotal.Add(float64(est.Paths))
	if !allFinite(est.Price, est.StdError, est.Lower, est.Upper) {
		return nil, ErrNonFinite
	}
	return est, nil
}

func (d *Dispatcher) handlePayoff(_ context.Context, params json.RawMessage) (any, error) {
	var req PayoffRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := firstErr(
		finite("min_price", req.MinPrice),
		finite("max_price", req.MaxPrice),
		bounded("points", req.Points, maxCurvePoints),
	); err != nil {
		return nil, err
	}
	if req.MinPrice > req.MaxPrice {
		return nil, fmt.Errorf("%w: min_price exceeds max_price", ErrInvalidParams)
	}
	for _, k := range req.Strikes {
		if err := finite("strikes", k); err != nil {
			return nil, err
		}
	}

	f, err := payoff.New(req.Kind, req.Strikes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return payoff.Curve(f, req.MinPrice, req.MaxPrice, req.Points), nil
}

// seed picks the request seed, then the configured one, then the clock.
func (d *Dispatcher) seed(req *uint64) uint64 {
	if req != nil {
		return *req
	}
	if d.opts.MCSeed != 0 {
		return d.opts.MCSeed
	}
	return uint64(time.Now().UnixNano())
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("%w: missing params", ErrInvalidParams)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

func positive(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return fmt.Errorf("%w: %s must be finite and positive", ErrInvalidParams, name)
	}
	return nil
}

func finite(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s must be finite", ErrInvalidParams, name)
	}
	return nil
}

func bounded(name string, n, limit int) error {
	if n <= 0 || (limit > 0 && n > limit) {
		return fmt.Errorf("%w: %s must be in (0, %d]", ErrInvalidParams, name, limit)
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func allFinite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func greeksFinite(g portfolio.PortfolioGreeks) bool {
	return allFinite(g.TotalDelta, g.TotalGamma, g.TotalTheta, g.TotalVega, g.TotalRho, g.PortfolioValue)
}

// reason maps an error to the metrics label.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownOp):
		return "unknown_op"
	case errors.Is(err, ErrInvalidParams):
		return "invalid_params"
	case errors.Is(err, ErrNonFinite):
		return "non_finite"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}
