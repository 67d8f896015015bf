package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the options engine.
type Metrics struct {
	RequestsTotal *prometheus.CounterVec   // labels: op, transport
	RequestErrors *prometheus.CounterVec   // labels: op, reason
	ComputeDur    *prometheus.HistogramVec // labels: op

	IVSolves     *prometheus.CounterVec // labels: status
	MCPathsTotal prometheus.Counter

	WSClients      prometheus.Gauge
	StreamMessages *prometheus.CounterVec // labels: result=ok|error|reply_failed

	// Circuit breaker on the reply stream
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	PELMessagesReclaimed     prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg uses a fresh private registry, which keeps tests isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optengine_requests_total",
			Help: "Requests handled, by operation and transport",
		}, []string{"op", "transport"}),
		RequestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optengine_request_errors_total",
			Help: "Requests rejected or failed, by operation and reason",
		}, []string{"op", "reason"}),
		ComputeDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "optengine_compute_duration_seconds",
			Help:    "Engine compute latency per request",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 0.5, 1, 5, 15},
		}, []string{"op"}),

		IVSolves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optengine_iv_solves_total",
			Help: "Implied volatility solves by outcome",
		}, []string{"status"}),
		MCPathsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optengine_mc_paths_total",
			Help: "Monte Carlo paths simulated",
		}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optengine_ws_clients",
			Help: "Connected WebSocket clients",
		}),
		StreamMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optengine_stream_messages_total",
			Help: "Redis stream requests processed, by result",
		}, []string{"result"}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optengine_redis_circuit_breaker_state",
			Help: "Reply stream circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optengine_redis_circuit_breaker_trips_total",
			Help: "Times the reply stream circuit breaker tripped open",
		}),
		PELMessagesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optengine_pel_messages_reclaimed_total",
			Help: "Pending stream requests reclaimed via XCLAIM",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestErrors,
		m.ComputeDur,
		m.IVSolves,
		m.MCPathsTotal,
		m.WSClients,
		m.StreamMessages,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.PELMessagesReclaimed,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// Handler serves the registry these metrics were registered with.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveCompute records one request's compute latency.
func (m *Metrics) ObserveCompute(op string, start time.Time) {
	m.ComputeDur.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// HealthStatus represents the service health.
type HealthStatus struct {
	mu sync.RWMutex

	StreamEnabled  bool      `json:"stream_enabled"`
	RedisConnected bool      `json:"redis_connected"`
	RedisLatencyMs float64   `json:"redis_latency_ms"`
	LastCheckAt    time.Time `json:"last_check_at"`
	StartedAt      time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus(streamEnabled bool) *HealthStatus {
	return &HealthStatus{
		StreamEnabled: streamEnabled,
		StartedAt:     time.Now(),
	}
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic Redis checks until ctx is done.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, interval time.Duration) {
	if rdb == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				h.CheckRedis(probeCtx, rdb)
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the health endpoint. The pricing engine has no
// dependencies, so only a configured but unreachable Redis degrades it.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "ok"
	httpCode := http.StatusOK
	if h.StreamEnabled && !h.RedisConnected {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	lastCheck := ""
	if !h.LastCheckAt.IsZero() {
		lastCheck = h.LastCheckAt.Format(time.RFC3339)
	}

	status := struct {
		Status         string  `json:"status"`
		Uptime         string  `json:"uptime"`
		StreamEnabled  bool    `json:"stream_enabled"`
		RedisConnected bool    `json:"redis_connected"`
		RedisLatencyMs float64 `json:"redis_latency_ms"`
		LastCheckAt    string  `json:"last_check_at,omitempty"`
	}{
		Status:         overallStatus,
		Uptime:         time.Since(h.StartedAt).Round(time.Second).String(),
		StreamEnabled:  h.StreamEnabled,
		RedisConnected: h.RedisConnected,
		RedisLatencyMs: h.RedisLatencyMs,
		LastCheckAt:    lastCheck,
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}
