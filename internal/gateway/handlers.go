package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"options-analytics/internal/logger"

	"github.com/gorilla/websocket"
)

const maxBodyBytes = 1 << 20

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// RegisterRoutes registers all HTTP routes on the provided mux.
// health and metrics may be nil, in which case their routes are omitted.
func RegisterRoutes(mux *http.ServeMux, d *Dispatcher, hub *Hub, health, metrics http.Handler, processStart time.Time) {
	mux.Handle("/api/v1/price", restHandler(d, OpPrice))
	mux.Handle("/api/v1/implied-volatility", restHandler(d, OpImpliedVol))
	mux.Handle("/api/v1/portfolio", restHandler(d, OpPortfolio))
	mux.Handle("/api/v1/asian", restHandler(d, OpAsian))
	mux.Handle("/api/v1/payoff", restHandler(d, OpPayoff))

	// WebSocket request/reply
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("[gateway] ws upgrade error", "error", err)
			return
		}
		hub.HandleWSRequest(conn)
	})

	// Process and latency snapshot
	mux.HandleFunc("/api/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		writeJSON(w, http.StatusOK, CollectStats(processStart, d, hub))
	})

	if health != nil {
		mux.Handle("/api/v1/health", health)
	}
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
}

func restHandler(d *Dispatcher, op string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: err.Error()})
			return
		}

		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = logger.GenerateRequestID(op, time.Now())
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := logger.WithRequestID(r.Context(), reqID)

		out, err := d.Dispatch(ctx, op, body, "http")
		if err != nil {
			writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, out)
	})
}

// statusFor maps dispatcher errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidParams), errors.Is(err, ErrUnknownOp):
		return http.StatusBadRequest
	case errors.Is(err, ErrNonFinite):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[gateway] encode response", "error", err)
	}
}
