// cmd/optengine serves the options engine over REST, WebSocket and, when
// REDIS_ADDR is set, a Redis Streams request/reply worker.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"options-analytics/config"
	"options-analytics/internal/gateway"
	"options-analytics/internal/logger"
	"options-analytics/internal/metrics"
	streamredis "options-analytics/internal/stream/redis"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var processStart = time.Now()

func main() {
	cfg := config.Load()
	logger.Init("optengine", logger.ParseLevel(cfg.LogLevel))
	slog.Info("[optengine] starting...", "addr", cfg.HTTPAddr, "mc_workers", cfg.MCWorkers,
		"max_paths", cfg.MaxPaths, "max_steps", cfg.MaxSteps)

	// ---- Metrics & health ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.NewMetrics(reg)
	health := metrics.NewHealthStatus(cfg.StreamEnabled())

	// ---- Engine front door ----
	dispatcher := gateway.NewDispatcher(gateway.Options{
		MaxPaths:  cfg.MaxPaths,
		MaxSteps:  cfg.MaxSteps,
		MCWorkers: cfg.MCWorkers,
		MCSeed:    cfg.MCSeed,
		Limits:    cfg.Limits,
		Metrics:   prom,
	})
	hub := gateway.NewHub(dispatcher, prom)

	// ---- Setup context for graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Optional Redis stream worker ----
	var consumer *streamredis.Consumer
	if cfg.StreamEnabled() {
		var err error
		consumer, err = streamredis.NewConsumer(ctx, streamredis.Config{
			Addr:            cfg.RedisAddr,
			Password:        cfg.RedisPassword,
			RequestStream:   cfg.RequestStream,
			ReplyStream:     cfg.ReplyStream,
			ConsumerGroup:   cfg.ConsumerGroup,
			ConsumerName:    cfg.ConsumerName,
			ReplyMaxLen:     10000,
			ReclaimInterval: 30 * time.Second,
			ReclaimMinIdle:  time.Minute,
		}, dispatcher, prom)
		if err != nil {
			// the HTTP surface stays up; health reports degraded
			slog.Error("[optengine] redis stream worker disabled", "error", err)
		} else {
			health.SetRedisConnected(true)
			health.StartLivenessChecker(ctx, consumer.Client(), 10*time.Second)
			go func() {
				if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					slog.Error("[optengine] stream worker stopped", "error", err)
				}
			}()
		}
	}

	// ---- HTTP server ----
	mux := http.NewServeMux()
	gateway.RegisterRoutes(mux, dispatcher, hub, health, prom.Handler(), processStart)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("[optengine] serving", "addr", cfg.HTTPAddr, "ops", dispatcher.Ops())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("[optengine] server error", "error", err)
			os.Exit(1)
		}
	}()

	// ---- Wait for shutdown signal ----
	<-sigCh
	slog.Info("[optengine] shutdown signal received, cleaning up...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("[optengine] http shutdown", "error", err)
	}
	if consumer != nil {
		consumer.Close()
	}

	slog.Info("[optengine] shutdown complete.")
}
