// Package redis serves engine requests over Redis Streams. Requests are read
// through a consumer group, answered on a reply stream and acknowledged.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"options-analytics/internal/gateway"
	"options-analytics/internal/metrics"

	goredis "github.com/go-redis/redis/v8"
)

const transport = "redis"

// Config configures the stream consumer.
type Config struct {
	Addr          string
	Password      string
	DB            int
	RequestStream string // e.g. "optengine:requests"
	ReplyStream   string // default reply stream when an entry has no reply_to
	ConsumerGroup string
	ConsumerName  string
	ReplyMaxLen   int64

	// Pending entries idle longer than ReclaimMinIdle on other consumers are
	// claimed every ReclaimInterval. Zero disables the reclaimer.
	ReclaimInterval time.Duration
	ReclaimMinIdle  time.Duration
}

// Handler turns one request envelope into a reply. *gateway.Dispatcher
// implements it.
type Handler interface {
	HandleEnvelope(ctx context.Context, raw []byte, transport string) gateway.Reply
}

// Consumer reads request envelopes from a stream and writes replies.
type Consumer struct {
	client  *goredis.Client
	api     streamAPI
	cfg     Config
	handler Handler
	replier *Replier
	cb      *CircuitBreaker
	metrics *metrics.Metrics
}

// NewConsumer connects to Redis and wires the reply path. m may be nil.
func NewConsumer(ctx context.Context, cfg Config, h Handler, m *metrics.Metrics) (*Consumer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "optengine"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "worker-1"
	}

	c := newConsumer(ctx, client, cfg, h, m)
	c.client = client

	slog.Info("[stream] connected", "addr", cfg.Addr, "stream", cfg.RequestStream,
		"group", cfg.ConsumerGroup, "consumer", cfg.ConsumerName)
	return c, nil
}

// newConsumer builds a Consumer around api without touching the network.
func newConsumer(ctx context.Context, api streamAPI, cfg Config, h Handler, m *metrics.Metrics) *Consumer {
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	cb := NewCircuitBreaker(5, 10*time.Second)
	cb.OnStateChange = func(from, to State) {
		m.RedisCircuitBreakerState.Set(float64(to))
		if to == StateOpen {
			m.RedisCircuitBreakerTrips.Inc()
		}
		slog.Warn("[stream] reply circuit breaker", "from", from.String(), "to", to.String())
	}

	r := NewReplier(ctx, api, cb, cfg.ReplyStream, cfg.ReplyMaxLen, 10000)
	r.OnBuffer = func() { m.StreamMessages.WithLabelValues("reply_buffered").Inc() }
	r.OnDrop = func() { m.StreamMessages.WithLabelValues("reply_dropped").Inc() }

	return &Consumer{
		api:     api,
		cfg:     cfg,
		handler: h,
		replier: r,
		cb:      cb,
		metrics: m,
	}
}

// Client returns the underlying Redis client for health checks.
func (c *Consumer) Client() *goredis.Client { return c.client }

// Close closes the Redis client.
func (c *Consumer) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// EnsureConsumerGroup creates the consumer group if it doesn't exist.
// A fresh group starts at "$" (only new requests).
func (c *Consumer) EnsureConsumerGroup(ctx context.Context) error {
	err := c.api.XGroupCreateMkStream(ctx, c.cfg.RequestStream, c.cfg.ConsumerGroup, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s: %w", c.cfg.RequestStream, err)
	}
	return nil
}

// Run serves requests until ctx is cancelled. Pending entries left by a
// previous run of this consumer are answered first.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.EnsureConsumerGroup(ctx); err != nil {
		return err
	}
	if err := c.RecoverPending(ctx); err != nil {
		return fmt.Errorf("recover pending: %w", err)
	}
	if c.cfg.ReclaimInterval > 0 {
		go c.runReclaimer(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		results, err := c.api.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    c.cfg.ConsumerGroup,
			Consumer: c.cfg.ConsumerName,
			Streams:  []string{c.cfg.RequestStream, ">"},
			Count:    100,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) || ctx.Err() != nil {
				continue
			}
			slog.Error("[stream] xreadgroup error", "error", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, stream := range results {
			for _, msg := range stream.Messages {
				c.handleMessage(ctx, msg)
			}
		}
	}
}

// RecoverPending claims and answers this consumer's unacknowledged entries.
// Each entry is handled at most once per call, so entries whose XACK keeps
// failing end the recovery instead of being answered again.
func (c *Consumer) RecoverPending(ctx context.Context) error {
	recovered := 0
	seen := make(map[string]bool)
	for {
		pending, err := c.api.XPendingExt(ctx, &goredis.XPendingExtArgs{
			Stream:   c.cfg.RequestStream,
			Group:    c.cfg.ConsumerGroup,
			Start:    "-",
			End:      "+",
			Count:    100,
			Consumer: c.cfg.ConsumerName,
		}).Result()
		if err != nil {
			return fmt.Errorf("xpending %s: %w", c.cfg.RequestStream, err)
		}

		var ids []string
		for _, p := range pending {
			if !seen[p.ID] {
				seen[p.ID] = true
				ids = append(ids, p.ID)
			}
		}
		if len(ids) == 0 {
			if len(pending) > 0 {
				slog.Warn("[stream] pending requests left unacked", "count", len(pending))
			}
			break
		}

		claimed, err := c.api.XClaim(ctx, &goredis.XClaimArgs{
			Stream:   c.cfg.RequestStream,
			Group:    c.cfg.ConsumerGroup,
			Consumer: c.cfg.ConsumerName,
			MinIdle:  0,
			Messages: ids,
		}).Result()
		if err != nil {
			return fmt.Errorf("xclaim %s: %w", c.cfg.RequestStream, err)
		}

		for _, msg := range claimed {
			c.handleMessage(ctx, msg)
		}
		recovered += len(claimed)

		// entries deleted from the stream cannot be claimed; ack them away
		if len(claimed) < len(ids) {
			c.ackMissing(ctx, ids, claimed)
		}
	}
	if recovered > 0 {
		slog.Info("[stream] recovered pending requests", "count", recovered)
	}
	return nil
}

func (c *Consumer) ackMissing(ctx context.Context, ids []string, claimed []goredis.XMessage) {
	have := make(map[string]bool, len(claimed))
	for _, m := range claimed {
		have[m.ID] = true
	}
	for _, id := range ids {
		if !have[id] {
			if err := c.api.XAck(ctx, c.cfg.RequestStream, c.cfg.ConsumerGroup, id).Err(); err != nil {
				slog.Warn("[stream] xack failed", "id", id, "error", err)
			}
		}
	}
}

// runReclaimer steals entries stuck on dead consumers.
func (c *Consumer) runReclaimer(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reclaimOnce(ctx)
		}
	}
}

// reclaimOnce claims entries idle for at least ReclaimMinIdle on other
// consumers, answers them and returns how many were claimed.
func (c *Consumer) reclaimOnce(ctx context.Context) int {
	pending, err := c.api.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: c.cfg.RequestStream,
		Group:  c.cfg.ConsumerGroup,
		Idle:   c.cfg.ReclaimMinIdle,
		Start:  "-",
		End:    "+",
		Count:  50,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 0
	}

	var stale []string
	for _, p := range pending {
		if p.Consumer != c.cfg.ConsumerName {
			stale = append(stale, p.ID)
		}
	}
	if len(stale) == 0 {
		return 0
	}

	claimed, err := c.api.XClaim(ctx, &goredis.XClaimArgs{
		Stream:   c.cfg.RequestStream,
		Group:    c.cfg.ConsumerGroup,
		Consumer: c.cfg.ConsumerName,
		MinIdle:  c.cfg.ReclaimMinIdle,
		Messages: stale,
	}).Result()
	if err != nil {
		slog.Warn("[stream] reclaim xclaim error", "error", err)
		return 0
	}
	for _, msg := range claimed {
		c.handleMessage(ctx, msg)
	}
	if len(claimed) > 0 {
		c.metrics.PELMessagesReclaimed.Add(float64(len(claimed)))
		slog.Info("[stream] reclaimed stale requests", "count", len(claimed))
	}
	return len(claimed)
}

// handleMessage answers one entry and acknowledges it. Undecodable entries
// get an error reply and are acked too, so they never block the group.
func (c *Consumer) handleMessage(ctx context.Context, msg goredis.XMessage) {
	raw, replyTo, err := decodeEntry(msg)

	var reply gateway.Reply
	if err != nil {
		reply = gateway.Reply{Type: "error", ReqID: msg.ID, Error: err.Error()}
	} else {
		reply = c.handler.HandleEnvelope(ctx, raw, transport)
	}

	result := "ok"
	if reply.Type == "error" {
		result = "error"
	}
	c.metrics.StreamMessages.WithLabelValues(result).Inc()

	if err := c.replier.Send(ctx, replyTo, reply); err != nil {
		slog.Error("[stream] reply failed", "id", msg.ID, "error", err)
	}
	if err := c.api.XAck(ctx, c.cfg.RequestStream, c.cfg.ConsumerGroup, msg.ID).Err(); err != nil {
		slog.Warn("[stream] xack failed", "id", msg.ID, "error", err)
	}
}

// decodeEntry extracts the envelope and optional reply stream from an entry.
func decodeEntry(msg goredis.XMessage) (raw []byte, replyTo string, err error) {
	if v, ok := msg.Values["reply_to"].(string); ok {
		replyTo = v
	}
	data, ok := msg.Values["data"].(string)
	if !ok || data == "" {
		return nil, replyTo, fmt.Errorf("%w: entry %s has no data field", gateway.ErrInvalidParams, msg.ID)
	}
	return []byte(data), replyTo, nil
}
