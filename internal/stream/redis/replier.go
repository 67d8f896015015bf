package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"options-analytics/internal/gateway"

	goredis "github.com/go-redis/redis/v8"
)

// streamAPI is the subset of the go-redis client the stream worker uses.
// *goredis.Client satisfies it.
type streamAPI interface {
	XAdd(ctx context.Context, a *goredis.XAddArgs) *goredis.StringCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *goredis.IntCmd
	XReadGroup(ctx context.Context, a *goredis.XReadGroupArgs) *goredis.XStreamSliceCmd
	XPendingExt(ctx context.Context, a *goredis.XPendingExtArgs) *goredis.XPendingExtCmd
	XClaim(ctx context.Context, a *goredis.XClaimArgs) *goredis.XMessageSliceCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *goredis.StatusCmd
}

type pendingReply struct {
	stream string
	reqID  string
	data   []byte
}

// Replier XADDs replies through a circuit breaker. Replies that cannot be
// written are held in a bounded buffer (oldest dropped first) and flushed
// when the breaker closes again.
type Replier struct {
	client        streamAPI
	cb            *CircuitBreaker
	ctx           context.Context
	defaultStream string
	maxLen        int64

	mu     sync.Mutex
	buffer []pendingReply
	maxBuf int

	OnBuffer func()      // a reply was buffered
	OnDrop   func()      // a buffered reply was evicted
	OnFlush  func(n int) // n buffered replies were written
}

// NewReplier creates a Replier. Replies without an explicit stream go to
// defaultStream, capped at about maxLen entries.
func NewReplier(ctx context.Context, client streamAPI, cb *CircuitBreaker, defaultStream string, maxLen int64, maxBuffer int) *Replier {
	if maxBuffer <= 0 {
		maxBuffer = 10000
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	r := &Replier{
		client:        client,
		cb:            cb,
		ctx:           ctx,
		defaultStream: defaultStream,
		maxLen:        maxLen,
		buffer:        make([]pendingReply, 0, 64),
		maxBuf:        maxBuffer,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed {
			go r.flush()
		}
	}
	return r
}

// Send writes reply to stream (or the default stream). A reply that cannot
// be written right now is buffered, and Send still returns nil; only an
// encoding failure is returned.
func (r *Replier) Send(ctx context.Context, stream string, reply gateway.Reply) error {
	if stream == "" {
		stream = r.defaultStream
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}
	pr := pendingReply{stream: stream, reqID: reply.ReqID, data: data}

	err = r.cb.Execute(func() error { return r.write(ctx, pr) })
	if err != nil {
		if !errors.Is(err, ErrCircuitOpen) {
			slog.Warn("[stream] reply write failed, buffering", "stream", stream, "req_id", reply.ReqID, "error", err)
		}
		r.bufferReply(pr)
	}
	return nil
}

func (r *Replier) write(ctx context.Context, pr pendingReply) error {
	return r.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: pr.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"req_id": pr.reqID,
			"data":   string(pr.data),
		},
	}).Err()
}

func (r *Replier) bufferReply(pr pendingReply) {
	r.mu.Lock()
	dropped := false
	if len(r.buffer) >= r.maxBuf {
		r.buffer = r.buffer[1:]
		dropped = true
	}
	r.buffer = append(r.buffer, pr)
	r.mu.Unlock()

	if dropped && r.OnDrop != nil {
		r.OnDrop()
	}
	if r.OnBuffer != nil {
		r.OnBuffer()
	}
}

// flush writes buffered replies in order. It stops at the first failure and
// keeps the remainder for the next close.
func (r *Replier) flush() {
	r.mu.Lock()
	if len(r.buffer) == 0 {
		r.mu.Unlock()
		return
	}
	toFlush := r.buffer
	r.buffer = make([]pendingReply, 0, 64)
	r.mu.Unlock()

	flushed, dropped := 0, 0
	for i, pr := range toFlush {
		if err := r.cb.Execute(func() error { return r.write(r.ctx, pr) }); err != nil {
			// replies buffered during the flush queue behind the unsent ones
			r.mu.Lock()
			r.buffer = append(append([]pendingReply(nil), toFlush[i:]...), r.buffer...)
			if over := len(r.buffer) - r.maxBuf; over > 0 {
				r.buffer = r.buffer[over:]
				dropped = over
			}
			r.mu.Unlock()
			break
		}
		flushed++
	}

	if r.OnDrop != nil {
		for i := 0; i < dropped; i++ {
			r.OnDrop()
		}
	}

	if flushed > 0 {
		slog.Info("[stream] flushed buffered replies", "count", flushed)
		if r.OnFlush != nil {
			r.OnFlush(flushed)
		}
	}
}

// PendingCount returns the number of buffered replies.
func (r *Replier) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}
