package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"options-analytics/internal/gateway"
	"options-analytics/internal/metrics"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type added struct {
	stream string
	values map[string]interface{}
}

type pelEntry struct {
	id       string
	consumer string
	idle     time.Duration
}

// fakeAPI is an in-memory request stream with one consumer group. While
// failing is set every XADD errors; while ackFailing is set every XACK does.
type fakeAPI struct {
	mu         sync.Mutex
	added      []added
	acked      []string
	claimed    []string
	failing    bool
	ackFailing bool

	entries  map[string]map[string]interface{} // request stream contents by id
	pel      []pelEntry
	batches  [][]goredis.XMessage // served by XReadGroup in order
	drained  func()               // called when batches run out
	groupErr error
}

func (f *fakeAPI) XAdd(_ context.Context, a *goredis.XAddArgs) *goredis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return goredis.NewStringResult("", errors.New("connection refused"))
	}
	f.added = append(f.added, added{stream: a.Stream, values: a.Values.(map[string]interface{})})
	return goredis.NewStringResult("1-0", nil)
}

func (f *fakeAPI) XAck(_ context.Context, _, _ string, ids ...string) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ackFailing {
		return goredis.NewIntResult(0, errors.New("READONLY"))
	}
	f.acked = append(f.acked, ids...)
	for _, id := range ids {
		for i, p := range f.pel {
			if p.id == id {
				f.pel = append(f.pel[:i], f.pel[i+1:]...)
				break
			}
		}
	}
	return goredis.NewIntResult(int64(len(ids)), nil)
}

func (f *fakeAPI) XReadGroup(_ context.Context, _ *goredis.XReadGroupArgs) *goredis.XStreamSliceCmd {
	f.mu.Lock()
	if len(f.batches) == 0 {
		drained := f.drained
		f.mu.Unlock()
		if drained != nil {
			drained()
		}
		return goredis.NewXStreamSliceCmdResult(nil, goredis.Nil)
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	f.mu.Unlock()
	return goredis.NewXStreamSliceCmdResult([]goredis.XStream{{Stream: "optengine:requests", Messages: batch}}, nil)
}

func (f *fakeAPI) XPendingExt(ctx context.Context, a *goredis.XPendingExtArgs) *goredis.XPendingExtCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []goredis.XPendingExt
	for _, p := range f.pel {
		if a.Consumer != "" && p.consumer != a.Consumer {
			continue
		}
		if p.idle < a.Idle {
			continue
		}
		out = append(out, goredis.XPendingExt{ID: p.id, Consumer: p.consumer, Idle: p.idle, RetryCount: 1})
		if int64(len(out)) == a.Count {
			break
		}
	}
	cmd := goredis.NewXPendingExtCmd(ctx)
	cmd.SetVal(out)
	return cmd
}

// XClaim hands existing entries to the claimer. Ids no longer in the stream
// stay in the PEL and are not returned.
func (f *fakeAPI) XClaim(_ context.Context, a *goredis.XClaimArgs) *goredis.XMessageSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var msgs []goredis.XMessage
	for _, id := range a.Messages {
		values, ok := f.entries[id]
		if !ok {
			continue
		}
		for i := range f.pel {
			if f.pel[i].id == id {
				f.pel[i].consumer = a.Consumer
				f.pel[i].idle = 0
			}
		}
		f.claimed = append(f.claimed, id)
		msgs = append(msgs, goredis.XMessage{ID: id, Values: values})
	}
	return goredis.NewXMessageSliceCmdResult(msgs, nil)
}

func (f *fakeAPI) XGroupCreateMkStream(_ context.Context, _, _, _ string) *goredis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.groupErr != nil {
		return goredis.NewStatusResult("", f.groupErr)
	}
	return goredis.NewStatusResult("OK", nil)
}

func (f *fakeAPI) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *fakeAPI) snapshot() ([]added, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]added(nil), f.added...), append([]string(nil), f.acked...)
}

func (f *fakeAPI) pelIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, p := range f.pel {
		ids = append(ids, p.id)
	}
	return ids
}

func pingEntry(id string) map[string]interface{} {
	return map[string]interface{}{"data": `{"type":"ping","req_id":"` + id + `"}`}
}

func newTestConsumer(t *testing.T) (*Consumer, *fakeAPI, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	d := gateway.NewDispatcher(gateway.Options{MaxPaths: 10_000, MaxSteps: 50, MCWorkers: 1, Metrics: m})
	api := &fakeAPI{entries: map[string]map[string]interface{}{}}
	cfg := Config{
		RequestStream: "optengine:requests",
		ReplyStream:   "optengine:replies",
		ConsumerGroup: "optengine",
		ConsumerName:  "test",
		ReplyMaxLen:   100,

		ReclaimMinIdle: time.Minute,
	}
	return newConsumer(context.Background(), api, cfg, d, m), api, m
}

func decodeReply(t *testing.T, a added) gateway.Reply {
	t.Helper()
	var r struct {
		gateway.Reply
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(a.values["data"].(string)), &r); err != nil {
		t.Fatalf("reply is not JSON: %v", err)
	}
	r.Reply.Data = r.Data
	return r.Reply
}

func TestDecodeEntry(t *testing.T) {
	raw, replyTo, err := decodeEntry(goredis.XMessage{ID: "1-0", Values: map[string]interface{}{
		"data":     `{"type":"price"}`,
		"reply_to": "client:42",
	}})
	if err != nil || string(raw) != `{"type":"price"}` || replyTo != "client:42" {
		t.Errorf("got %q %q %v", raw, replyTo, err)
	}

	_, _, err = decodeEntry(goredis.XMessage{ID: "2-0", Values: map[string]interface{}{"payload": "x"}})
	if !errors.Is(err, gateway.ErrInvalidParams) {
		t.Errorf("missing data: got %v", err)
	}
}

func TestHandleMessage_ResultToReplyTo(t *testing.T) {
	c, api, m := newTestConsumer(t)
	c.handleMessage(context.Background(), goredis.XMessage{ID: "5-0", Values: map[string]interface{}{
		"data":     `{"type":"price","req_id":"q1","params":{"spot":100,"strike":100,"time_to_expiry":1,"risk_free_rate":0.05,"volatility":0.2}}`,
		"reply_to": "client:7",
	}})

	adds, acks := api.snapshot()
	if len(adds) != 1 || adds[0].stream != "client:7" {
		t.Fatalf("xadd: got %+v", adds)
	}
	if adds[0].values["req_id"] != "q1" {
		t.Errorf("req_id field: got %v", adds[0].values["req_id"])
	}
	r := decodeReply(t, adds[0])
	if r.Type != "result" || r.Op != gateway.OpPrice {
		t.Errorf("reply: %+v", r)
	}
	if len(acks) != 1 || acks[0] != "5-0" {
		t.Errorf("acks: got %v", acks)
	}
	if got := testutil.ToFloat64(m.StreamMessages.WithLabelValues("ok")); got != 1 {
		t.Errorf("ok metric: got %v", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(gateway.OpPrice, "redis")); got != 1 {
		t.Errorf("transport label: got %v", got)
	}
}

func TestHandleMessage_PoisonIsAckedWithError(t *testing.T) {
	c, api, m := newTestConsumer(t)
	ctx := context.Background()

	c.handleMessage(ctx, goredis.XMessage{ID: "6-0", Values: map[string]interface{}{"junk": "1"}})
	c.handleMessage(ctx, goredis.XMessage{ID: "7-0", Values: map[string]interface{}{"data": "{not json"}})
	c.handleMessage(ctx, goredis.XMessage{ID: "8-0", Values: map[string]interface{}{"data": `{"type":"asian","params":{"num_paths":0}}`}})

	adds, acks := api.snapshot()
	if len(adds) != 3 || len(acks) != 3 {
		t.Fatalf("adds=%d acks=%d, want 3/3", len(adds), len(acks))
	}
	for i, a := range adds {
		if a.stream != "optengine:replies" {
			t.Errorf("reply %d went to %q", i, a.stream)
		}
		if r := decodeReply(t, a); r.Type != "error" || r.Error == "" {
			t.Errorf("reply %d: %+v", i, r)
		}
	}
	if r := decodeReply(t, adds[0]); r.ReqID != "6-0" {
		t.Errorf("entry without data should echo the entry id, got %q", r.ReqID)
	}
	if got := testutil.ToFloat64(m.StreamMessages.WithLabelValues("error")); got != 3 {
		t.Errorf("error metric: got %v", got)
	}
}

func TestReplier_BuffersWhileRedisDown(t *testing.T) {
	c, api, m := newTestConsumer(t)
	clk := &fakeClock{}
	c.cb.now = clk.Now
	ctx := context.Background()
	ping := func(id string) goredis.XMessage {
		return goredis.XMessage{ID: id, Values: map[string]interface{}{"data": `{"type":"ping","req_id":"` + id + `"}`}}
	}

	api.setFailing(true)
	for _, id := range []string{"1-0", "2-0", "3-0", "4-0", "5-0", "6-0"} {
		c.handleMessage(ctx, ping(id))
	}
	if c.cb.CurrentState() != StateOpen {
		t.Fatalf("breaker: got %v, want open", c.cb.CurrentState())
	}
	if n := c.replier.PendingCount(); n != 6 {
		t.Fatalf("buffered: got %d, want 6", n)
	}
	_, acks := api.snapshot()
	if len(acks) != 6 {
		t.Errorf("requests must still be acked, got %d", len(acks))
	}
	if got := testutil.ToFloat64(m.RedisCircuitBreakerTrips); got != 1 {
		t.Errorf("trips metric: got %v", got)
	}

	// Redis comes back; the next reply is the probe and the rest flush.
	api.setFailing(false)
	clk.Advance(c.cb.resetTimeout + 1)
	c.replier.Send(ctx, "", gateway.Reply{Type: "pong", ReqID: "7-0"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		adds, _ := api.snapshot()
		if len(adds) == 7 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivered: got %d, want 7", len(adds))
		}
		time.Sleep(5 * time.Millisecond)
	}
	if c.replier.PendingCount() != 0 {
		t.Errorf("buffer not drained: %d", c.replier.PendingCount())
	}
}

func TestReplier_DropsOldestWhenFull(t *testing.T) {
	api := &fakeAPI{failing: true}
	cb := NewCircuitBreaker(1, time.Hour)
	cb.now = (&fakeClock{}).Now // never advances, so the breaker stays open
	r := NewReplier(context.Background(), api, cb, "replies", 10, 2)
	drops := 0
	r.OnDrop = func() { drops++ }

	for _, id := range []string{"a", "b", "c"} {
		if err := r.Send(context.Background(), "", gateway.Reply{Type: "pong", ReqID: id}); err != nil {
			t.Fatal(err)
		}
	}
	if r.PendingCount() != 2 || drops != 1 {
		t.Errorf("pending=%d drops=%d, want 2/1", r.PendingCount(), drops)
	}
	if r.buffer[0].reqID != "b" {
		t.Errorf("oldest kept: %q, want b", r.buffer[0].reqID)
	}
}

func TestEnsureConsumerGroup(t *testing.T) {
	c, api, _ := newTestConsumer(t)
	ctx := context.Background()

	if err := c.EnsureConsumerGroup(ctx); err != nil {
		t.Fatalf("fresh group: %v", err)
	}

	api.groupErr = errors.New("BUSYGROUP Consumer Group name already exists")
	if err := c.EnsureConsumerGroup(ctx); err != nil {
		t.Errorf("existing group should be ignored, got %v", err)
	}

	api.groupErr = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
	if err := c.EnsureConsumerGroup(ctx); err == nil {
		t.Error("expected error for WRONGTYPE")
	}
}

func TestRecoverPending_AnswersClaimedEntries(t *testing.T) {
	c, api, _ := newTestConsumer(t)
	api.entries["1-0"] = map[string]interface{}{
		"data": `{"type":"price","req_id":"r1","params":{"spot":100,"strike":100,"time_to_expiry":1,"risk_free_rate":0.05,"volatility":0.2}}`,
	}
	api.entries["2-0"] = pingEntry("r2")
	api.entries["3-0"] = pingEntry("r3")
	api.pel = []pelEntry{{"1-0", "test", time.Hour}, {"2-0", "test", time.Hour}, {"3-0", "other", time.Hour}}

	if err := c.RecoverPending(context.Background()); err != nil {
		t.Fatal(err)
	}

	adds, acks := api.snapshot()
	if len(adds) != 2 {
		t.Fatalf("replies: got %d, want 2", len(adds))
	}
	if r := decodeReply(t, adds[0]); r.Type != "result" || r.ReqID != "r1" {
		t.Errorf("first reply: %+v", r)
	}
	if len(acks) != 2 || acks[0] != "1-0" || acks[1] != "2-0" {
		t.Errorf("acks: got %v", acks)
	}
	if ids := api.pelIDs(); len(ids) != 1 || ids[0] != "3-0" {
		t.Errorf("other consumer's entry must stay pending, pel=%v", ids)
	}
}

func TestRecoverPending_AcksDeletedEntries(t *testing.T) {
	c, api, _ := newTestConsumer(t)
	api.entries["1-0"] = pingEntry("r1")
	api.pel = []pelEntry{{"1-0", "test", time.Hour}, {"9-0", "test", time.Hour}} // 9-0 was trimmed away

	if err := c.RecoverPending(context.Background()); err != nil {
		t.Fatal(err)
	}

	adds, acks := api.snapshot()
	if len(adds) != 1 {
		t.Errorf("replies: got %d, want 1", len(adds))
	}
	if len(acks) != 2 || acks[1] != "9-0" {
		t.Errorf("acks: got %v, want [1-0 9-0]", acks)
	}
	if ids := api.pelIDs(); len(ids) != 0 {
		t.Errorf("pel not empty: %v", ids)
	}
}

func TestRecoverPending_StopsWhenAckFails(t *testing.T) {
	c, api, _ := newTestConsumer(t)
	api.entries["1-0"] = pingEntry("r1")
	api.entries["2-0"] = pingEntry("r2")
	api.pel = []pelEntry{{"1-0", "test", time.Hour}, {"2-0", "test", time.Hour}}
	api.ackFailing = true

	done := make(chan error, 1)
	go func() { done <- c.RecoverPending(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("recovery did not finish while XACK was failing")
	}

	adds, _ := api.snapshot()
	if len(adds) != 2 {
		t.Errorf("each entry should be answered once, got %d replies", len(adds))
	}
	if len(api.claimed) != 2 {
		t.Errorf("claims: got %v", api.claimed)
	}
}

func TestReclaimOnce_SkipsOwnEntries(t *testing.T) {
	c, api, m := newTestConsumer(t)
	for _, id := range []string{"1-0", "2-0", "3-0"} {
		api.entries[id] = pingEntry(id)
	}
	api.pel = []pelEntry{
		{"1-0", "dead", 5 * time.Minute},
		{"2-0", "test", 5 * time.Minute},
		{"3-0", "dead", time.Second}, // not idle long enough
	}

	if n := c.reclaimOnce(context.Background()); n != 1 {
		t.Fatalf("reclaimed: got %d, want 1", n)
	}
	if len(api.claimed) != 1 || api.claimed[0] != "1-0" {
		t.Errorf("claimed: got %v", api.claimed)
	}
	adds, acks := api.snapshot()
	if len(adds) != 1 || len(acks) != 1 || acks[0] != "1-0" {
		t.Errorf("adds=%d acks=%v", len(adds), acks)
	}
	if got := testutil.ToFloat64(m.PELMessagesReclaimed); got != 1 {
		t.Errorf("reclaimed metric: got %v", got)
	}

	// nothing left that belongs to another consumer and is idle enough
	if n := c.reclaimOnce(context.Background()); n != 0 {
		t.Errorf("second pass: got %d, want 0", n)
	}
}

func TestRun_RecoversThenReads(t *testing.T) {
	c, api, _ := newTestConsumer(t)
	api.entries["1-0"] = pingEntry("old")
	api.pel = []pelEntry{{"1-0", "test", time.Hour}}
	api.batches = [][]goredis.XMessage{
		{{ID: "2-0", Values: pingEntry("new")}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	api.drained = cancel

	if err := c.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: got %v, want context.Canceled", err)
	}

	adds, acks := api.snapshot()
	if len(adds) != 2 || len(acks) != 2 {
		t.Fatalf("adds=%d acks=%v", len(adds), acks)
	}
	if decodeReply(t, adds[0]).ReqID != "old" || decodeReply(t, adds[1]).ReqID != "new" {
		t.Error("pending entries must be answered before new ones")
	}
	if acks[0] != "1-0" || acks[1] != "2-0" {
		t.Errorf("acks: got %v", acks)
	}
}

// hookedAPI runs before once on the next XADD, then fails it.
type hookedAPI struct {
	*fakeAPI
	before func()
}

func (h *hookedAPI) XAdd(_ context.Context, _ *goredis.XAddArgs) *goredis.StringCmd {
	if h.before != nil {
		f := h.before
		h.before = nil
		f()
	}
	return goredis.NewStringResult("", errors.New("i/o timeout"))
}

func TestReplier_FlushCountsEvictions(t *testing.T) {
	api := &hookedAPI{fakeAPI: &fakeAPI{}}
	cb := NewCircuitBreaker(5, time.Hour)
	r := NewReplier(context.Background(), api, cb, "replies", 10, 2)
	drops := 0
	r.OnDrop = func() { drops++ }

	r.buffer = []pendingReply{{stream: "replies", reqID: "a"}, {stream: "replies", reqID: "b"}}
	// a reply arrives while the flush is writing
	api.before = func() { r.bufferReply(pendingReply{stream: "replies", reqID: "c"}) }

	r.flush()

	if drops != 1 {
		t.Errorf("drops: got %d, want 1", drops)
	}
	if r.PendingCount() != 2 || r.buffer[0].reqID != "b" || r.buffer[1].reqID != "c" {
		t.Errorf("buffer: got %+v, want [b c]", r.buffer)
	}
}
