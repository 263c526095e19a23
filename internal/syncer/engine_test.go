package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/austindbirch/harbor_sync/internal/deadletter"
	"github.com/austindbirch/harbor_sync/internal/gateway"
	"github.com/austindbirch/harbor_sync/internal/network"
	"github.com/austindbirch/harbor_sync/internal/operation"
	"github.com/austindbirch/harbor_sync/internal/queue"
	"github.com/austindbirch/harbor_sync/internal/store"
	"github.com/austindbirch/harbor_sync/internal/synth"
	"github.com/austindbirch/harbor_sync/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSink struct {
	mu  sync.Mutex
	got []deadletter.DeadLetter
}

func (s *recordingSink) Publish(ctx context.Context, d deadletter.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, d)
	return nil
}

func (s *recordingSink) all() []deadletter.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]deadletter.DeadLetter(nil), s.got...)
}

// recorder counts transport calls per idempotency key and the order of acks
type recorder struct {
	mu    sync.Mutex
	calls map[string]int
	acks  []string
}

func newRecorder() *recorder {
	return &recorder{calls: make(map[string]int)}
}

func (r *recorder) call(ctx context.Context) int {
	id, _ := transport.IdempotencyKey(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[id]++
	return r.calls[id]
}

func (r *recorder) reconcile(ctx context.Context, op operation.Operation, resp transport.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks = append(r.acks, op.ID)
}

func (r *recorder) ackOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.acks...)
}

func (r *recorder) callsFor(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

type fixture struct {
	store   *store.SQLite
	queue   *queue.Queue
	monitor *network.Monitor
	sink    *recordingSink
	rec     *recorder
}

// retryNow has no backoff so one drain keeps retrying until the budget runs out
var retryNow = queue.Config{MaxAttempts: 3, PromotionThreshold: 2}

func setup(t *testing.T, cfg queue.Config, state network.State) *fixture {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "ops.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q := queue.New(st, cfg, queue.WithRand(func() float64 { return 0.5 }))
	if err := q.Recover(context.Background()); err != nil {
		t.Fatalf("Recover() failed: %v", err)
	}
	return &fixture{
		store:   st,
		queue:   q,
		monitor: network.NewMonitor(state),
		sink:    &recordingSink{},
		rec:     newRecorder(),
	}
}

func (f *fixture) engine(tr transport.Transport, cfg Config) *Engine {
	return New(f.queue, tr, f.monitor, cfg,
		WithDeadLetterSink(f.sink),
		WithReconciler(f.rec.reconcile),
		WithCache(f.store),
	)
}

func (f *fixture) enqueue(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		op := operation.New(
			operation.MessageSend{ConversationID: "c1", ClientMessageID: "cm"},
			operation.MethodCreate, "/conversations/c1/messages", []byte(`{"text":"hi"}`), 0,
		)
		queued, err := f.queue.Enqueue(context.Background(), op)
		if err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
		ids = append(ids, queued.ID)
	}
	return ids
}

func (f *fixture) ok() transport.Transport {
	return transport.Func(func(ctx context.Context, m operation.Method, target string, body []byte) (transport.Response, error) {
		f.rec.call(ctx)
		return transport.Response{StatusCode: 201, Body: []byte(`{"ok":true}`)}, nil
	})
}

func (f *fixture) rows(t *testing.T) map[string]operation.Operation {
	t.Helper()
	ops, err := f.store.GetAll(context.Background())
	if err != nil {
		t.Fatalf("GetAll() failed: %v", err)
	}
	out := make(map[string]operation.Operation, len(ops))
	for _, op := range ops {
		out[op.ID] = op
	}
	return out
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{Idle, "idle"},
		{Draining, "draining"},
		{Paused, "paused"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestDrain_AcksEachOperationExactlyOnce(t *testing.T) {
	f := setup(t, retryNow, network.Online)
	ids := f.enqueue(t, 10)

	e := f.engine(f.ok(), Config{BatchSize: 3})
	if err := e.Drain(context.Background()); err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}

	for _, id := range ids {
		if n := f.rec.callsFor(id); n != 1 {
			t.Errorf("%s sent %d times, want 1", id, n)
		}
	}
	if got := f.rec.ackOrder(); len(got) != len(ids) {
		t.Errorf("acks = %d, want %d", len(got), len(ids))
	}
	if rows := f.rows(t); len(rows) != 0 {
		t.Errorf("store still holds %d rows", len(rows))
	}
	if e.State() != Idle {
		t.Errorf("state = %s, want idle", e.State())
	}
}

func TestDrain_OfflineIsNoop(t *testing.T) {
	f := setup(t, retryNow, network.Offline)
	f.enqueue(t, 2)

	tr := transport.Func(func(ctx context.Context, m operation.Method, target string, body []byte) (transport.Response, error) {
		t.Error("transport called while offline")
		return transport.Response{}, nil
	})
	if err := f.engine(tr, Config{}).Drain(context.Background()); err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
	if s := f.queue.Stats(); s.Pending != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestDrain_RejectionDeadLettersOnFirstAttempt(t *testing.T) {
	f := setup(t, retryNow, network.Online)
	ids := f.enqueue(t, 1)

	tr := transport.Func(func(ctx context.Context, m operation.Method, target string, body []byte) (transport.Response, error) {
		f.rec.call(ctx)
		return transport.Response{StatusCode: 422}, &transport.RejectionError{StatusCode: 422, Message: "bad"}
	})
	if err := f.engine(tr, Config{}).Drain(context.Background()); err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}

	if n := f.rec.callsFor(ids[0]); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
	op, _ := f.queue.Get(ids[0])
	if op.Status != operation.StatusDeadLettered || op.Attempts != 1 {
		t.Errorf("op = %s attempts=%d, want dead attempts=1", op.Status, op.Attempts)
	}
	if row := f.rows(t)[ids[0]]; row.Status != operation.StatusDeadLettered {
		t.Errorf("stored status = %s", row.Status)
	}

	got := f.sink.all()
	if len(got) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(got))
	}
	if got[0].Reason != "http_4xx" || got[0].StatusCode != 422 || got[0].Attempt != 1 {
		t.Errorf("dead letter = %+v", got[0])
	}
	if len(f.rec.ackOrder()) != 0 {
		t.Error("rejected operation was acked")
	}
}

func TestDrain_TransientExhaustsBudget(t *testing.T) {
	f := setup(t, retryNow, network.Online)
	ids := f.enqueue(t, 1)

	tr := transport.Func(func(ctx context.Context, m operation.Method, target string, body []byte) (transport.Response, error) {
		f.rec.call(ctx)
		return transport.Response{}, &transport.TransientError{Reason: "http_5xx", StatusCode: 503}
	})
	if err := f.engine(tr, Config{}).Drain(context.Background()); err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}

	if n := f.rec.callsFor(ids[0]); n != retryNow.MaxAttempts {
		t.Errorf("calls = %d, want %d", n, retryNow.MaxAttempts)
	}
	op, _ := f.queue.Get(ids[0])
	if op.Status != operation.StatusDeadLettered || op.Attempts != retryNow.MaxAttempts {
		t.Errorf("op = %s attempts=%d", op.Status, op.Attempts)
	}
	got := f.sink.all()
	if len(got) != 1 || got[0].Reason != ReasonMaxAttempts || got[0].StatusCode != 503 {
		t.Errorf("dead letters = %+v", got)
	}
}

func TestDrain_RetriedOperationAcksLast(t *testing.T) {
	f := setup(t, retryNow, network.Online)
	ids := f.enqueue(t, 3)

	tr := transport.Func(func(ctx context.Context, m operation.Method, target string, body []byte) (transport.Response, error) {
		id, _ := transport.IdempotencyKey(ctx)
		if n := f.rec.call(ctx); id == ids[1] && n <= 2 {
			return transport.Response{}, &transport.TransientError{Reason: "http_5xx", StatusCode: 500}
		}
		return transport.Response{StatusCode: 200}, nil
	})
	if err := f.engine(tr, Config{}).Drain(context.Background()); err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}

	want := []string{ids[0], ids[2], ids[1]}
	got := f.rec.ackOrder()
	if len(got) != len(want) {
		t.Fatalf("acks = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ack[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if n := f.rec.callsFor(ids[1]); n != 3 {
		t.Errorf("second operation sent %d times, want 3", n)
	}
	if len(f.sink.all()) != 0 {
		t.Error("operation dead-lettered despite succeeding within budget")
	}
}

func TestDrain_BackoffGatesRetry(t *testing.T) {
	cfg := queue.Config{MaxAttempts: 5, BackoffSchedule: []time.Duration{time.Hour}}
	f := setup(t, cfg, network.Online)
	ids := f.enqueue(t, 1)

	tr := transport.Func(func(ctx context.Context, m operation.Method, target string, body []byte) (transport.Response, error) {
		f.rec.call(ctx)
		return transport.Response{}, context.DeadlineExceeded
	})
	e := f.engine(tr, Config{})
	if err := e.Drain(context.Background()); err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}

	op, _ := f.queue.Get(ids[0])
	if op.Status != operation.StatusPending || op.Attempts != 1 || op.LastError == "" {
		t.Errorf("op = %+v", op)
	}
	if n := f.rec.callsFor(ids[0]); n != 1 {
		t.Errorf("calls = %d, want 1 (retry must wait out backoff)", n)
	}
	at, ok := f.queue.NextEligibleAt()
	if !ok || time.Until(at) < 30*time.Minute {
		t.Errorf("NextEligibleAt() = %v, %v", at, ok)
	}
}

func TestDrain_CallTimeoutCountsAsAttempt(t *testing.T) {
	cfg := queue.Config{MaxAttempts: 5, BackoffSchedule: []time.Duration{time.Hour}}
	f := setup(t, cfg, network.Online)
	ids := f.enqueue(t, 1)

	tr := transport.Func(func(ctx context.Context, m operation.Method, target string, body []byte) (transport.Response, error) {
		<-ctx.Done()
		return transport.Response{}, ctx.Err()
	})
	if err := f.engine(tr, Config{CallTimeout: 20 * time.Millisecond}).Drain(context.Background()); err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}

	op, _ := f.queue.Get(ids[0])
	if op.Status != operation.StatusPending || op.Attempts != 1 {
		t.Errorf("op = %s attempts=%d, want pending attempts=1", op.Status, op.Attempts)
	}
}

func TestDrain_OfflineMidBatchPauses(t *testing.T) {
	f := setup(t, retryNow, network.Online)
	ids := f.enqueue(t, 3)

	tr := transport.Func(func(ctx context.Context, m operation.Method, target string, body []byte) (transport.Response, error) {
		f.rec.call(ctx)
		f.monitor.Set(network.Offline)
		return transport.Response{StatusCode: 200}, nil
	})
	e := f.engine(tr, Config{BatchSize: 10})
	if err := e.Drain(context.Background()); err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}

	if e.State() != Paused {
		t.Errorf("state = %s, want paused", e.State())
	}
	if got := f.rec.ackOrder(); len(got) != 1 || got[0] != ids[0] {
		t.Errorf("acks = %v, want only the first operation", got)
	}
	rows := f.rows(t)
	for _, id := range ids[1:] {
		row, ok := rows[id]
		if !ok || row.Status != operation.StatusPending || row.Attempts != 0 {
			t.Errorf("%s = %+v, want pending with no attempts", id, row)
		}
		if n := f.rec.callsFor(id); n != 0 {
			t.Errorf("%s sent %d times after going offline", id, n)
		}
	}
}

func TestDrain_ShutdownReleasesInterruptedCall(t *testing.T) {
	f := setup(t, retryNow, network.Online)
	ids := f.enqueue(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	tr := transport.Func(func(callCtx context.Context, m operation.Method, target string, body []byte) (transport.Response, error) {
		cancel()
		<-callCtx.Done()
		return transport.Response{}, callCtx.Err()
	})
	err := f.engine(tr, Config{BatchSize: 10}).Drain(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Drain() error = %v, want context.Canceled", err)
	}

	rows := f.rows(t)
	for _, id := range ids {
		row := rows[id]
		if row.Status != operation.StatusPending || row.Attempts != 0 {
			t.Errorf("%s = %s attempts=%d, want pending attempts=0", id, row.Status, row.Attempts)
		}
	}
	if s := f.queue.Stats(); s.InFlight != 0 || s.Pending != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestDrain_SingleActiveDrain(t *testing.T) {
	f := setup(t, retryNow, network.Online)
	f.enqueue(t, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	tr := transport.Func(func(ctx context.Context, m operation.Method, target string, body []byte) (transport.Response, error) {
		close(started)
		<-release
		return transport.Response{StatusCode: 200}, nil
	})
	e := f.engine(tr, Config{})

	done := make(chan error, 1)
	go func() { done <- e.Drain(context.Background()) }()
	<-started

	if e.State() != Draining {
		t.Errorf("state = %s, want draining", e.State())
	}
	if err := e.Drain(context.Background()); err != nil {
		t.Errorf("concurrent Drain() = %v, want nil no-op", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}
}

func TestDrain_RefreshesCacheForReadableTargets(t *testing.T) {
	f := setup(t, retryNow, network.Online)
	ctx := context.Background()

	kind := operation.DashboardUpdate{DashboardID: "d1", WidgetID: "w1"}
	target := "/dashboards/d1/widgets/w1"
	if _, err := f.queue.Enqueue(ctx, operation.New(kind, operation.MethodUpdate, target, []byte(`{"title":"new"}`), 0)); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	tr := transport.Func(func(ctx context.Context, m operation.Method, target string, body []byte) (transport.Response, error) {
		return transport.Response{StatusCode: 200, Body: []byte(`{"title":"new","rev":2}`)}, nil
	})
	if err := f.engine(tr, Config{}).Drain(ctx); err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}

	value, found, err := f.store.LoadCached(ctx, operation.CacheKey(kind, target))
	if err != nil || !found || string(value) != `{"title":"new","rev":2}` {
		t.Errorf("LoadCached() = %s, %v, %v", value, found, err)
	}
}

func TestRun_DrainsOnReconnect(t *testing.T) {
	f := setup(t, retryNow, network.Offline)
	ids := f.enqueue(t, 3)

	e := f.engine(f.ok(), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	if n := len(f.rec.ackOrder()); n != 0 {
		t.Fatalf("acked %d operations while offline", n)
	}

	f.monitor.Set(network.Online)
	waitFor(t, func() bool { return len(f.rec.ackOrder()) == len(ids) })

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v", err)
	}
}

func TestRun_WakesForNewWork(t *testing.T) {
	f := setup(t, retryNow, network.Online)
	e := f.engine(f.ok(), Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	ids := f.enqueue(t, 1)
	e.Wake()
	waitFor(t, func() bool { return len(f.rec.ackOrder()) == 1 })
	if got := f.rec.ackOrder(); got[0] != ids[0] {
		t.Errorf("acked %v", got)
	}

	cancel()
	<-done
}

func TestRun_RetriesWhenBackoffExpires(t *testing.T) {
	cfg := queue.Config{MaxAttempts: 5, BackoffSchedule: []time.Duration{30 * time.Millisecond}}
	f := setup(t, cfg, network.Online)
	ids := f.enqueue(t, 1)

	tr := transport.Func(func(ctx context.Context, m operation.Method, target string, body []byte) (transport.Response, error) {
		if f.rec.call(ctx) == 1 {
			return transport.Response{}, &transport.TransientError{Reason: "http_503", StatusCode: 503}
		}
		return transport.Response{StatusCode: 200}, nil
	})
	e := f.engine(tr, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	waitFor(t, func() bool { return len(f.rec.ackOrder()) == 1 })
	if n := f.rec.callsFor(ids[0]); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}

	cancel()
	<-done
}

// Offline write through the gateway, reconnect, drain: the accepted result
// and the reconciled ack refer to the same operation.
func TestEndToEnd_OfflineWriteReconciles(t *testing.T) {
	f := setup(t, retryNow, network.Offline)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		applied []string
	)
	upstream := transport.Func(func(ctx context.Context, m operation.Method, target string, body []byte) (transport.Response, error) {
		id, _ := transport.IdempotencyKey(ctx)
		mu.Lock()
		applied = append(applied, id)
		mu.Unlock()
		return transport.Response{StatusCode: 201, Body: []byte(`{"id":"srv-42"}`)}, nil
	})

	var reconciled []transport.Response
	e := New(f.queue, upstream, f.monitor, Config{},
		WithDeadLetterSink(f.sink),
		WithReconciler(func(ctx context.Context, op operation.Operation, resp transport.Response) {
			f.rec.reconcile(ctx, op, resp)
			reconciled = append(reconciled, resp)
		}),
	)
	x := gateway.New(f.monitor, f.queue, gateway.WithOnEnqueue(func(operation.Operation) { e.Wake() }))

	res, err := x.Execute(ctx, gateway.Request{
		Kind:   operation.MessageSend{ConversationID: "c9", ClientMessageID: "local-1"},
		Method: operation.MethodCreate,
		Target: "/conversations/c9/messages",
		Body:   []byte(`{"text":"offline hello"}`),
	}, nil)
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if res.Source != synth.SourceAccepted {
		t.Fatalf("source = %s, want accepted", res.Source)
	}
	var placeholder synth.Placeholder
	if err := json.Unmarshal(res.Body, &placeholder); err != nil || placeholder.Status != synth.StatusPendingSync {
		t.Fatalf("placeholder = %+v, %v", placeholder, err)
	}

	f.monitor.Set(network.Online)
	if err := e.Drain(ctx); err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}

	if acks := f.rec.ackOrder(); len(acks) != 1 || acks[0] != res.OperationID {
		t.Fatalf("acks = %v, want [%s]", acks, res.OperationID)
	}
	if len(applied) != 1 || applied[0] != res.OperationID {
		t.Errorf("upstream applied %v", applied)
	}
	if len(reconciled) != 1 || string(reconciled[0].Body) != `{"id":"srv-42"}` {
		t.Errorf("reconciled = %+v", reconciled)
	}
	if f.queue.Stats().Total() != 0 {
		t.Errorf("stats = %+v", f.queue.Stats())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// ackFailingStore fails the next acked status write once armed
type ackFailingStore struct {
	*store.SQLite
	armed atomic.Bool
}

func (s *ackFailingStore) UpdateStatus(ctx context.Context, id string, st operation.Status, attempts int) error {
	if st == operation.StatusAcked && s.armed.CompareAndSwap(true, false) {
		return errors.New("disk I/O error")
	}
	return s.SQLite.UpdateStatus(ctx, id, st, attempts)
}

func TestDrain_FailedAckIsReplayedOnceStoreRecovers(t *testing.T) {
	f := setup(t, retryNow, network.Online)
	fs := &ackFailingStore{SQLite: f.store}
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	f.queue = queue.New(fs, retryNow, queue.WithNow(clock), queue.WithRand(func() float64 { return 0.5 }))
	if err := f.queue.Recover(context.Background()); err != nil {
		t.Fatalf("Recover() failed: %v", err)
	}
	ids := f.enqueue(t, 1)

	fs.armed.Store(true)
	e := f.engine(f.ok(), Config{})
	if err := e.Drain(context.Background()); err != nil {
		t.Fatalf("Drain() failed: %v", err)
	}

	if s := f.queue.Stats(); s.InFlight != 0 || s.Pending != 1 {
		t.Fatalf("stats after failed ack = %+v, want one pending", s)
	}
	at, ok := f.queue.NextEligibleAt()
	if !ok || !at.After(clock()) {
		t.Errorf("NextEligibleAt() = %v, %v; want a future gate", at, ok)
	}
	if len(f.rec.ackOrder()) != 0 {
		t.Error("reconciler ran for an ack that was never stored")
	}

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()
	if err := e.Drain(context.Background()); err != nil {
		t.Fatalf("second Drain() failed: %v", err)
	}

	if n := f.rec.callsFor(ids[0]); n != 2 {
		t.Errorf("calls under %s = %d, want 2", ids[0], n)
	}
	if got := f.rec.ackOrder(); len(got) != 1 || got[0] != ids[0] {
		t.Errorf("acks = %v, want [%s]", got, ids[0])
	}
	if s := f.queue.Stats(); s.Total() != 0 {
		t.Errorf("stats = %+v, want empty", s)
	}
	if rows := f.rows(t); len(rows) != 0 {
		t.Errorf("store still holds %d rows", len(rows))
	}
}
