package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/austindbirch/harbor_sync/internal/network"
	"github.com/austindbirch/harbor_sync/internal/operation"
	"github.com/austindbirch/harbor_sync/internal/queue"
	"github.com/austindbirch/harbor_sync/internal/store"
	"github.com/austindbirch/harbor_sync/internal/synth"
	"github.com/austindbirch/harbor_sync/internal/transport"
)

type fixture struct {
	monitor *network.Monitor
	store   *store.SQLite
	queue   *queue.Queue
	exec    *Executor
	queued  []operation.Operation
}

func setup(t *testing.T, state network.State) *fixture {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "ops.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q := queue.New(st, queue.DefaultConfig())
	if err := q.Recover(context.Background()); err != nil {
		t.Fatalf("Recover() failed: %v", err)
	}

	f := &fixture{monitor: network.NewMonitor(state), store: st, queue: q}
	f.exec = New(f.monitor, q,
		WithCache(st),
		WithOnEnqueue(func(op operation.Operation) { f.queued = append(f.queued, op) }),
	)
	return f
}

var (
	sendMessage = Request{
		Kind:   operation.MessageSend{ConversationID: "c1", ClientMessageID: "cm-1"},
		Method: operation.MethodCreate,
		Target: "/conversations/c1/messages",
		Body:   []byte(`{"text":"hello"}`),
	}
	loadRoute = Request{
		Kind:   operation.RouteLoad{RouteID: "r7"},
		Method: operation.MethodRead,
		Target: "/routes/r7",
	}
)

func respond(code int, body string) ExecFunc {
	return func(ctx context.Context) (transport.Response, error) {
		return transport.Response{StatusCode: code, Body: []byte(body)}, nil
	}
}

func fail(err error) ExecFunc {
	return func(ctx context.Context) (transport.Response, error) {
		return transport.Response{}, err
	}
}

func mustNotRun(t *testing.T) ExecFunc {
	return func(ctx context.Context) (transport.Response, error) {
		t.Error("exec called while offline")
		return transport.Response{}, nil
	}
}

func TestExecute_OfflineWriteIsQueued(t *testing.T) {
	f := setup(t, network.Offline)

	res, err := f.exec.Execute(context.Background(), sendMessage, mustNotRun(t))
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if res.Source != synth.SourceAccepted || res.OperationID == "" || !res.Synthetic {
		t.Fatalf("result = %+v", res)
	}

	var p synth.Placeholder
	if err := json.Unmarshal(res.Body, &p); err != nil {
		t.Fatalf("placeholder: %v", err)
	}
	if p.OperationID != res.OperationID || p.Reconcile["client_message_id"] != "cm-1" {
		t.Errorf("placeholder = %+v", p)
	}

	op, ok := f.queue.Get(res.OperationID)
	if !ok || op.Status != operation.StatusPending || string(op.Body) != `{"text":"hello"}` {
		t.Errorf("queued op = %+v, %v", op, ok)
	}
	if len(f.queued) != 1 || f.queued[0].ID != res.OperationID {
		t.Errorf("onEnqueue hook saw %d operations", len(f.queued))
	}
}

func TestExecute_EachCallQueuesOnce(t *testing.T) {
	f := setup(t, network.Offline)
	ctx := context.Background()

	first, _ := f.exec.Execute(ctx, sendMessage, nil)
	second, _ := f.exec.Execute(ctx, sendMessage, nil)
	if first.OperationID == second.OperationID {
		t.Error("two calls shared an operation id")
	}
	if n := f.queue.Stats().Pending; n != 2 {
		t.Errorf("pending = %d, want 2", n)
	}
}

func TestExecute_OfflineReads(t *testing.T) {
	f := setup(t, network.Offline)
	ctx := context.Background()

	res, err := f.exec.Execute(ctx, loadRoute, mustNotRun(t))
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if res.Source != synth.SourceNoData || res.Body != nil {
		t.Errorf("empty cache result = %+v", res)
	}

	key := operation.CacheKey(loadRoute.Kind, loadRoute.Target)
	if err := f.store.SaveCached(ctx, key, []byte(`{"stops":4}`)); err != nil {
		t.Fatalf("SaveCached() failed: %v", err)
	}
	res, _ = f.exec.Execute(ctx, loadRoute, mustNotRun(t))
	if res.Source != synth.SourceCache || string(res.Body) != `{"stops":4}` {
		t.Errorf("cached result = %+v", res)
	}
	if f.queue.Stats().Total() != 0 {
		t.Error("offline read was queued")
	}
}

func TestExecute_OnlineReadRefreshesCache(t *testing.T) {
	f := setup(t, network.Online)
	ctx := context.Background()

	res, err := f.exec.Execute(ctx, loadRoute, respond(200, `{"stops":9}`))
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if res.Source != synth.SourceNetwork || res.Synthetic || res.StatusCode != 200 {
		t.Errorf("result = %+v", res)
	}

	f.monitor.Set(network.Offline)
	res, _ = f.exec.Execute(ctx, loadRoute, nil)
	if res.Source != synth.SourceCache || string(res.Body) != `{"stops":9}` {
		t.Errorf("offline read after refresh = %+v", res)
	}
}

func TestExecute_OnlineOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		req        Request
		exec       ExecFunc
		wantSource synth.Source
		wantErr    func(error) bool
		wantQueued int
	}{
		{
			name:       "write succeeds",
			req:        sendMessage,
			exec:       respond(201, `{"id":"srv-1"}`),
			wantSource: synth.SourceNetwork,
		},
		{
			name:       "5xx degrades write to queue",
			req:        sendMessage,
			exec:       fail(&transport.TransientError{Reason: "http_5xx", StatusCode: 503}),
			wantSource: synth.SourceAccepted,
			wantQueued: 1,
		},
		{
			name:       "timeout degrades write to queue",
			req:        sendMessage,
			exec:       fail(context.DeadlineExceeded),
			wantSource: synth.SourceAccepted,
			wantQueued: 1,
		},
		{
			name:       "5xx degrades read to synthesized",
			req:        loadRoute,
			exec:       fail(&transport.TransientError{Reason: "http_5xx", StatusCode: 500}),
			wantSource: synth.SourceNoData,
		},
		{
			name: "4xx is surfaced",
			req:  sendMessage,
			exec: fail(&transport.RejectionError{StatusCode: 422, Message: "bad"}),
			wantErr: func(err error) bool {
				var rej *transport.RejectionError
				return errors.As(err, &rej) && rej.StatusCode == 422
			},
		},
		{
			name:    "caller cancellation propagates",
			req:     sendMessage,
			exec:    fail(context.Canceled),
			wantErr: func(err error) bool { return errors.Is(err, context.Canceled) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, network.Online)
			res, err := f.exec.Execute(context.Background(), tt.req, tt.exec)
			if tt.wantErr != nil {
				if !tt.wantErr(err) {
					t.Fatalf("Execute() error = %v", err)
				}
			} else if err != nil {
				t.Fatalf("Execute() failed: %v", err)
			} else if res.Source != tt.wantSource {
				t.Errorf("source = %s, want %s", res.Source, tt.wantSource)
			}
			if got := f.queue.Stats().Pending; got != tt.wantQueued {
				t.Errorf("pending = %d, want %d", got, tt.wantQueued)
			}
		})
	}
}

func TestExecute_InvalidNeverQueued(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"read-only kind written", Request{Kind: operation.RouteLoad{RouteID: "r"}, Method: operation.MethodCreate, Target: "/r"}},
		{"unknown method", Request{Kind: operation.MessageSend{}, Method: "patch", Target: "/m"}},
		{"missing kind", Request{Method: operation.MethodCreate, Target: "/m"}},
		{"missing target", Request{Kind: operation.MessageSend{}, Method: operation.MethodCreate}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, network.Offline)
			_, err := f.exec.Execute(context.Background(), tt.req, nil)
			if !errors.Is(err, operation.ErrInvalidOperation) {
				t.Fatalf("Execute() error = %v, want ErrInvalidOperation", err)
			}
			if f.queue.Stats().Total() != 0 {
				t.Error("invalid operation was queued")
			}
		})
	}
}

type brokenQueue struct{}

func (brokenQueue) Enqueue(ctx context.Context, op operation.Operation) (operation.Operation, error) {
	return operation.Operation{}, operation.ErrStoreUnavailable
}

func TestExecute_StoreFailureIsNotOptimistic(t *testing.T) {
	x := New(network.NewMonitor(network.Offline), brokenQueue{})

	res, err := x.Execute(context.Background(), sendMessage, nil)
	if !errors.Is(err, operation.ErrStoreUnavailable) {
		t.Fatalf("Execute() error = %v, want ErrStoreUnavailable", err)
	}
	if res.Source != "" || res.OperationID != "" {
		t.Errorf("result = %+v, want zero value", res)
	}
}

func TestExecute_OptimisticWritesNotVisibleToReads(t *testing.T) {
	f := setup(t, network.Offline)
	ctx := context.Background()

	update := Request{
		Kind:   operation.DashboardUpdate{DashboardID: "d1", WidgetID: "w1"},
		Method: operation.MethodUpdate,
		Target: "/dashboards/d1/widgets/w1",
		Body:   []byte(`{"title":"new"}`),
	}
	read := update
	read.Method = operation.MethodRead
	read.Body = nil

	key := operation.CacheKey(read.Kind, read.Target)
	if err := f.store.SaveCached(ctx, key, []byte(`{"title":"old"}`)); err != nil {
		t.Fatalf("SaveCached() failed: %v", err)
	}
	if _, err := f.exec.Execute(ctx, update, nil); err != nil {
		t.Fatalf("Execute(update) failed: %v", err)
	}

	res, _ := f.exec.Execute(ctx, read, nil)
	if string(res.Body) != `{"title":"old"}` {
		t.Errorf("read after optimistic write = %s, want last server-confirmed value", res.Body)
	}
}

func TestExecute_CapturesTraceHeaders(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
		_ = tp.Shutdown(context.Background())
	})

	f := setup(t, network.Offline)
	res, err := f.exec.Execute(context.Background(), sendMessage, nil)
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}

	op, _ := f.queue.Get(res.OperationID)
	if op.TraceHeaders["traceparent"] == "" {
		t.Errorf("trace headers = %v, want traceparent", op.TraceHeaders)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "gateway.execute" {
		t.Errorf("spans = %v", spans)
	}
}
