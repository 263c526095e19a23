// Package gateway is the per-request decision point: run now, or defer.
package gateway

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_sync/internal/logging"
	"github.com/austindbirch/harbor_sync/internal/metrics"
	"github.com/austindbirch/harbor_sync/internal/network"
	"github.com/austindbirch/harbor_sync/internal/operation"
	"github.com/austindbirch/harbor_sync/internal/store"
	"github.com/austindbirch/harbor_sync/internal/synth"
	"github.com/austindbirch/harbor_sync/internal/tracing"
	"github.com/austindbirch/harbor_sync/internal/transport"
)

// Decision labels recorded in harborsync_gateway_decisions_total
const (
	DecisionNetwork  = "network"
	DecisionQueued   = "queued"
	DecisionCache    = "cache"
	DecisionNoData   = "no_data"
	DecisionRejected = "rejected"
	DecisionInvalid  = "invalid"
	DecisionFailed   = "failed"
)

// Request describes one logical call
type Request struct {
	Kind     operation.Kind
	Method   operation.Method
	Target   string
	Body     []byte
	Priority int
}

// ExecFunc performs the call over the network right now
type ExecFunc func(ctx context.Context) (transport.Response, error)

// StateReader is the single point read the executor needs from the monitor
type StateReader interface {
	Current() network.State
}

// Enqueuer persists deferred writes
type Enqueuer interface {
	Enqueue(ctx context.Context, op operation.Operation) (operation.Operation, error)
}

// Executor is safe for concurrent use by any number of callers
type Executor struct {
	state     StateReader
	queue     Enqueuer
	cache     store.Cache
	log       *logging.Logger
	onEnqueue func(operation.Operation)
}

type Option func(*Executor)

// WithCache enables last-known reads; without it offline reads are always no_data
func WithCache(c store.Cache) Option {
	return func(x *Executor) { x.cache = c }
}

func WithLogger(l *logging.Logger) Option {
	return func(x *Executor) { x.log = l }
}

// WithOnEnqueue registers a hook run after each durable enqueue, typically the sync engine's Wake
func WithOnEnqueue(f func(operation.Operation)) Option {
	return func(x *Executor) { x.onEnqueue = f }
}

func New(state StateReader, queue Enqueuer, opts ...Option) *Executor {
	x := &Executor{state: state, queue: queue, log: logging.Discard()}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Execute decides how to answer req.
//
// Online, exec runs directly. Its success is returned as a network result;
// a rejection is surfaced unchanged; a transient failure degrades to offline
// handling; anything else (such as caller cancellation) is returned as is.
// Offline, reads are answered from the last server-confirmed value and
// writes are durably queued behind an "accepted, pending sync" result. A nil
// exec always takes the offline path.
func (x *Executor) Execute(ctx context.Context, req Request, exec ExecFunc) (synth.Result, error) {
	op := operation.New(req.Kind, req.Method, req.Target, req.Body, req.Priority)

	ctx, span := tracing.StartSpan(ctx, "gateway.execute",
		attribute.String("operation.kind", op.KindName()),
		attribute.String("operation.method", string(op.Method)),
		attribute.String("operation.target", op.Target),
	)
	defer span.End()

	if err := op.Validate(); err != nil {
		metrics.RecordDecision(DecisionInvalid)
		tracing.SetSpanError(ctx, err)
		return synth.Result{}, err
	}

	if exec != nil && x.state.Current() == network.Online {
		resp, err := exec(ctx)
		if err == nil {
			if !op.Method.IsWrite() {
				x.remember(ctx, op, resp.Body)
			}
			metrics.RecordDecision(DecisionNetwork)
			return synth.Network(op, resp.StatusCode, resp.Body), nil
		}

		switch transport.Classify(err) {
		case transport.ClassPermanent:
			metrics.RecordDecision(DecisionRejected)
			tracing.SetSpanError(ctx, err)
			return synth.Result{}, err
		case transport.ClassTransient:
			tracing.AddSpanEvent(ctx, "gateway.degraded", attribute.String("reason", transport.Reason(err)))
			x.log.WithContext(ctx).WithKind(op.KindName()).WithTarget(op.Target).WithError(err).
				Warn("Online call failed, degrading to offline handling")
		default:
			metrics.RecordDecision(DecisionFailed)
			tracing.SetSpanError(ctx, err)
			return synth.Result{}, err
		}
	}

	if !op.Method.IsWrite() {
		return x.readOffline(ctx, op), nil
	}
	return x.writeOffline(ctx, op)
}

func (x *Executor) readOffline(ctx context.Context, op operation.Operation) synth.Result {
	var (
		value []byte
		found bool
	)
	if x.cache != nil {
		var err error
		value, found, err = x.cache.LoadCached(ctx, operation.CacheKey(op.Kind, op.Target))
		if err != nil {
			// an unreadable cache is treated as empty, never guessed at
			x.log.WithContext(ctx).WithKind(op.KindName()).WithTarget(op.Target).WithError(err).
				Warn("Read cache unavailable")
			value, found = nil, false
		}
	}

	result := synth.Synthesize(op, value, found)
	if result.Source == synth.SourceCache {
		metrics.RecordDecision(DecisionCache)
	} else {
		metrics.RecordDecision(DecisionNoData)
	}
	tracing.AddSpanEvent(ctx, "gateway.synthesized", attribute.String("source", string(result.Source)))
	return result
}

func (x *Executor) writeOffline(ctx context.Context, op operation.Operation) (synth.Result, error) {
	op.TraceHeaders = tracing.PropagateTrace(ctx)

	queued, err := x.queue.Enqueue(ctx, op)
	if err != nil {
		metrics.RecordDecision(DecisionFailed)
		tracing.SetSpanError(ctx, err)
		x.log.WithContext(ctx).WithOperation(op.ID).WithKind(op.KindName()).WithError(err).
			Error("Failed to queue operation")
		return synth.Result{}, err
	}

	metrics.RecordEnqueued(queued.KindName(), string(queued.Method))
	metrics.RecordDecision(DecisionQueued)
	tracing.AddSpanEvent(ctx, "gateway.queued", attribute.String("operation.id", queued.ID))
	x.log.WithContext(ctx).WithOperation(queued.ID).WithKind(queued.KindName()).WithTarget(queued.Target).
		Info("Operation queued for sync")

	if x.onEnqueue != nil {
		x.onEnqueue(queued)
	}
	return synth.Synthesize(queued, nil, false), nil
}

func (x *Executor) remember(ctx context.Context, op operation.Operation, body []byte) {
	if x.cache == nil {
		return
	}
	if err := x.cache.SaveCached(ctx, operation.CacheKey(op.Kind, op.Target), body); err != nil {
		x.log.WithContext(ctx).WithKind(op.KindName()).WithTarget(op.Target).WithError(err).
			Warn("Failed to refresh read cache")
	}
}
