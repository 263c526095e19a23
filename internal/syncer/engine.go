// Package syncer drains the operation queue against the real transport once
// the network is back.
//
// One Engine runs one drain at a time. Run wakes it on every offline to online
// transition, on an explicit Wake, and when the earliest backoff gate expires.
package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_sync/internal/deadletter"
	"github.com/austindbirch/harbor_sync/internal/logging"
	"github.com/austindbirch/harbor_sync/internal/metrics"
	"github.com/austindbirch/harbor_sync/internal/network"
	"github.com/austindbirch/harbor_sync/internal/operation"
	"github.com/austindbirch/harbor_sync/internal/queue"
	"github.com/austindbirch/harbor_sync/internal/store"
	"github.com/austindbirch/harbor_sync/internal/tracing"
	"github.com/austindbirch/harbor_sync/internal/transport"
)

// State of the drain loop
type State int32

const (
	Idle State = iota
	Draining
	Paused
)

func (s State) String() string {
	switch s {
	case Draining:
		return "draining"
	case Paused:
		return "paused"
	}
	return "idle"
}

// ReasonMaxAttempts labels operations dead-lettered for exhausting their budget
const ReasonMaxAttempts = "max_attempts"

// Queue is what the engine needs from the operation queue
type Queue interface {
	NextBatch(ctx context.Context, max int) ([]operation.Operation, error)
	Ack(ctx context.Context, id string, notify func(operation.Operation)) error
	Requeue(ctx context.Context, id string, cause error) (operation.Operation, error)
	DeadLetter(ctx context.Context, id string, cause error) (operation.Operation, error)
	Release(ctx context.Context, id string) error
	NextEligibleAt() (time.Time, bool)
	Stats() queue.Stats
}

var _ Queue = (*queue.Queue)(nil)

// Reconciler is told about every acked operation together with the real
// upstream response that replaces the synthesized one
type Reconciler func(ctx context.Context, op operation.Operation, resp transport.Response)

type Config struct {
	BatchSize   int
	CallTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{BatchSize: 16, CallTimeout: 15 * time.Second}
}

type Engine struct {
	queue     Queue
	transport transport.Transport
	monitor   *network.Monitor
	cfg       Config

	sink      deadletter.Sink
	reconcile Reconciler
	cache     store.Cache
	log       *logging.Logger
	now       func() time.Time

	state   atomic.Int32
	drainMu sync.Mutex
	wake    chan struct{}
}

type Option func(*Engine)

func WithDeadLetterSink(s deadletter.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

func WithReconciler(r Reconciler) Option {
	return func(e *Engine) { e.reconcile = r }
}

// WithCache lets successful replays refresh the last-known value of readable targets
func WithCache(c store.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(q Queue, t transport.Transport, m *network.Monitor, cfg Config, opts ...Option) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	e := &Engine{
		queue:     q,
		transport: t,
		monitor:   m,
		cfg:       cfg,
		log:       logging.Discard(),
		now:       time.Now,
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.sink == nil {
		e.sink = deadletter.NewLogSink(e.log)
	}
	return e
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	if prev := State(e.state.Swap(int32(s))); prev != s {
		e.log.Plain().WithFields(map[string]any{"from": prev.String(), "to": s.String()}).Debug("Sync engine state changed")
	}
}

// Wake asks Run to attempt a drain soon. It never blocks.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// minRetryWait keeps the loop from spinning on a gate that is due but still held elsewhere
const minRetryWait = 50 * time.Millisecond

// Run drives the engine until ctx is done
func (e *Engine) Run(ctx context.Context) error {
	sub := e.monitor.Subscribe(ctx)
	defer func() { sub.Close() }()

	for {
		if e.monitor.Current() == network.Online {
			if err := e.Drain(ctx); err != nil && ctx.Err() == nil {
				e.log.WithContext(ctx).WithError(err).Error("Drain failed")
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		var timer <-chan time.Time
		var t *time.Timer
		if e.monitor.Current() == network.Online {
			if at, ok := e.queue.NextEligibleAt(); ok {
				d := at.Sub(e.now())
				if d < minRetryWait {
					d = minRetryWait
				}
				t = time.NewTimer(d)
				timer = t.C
			}
		}

		select {
		case <-ctx.Done():
		case _, ok := <-sub.Events():
			if !ok && ctx.Err() == nil {
				e.log.Plain().Warn("Network subscription ended")
				sub = e.monitor.Subscribe(ctx)
			}
		case <-e.wake:
		case <-timer:
		}
		if t != nil {
			t.Stop()
		}
	}
}

// Drain claims and replays batches until nothing is eligible, the network
// goes away, or ctx ends. It is a no-op while another drain is running.
func (e *Engine) Drain(ctx context.Context) error {
	if !e.drainMu.TryLock() {
		return nil
	}
	defer e.drainMu.Unlock()

	if e.monitor.Current() != network.Online {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "sync.drain")
	defer span.End()

	start := e.now()
	e.setState(Draining)
	defer func() {
		metrics.ObserveDrain(e.now().Sub(start))
		s := e.queue.Stats()
		metrics.UpdateQueueDepth(s.Pending, s.InFlight, s.Dead)
	}()

	var processed int
	for {
		if ctx.Err() != nil {
			e.setState(Idle)
			return ctx.Err()
		}
		if e.monitor.Current() != network.Online {
			e.setState(Paused)
			return nil
		}

		batch, err := e.queue.NextBatch(ctx, e.cfg.BatchSize)
		if err != nil {
			e.release(ctx, batch)
			e.setState(Idle)
			tracing.SetSpanError(ctx, err)
			return err
		}
		if len(batch) == 0 {
			e.setState(Idle)
			span.SetAttributes(attribute.Int("sync.processed", processed))
			return nil
		}

		for i, op := range batch {
			if ctx.Err() != nil {
				e.release(ctx, batch[i:])
				e.setState(Idle)
				return ctx.Err()
			}
			if e.monitor.Current() != network.Online {
				e.release(ctx, batch[i:])
				e.setState(Paused)
				tracing.AddSpanEvent(ctx, "sync.paused", attribute.Int("sync.released", len(batch)-i))
				e.log.WithContext(ctx).WithField("released", len(batch)-i).Info("Went offline mid-drain, pausing")
				return nil
			}
			e.replay(ctx, op)
			processed++
		}
	}
}

// release hands claimed but unattempted operations back. It must reach the
// store even during shutdown, or the ids would stay inflight until restart.
func (e *Engine) release(ctx context.Context, ops []operation.Operation) {
	storeCtx := context.WithoutCancel(ctx)
	for _, op := range ops {
		if err := e.queue.Release(storeCtx, op.ID); err != nil {
			e.log.WithContext(ctx).WithOperation(op.ID).WithError(err).Error("Failed to release operation")
		}
	}
}

func (e *Engine) replay(ctx context.Context, op operation.Operation) {
	opCtx := tracing.ExtractTrace(ctx, op.TraceHeaders)
	opCtx, span := tracing.StartSpan(opCtx, "sync.replay",
		attribute.String("operation.id", op.ID),
		attribute.String("operation.kind", op.KindName()),
		attribute.String("operation.method", string(op.Method)),
		attribute.Int("operation.attempt", op.Attempts+1),
	)
	defer span.End()
	logger := e.log.WithContext(opCtx).WithOperation(op.ID).WithKind(op.KindName()).WithTarget(op.Target)

	callCtx, cancel := context.WithTimeout(transport.WithIdempotencyKey(opCtx, op.ID), e.cfg.CallTimeout)
	resp, err := e.transport.Do(callCtx, op.Method, op.Target, op.Body)
	cancel()

	// every store write below must land even if shutdown starts now
	storeCtx := context.WithoutCancel(opCtx)

	if err == nil {
		ackErr := e.queue.Ack(storeCtx, op.ID, func(acked operation.Operation) {
			e.afterAck(storeCtx, acked, resp)
		})
		if ackErr != nil {
			tracing.SetSpanError(opCtx, ackErr)
			logger.WithError(ackErr).Error("Failed to ack operation, reopened for replay")
			return
		}
		metrics.RecordAck(op.KindName())
		span.SetAttributes(attribute.String("operation.final_status", string(operation.StatusAcked)))
		logger.WithField("status_code", resp.StatusCode).Info("Operation synced")
		return
	}

	// a hard shutdown interrupted the call; no verdict was reached
	if ctx.Err() != nil {
		if relErr := e.queue.Release(storeCtx, op.ID); relErr != nil {
			logger.WithError(relErr).Error("Failed to release interrupted operation")
		}
		span.SetAttributes(attribute.String("operation.final_status", "released"))
		return
	}

	tracing.SetSpanError(opCtx, err)
	reason := transport.Reason(err)

	if permanent(err) {
		dead, dlErr := e.queue.DeadLetter(storeCtx, op.ID, err)
		if dlErr != nil {
			logger.WithError(dlErr).Error("Failed to dead-letter operation, reopened for replay")
			return
		}
		span.SetAttributes(attribute.String("operation.final_status", string(operation.StatusDeadLettered)))
		e.publishDeadLetter(storeCtx, dead, statusCode(err), reason)
		return
	}

	updated, rqErr := e.queue.Requeue(storeCtx, op.ID, err)
	if rqErr != nil {
		logger.WithError(rqErr).Error("Failed to requeue operation, reopened for replay")
		return
	}
	if updated.Status == operation.StatusDeadLettered {
		span.SetAttributes(attribute.String("operation.final_status", string(operation.StatusDeadLettered)))
		e.publishDeadLetter(storeCtx, updated, statusCode(err), ReasonMaxAttempts)
		return
	}

	metrics.RecordRetry(reason)
	tracing.AddSpanEvent(opCtx, "sync.requeue",
		attribute.Int("attempt", updated.Attempts),
		attribute.String("next_eligible_at", updated.NextEligibleAt.Format(time.RFC3339Nano)),
	)
	logger.WithFields(map[string]any{
		"attempt":          updated.Attempts,
		"reason":           reason,
		"next_eligible_at": updated.NextEligibleAt,
	}).Warn("Operation requeued")
}

// permanent reports failures that retrying cannot fix
func permanent(err error) bool {
	if transport.Classify(err) == transport.ClassPermanent {
		return true
	}
	return errors.Is(err, operation.ErrInvalidOperation)
}

func statusCode(err error) int {
	var rej *transport.RejectionError
	if errors.As(err, &rej) {
		return rej.StatusCode
	}
	var tr *transport.TransientError
	if errors.As(err, &tr) {
		return tr.StatusCode
	}
	return 0
}

func (e *Engine) publishDeadLetter(ctx context.Context, op operation.Operation, code int, reason string) {
	metrics.RecordDeadLetter(reason)
	if err := e.sink.Publish(ctx, deadletter.New(op, code, reason)); err != nil {
		// the row stays in the store as dead, so nothing is lost
		e.log.WithContext(ctx).WithOperation(op.ID).WithError(err).Error("Dead-letter publish failed")
	}
}

func (e *Engine) afterAck(ctx context.Context, op operation.Operation, resp transport.Response) {
	if e.cache != nil && refreshesCache(op.Kind) && len(resp.Body) > 0 {
		if err := e.cache.SaveCached(ctx, operation.CacheKey(op.Kind, op.Target), resp.Body); err != nil {
			e.log.WithContext(ctx).WithOperation(op.ID).WithError(err).Warn("Failed to refresh read cache")
		}
	}
	if e.reconcile != nil {
		e.reconcile(ctx, op, resp)
	}
}

// refreshesCache reports whether a successful replay of kind yields the
// value a later read of the same target would return
func refreshesCache(kind operation.Kind) bool {
	switch kind.(type) {
	case operation.RouteLoad:
		return true
	case operation.DashboardUpdate:
		return true
	case operation.MessageSend:
		return false
	default:
		return false
	}
}
