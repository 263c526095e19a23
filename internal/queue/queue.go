// Package queue presents the operation store as an ordered, poll-able queue.
//
// The membership map is guarded by a short lock that is never held across a
// store write. Each operation has its own mutex, held for every transition of
// that operation, and an atomically published snapshot that NextBatch reads
// to order candidates without taking any per-operation lock. One id's slow
// durability write therefore never blocks work on another id.
package queue

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/austindbirch/harbor_sync/internal/logging"
	"github.com/austindbirch/harbor_sync/internal/operation"
	"github.com/austindbirch/harbor_sync/internal/store"
)

// Config carries the retry tuning knobs
type Config struct {
	MaxAttempts        int
	BackoffSchedule    []time.Duration
	JitterPercent      float64
	PromotionThreshold int // 0 disables promotion
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:        6,
		BackoffSchedule:    []time.Duration{time.Second, 4 * time.Second, 16 * time.Second, time.Minute, 4 * time.Minute, 10 * time.Minute},
		JitterPercent:      0.25,
		PromotionThreshold: 3,
	}
}

// Stats counts operations by status
type Stats struct {
	Pending  int `json:"pending"`
	InFlight int `json:"inflight"`
	Dead     int `json:"dead"`
}

func (s Stats) Total() int { return s.Pending + s.InFlight + s.Dead }

type entry struct {
	mu      sync.Mutex // held across every store write for this id
	snap    atomic.Pointer[operation.Operation]
	removed bool // guarded by mu
}

func (e *entry) load() (operation.Operation, bool) {
	p := e.snap.Load()
	if p == nil {
		return operation.Operation{}, false
	}
	return *p, true
}

func (e *entry) publish(op operation.Operation) {
	e.snap.Store(&op)
}

// Queue is safe for concurrent use
type Queue struct {
	store store.Store
	cfg   Config
	log   *logging.Logger

	clock  atomic.Pointer[Clock]
	now    func() time.Time
	randMu sync.Mutex
	rand   func() float64

	mu      sync.RWMutex // membership only
	entries map[string]*entry
}

type Option func(*Queue)

// WithNow replaces the wall clock used for backoff gates
func WithNow(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithRand replaces the jitter source; f must return values in [0,1)
func WithRand(f func() float64) Option {
	return func(q *Queue) { q.rand = f }
}

func WithLogger(l *logging.Logger) Option {
	return func(q *Queue) { q.log = l }
}

func New(st store.Store, cfg Config, opts ...Option) *Queue {
	q := &Queue{
		store:   st,
		cfg:     cfg,
		log:     logging.Discard(),
		now:     time.Now,
		rand:    rand.Float64,
		entries: make(map[string]*entry),
	}
	q.clock.Store(NewClock())
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func unavailable(action string, err error) error {
	return fmt.Errorf("%w: %s: %w", operation.ErrStoreUnavailable, action, err)
}

func notInFlight(id string, s operation.Status) error {
	return fmt.Errorf("%w: %s is %s, not inflight", operation.ErrNotFound, id, s)
}

func transition(id string, from, to operation.Status) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s is %s, cannot move to %s", operation.ErrNotFound, id, from, to)
	}
	return nil
}

const (
	// storeRetryWait gates an operation whose outcome could not be persisted
	storeRetryWait = time.Second
	// minUnboundedWait floors the retry delay when MaxAttempts is 0
	minUnboundedWait = time.Second
)

// reopen puts op back to pending after its status write failed. The row may
// still read inflight on disk; Recover resets that after a restart.
func (q *Queue) reopen(e *entry, op operation.Operation) {
	op.Status = operation.StatusPending
	if gate := q.now().Add(storeRetryWait); op.NextEligibleAt.Before(gate) {
		op.NextEligibleAt = gate
	}
	e.publish(op)
}

// Recover rebuilds the index from the store after a restart. Operations left
// inflight by a crash go back to pending with their attempt count unchanged;
// acked rows whose removal never happened are removed.
func (q *Queue) Recover(ctx context.Context) error {
	ops, err := q.store.GetAll(ctx)
	if err != nil {
		return unavailable("recover", err)
	}

	entries := make(map[string]*entry, len(ops))
	var maxSeq int64
	var reset, cleaned, exhausted int
	for _, op := range ops {
		if op.EnqueuedAt > maxSeq {
			maxSeq = op.EnqueuedAt
		}

		switch op.Status {
		case operation.StatusAcked:
			if err := q.store.Remove(ctx, op.ID); err != nil {
				return unavailable("recover", err)
			}
			cleaned++
			continue
		case operation.StatusInFlight, operation.StatusFailed:
			op.Status = operation.StatusPending
			if err := q.store.UpdateStatus(ctx, op.ID, op.Status, op.Attempts); err != nil {
				return unavailable("recover", err)
			}
			reset++
		}

		if op.Status == operation.StatusPending && q.cfg.MaxAttempts > 0 && op.Attempts >= q.cfg.MaxAttempts {
			op.Status = operation.StatusDeadLettered
			if err := q.store.UpdateStatus(ctx, op.ID, op.Status, op.Attempts); err != nil {
				return unavailable("recover", err)
			}
			exhausted++
		}

		e := &entry{}
		e.publish(op)
		entries[op.ID] = e
	}

	q.mu.Lock()
	q.entries = entries
	q.mu.Unlock()
	q.clock.Store(NewClockAt(maxSeq))

	q.log.WithFields(map[string]any{
		"operations":  len(entries),
		"reset":       reset,
		"cleaned":     cleaned,
		"exhausted":   exhausted,
		"clock_start": maxSeq,
	}).Info("Queue recovered")
	return nil
}

// Enqueue stamps and persists op as pending. Nothing is indexed unless the
// durable write succeeded.
func (q *Queue) Enqueue(ctx context.Context, op operation.Operation) (operation.Operation, error) {
	if err := op.Validate(); err != nil {
		return operation.Operation{}, err
	}

	op = op.Clone()
	op.Status = operation.StatusPending
	op.Attempts = 0
	op.NextEligibleAt = time.Time{}
	op.LastError = ""
	op.EnqueuedAt = q.clock.Load().Next()

	// reserve the id with the entry already locked so NextBatch cannot claim it mid-write
	e := &entry{}
	e.mu.Lock()
	defer e.mu.Unlock()

	q.mu.Lock()
	if _, exists := q.entries[op.ID]; exists {
		q.mu.Unlock()
		return operation.Operation{}, fmt.Errorf("%w: duplicate id %s", operation.ErrInvalidOperation, op.ID)
	}
	q.entries[op.ID] = e
	q.mu.Unlock()

	if err := q.store.Put(ctx, op); err != nil {
		e.removed = true
		q.drop(op.ID, e)
		return operation.Operation{}, unavailable("enqueue", err)
	}
	e.publish(op)
	return op.Clone(), nil
}

func (q *Queue) drop(id string, e *entry) {
	q.mu.Lock()
	if q.entries[id] == e {
		delete(q.entries, id)
	}
	q.mu.Unlock()
}

func (q *Queue) lookup(id string) (*entry, error) {
	q.mu.RLock()
	e, ok := q.entries[id]
	q.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", operation.ErrNotFound, id)
	}
	return e, nil
}

type candidate struct {
	e  *entry
	op operation.Operation
}

// NextBatch claims up to max eligible pending operations in drain order and
// marks each inflight. An id held by another caller is skipped, never waited
// on, so concurrent callers never receive the same id. On a store failure the
// operations claimed so far are returned along with the error.
func (q *Queue) NextBatch(ctx context.Context, max int) ([]operation.Operation, error) {
	if max <= 0 {
		return nil, nil
	}
	now := q.now()

	q.mu.RLock()
	cands := make([]candidate, 0, len(q.entries))
	for _, e := range q.entries {
		if op, ok := e.load(); ok && op.Eligible(now) {
			cands = append(cands, candidate{e: e, op: op})
		}
	}
	q.mu.RUnlock()

	sort.Slice(cands, func(i, j int) bool { return operation.Less(cands[i].op, cands[j].op) })

	var batch []operation.Operation
	for _, c := range cands {
		if len(batch) == max {
			break
		}
		if !c.e.mu.TryLock() {
			continue
		}
		op, ok := c.e.load()
		if c.e.removed || !ok || !op.Eligible(now) || transition(op.ID, op.Status, operation.StatusInFlight) != nil {
			c.e.mu.Unlock()
			continue
		}

		claimed := op.Clone()
		claimed.Status = operation.StatusInFlight
		if err := q.store.UpdateStatus(ctx, claimed.ID, claimed.Status, claimed.Attempts); err != nil {
			c.e.mu.Unlock()
			return batch, unavailable("claim", err)
		}
		c.e.publish(claimed)
		c.e.mu.Unlock()
		batch = append(batch, claimed.Clone())
	}
	return batch, nil
}

// Ack records success for an inflight operation. notify runs after the acked
// status is durable and before the row is removed. If the acked status cannot
// be written the operation is reopened and will be replayed.
func (q *Queue) Ack(ctx context.Context, id string, notify func(operation.Operation)) error {
	e, err := q.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	op, ok := e.load()
	if e.removed || !ok {
		return fmt.Errorf("%w: %s", operation.ErrNotFound, id)
	}
	if err := transition(id, op.Status, operation.StatusAcked); err != nil {
		return err
	}

	acked := op
	acked.Status = operation.StatusAcked
	if err := q.store.UpdateStatus(ctx, id, acked.Status, acked.Attempts); err != nil {
		q.reopen(e, op)
		return unavailable("ack", err)
	}
	e.publish(acked)

	if notify != nil {
		notify(acked.Clone())
	}

	// past this point the ack stands; a failed removal is cleaned up by Recover
	e.removed = true
	q.drop(id, e)
	if err := q.store.Remove(ctx, id); err != nil {
		return unavailable("remove acked", err)
	}
	return nil
}

// Requeue records a transient failure. Below the attempt budget the operation
// returns to pending at its original enqueuedAt behind a backoff gate; at the
// budget it is dead-lettered and kept. The returned operation tells which.
func (q *Queue) Requeue(ctx context.Context, id string, cause error) (operation.Operation, error) {
	return q.finishAttempt(ctx, id, cause, false)
}

// DeadLetter records a permanent rejection: the attempt counts and the
// operation goes straight to dead without retry.
func (q *Queue) DeadLetter(ctx context.Context, id string, cause error) (operation.Operation, error) {
	return q.finishAttempt(ctx, id, cause, true)
}

func (q *Queue) finishAttempt(ctx context.Context, id string, cause error, permanent bool) (operation.Operation, error) {
	e, err := q.lookup(id)
	if err != nil {
		return operation.Operation{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	op, ok := e.load()
	if e.removed || !ok {
		return operation.Operation{}, fmt.Errorf("%w: %s", operation.ErrNotFound, id)
	}
	if op.Status != operation.StatusInFlight {
		return operation.Operation{}, notInFlight(id, op.Status)
	}

	next := op.Clone()
	next.Attempts++
	if cause != nil {
		next.LastError = cause.Error()
	}

	switch {
	case permanent, q.cfg.MaxAttempts > 0 && next.Attempts >= q.cfg.MaxAttempts:
		next.Status = operation.StatusDeadLettered
		next.NextEligibleAt = time.Time{}
	default:
		delay := q.backoff(next.Attempts)
		if q.cfg.MaxAttempts <= 0 && delay < minUnboundedWait {
			delay = minUnboundedWait
		}
		next.Status = operation.StatusPending
		next.NextEligibleAt = q.now().Add(delay)
		if q.cfg.PromotionThreshold > 0 && next.Attempts%q.cfg.PromotionThreshold == 0 {
			next.Priority++
		}
	}

	if err := transition(id, op.Status, next.Status); err != nil {
		return operation.Operation{}, err
	}
	if err := q.store.Put(ctx, next); err != nil {
		// the attempt still counts; the next claim writes it through
		q.reopen(e, next)
		return operation.Operation{}, unavailable("requeue", err)
	}
	e.publish(next)
	return next.Clone(), nil
}

func (q *Queue) backoff(attempt int) time.Duration {
	q.randMu.Lock()
	r := q.rand()
	q.randMu.Unlock()
	return computeDelay(attempt, q.cfg.BackoffSchedule, q.cfg.JitterPercent, r)
}

// Release returns an inflight operation to pending without counting an
// attempt, for work that was claimed but never sent.
func (q *Queue) Release(ctx context.Context, id string) error {
	e, err := q.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	op, ok := e.load()
	if e.removed || !ok {
		return fmt.Errorf("%w: %s", operation.ErrNotFound, id)
	}
	if err := transition(id, op.Status, operation.StatusPending); err != nil {
		return err
	}

	if err := q.store.UpdateStatus(ctx, id, operation.StatusPending, op.Attempts); err != nil {
		q.reopen(e, op)
		return unavailable("release", err)
	}
	op.Status = operation.StatusPending
	e.publish(op)
	return nil
}

// Purge deletes a dead-lettered operation. Only dead operations can be purged.
func (q *Queue) Purge(ctx context.Context, id string) error {
	e, err := q.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	op, ok := e.load()
	if e.removed || !ok {
		return fmt.Errorf("%w: %s", operation.ErrNotFound, id)
	}
	if op.Status != operation.StatusDeadLettered {
		return fmt.Errorf("%w: %s is %s, not dead", operation.ErrNotFound, id, op.Status)
	}

	if err := q.store.Remove(ctx, id); err != nil {
		return unavailable("purge", err)
	}
	e.removed = true
	q.drop(id, e)
	return nil
}

// Get returns the latest published state of id
func (q *Queue) Get(id string) (operation.Operation, bool) {
	e, err := q.lookup(id)
	if err != nil {
		return operation.Operation{}, false
	}
	op, ok := e.load()
	if !ok {
		return operation.Operation{}, false
	}
	return op.Clone(), true
}

func (q *Queue) snapshot(keep func(operation.Operation) bool) []operation.Operation {
	q.mu.RLock()
	ops := make([]operation.Operation, 0, len(q.entries))
	for _, e := range q.entries {
		if op, ok := e.load(); ok && (keep == nil || keep(op)) {
			ops = append(ops, op.Clone())
		}
	}
	q.mu.RUnlock()

	sort.Slice(ops, func(i, j int) bool { return operation.Less(ops[i], ops[j]) })
	return ops
}

// List returns every indexed operation in drain order
func (q *Queue) List() []operation.Operation {
	return q.snapshot(nil)
}

// DeadLetters returns dead-lettered operations in drain order
func (q *Queue) DeadLetters() []operation.Operation {
	return q.snapshot(func(op operation.Operation) bool {
		return op.Status == operation.StatusDeadLettered
	})
}

func (q *Queue) Stats() Stats {
	var s Stats
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, e := range q.entries {
		op, ok := e.load()
		if !ok {
			continue
		}
		switch op.Status {
		case operation.StatusPending:
			s.Pending++
		case operation.StatusInFlight:
			s.InFlight++
		case operation.StatusDeadLettered:
			s.Dead++
		}
	}
	return s
}

// NextEligibleAt returns the earliest time a pending operation becomes
// eligible. The result may be in the past. ok is false when nothing is pending.
func (q *Queue) NextEligibleAt() (t time.Time, ok bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, e := range q.entries {
		op, loaded := e.load()
		if !loaded || op.Status != operation.StatusPending {
			continue
		}
		if !ok || op.NextEligibleAt.Before(t) {
			t, ok = op.NextEligibleAt, true
		}
	}
	return t, ok
}
