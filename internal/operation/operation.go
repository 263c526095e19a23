package operation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Method is the semantic verb of an operation
type Method string

const (
	MethodRead   Method = "read"
	MethodCreate Method = "create"
	MethodUpdate Method = "update"
	MethodDelete Method = "delete"
)

// Valid reports whether m is one of the known methods
func (m Method) Valid() bool {
	switch m {
	case MethodRead, MethodCreate, MethodUpdate, MethodDelete:
		return true
	}
	return false
}

// IsWrite reports whether the method mutates server state and must be queued while offline
func (m Method) IsWrite() bool {
	return m == MethodCreate || m == MethodUpdate || m == MethodDelete
}

// Status is the lifecycle state of a queued operation
type Status string

const (
	StatusPending      Status = "pending"
	StatusInFlight     Status = "inflight"
	StatusAcked        Status = "acked"
	StatusFailed       Status = "failed" // reported outcome only, never stored
	StatusDeadLettered Status = "dead"
)

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInFlight, StatusAcked, StatusFailed, StatusDeadLettered:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal forward step.
// Pending may only go straight to dead when its attempt budget is already spent.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusInFlight || next == StatusDeadLettered
	case StatusInFlight:
		return next == StatusAcked || next == StatusPending || next == StatusDeadLettered
	}
	return false
}

// Operation is a single deferred unit of work
type Operation struct {
	ID             string            `json:"id"`
	Kind           Kind              `json:"-"`
	Method         Method            `json:"method"`
	Target         string            `json:"target"`
	Body           []byte            `json:"body,omitempty"`
	EnqueuedAt     int64             `json:"enqueued_at"`
	Priority       int               `json:"priority"`
	Attempts       int               `json:"attempts"`
	Status         Status            `json:"status"`
	NextEligibleAt time.Time         `json:"next_eligible_at,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	TraceHeaders   map[string]string `json:"trace_headers,omitempty"` // OTel propagation headers captured at enqueue
}

// New builds a pending operation with a fresh time-ordered id.
// EnqueuedAt is left at zero; the queue stamps it.
func New(kind Kind, method Method, target string, body []byte, priority int) Operation {
	return Operation{
		ID:       uuid.Must(uuid.NewV7()).String(),
		Kind:     kind,
		Method:   method,
		Target:   target,
		Body:     body,
		Priority: priority,
		Status:   StatusPending,
	}
}

// Validate checks that the operation names a recognized kind and a method that kind accepts
func (o Operation) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidOperation)
	}
	if o.Target == "" {
		return fmt.Errorf("%w: missing target", ErrInvalidOperation)
	}
	return ValidateKind(o.Kind, o.Method)
}

// KindName returns the wire name of the operation's kind, or "unknown"
func (o Operation) KindName() string {
	if o.Kind == nil {
		return "unknown"
	}
	return o.Kind.KindName()
}

// Eligible reports whether a pending operation may be handed out at now
func (o Operation) Eligible(now time.Time) bool {
	return o.Status == StatusPending && !now.Before(o.NextEligibleAt)
}

// Less orders operations by (priority DESC, enqueuedAt ASC, id ASC)
func Less(a, b Operation) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.EnqueuedAt != b.EnqueuedAt {
		return a.EnqueuedAt < b.EnqueuedAt
	}
	return a.ID < b.ID
}

// CacheKey identifies the last-known value of a read for the given kind and target
func CacheKey(kind Kind, target string) string {
	if kind == nil {
		return target
	}
	return kind.KindName() + " " + target
}

// Clone returns a copy that shares no mutable state with o
func (o Operation) Clone() Operation {
	c := o
	if o.Body != nil {
		c.Body = append([]byte(nil), o.Body...)
	}
	if o.TraceHeaders != nil {
		c.TraceHeaders = make(map[string]string, len(o.TraceHeaders))
		for k, v := range o.TraceHeaders {
			c.TraceHeaders[k] = v
		}
	}
	return c
}
