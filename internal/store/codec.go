package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/austindbirch/harbor_sync/internal/operation"
)

// row is the column-level form of an operation shared by both backends
type row struct {
	ID             string
	Kind           string
	Method         string
	Target         string
	Body           []byte
	EnqueuedAt     int64
	Priority       int
	Attempts       int
	Status         string
	NextEligibleAt int64
	LastError      string
	TraceHeaders   *string
}

func encodeRow(op operation.Operation) (row, error) {
	kind, err := operation.EncodeKind(op.Kind)
	if err != nil {
		return row{}, fmt.Errorf("encode operation %s: %w", op.ID, err)
	}
	r := row{
		ID:         op.ID,
		Kind:       string(kind),
		Method:     string(op.Method),
		Target:     op.Target,
		Body:       op.Body,
		EnqueuedAt: op.EnqueuedAt,
		Priority:   op.Priority,
		Attempts:   op.Attempts,
		Status:     string(op.Status),
		LastError:  op.LastError,
	}
	if !op.NextEligibleAt.IsZero() {
		r.NextEligibleAt = op.NextEligibleAt.UnixNano()
	}
	if len(op.TraceHeaders) > 0 {
		b, err := json.Marshal(op.TraceHeaders)
		if err != nil {
			return row{}, fmt.Errorf("encode trace headers %s: %w", op.ID, err)
		}
		s := string(b)
		r.TraceHeaders = &s
	}
	return r, nil
}

func (r row) decode() (operation.Operation, error) {
	kind, err := operation.DecodeKind([]byte(r.Kind))
	if err != nil {
		return operation.Operation{}, fmt.Errorf("decode operation %s: %w", r.ID, err)
	}
	op := operation.Operation{
		ID:         r.ID,
		Kind:       kind,
		Method:     operation.Method(r.Method),
		Target:     r.Target,
		Body:       r.Body,
		EnqueuedAt: r.EnqueuedAt,
		Priority:   r.Priority,
		Attempts:   r.Attempts,
		Status:     operation.Status(r.Status),
		LastError:  r.LastError,
	}
	if r.NextEligibleAt != 0 {
		op.NextEligibleAt = time.Unix(0, r.NextEligibleAt).UTC()
	}
	if r.TraceHeaders != nil && *r.TraceHeaders != "" {
		if err := json.Unmarshal([]byte(*r.TraceHeaders), &op.TraceHeaders); err != nil {
			return operation.Operation{}, fmt.Errorf("decode trace headers %s: %w", r.ID, err)
		}
	}
	return op, nil
}
