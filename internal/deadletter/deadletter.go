// Package deadletter reports operations that will not be retried automatically.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_sync/internal/logging"
	"github.com/austindbirch/harbor_sync/internal/operation"
)

const (
	Type    = "operation.dlq"
	Version = "v1"
)

// DeadLetter is the envelope published for every dead-lettered operation
type DeadLetter struct {
	Type       string              `json:"type"`    // "operation.dlq"
	Version    string              `json:"version"` // schema version
	At         string              `json:"at"`      // RFC3339 time the operation was dead-lettered
	Reason     string              `json:"reason"`  // low-cardinality label, e.g. http_4xx or max_attempts
	Attempt    int                 `json:"attempt"` // attempts made, including the last one
	StatusCode int                 `json:"status_code,omitempty"`
	LastError  string              `json:"last_error,omitempty"`
	Kind       json.RawMessage     `json:"kind"`      // encoded operation kind
	Operation  operation.Operation `json:"operation"` // full snapshot at dead-letter time
}

// New builds an envelope for op, which must already be in its dead state
func New(op operation.Operation, statusCode int, reason string) DeadLetter {
	kind, err := operation.EncodeKind(op.Kind)
	if err != nil {
		kind = []byte("null")
	}
	return DeadLetter{
		Type:       Type,
		Version:    Version,
		At:         time.Now().UTC().Format(time.RFC3339Nano),
		Reason:     reason,
		Attempt:    op.Attempts,
		StatusCode: statusCode,
		LastError:  op.LastError,
		Kind:       kind,
		Operation:  op,
	}
}

// Decode parses an envelope and restores the operation kind
func Decode(b []byte) (DeadLetter, error) {
	var d DeadLetter
	if err := json.Unmarshal(b, &d); err != nil {
		return DeadLetter{}, fmt.Errorf("decode dead letter: %w", err)
	}
	if d.Type != Type {
		return DeadLetter{}, fmt.Errorf("decode dead letter: unexpected type %q", d.Type)
	}
	if len(d.Kind) > 0 && string(d.Kind) != "null" {
		kind, err := operation.DecodeKind(d.Kind)
		if err != nil {
			return DeadLetter{}, err
		}
		d.Operation.Kind = kind
	}
	return d, nil
}

// Sink receives dead letters
type Sink interface {
	Publish(ctx context.Context, d DeadLetter) error
}

// LogSink writes each dead letter as a structured error line
type LogSink struct {
	log *logging.Logger
}

func NewLogSink(l *logging.Logger) *LogSink {
	return &LogSink{log: l}
}

func (s *LogSink) Publish(ctx context.Context, d DeadLetter) error {
	s.log.WithContext(ctx).
		WithOperation(d.Operation.ID).
		WithKind(d.Operation.KindName()).
		WithTarget(d.Operation.Target).
		WithFields(map[string]any{
			"reason":      d.Reason,
			"attempt":     d.Attempt,
			"status_code": d.StatusCode,
			"last_error":  d.LastError,
		}).
		Error("Operation dead-lettered")
	return nil
}

// Publisher is the part of *nsq.Producer the NSQ sink uses
type Publisher interface {
	Publish(topic string, body []byte) error
}

// NSQSink publishes envelopes to an NSQ topic for out-of-process monitoring
type NSQSink struct {
	pub   Publisher
	topic string
}

func NewNSQSink(pub Publisher, topic string) *NSQSink {
	return &NSQSink{pub: pub, topic: topic}
}

// DialNSQ creates a producer for nsqdAddr and wraps it in a sink.
// The returned stop func must be called on shutdown.
func DialNSQ(nsqdAddr, topic string) (*NSQSink, func(), error) {
	prod, err := nsq.NewProducer(nsqdAddr, nsq.NewConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("nsq producer: %w", err)
	}
	return NewNSQSink(prod, topic), prod.Stop, nil
}

func (s *NSQSink) Publish(ctx context.Context, d DeadLetter) error {
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := s.pub.Publish(s.topic, b); err != nil {
		return fmt.Errorf("publish %s: %w", s.topic, err)
	}
	return nil
}

// Multi fans one dead letter out to every sink, even if some fail
type Multi []Sink

func (m Multi) Publish(ctx context.Context, d DeadLetter) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
