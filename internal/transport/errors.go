package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// TransientError is a failure worth retrying: timeouts, connection
// problems, 5xx, 429 and 408.
type TransientError struct {
	Reason     string
	StatusCode int // 0 when no response arrived
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient %s: status %d", e.Reason, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("transient %s: %v", e.Reason, e.Err)
	}
	return "transient " + e.Reason
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectionError is a semantic 4xx refusal; retrying it is a bug
type RejectionError struct {
	StatusCode int
	Message    string
}

func (e *RejectionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rejected: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("rejected: status %d", e.StatusCode)
}

// Class buckets an error for retry decisions
type Class int

const (
	ClassUnknown Class = iota
	ClassTransient
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	}
	return "unknown"
}

const maxMessageLen = 256

// FromStatus maps an HTTP status to the error taxonomy; 2xx is nil. The
// client follows redirects itself, so a 3xx that reaches here (304, 300, a
// redirect without Location) will not change on retry and is a rejection.
func FromStatus(code int, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == 408 || code == 429 || code >= 500:
		return &TransientError{Reason: classifyReason(nil, code), StatusCode: code}
	case code >= 300:
		msg := strings.TrimSpace(string(body))
		if len(msg) > maxMessageLen {
			msg = msg[:maxMessageLen]
		}
		return &RejectionError{StatusCode: code, Message: msg}
	}
	return &TransientError{Reason: "other", StatusCode: code}
}

// Classify decides whether err is worth retrying. Caller cancellation is
// unknown: it says nothing about the upstream.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	var rej *RejectionError
	if errors.As(err, &rej) {
		return ClassPermanent
	}
	var tr *TransientError
	if errors.As(err, &tr) {
		return ClassTransient
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case errors.Is(err, context.Canceled):
		return ClassUnknown
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassUnknown
}

// Reason returns a low-cardinality label for metrics and dead-letter envelopes
func Reason(err error) string {
	if err == nil {
		return "other"
	}
	var tr *TransientError
	if errors.As(err, &tr) && tr.Reason != "" {
		return tr.Reason
	}
	var rej *RejectionError
	if errors.As(err, &rej) {
		return classifyReason(nil, rej.StatusCode)
	}
	return classifyReason(err, 0)
}

func classifyReason(doErr error, status int) string {
	if doErr != nil {
		if errors.Is(doErr, context.DeadlineExceeded) {
			return "timeout"
		}
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == 429 {
		return "http_429"
	}
	if status == 408 {
		return "timeout"
	}
	if status >= 400 {
		return "http_4xx"
	}
	if status >= 300 {
		return "http_3xx"
	}
	return "other"
}
