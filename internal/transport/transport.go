// Package transport is the narrow seam between the sync core and the real upstream.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/austindbirch/harbor_sync/internal/auth"
	"github.com/austindbirch/harbor_sync/internal/operation"
)

// Response is what the upstream returned for a successful call
type Response struct {
	StatusCode int
	Body       []byte
}

// Transport executes one operation's method/target/body against the upstream.
// Failures should be a *TransientError or *RejectionError where possible.
type Transport interface {
	Do(ctx context.Context, method operation.Method, target string, body []byte) (Response, error)
}

// Func adapts a plain function to Transport
type Func func(ctx context.Context, method operation.Method, target string, body []byte) (Response, error)

func (f Func) Do(ctx context.Context, method operation.Method, target string, body []byte) (Response, error) {
	return f(ctx, method, target, body)
}

type idempotencyKey struct{}

// WithIdempotencyKey attaches the operation id so replays can be deduplicated upstream
func WithIdempotencyKey(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, id)
}

func IdempotencyKey(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(idempotencyKey{}).(string)
	return id, ok && id != ""
}

const maxResponseBody = 1 << 20

// HTTP speaks plain JSON over HTTP to a base URL
type HTTP struct {
	baseURL string
	client  *http.Client
	signer  *auth.Signer
}

// NewHTTP builds an HTTP transport. signer and client may be nil.
func NewHTTP(baseURL string, signer *auth.Signer, client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTP{baseURL: strings.TrimRight(baseURL, "/"), client: client, signer: signer}
}

func httpMethod(m operation.Method) (string, error) {
	switch m {
	case operation.MethodRead:
		return http.MethodGet, nil
	case operation.MethodCreate:
		return http.MethodPost, nil
	case operation.MethodUpdate:
		return http.MethodPut, nil
	case operation.MethodDelete:
		return http.MethodDelete, nil
	}
	return "", fmt.Errorf("%w: method %q", operation.ErrInvalidOperation, m)
}

func (h *HTTP) Do(ctx context.Context, method operation.Method, target string, body []byte) (Response, error) {
	verb, err := httpMethod(method)
	if err != nil {
		return Response{}, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, verb, h.baseURL+"/"+strings.TrimLeft(target, "/"), reader)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if id, ok := IdempotencyKey(ctx); ok {
		req.Header.Set("Idempotency-Key", id)
	}
	if h.signer != nil {
		token, err := h.signer.Token()
		if err != nil {
			return Response{}, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := h.client.Do(req)
	if err != nil {
		// the caller gave up; not an upstream failure
		if ctx.Err() == context.Canceled {
			return Response{}, ctx.Err()
		}
		return Response{}, &TransientError{Reason: classifyReason(err, 0), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Response{}, &TransientError{Reason: "network", Err: err}
	}

	out := Response{StatusCode: resp.StatusCode, Body: respBody}
	if err := FromStatus(resp.StatusCode, respBody); err != nil {
		return out, err
	}
	return out, nil
}
