// Package probe turns raw connectivity checks into network.Monitor updates.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_sync/internal/logging"
	"github.com/austindbirch/harbor_sync/internal/metrics"
	"github.com/austindbirch/harbor_sync/internal/network"
)

// Probe reports whether the upstream is reachable right now
type Probe interface {
	Check(ctx context.Context) error
}

// Func adapts a plain function to Probe
type Func func(ctx context.Context) error

func (f Func) Check(ctx context.Context) error { return f(ctx) }

// HTTPProbe treats any 2xx from URL as online
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

func NewHTTPProbe(url string) *HTTPProbe {
	return &HTTPProbe{URL: url, Client: &http.Client{}}
}

func (p *HTTPProbe) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe %s: status %d", p.URL, resp.StatusCode)
	}
	return nil
}

// GRPCProbe calls grpc.health.v1.Health/Check and requires SERVING
type GRPCProbe struct {
	conn    *grpc.ClientConn
	client  healthpb.HealthClient
	service string
}

// NewGRPCProbe creates a lazy client for target; no connection is made until the first Check.
// Without options the connection is plaintext. Every Check is traced through
// the global tracer provider.
func NewGRPCProbe(target, service string, opts ...grpc.DialOption) (*GRPCProbe, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	opts = append(opts, grpc.WithStatsHandler(otelgrpc.NewClientHandler()))
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc probe client: %w", err)
	}
	return &GRPCProbe{conn: conn, client: healthpb.NewHealthClient(conn), service: service}, nil
}

func (p *GRPCProbe) Check(ctx context.Context) error {
	resp, err := p.client.Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("grpc health %q: %s", p.service, resp.GetStatus())
	}
	return nil
}

func (p *GRPCProbe) Close() error {
	return p.conn.Close()
}

// Runner polls a Probe and pushes the result into a Monitor
type Runner struct {
	probe    Probe
	monitor  *network.Monitor
	interval time.Duration
	timeout  time.Duration
	log      *logging.Logger
}

func NewRunner(p Probe, m *network.Monitor, interval, timeout time.Duration, log *logging.Logger) *Runner {
	if log == nil {
		log = logging.Discard()
	}
	return &Runner{probe: p, monitor: m, interval: interval, timeout: timeout, log: log}
}

// CheckOnce runs one probe and publishes the outcome
func (r *Runner) CheckOnce(ctx context.Context) network.State {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	state := network.Online
	err := r.probe.Check(cctx)
	if err != nil {
		// shutting down is not an outage
		if ctx.Err() != nil {
			return r.monitor.Current()
		}
		state = network.Offline
	}
	if r.monitor.Set(state) {
		metrics.RecordTransition(state == network.Online)
		entry := r.log.WithContext(ctx).WithField("state", state.String())
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Info("Connectivity changed")
	}
	return state
}

// Run checks immediately and then every interval until ctx is done
func (r *Runner) Run(ctx context.Context) {
	r.CheckOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckOnce(ctx)
		}
	}
}
