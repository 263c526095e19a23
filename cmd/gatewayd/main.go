package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/harbor_sync/internal/auth"
	"github.com/austindbirch/harbor_sync/internal/config"
	"github.com/austindbirch/harbor_sync/internal/db"
	"github.com/austindbirch/harbor_sync/internal/deadletter"
	"github.com/austindbirch/harbor_sync/internal/gateway"
	"github.com/austindbirch/harbor_sync/internal/logging"
	"github.com/austindbirch/harbor_sync/internal/metrics"
	"github.com/austindbirch/harbor_sync/internal/network"
	"github.com/austindbirch/harbor_sync/internal/operation"
	"github.com/austindbirch/harbor_sync/internal/probe"
	"github.com/austindbirch/harbor_sync/internal/queue"
	"github.com/austindbirch/harbor_sync/internal/store"
	"github.com/austindbirch/harbor_sync/internal/syncer"
	"github.com/austindbirch/harbor_sync/internal/tracing"
	"github.com/austindbirch/harbor_sync/internal/transport"
)

// backend is what both store drivers provide
type backend interface {
	store.Store
	store.Cache
	store.Pinger
}

// openStore picks the store driver from config. The returned func releases it.
func openStore(ctx context.Context, cfg config.Config) (backend, func(), error) {
	switch cfg.Store.Driver {
	case "sqlite", "":
		s, err := store.OpenSQLite(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		pool, err := db.Connect(ctx, cfg.DSN())
		if err != nil {
			return nil, nil, err
		}
		pg := store.NewPostgres(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return pg, pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

// newProbe builds the connectivity probe. A nil probe means connectivity is
// reported by the host through POST /v1/network.
func newProbe(cfg config.Probe) (probe.Probe, func(), error) {
	switch cfg.Kind {
	case "http":
		return probe.NewHTTPProbe(cfg.Target), func() {}, nil
	case "grpc":
		p, err := probe.NewGRPCProbe(cfg.Target, cfg.Service)
		if err != nil {
			return nil, nil, err
		}
		return p, func() { _ = p.Close() }, nil
	case "none", "":
		return nil, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown probe kind %q", cfg.Kind)
}

func queueConfig(cfg config.Sync) queue.Config {
	return queue.Config{
		MaxAttempts:        cfg.MaxAttempts,
		BackoffSchedule:    cfg.BackoffSchedule,
		JitterPercent:      cfg.JitterPercent,
		PromotionThreshold: cfg.PromotionThreshold,
	}
}

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize structured logging
	logger := logging.New("harborsync-gatewayd")

	// Initialize OpenTelemetry tracing
	shutdownTracing, err := tracing.InitTracing(ctx, "harborsync-gatewayd", cfg.Tracing)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Plain().WithError(err).WithField("driver", cfg.Store.Driver).Fatal("Failed to open operation store")
	}
	defer closeStore()

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	q := queue.New(st, queueConfig(cfg.Sync), queue.WithLogger(logger))
	if err := q.Recover(ctx); err != nil {
		logger.Plain().WithError(err).Fatal("Failed to recover operation queue")
	}
	s := q.Stats()
	metrics.UpdateQueueDepth(s.Pending, s.InFlight, s.Dead)
	logger.Plain().WithFields(map[string]any{
		"pending":  s.Pending,
		"inflight": s.InFlight,
		"dead":     s.Dead,
	}).Info("Operation queue recovered")

	p, closeProbe, err := newProbe(cfg.Probe)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to build connectivity probe")
	}
	defer closeProbe()

	// start offline; the first probe or host report decides
	monitor := network.NewMonitor(network.Offline)

	var signer *auth.Signer
	if cfg.Upstream.JWTSecret != "" {
		signer, err = auth.NewSigner(cfg.Upstream.JWTSecret, cfg.Upstream.JWTIssuer,
			cfg.Upstream.JWTAudience, cfg.Upstream.JWTSubject, cfg.Upstream.TokenTTL)
		if err != nil {
			logger.Plain().WithError(err).Fatal("Failed to create upstream token signer")
		}
	}
	tr := transport.NewHTTP(cfg.Upstream.BaseURL, signer, &http.Client{Timeout: cfg.Sync.CallTimeout})

	sinks := deadletter.Multi{deadletter.NewLogSink(logger)}
	if cfg.NSQ.PublishDLQ {
		nsqSink, stopNSQ, err := deadletter.DialNSQ(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.DLQTopic)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
		}
		defer stopNSQ()
		sinks = append(sinks, nsqSink)
	}

	engine := syncer.New(q, tr, monitor,
		syncer.Config{BatchSize: cfg.Sync.BatchSize, CallTimeout: cfg.Sync.CallTimeout},
		syncer.WithDeadLetterSink(sinks),
		syncer.WithCache(st),
		syncer.WithLogger(logger),
		syncer.WithReconciler(func(ctx context.Context, op operation.Operation, resp transport.Response) {
			logger.WithContext(ctx).WithOperation(op.ID).WithKind(op.KindName()).
				WithField("status_code", resp.StatusCode).Info("Operation reconciled")
		}),
	)

	exec := gateway.New(monitor, q,
		gateway.WithCache(st),
		gateway.WithLogger(logger),
		gateway.WithOnEnqueue(func(operation.Operation) { engine.Wake() }),
	)

	srv := &server{
		exec:      exec,
		queue:     q,
		monitor:   monitor,
		transport: tr,
		wake:      engine.Wake,
		pinger:    st,
		registry:  reg,
		log:       logger,
	}
	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: srv.routes()}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("gatewayd HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("gatewayd HTTP server failed")
		}
	}()

	var wg sync.WaitGroup
	if p != nil {
		runner := probe.NewRunner(p, monitor, cfg.Probe.Interval, cfg.Probe.Timeout, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			runner.Run(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := engine.Run(ctx); err != nil {
			logger.Plain().WithError(err).Error("Sync engine stopped")
		}
	}()

	logger.Plain().WithFields(map[string]any{
		"store":    cfg.Store.Driver,
		"probe":    cfg.Probe.Kind,
		"upstream": cfg.Upstream.BaseURL,
	}).Info("gatewayd started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down gatewayd")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpSrv.Shutdown(shutdownCtx)

	// in-flight replays are released back to pending as the engine stops
	cancel()
	wg.Wait()
	logger.Plain().Info("gatewayd stopped")
}
