package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_sync/internal/config"
	"github.com/austindbirch/harbor_sync/internal/deadletter"
	"github.com/austindbirch/harbor_sync/internal/logging"
	"github.com/austindbirch/harbor_sync/internal/metrics"
)

// NSQStats represents the JSON structure returned by NSQ stats API
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

var (
	// Dead letters published but not yet consumed by this monitor
	dlqBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "harborsync_dlq_backlog",
		Help: "Number of dead-letter envelopes waiting on the monitor channel",
	})

	channelDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "harborsync_nsq_channel_depth",
		Help: "Depth of NSQ channels on the dead-letter topic",
	}, []string{"topic", "channel"})

	channelInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "harborsync_nsq_channel_inflight",
		Help: "In-flight messages for NSQ channels on the dead-letter topic",
	}, []string{"topic", "channel"})

	dlqByReason = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harborsync_dlq_observed_by_reason_total",
		Help: "Dead-letter envelopes consumed by reason",
	}, []string{"reason"})
)

// monitor consumes dead-letter envelopes and turns them into metrics and log lines
type monitor struct {
	log *logging.Logger
}

// HandleMessage implements nsq.Handler. Undecodable payloads are logged and
// finished; requeueing them would only loop.
func (m *monitor) HandleMessage(msg *nsq.Message) error {
	d, err := deadletter.Decode(msg.Body)
	if err != nil {
		m.log.Plain().WithError(err).WithField("bytes", len(msg.Body)).Error("bad dead-letter payload")
		metrics.RecordDLQObserved("unknown")
		return nil
	}

	kind := d.Operation.KindName()
	if kind == "" {
		kind = "unknown"
	}
	metrics.RecordDLQObserved(kind)
	dlqByReason.WithLabelValues(d.Reason).Inc()

	m.log.Plain().
		WithOperation(d.Operation.ID).
		WithKind(kind).
		WithTarget(d.Operation.Target).
		WithFields(map[string]any{
			"reason":      d.Reason,
			"attempt":     d.Attempt,
			"status_code": d.StatusCode,
			"at":          d.At,
		}).
		Warn("Dead letter observed")
	return nil
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("dlq-monitor")

	nsqdHTTP := getEnv("NSQD_HTTP_ADDR", "nsqd:4151")
	port := getEnv("PORT", "8084")
	interval := getEnvInt("POLL_INTERVAL_SECONDS", 15)

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.DLQObservedTotal, dlqBacklog, channelDepth, channelInflight, dlqByReason)

	conf := nsq.NewConfig()
	conf.MaxInFlight = 64
	consumer, err := nsq.NewConsumer(cfg.NSQ.DLQTopic, cfg.NSQ.DLQChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.AddHandler(&monitor{log: logger})

	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go collectMetrics(ctx, logger, nsqdHTTP, cfg.NSQ.DLQTopic, cfg.NSQ.DLQChannel, time.Duration(interval)*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	httpSrv := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":  httpSrv.Addr,
			"topic": cfg.NSQ.DLQTopic,
			"nsqd":  nsqdHTTP,
		}).Info("dlq-monitor starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("dlq-monitor HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down dlq-monitor")
	cancel()
	consumer.Stop()
	<-consumer.StopChan
	_ = httpSrv.Shutdown(context.Background())
}

func collectMetrics(ctx context.Context, logger *logging.Logger, nsqdHost, topic, channel string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := updateMetrics(nsqdHost, topic, channel); err != nil {
				logger.Plain().WithError(err).Warn("Error updating NSQ metrics")
			}
		}
	}
}

func updateMetrics(nsqdHost, topic, channel string) error {
	resp, err := http.Get(fmt.Sprintf("http://%s/stats?format=json&topic=%s", nsqdHost, topic))
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsqd stats returned %d", resp.StatusCode)
	}

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	for _, t := range stats.Topics {
		if t.TopicName != topic {
			continue
		}
		for _, ch := range t.Channels {
			if ch.ChannelName == channel {
				dlqBacklog.Set(float64(ch.Depth))
			}
			channelDepth.WithLabelValues(t.TopicName, ch.ChannelName).Set(float64(ch.Depth))
			channelInflight.WithLabelValues(t.TopicName, ch.ChannelName).Set(float64(ch.InFlightCount))
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
