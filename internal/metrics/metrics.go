package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	OperationsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborsync_operations_enqueued_total",
			Help: "Total number of operations durably queued for later sync.",
		},
		[]string{"kind", "method"},
	)

	GatewayDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborsync_gateway_decisions_total",
			Help: "Total number of gateway requests by how they were answered.",
		},
		[]string{"decision"}, // online, degraded, queued, cached, no_data, rejected, invalid
	)

	AcksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborsync_acks_total",
			Help: "Total number of queued operations acknowledged by the server.",
		},
		[]string{"kind"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborsync_retries_total",
			Help: "Total number of replay retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborsync_dead_letters_total",
			Help: "Total number of operations moved to the dead-letter state by reason.",
		},
		[]string{"reason"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborsync_queue_depth",
			Help: "Number of operations in the queue by status.",
		},
		[]string{"status"},
	)

	DrainDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harborsync_drain_duration_seconds",
			Help:    "Duration of sync engine drain cycles.",
			Buckets: prometheus.DefBuckets,
		},
	)

	NetworkTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborsync_network_transitions_total",
			Help: "Total number of connectivity transitions by new state.",
		},
		[]string{"state"},
	)

	NetworkOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborsync_network_online",
			Help: "1 when the gateway believes the network is reachable.",
		},
	)

	DLQObservedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborsync_dlq_observed_total",
			Help: "Total number of dead-letter envelopes consumed from NSQ by kind.",
		},
		[]string{"kind"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		OperationsEnqueuedTotal,
		GatewayDecisionsTotal,
		AcksTotal,
		RetriesTotal,
		DeadLettersTotal,
		QueueDepth,
		DrainDuration,
		NetworkTransitionsTotal,
		NetworkOnline,
		DLQObservedTotal,
	)
}

func RecordEnqueued(kind, method string) {
	OperationsEnqueuedTotal.WithLabelValues(kind, method).Inc()
}

func RecordDecision(decision string) {
	GatewayDecisionsTotal.WithLabelValues(decision).Inc()
}

func RecordAck(kind string) {
	AcksTotal.WithLabelValues(kind).Inc()
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDeadLetter(reason string) {
	DeadLettersTotal.WithLabelValues(reason).Inc()
}

func UpdateQueueDepth(pending, inflight, dead int) {
	QueueDepth.WithLabelValues("pending").Set(float64(pending))
	QueueDepth.WithLabelValues("inflight").Set(float64(inflight))
	QueueDepth.WithLabelValues("dead").Set(float64(dead))
}

func ObserveDrain(d time.Duration) {
	DrainDuration.Observe(d.Seconds())
}

func RecordTransition(online bool) {
	if online {
		NetworkTransitionsTotal.WithLabelValues("online").Inc()
		NetworkOnline.Set(1)
		return
	}
	NetworkTransitionsTotal.WithLabelValues("offline").Inc()
	NetworkOnline.Set(0)
}

func RecordDLQObserved(kind string) {
	DLQObservedTotal.WithLabelValues(kind).Inc()
}
