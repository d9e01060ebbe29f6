package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "egress_runs_total",
			Help: "Total number of fan-out runs by result.",
		},
		[]string{"result"}, // complete, partial, failed, config_error
	)

	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "egress_run_duration_seconds",
			Help:    "Wall time of a fan-out run from endpoint read to barrier join.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)

	BranchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "egress_branches_total",
			Help: "Total number of terminal branch outcomes by status.",
		},
		[]string{"status"},
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "egress_attempts_total",
			Help: "Total number of delivery attempts by result.",
		},
		[]string{"result"}, // success, failure, panic
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "egress_retries_total",
			Help: "Total number of branch retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, not_found, store_unavailable
	)

	PushLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "egress_push_latency_seconds",
			Help:    "Latency of a single document push to a consumer.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status_code"},
	)

	FetchLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "egress_fetch_latency_seconds",
			Help:    "Latency of a single document read from the store.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"result"}, // ok, not_found, unavailable
	)

	DLQTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "egress_dlq_total",
			Help: "Total number of exhausted branches published to the DLQ topic.",
		},
	)

	ConsumersBannedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "egress_consumers_banned_total",
			Help: "Total number of consumers banned after a failed branch.",
		},
	)

	BatchesPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "egress_batches_published_total",
			Help: "Total number of change batches accepted by the ingest API.",
		},
	)

	ChangesBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "egress_changes_backlog",
			Help: "Messages waiting on the changes topic for the egress channel.",
		},
	)

	NSQChannelDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "egress_nsq_channel_depth",
			Help: "Depth of NSQ channels by topic and channel.",
		},
		[]string{"topic", "channel"},
	)

	NSQChannelInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "egress_nsq_channel_inflight",
			Help: "In-flight messages for NSQ channels by topic and channel.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		RunsTotal,
		RunDuration,
		BranchesTotal,
		AttemptsTotal,
		RetriesTotal,
		PushLatencySeconds,
		FetchLatencySeconds,
		DLQTotal,
		ConsumersBannedTotal,
		BatchesPublishedTotal,
		ChangesBacklog,
		NSQChannelDepth,
		NSQChannelInFlight,
	)
}

// RecordRun counts a finished run and observes its duration
func RecordRun(result string, d time.Duration) {
	RunsTotal.WithLabelValues(result).Inc()
	RunDuration.Observe(d.Seconds())
}

func RecordBranch(status string) {
	BranchesTotal.WithLabelValues(status).Inc()
}

func RecordAttempt(result string) {
	AttemptsTotal.WithLabelValues(result).Inc()
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordPush observes one push; statusCode is the HTTP code or "error"
func RecordPush(statusCode string, d time.Duration) {
	PushLatencySeconds.WithLabelValues(statusCode).Observe(d.Seconds())
}

func RecordFetch(result string, d time.Duration) {
	FetchLatencySeconds.WithLabelValues(result).Observe(d.Seconds())
}

func RecordDLQ() {
	DLQTotal.Inc()
}

func RecordBan() {
	ConsumersBannedTotal.Inc()
}

func RecordBatchPublished() {
	BatchesPublishedTotal.Inc()
}

func UpdateChangesBacklog(depth float64) {
	ChangesBacklog.Set(depth)
}

func UpdateNSQChannel(topic, channel string, depth, inFlight float64) {
	NSQChannelDepth.WithLabelValues(topic, channel).Set(depth)
	NSQChannelInFlight.WithLabelValues(topic, channel).Set(inFlight)
}
