package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Send path metrics
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_sent_total",
		Help: "Total number of messages sent successfully",
	}, []string{"driver"})

	MessagesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_failed_total",
		Help: "Total number of messages that failed to send",
	}, []string{"driver"})

	SendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_send_duration_seconds",
		Help:    "Time taken to hand a message to a transport",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_rate_limited_total",
		Help: "Total number of sends refused by the rate limiter",
	})

	// Queue metrics
	JobsQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_jobs_queued_total",
		Help: "Total number of jobs pushed to the queue",
	})

	JobsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_jobs_retried_total",
		Help: "Total number of job retry attempts",
	})

	JobsSidelined = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_jobs_sidelined_total",
		Help: "Total number of jobs moved to the failed queue",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_queue_depth",
		Help: "Current number of pending jobs per queue",
	}, []string{"queue"})

	// Worker metrics
	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_job_duration_seconds",
		Help:    "Time taken to process a queued job",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)

// RecordSend records a transport send attempt with its duration.
func RecordSend(driver string, success bool, durationSeconds float64) {
	SendDuration.Observe(durationSeconds)
	if success {
		MessagesSent.WithLabelValues(driver).Inc()
	} else {
		MessagesFailed.WithLabelValues(driver).Inc()
	}
}
