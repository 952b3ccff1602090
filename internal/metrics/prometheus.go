package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PromSink exports the engine's signals as Prometheus metrics.
type PromSink struct {
	enqueued  *prometheus.CounterVec
	succeeded *prometheus.CounterVec
	retried   *prometheus.CounterVec
	failed    *prometheus.CounterVec
	cancelled *prometheus.CounterVec
	conflicts *prometheus.CounterVec
	idemDedup prometheus.Counter
	breaker   *prometheus.CounterVec
	latency   *prometheus.HistogramVec

	queueDepth  prometheus.Gauge
	failedDepth prometheus.Gauge
	oldestAge   prometheus.Gauge
}

func NewProm(reg prometheus.Registerer) *PromSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsync", Name: "ops_enqueued_total",
			Help: "Operations accepted into the pending queue.",
		}, []string{"entity_type", "op_type"}),
		succeeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsync", Name: "ops_succeeded_total",
			Help: "Operations confirmed by the remote API.",
		}, []string{"entity_type"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsync", Name: "ops_retried_total",
			Help: "Retry attempts scheduled, by error kind.",
		}, []string{"entity_type", "kind"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsync", Name: "ops_failed_total",
			Help: "Operations archived to the failed space, by error kind.",
		}, []string{"entity_type", "kind"}),
		cancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsync", Name: "ops_cancelled_total",
			Help: "Queued operations cancelled before dispatch.",
		}, []string{"entity_type"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsync", Name: "conflicts_resolved_total",
			Help: "Conflict resolutions, by action taken.",
		}, []string{"action"}),
		idemDedup: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opsync", Name: "idempotency_accepted_total",
			Help: "Replays the server deduplicated via the idempotency key.",
		}),
		breaker: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsync", Name: "breaker_transitions_total",
			Help: "Circuit breaker transitions, by resulting state.",
		}, []string{"to"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "opsync", Name: "op_sync_latency_seconds",
			Help:    "Enqueue-to-confirmation latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"entity_type"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opsync", Name: "queue_depth",
			Help: "Current number of pending operations.",
		}),
		failedDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opsync", Name: "failed_depth",
			Help: "Current number of archived failed operations.",
		}),
		oldestAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opsync", Name: "oldest_pending_age_seconds",
			Help: "Age of the oldest pending operation.",
		}),
	}
	reg.MustRegister(
		s.enqueued, s.succeeded, s.retried, s.failed, s.cancelled,
		s.conflicts, s.idemDedup, s.breaker, s.latency,
		s.queueDepth, s.failedDepth, s.oldestAge,
	)
	return s
}

func (s *PromSink) OpEnqueued(entityType, opType string) {
	s.enqueued.WithLabelValues(entityType, opType).Inc()
}

func (s *PromSink) OpSucceeded(entityType string, latency time.Duration) {
	s.succeeded.WithLabelValues(entityType).Inc()
	s.latency.WithLabelValues(entityType).Observe(latency.Seconds())
}

func (s *PromSink) OpRetried(entityType, kind string) {
	s.retried.WithLabelValues(entityType, kind).Inc()
}

func (s *PromSink) OpFailed(entityType, kind string) {
	s.failed.WithLabelValues(entityType, kind).Inc()
}

func (s *PromSink) OpCancelled(entityType string) {
	s.cancelled.WithLabelValues(entityType).Inc()
}

func (s *PromSink) ConflictResolved(action string) {
	s.conflicts.WithLabelValues(action).Inc()
}

func (s *PromSink) IdempotencyAccepted() {
	s.idemDedup.Inc()
}

func (s *PromSink) BreakerTransition(to string) {
	s.breaker.WithLabelValues(to).Inc()
}

func (s *PromSink) SetQueueDepth(n int) {
	s.queueDepth.Set(float64(n))
}

func (s *PromSink) SetFailedDepth(n int) {
	s.failedDepth.Set(float64(n))
}

func (s *PromSink) SetOldestAge(age time.Duration) {
	s.oldestAge.Set(age.Seconds())
}
