package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tracking"

// TrackerMetrics holds all Prometheus metrics for the tracking pipeline.
// A nil *TrackerMetrics is valid and records nothing.
type TrackerMetrics struct {
	EventsTotal       *prometheus.CounterVec
	PendingEvents     prometheus.Gauge
	FlushesTotal      *prometheus.CounterVec
	CommittedEvents   prometheus.Counter
	CommitFailures    prometheus.Counter
	RequeuedEvents    prometheus.Counter
	CommitDuration    prometheus.Histogram
	SessionsCreated   prometheus.Counter
	SessionsSwept     prometheus.Counter
	SessionCacheHits  prometheus.Counter
	SessionCacheMiss  prometheus.Counter
	PublishFailures   prometheus.Counter
	QueueFullDeferred prometheus.Counter
}

// NewTrackerMetrics creates the metrics and registers them with reg.
func NewTrackerMetrics(reg prometheus.Registerer) *TrackerMetrics {
	factory := promauto.With(reg)
	return &TrackerMetrics{
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Total number of events seen at ingestion by outcome.",
		}, []string{"outcome"}), // outcome: accepted, filtered, rejected, dropped
		PendingEvents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "pending_events",
			Help:      "Number of events waiting in the in-memory buffer.",
		}),
		FlushesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "flushes_total",
			Help:      "Total number of batch swaps by trigger.",
		}, []string{"trigger"}), // trigger: size, delay, immediate, async, forced
		CommittedEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commit",
			Name:      "events_total",
			Help:      "Total number of events in successfully committed batches.",
		}),
		CommitFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commit",
			Name:      "failures_total",
			Help:      "Total number of batch commits that failed and were requeued.",
		}),
		RequeuedEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commit",
			Name:      "requeued_events_total",
			Help:      "Total number of events returned to the buffer after a failed commit.",
		}),
		CommitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "commit",
			Name:      "duration_seconds",
			Help:      "Time spent committing one batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "created_total",
			Help:      "Total number of sessions created on first sight.",
		}),
		SessionsSwept: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "swept_total",
			Help:      "Total number of sessions removed by the retention sweep.",
		}),
		SessionCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "cache_hits_total",
			Help:      "Total number of session cache hits.",
		}),
		SessionCacheMiss: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "cache_misses_total",
			Help:      "Total number of session cache misses.",
		}),
		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "failures_total",
			Help:      "Total number of committed event groups that could not be published.",
		}),
		QueueFullDeferred: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "deferred_flushes_total",
			Help:      "Total number of flushes deferred because the commit queue was full.",
		}),
	}
}

func (m *TrackerMetrics) Event(outcome string) {
	if m != nil {
		m.EventsTotal.WithLabelValues(outcome).Inc()
	}
}

// Dropped counts buffered events lost at shutdown.
func (m *TrackerMetrics) Dropped(n int) {
	if m != nil {
		m.EventsTotal.WithLabelValues("dropped").Add(float64(n))
	}
}

func (m *TrackerMetrics) Flush(trigger string) {
	if m != nil {
		m.FlushesTotal.WithLabelValues(trigger).Inc()
	}
}

func (m *TrackerMetrics) SetPending(n int) {
	if m != nil {
		m.PendingEvents.Set(float64(n))
	}
}

func (m *TrackerMetrics) Committed(n int, seconds float64) {
	if m != nil {
		m.CommittedEvents.Add(float64(n))
		m.CommitDuration.Observe(seconds)
	}
}

func (m *TrackerMetrics) Requeued(n int) {
	if m != nil {
		m.CommitFailures.Inc()
		m.RequeuedEvents.Add(float64(n))
	}
}

func (m *TrackerMetrics) Deferred() {
	if m != nil {
		m.QueueFullDeferred.Inc()
	}
}

func (m *TrackerMetrics) SessionCreated() {
	if m != nil {
		m.SessionsCreated.Inc()
	}
}

func (m *TrackerMetrics) Swept(n int) {
	if m != nil {
		m.SessionsSwept.Add(float64(n))
	}
}

func (m *TrackerMetrics) CacheHit() {
	if m != nil {
		m.SessionCacheHits.Inc()
	}
}

func (m *TrackerMetrics) CacheMiss() {
	if m != nil {
		m.SessionCacheMiss.Inc()
	}
}

func (m *TrackerMetrics) PublishFailed() {
	if m != nil {
		m.PublishFailures.Inc()
	}
}
