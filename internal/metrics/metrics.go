// Package metrics holds the Prometheus collectors for tracking and analytics.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "visitrack"

// Metrics holds all Prometheus metrics for visitrack. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Write path
	PageViewsTotal prometheus.Counter
	FailuresTotal  prometheus.Counter
	SkippedTotal   *prometheus.CounterVec
	TrackDuration  prometheus.Histogram

	// Sessions
	SessionsOpenedTotal prometheus.Counter
	SessionsClosedTotal *prometheus.CounterVec

	// Read path
	AnalyticsDuration *prometheus.HistogramVec
}

// New creates the collectors without registering them.
func New() *Metrics {
	return &Metrics{
		PageViewsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tracking",
				Name:      "page_views_total",
				Help:      "Total number of page views recorded",
			},
		),
		FailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tracking",
				Name:      "failures_total",
				Help:      "Total number of page views that could not be recorded",
			},
		),
		SkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tracking",
				Name:      "skipped_total",
				Help:      "Total number of page views ignored, by reason",
			},
			[]string{"reason"},
		),
		TrackDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "tracking",
				Name:      "duration_seconds",
				Help:      "Time spent recording one page view",
				Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		SessionsOpenedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sessions",
				Name:      "opened_total",
				Help:      "Total number of visitor sessions started",
			},
		),
		SessionsClosedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sessions",
				Name:      "closed_total",
				Help:      "Total number of visitor sessions closed, by reason",
			},
			[]string{"reason"},
		),
		AnalyticsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "analytics",
				Name:      "query_duration_seconds",
				Help:      "Duration of dashboard analytics queries, by result source",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"source"},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PageViewsTotal,
		m.FailuresTotal,
		m.SkippedTotal,
		m.TrackDuration,
		m.SessionsOpenedTotal,
		m.SessionsClosedTotal,
		m.AnalyticsDuration,
	}
}

// Register registers all metrics with reg. Collectors that are already
// registered are left in place.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// Default returns the process-wide metrics, registered with the default
// Prometheus registry on first use.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New()
		if err := defaultMetrics.Register(prometheus.DefaultRegisterer); err != nil {
			panic(err)
		}
	})
	return defaultMetrics
}

// RecordPageView records one successfully stored page view.
func (m *Metrics) RecordPageView(duration time.Duration) {
	if m == nil {
		return
	}
	m.PageViewsTotal.Inc()
	m.TrackDuration.Observe(duration.Seconds())
}

// RecordFailure records a page view that could not be stored.
func (m *Metrics) RecordFailure() {
	if m == nil {
		return
	}
	m.FailuresTotal.Inc()
}

// RecordSkipped records a page view that was deliberately not stored.
func (m *Metrics) RecordSkipped(reason string) {
	if m == nil {
		return
	}
	m.SkippedTotal.WithLabelValues(reason).Inc()
}

// RecordSessionOpened counts a new session.
func (m *Metrics) RecordSessionOpened() {
	if m == nil {
		return
	}
	m.SessionsOpenedTotal.Inc()
}

// RecordSessionsClosed counts n sessions closed for reason.
func (m *Metrics) RecordSessionsClosed(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsClosedTotal.WithLabelValues(reason).Add(float64(n))
}

// ObserveAnalytics records how long an analytics query took.
func (m *Metrics) ObserveAnalytics(source string, duration time.Duration) {
	if m == nil {
		return
	}
	m.AnalyticsDuration.WithLabelValues(source).Observe(duration.Seconds())
}
