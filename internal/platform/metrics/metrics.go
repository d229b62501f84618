// Package metrics exposes Prometheus counters for the booking workflow and
// HTTP server. All recording methods are safe on a nil *Metrics so services
// can run without metrics in tests.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "casebooking"

// Suppression reasons for status history entries.
const (
	SuppressedInitialBooked = "initial_booked"
	SuppressedDuplicate     = "duplicate_window"
)

type Metrics struct {
	registry *prometheus.Registry

	statusTransitions *prometheus.CounterVec
	historySuppressed *prometheus.CounterVec
	amendments        *prometheus.CounterVec
	references        *prometheus.CounterVec
	notifications     *prometheus.CounterVec
	bestEffortFailed  *prometheus.CounterVec

	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge
}

// New registers every collector on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		statusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Case status changes committed, by target status.",
		}, []string{"status"}),
		historySuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_history_suppressed_total",
			Help:      "Status history entries not written, by reason.",
		}, []string{"reason"}),
		amendments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "amendments_total",
			Help:      "Amendment requests, by outcome (changed, noop, history_retry).",
		}, []string{"outcome"}),
		references: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reference_numbers_issued_total",
			Help:      "Case reference numbers allocated, by country.",
		}, []string{"country"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Email notifications handed to the sender, by event and outcome.",
		}, []string{"event", "outcome"}),
		bestEffortFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "best_effort_failures_total",
			Help:      "Failed post-commit side effects (audit, notify, usage), which never fail the request.",
		}, []string{"kind"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method, route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_active_requests",
			Help:      "Requests currently being served.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.statusTransitions, m.historySuppressed, m.amendments, m.references,
		m.notifications, m.bestEffortFailed, m.requestDuration, m.activeRequests,
	)
	return m
}

// Registry is exposed so callers can add their own collectors (pool stats).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) StatusChanged(status string) {
	if m == nil {
		return
	}
	m.statusTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) HistorySuppressed(reason string) {
	if m == nil {
		return
	}
	m.historySuppressed.WithLabelValues(reason).Inc()
}

func (m *Metrics) Amendment(outcome string) {
	if m == nil {
		return
	}
	m.amendments.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ReferenceIssued(country string) {
	if m == nil {
		return
	}
	m.references.WithLabelValues(country).Inc()
}

func (m *Metrics) Notification(event string, err error) {
	if m == nil {
		return
	}
	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	m.notifications.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) BestEffortFailed(kind string) {
	if m == nil {
		return
	}
	m.bestEffortFailed.WithLabelValues(kind).Inc()
}

// Middleware records request latency and in-flight requests.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			m.activeRequests.Inc()
			defer m.activeRequests.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.requestDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
