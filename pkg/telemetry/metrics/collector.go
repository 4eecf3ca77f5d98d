// Package metrics collects Prometheus metrics for the relay's routing,
// admission, credential, and executor components.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"monoklix/relay/pkg/config"
)

// Collector owns every relay metric and registers them with a Prometheus
// registry. All record methods are safe for concurrent use and are no-ops on
// a nil Collector, so components can treat metrics as optional.
type Collector struct {
	selectionsTotal   *prometheus.CounterVec
	failoversTotal    *prometheus.CounterVec
	slotAttemptsTotal *prometheus.CounterVec
	slotWaitSeconds   prometheus.Histogram
	assignmentsTotal  *prometheus.CounterVec
	probesTotal       *prometheus.CounterVec
	requestsTotal     *prometheus.CounterVec
	requestSeconds    *prometheus.HistogramVec
	heartbeatsTotal   prometheus.Counter
	openSessions      prometheus.Gauge
}

// NewCollector creates and registers the relay metrics with the provided
// registry.
func NewCollector(cfg config.MetricsConfig, registry *prometheus.Registry) *Collector {
	c := &Collector{
		selectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "server_selections_total",
				Help:      "Total server selections by strategy (least_busy, random_fallback, manual).",
			},
			[]string{"strategy"},
		),
		failoversTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "failovers_total",
				Help:      "Total failover retries after network-level failures, by outcome.",
			},
			[]string{"outcome"},
		),
		slotAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "slot_attempts_total",
				Help:      "Total generation-slot acquisition attempts by result (granted, denied, error).",
			},
			[]string{"result"},
		),
		slotWaitSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "slot_wait_seconds",
				Help:      "Time spent waiting for a generation slot.",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),
		assignmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "credential_assignments_total",
				Help:      "Total credential assignment sessions by terminal state (success, error).",
			},
			[]string{"state"},
		),
		probesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "credential_probes_total",
				Help:      "Total credential health probes by service and result.",
			},
			[]string{"service", "result"},
		),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "proxied_requests_total",
				Help:      "Total proxied requests by service and status.",
			},
			[]string{"service", "status"},
		),
		requestSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "proxied_request_seconds",
				Help:      "Proxied request duration by service.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		heartbeatsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "heartbeats_total",
				Help:      "Total liveness updates sent.",
			},
		),
		openSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Name:      "open_sessions",
				Help:      "Number of currently open sessions.",
			},
		),
	}

	registry.MustRegister(
		c.selectionsTotal,
		c.failoversTotal,
		c.slotAttemptsTotal,
		c.slotWaitSeconds,
		c.assignmentsTotal,
		c.probesTotal,
		c.requestsTotal,
		c.requestSeconds,
		c.heartbeatsTotal,
		c.openSessions,
	)

	return c
}

// RecordSelection records a server selection by strategy name.
func (c *Collector) RecordSelection(strategy string) {
	if c == nil {
		return
	}
	c.selectionsTotal.WithLabelValues(strategy).Inc()
}

// RecordFailover records a failover retry outcome ("success" or "failure").
func (c *Collector) RecordFailover(outcome string) {
	if c == nil {
		return
	}
	c.failoversTotal.WithLabelValues(outcome).Inc()
}

// RecordSlotAttempt records one slot acquisition attempt.
func (c *Collector) RecordSlotAttempt(result string) {
	if c == nil {
		return
	}
	c.slotAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordSlotWait records the total time a caller waited for a slot.
func (c *Collector) RecordSlotWait(d time.Duration) {
	if c == nil {
		return
	}
	c.slotWaitSeconds.Observe(d.Seconds())
}

// RecordAssignment records an assignment session's terminal state.
func (c *Collector) RecordAssignment(state string) {
	if c == nil {
		return
	}
	c.assignmentsTotal.WithLabelValues(state).Inc()
}

// RecordProbe records a credential health probe result.
func (c *Collector) RecordProbe(service, result string) {
	if c == nil {
		return
	}
	c.probesTotal.WithLabelValues(service, result).Inc()
}

// RecordRequest records a completed proxied request.
func (c *Collector) RecordRequest(service, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(service, status).Inc()
	c.requestSeconds.WithLabelValues(service).Observe(d.Seconds())
}

// RecordHeartbeat records one liveness update.
func (c *Collector) RecordHeartbeat() {
	if c == nil {
		return
	}
	c.heartbeatsTotal.Inc()
}

// SessionOpened increments the open-session gauge.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.openSessions.Inc()
}

// SessionClosed decrements the open-session gauge.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.openSessions.Dec()
}
