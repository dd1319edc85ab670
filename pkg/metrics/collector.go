// Package metrics exports scheduler and pipeline counters to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/beak-insights/BeakDashX/pkg/executor"
	"github.com/beak-insights/BeakDashX/pkg/models"
	"github.com/beak-insights/BeakDashX/pkg/scheduler"
)

const namespace = "dbqa"

// Collector owns a private registry so tests and multiple instances do
// not clash on the global one
type Collector struct {
	registry *prometheus.Registry

	ticks         prometheus.Counter
	dueQueries    prometheus.Gauge
	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	executions    *prometheus.CounterVec
	queryDuration prometheus.Histogram
	alerts        *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

// NewCollector creates and registers every metric
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Scheduler scans performed.",
		}),
		dueQueries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "due_queries",
			Help:      "Queries found due by the last scan.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Runs finished, by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a run including evaluation and notification.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"trigger"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Execution results recorded, by status and verdict.",
		}, []string{"status", "verdict"}),
		queryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Time spent executing SQL against the target.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_transitions_total",
			Help:      "Alert state changes, by action.",
		}, []string{"action"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification attempts, by channel and status.",
		}, []string{"channel", "status"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.ticks, c.dueQueries, c.runs, c.runDuration,
		c.executions, c.queryDuration, c.alerts, c.notifications,
	)
	return c
}

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// TickCompleted implements scheduler.Observer
func (c *Collector) TickCompleted(due, _ int) {
	c.ticks.Inc()
	c.dueQueries.Set(float64(due))
}

// RunFinished implements scheduler.Observer
func (c *Collector) RunFinished(trigger scheduler.Trigger, d time.Duration, err error) {
	outcome := "ok"
	switch {
	case errors.Is(err, executor.ErrCancelled):
		outcome = "cancelled"
	case err != nil:
		outcome = "error"
	}
	c.runs.WithLabelValues(string(trigger), outcome).Inc()
	c.runDuration.WithLabelValues(string(trigger)).Observe(d.Seconds())
}

// ExecutionRecorded implements services.Recorder
func (c *Collector) ExecutionRecorded(status models.ExecutionStatus, verdict models.Verdict, d time.Duration) {
	c.executions.WithLabelValues(string(status), string(verdict)).Inc()
	c.queryDuration.Observe(d.Seconds())
}

// AlertTransition implements services.Recorder
func (c *Collector) AlertTransition(action string) {
	c.alerts.WithLabelValues(action).Inc()
}

// NotificationAttempt implements services.Recorder
func (c *Collector) NotificationAttempt(channel models.Channel, status models.NotificationStatus) {
	c.notifications.WithLabelValues(string(channel), string(status)).Inc()
}
