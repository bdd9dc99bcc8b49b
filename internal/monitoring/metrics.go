package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/farhan-ahmed1/tether/internal/registry"
)

const namespace = "tether"

// SummaryFunc reports current task counts; normally Registry.Summary
type SummaryFunc func() registry.Summary

// Metrics collects broker metrics on its own Prometheus registry
type Metrics struct {
	reg *prometheus.Registry

	tasksEnqueued  prometheus.Counter
	tasksClaimed   prometheus.Counter
	claimsEmpty    prometheus.Counter
	results        *prometheus.CounterVec
	resultRejected *prometheus.CounterVec
	sinkFailures   prometheus.Counter
	authFailures   prometheus.Counter
	httpDuration   *prometheus.HistogramVec
}

// NewMetrics registers every collector. summary may be nil.
func NewMetrics(summary SummaryFunc) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		tasksEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_enqueued_total",
			Help:      "Tasks admitted to the queue.",
		}),
		tasksClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_claimed_total",
			Help:      "Tasks handed to a worker.",
		}),
		claimsEmpty: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_empty_total",
			Help:      "Claim requests that found no task.",
		}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Results recorded, by final status.",
		}, []string{"status"}),
		resultRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_rejected_total",
			Help:      "Result submissions rejected, by reason.",
		}, []string{"reason"}),
		sinkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_failures_total",
			Help:      "Best-effort result persistence failures.",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Requests rejected for a missing or wrong token.",
		}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "code"}),
	}

	m.reg.MustRegister(
		m.tasksEnqueued,
		m.tasksClaimed,
		m.claimsEmpty,
		m.results,
		m.resultRejected,
		m.sinkFailures,
		m.authFailures,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if summary != nil {
		m.reg.MustRegister(newSummaryCollector(summary))
	}
	return m
}

// TaskEnqueued counts an admitted task
func (m *Metrics) TaskEnqueued() { m.tasksEnqueued.Inc() }

// TaskClaimed counts a successful claim
func (m *Metrics) TaskClaimed() { m.tasksClaimed.Inc() }

// ClaimEmpty counts a claim that found nothing
func (m *Metrics) ClaimEmpty() { m.claimsEmpty.Inc() }

// ResultRecorded counts a result by final status ("done" or "failed")
func (m *Metrics) ResultRecorded(status string) { m.results.WithLabelValues(status).Inc() }

// ResultRejected counts a refused submission by its error code
func (m *Metrics) ResultRejected(reason string) { m.resultRejected.WithLabelValues(reason).Inc() }

// SinkFailure counts a failed best-effort persistence
func (m *Metrics) SinkFailure() { m.sinkFailures.Inc() }

// AuthFailure counts an unauthorized request
func (m *Metrics) AuthFailure() { m.authFailures.Inc() }

// ObserveRequest records one HTTP request
func (m *Metrics) ObserveRequest(route, method string, code int, d time.Duration) {
	m.httpDuration.WithLabelValues(route, method, strconv.Itoa(code)).Observe(d.Seconds())
}

// Registry exposes the underlying Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// summaryCollector reads task counts at scrape time
type summaryCollector struct {
	summary SummaryFunc
	desc    *prometheus.Desc
}

func newSummaryCollector(summary SummaryFunc) *summaryCollector {
	return &summaryCollector{
		summary: summary,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "tasks"),
			"Tasks known to the registry, by status.",
			[]string{"status"}, nil,
		),
	}
}

func (c *summaryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *summaryCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.summary()
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(s.Queued), "queued")
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(s.Running), "running")
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(s.Done), "done")
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(s.Failed), "failed")
}
