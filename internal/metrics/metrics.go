package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/blacklist"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "blacklist_sync"

// Collector holds the Prometheus metrics of the sync server. It implements
// blacklist.Recorder.
type Collector struct {
	registry *prometheus.Registry

	// Log and snapshot metrics
	AppendsTotal *prometheus.CounterVec
	AppliesTotal *prometheus.CounterVec

	// Delta sync metrics
	DeltaEntries          prometheus.Histogram
	CursorAdvancesTotal   *prometheus.CounterVec
	ReconcilerCatchUpRuns *prometheus.CounterVec

	// API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewCollector registers every metric on a dedicated registry, together with
// the Go runtime and process collectors.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,

		AppendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_appends_total",
				Help:      "Total number of operations appended to the log",
			},
			[]string{"operation"},
		),

		AppliesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshot_applies_total",
				Help:      "Total number of log entries reconciled into the snapshot, by result",
			},
			[]string{"result"},
		),

		DeltaEntries: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delta_entries",
				Help:      "Number of log entries served per delta page",
				Buckets:   []float64{0, 1, 10, 50, 100, 500, 1000, 5000},
			},
		),

		CursorAdvancesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cursor_advances_total",
				Help:      "Total number of cursor advance requests, by whether the cursor moved",
			},
			[]string{"advanced"},
		),

		ReconcilerCatchUpRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciler_catch_up_runs_total",
				Help:      "Total number of reconciler catch-up passes, by status",
			},
			[]string{"status"},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// ObserveAppend counts an appended operation.
func (c *Collector) ObserveAppend(operation blacklist.Operation) {
	c.AppendsTotal.WithLabelValues(operation.String()).Inc()
}

// ObserveApply counts a reconciled entry.
func (c *Collector) ObserveApply(result blacklist.ApplyResult) {
	c.AppliesTotal.WithLabelValues(string(result)).Inc()
}

// ObserveDelta records the size of a served delta page.
func (c *Collector) ObserveDelta(entries int) {
	c.DeltaEntries.Observe(float64(entries))
}

// ObserveCursorAdvance counts a cursor advance request.
func (c *Collector) ObserveCursorAdvance(advanced bool) {
	c.CursorAdvancesTotal.WithLabelValues(strconv.FormatBool(advanced)).Inc()
}

// ObserveCatchUp counts a reconciler catch-up pass.
func (c *Collector) ObserveCatchUp(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.ReconcilerCatchUpRuns.WithLabelValues(status).Inc()
}

// ObserveHTTPRequest records one served request.
func (c *Collector) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	c.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
