// Package metrics exposes Prometheus collectors and in-process counters for
// the acquisition pipeline, check cycles and the worker pool.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dealwatch/models"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Acquisition
	FetchRequests *prometheus.CounterVec
	FetchLatency  *prometheus.HistogramVec
	FetchAttempts *prometheus.HistogramVec

	// Cycles
	CyclesTotal    *prometheus.CounterVec
	CycleDuration  prometheus.Histogram
	ProductsTotal  *prometheus.CounterVec
	PriceChanges   prometheus.Counter
	HistoryAppends prometheus.Counter
	Anomalies      prometheus.Counter
	DealActions    *prometheus.CounterVec

	// Proxy pool
	ProxyEndpoints *prometheus.GaugeVec

	// Worker pool
	PoolWorkers prometheus.Gauge
	PoolQueued  prometheus.Gauge
	PoolRunning prometheus.Gauge
	PoolPaused  prometheus.Gauge

	Stats Stats
}

// Stats are plain counters reported on the status endpoint.
type Stats struct {
	TotalRequests      atomic.Int64
	SuccessfulRequests atomic.Int64
	FailedRequests     atomic.Int64
	Cycles             atomic.Int64
	DealsCreated       atomic.Int64
}

type StatsSnapshot struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	SuccessRate        float64 `json:"success_rate"`
	Cycles             int64   `json:"cycles"`
	DealsCreated       int64   `json:"deals_created"`
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "dealwatch"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		FetchRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "requests_total",
			Help:      "Per-tier fetch results by outcome.",
		}, []string{"tier", "outcome"}),
		FetchLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "latency_seconds",
			Help:      "Per-identifier fetch latency including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"tier"}),
		FetchAttempts: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "attempts",
			Help:      "Attempts spent per identifier.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}, []string{"tier"}),

		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checker",
			Name:      "cycles_total",
			Help:      "Check cycles by final status.",
		}, []string{"status"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "checker",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a check cycle.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
		}),
		ProductsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checker",
			Name:      "products_total",
			Help:      "Products processed by result.",
		}, []string{"result"}),
		PriceChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checker",
			Name:      "price_changes_total",
			Help:      "Observed price changes.",
		}),
		HistoryAppends: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checker",
			Name:      "history_appends_total",
			Help:      "Price history records written.",
		}),
		Anomalies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detection",
			Name:      "history_anomalies_total",
			Help:      "Corrupt history records skipped by the detector.",
		}),
		DealActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deals",
			Name:      "actions_total",
			Help:      "Deal lifecycle transitions.",
		}, []string{"action"}),

		ProxyEndpoints: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "endpoints",
			Help:      "Proxy endpoints by health state.",
		}, []string{"state"}),

		PoolWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "workers",
			Help:      "Running worker goroutines.",
		}),
		PoolQueued: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "queued_tasks",
			Help:      "Tasks waiting for a worker.",
		}),
		PoolRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "running_tasks",
			Help:      "Tasks currently executing.",
		}),
		PoolPaused: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "paused",
			Help:      "1 while the pool is paused.",
		}),
	}
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveFetch records one per-tier result.
func (m *Metrics) ObserveFetch(r models.FetchResult) {
	if m == nil {
		return
	}
	tier := string(r.Strategy)
	if tier == "" {
		tier = "none"
	}
	m.FetchRequests.WithLabelValues(tier, string(r.Outcome)).Inc()
	if r.Latency > 0 {
		m.FetchLatency.WithLabelValues(tier).Observe(r.Latency.Seconds())
	}
	if r.Attempts > 0 {
		m.FetchAttempts.WithLabelValues(tier).Observe(float64(r.Attempts))
	}

	m.Stats.TotalRequests.Add(1)
	if r.OK() {
		m.Stats.SuccessfulRequests.Add(1)
	} else {
		m.Stats.FailedRequests.Add(1)
	}
}

// ObserveCycle records a finished cycle report.
func (m *Metrics) ObserveCycle(report *models.CycleReport, status models.RunStatus) {
	if m == nil || report == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(string(status)).Inc()
	if !report.FinishedAt.IsZero() {
		m.CycleDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	}
	m.ProductsTotal.WithLabelValues("succeeded").Add(float64(report.Succeeded))
	m.ProductsTotal.WithLabelValues("degraded").Add(float64(len(report.Degraded)))
	m.ProductsTotal.WithLabelValues("skipped_locked").Add(float64(len(report.SkippedLocked)))
	m.ProductsTotal.WithLabelValues("error").Add(float64(report.Errors))
	m.PriceChanges.Add(float64(report.PriceChanges))
	m.HistoryAppends.Add(float64(report.HistoryAdded))
	m.Anomalies.Add(float64(report.Anomalies))
	m.Stats.Cycles.Add(1)
}

func (m *Metrics) ObserveDeal(action models.DealAction) {
	if m == nil || action == models.DealNone {
		return
	}
	m.DealActions.WithLabelValues(string(action)).Inc()
	if action == models.DealCreated {
		m.Stats.DealsCreated.Add(1)
	}
}

// SetProxyStates replaces the per-state endpoint gauge.
func (m *Metrics) SetProxyStates(endpoints []models.ProxyEndpoint) {
	if m == nil {
		return
	}
	counts := map[models.ProxyState]int{
		models.ProxyHealthy:     0,
		models.ProxyCoolingDown: 0,
		models.ProxyExcluded:    0,
	}
	for _, ep := range endpoints {
		counts[ep.State]++
	}
	for state, n := range counts {
		m.ProxyEndpoints.WithLabelValues(string(state)).Set(float64(n))
	}
}

func (m *Metrics) SetPool(s models.PoolStats) {
	if m == nil {
		return
	}
	m.PoolWorkers.Set(float64(s.Workers))
	m.PoolQueued.Set(float64(s.Queued))
	m.PoolRunning.Set(float64(s.Running))
	if s.Paused {
		m.PoolPaused.Set(1)
	} else {
		m.PoolPaused.Set(0)
	}
}

func (m *Metrics) Snapshot() StatsSnapshot {
	if m == nil {
		return StatsSnapshot{}
	}
	s := StatsSnapshot{
		TotalRequests:      m.Stats.TotalRequests.Load(),
		SuccessfulRequests: m.Stats.SuccessfulRequests.Load(),
		FailedRequests:     m.Stats.FailedRequests.Load(),
		Cycles:             m.Stats.Cycles.Load(),
		DealsCreated:       m.Stats.DealsCreated.Load(),
	}
	if s.TotalRequests > 0 {
		s.SuccessRate = float64(s.SuccessfulRequests) / float64(s.TotalRequests)
	}
	return s
}

