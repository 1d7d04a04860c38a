package master

import (
	"net/http"
	"strconv"

	"github.com/expsys/exprun/sched"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the server's Prometheus collectors on a private registry,
// so several servers can coexist in one process.
type metrics struct {
	registry *prometheus.Registry

	runsTotal    *prometheus.CounterVec
	runDuration  prometheus.Histogram
	queueDepth   prometheus.Gauge
	httpRequests *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exprun",
			Name:      "runs_total",
			Help:      "Completed runs by terminal status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "exprun",
			Name:      "run_duration_seconds",
			Help:      "Run duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "exprun",
			Name:      "queue_depth",
			Help:      "Number of queued runs, including the one executing.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exprun",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"route", "status"}),
	}
	m.registry.MustRegister(m.runsTotal, m.runDuration, m.queueDepth, m.httpRequests)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) observe(ev sched.Event, queueDepth int) {
	m.queueDepth.Set(float64(queueDepth))
	if ev.Kind == sched.EventRunFinished {
		m.runsTotal.WithLabelValues(ev.Status).Inc()
		m.runDuration.Observe(ev.Elapsed.Seconds())
	}
}

func (m *metrics) observeHTTP(route string, status int) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
