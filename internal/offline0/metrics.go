package offline0

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "offline0"

// metrics is per-Service so tests can build isolated instances.
type metrics struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	cacheWrites   *prometheus.CounterVec
	evictions     prometheus.Counter
	syncReplays   *prometheus.CounterVec
	syncDepth     prometheus.Gauge
	notifications *prometheus.CounterVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &metrics{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Intercepted requests by resource class and response source.",
		}, []string{"class", "source"}),
		cacheWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_writes_total",
			Help:      "Cache writes by namespace and result.",
		}, []string{"namespace", "result"}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "namespace_evictions_total",
			Help:      "Namespaces deleted by activation.",
		}),
		syncReplays: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sync_replays_total",
			Help:      "Sync task replays by result.",
		}, []string{"result"}),
		syncDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sync_queue_depth",
			Help:      "Pending sync tasks after the last queue change.",
		}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notifications_total",
			Help:      "Notification attempts by result.",
		}, []string{"result"}),
	}
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
