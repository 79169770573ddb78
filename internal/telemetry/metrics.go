package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors the service exports.
type Metrics struct {
	registry *prometheus.Registry

	Dispatches       *prometheus.CounterVec
	ProviderRequests *prometheus.HistogramVec
	FleetRefreshes   *prometheus.CounterVec
	FleetTrackers    prometheus.Gauge
}

// NewMetrics builds a private registry so tests can create as many as
// they like without duplicate-registration panics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "provisioner",
			Name:      "dispatch_total",
			Help:      "Dispatcher invocations by action and result kind.",
		}, []string{"action", "result"}),
		ProviderRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "provisioner",
			Name:      "provider_request_duration_seconds",
			Help:      "Latency of cloud provider API calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "status"}),
		FleetRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "provisioner",
			Name:      "fleet_refresh_total",
			Help:      "Fleet metric refreshes by outcome.",
		}, []string{"result"}),
		FleetTrackers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "provisioner",
			Name:      "fleet_trackers",
			Help:      "Wallets currently tracked for fleet metrics.",
		}),
	}
	reg.MustRegister(m.Dispatches, m.ProviderRequests, m.FleetRefreshes, m.FleetTrackers)
	return m
}

// ObserveProvider matches vultr.RequestObserver.
func (m *Metrics) ObserveProvider(op string, status int, elapsed time.Duration) {
	m.ProviderRequests.WithLabelValues(op, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
