// Package metrics wires the Prometheus counters and optional /proc
// gauges from spec §4.6.
//
// Grounded on other_examples/b6c25a4b_sepich-containerd-registry-cache__pkg-service-service.go.go,
// the only repo in the retrieval pack that instruments a pull-through
// cache this way: package-scope promauto counters for hit/miss/skip,
// registered once at import time. This package generalizes that into
// a constructed Registry so tests don't fight a shared global
// prometheus.DefaultRegisterer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/procfs"
	"github.com/sirupsen/logrus"
)

// Registry owns the cache's Prometheus collectors, each registered
// against its own prometheus.Registry rather than the global default
// so that multiple Registries can coexist in tests.
type Registry struct {
	reg *prometheus.Registry
	log *logrus.Entry

	requestsTotal         *prometheus.CounterVec
	upstreamRequestsTotal *prometheus.CounterVec
	cacheHitsTotal        prometheus.Counter
	cacheMissesTotal      prometheus.Counter
}

// New constructs a Registry and registers every collector spec §4.6
// requires: requests_total, upstream_requests_total, cache_hits_total,
// cache_misses_total.
func New(logger *logrus.Logger) *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		log: logger.WithField("component", "metrics"),
		requestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "registry_cache_requests_total",
			Help: "Total client requests handled by the front end, by route and status.",
		}, []string{"route", "status"}),
		upstreamRequestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "registry_cache_upstream_requests_total",
			Help: "Total blob fetches issued to upstream registries, by upstream host and status. Requests relayed by the transparent proxy are not counted.",
		}, []string{"upstream", "status"}),
		cacheHitsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "registry_cache_cache_hits_total",
			Help: "Blob requests served directly from the local store.",
		}),
		cacheMissesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "registry_cache_cache_misses_total",
			Help: "Blob requests that required an upstream fetch.",
		}),
	}
	r.registerProcessGauges()
	return r
}

// ObserveRequest records one completed client-facing request.
func (r *Registry) ObserveRequest(route string, status int) {
	r.requestsTotal.WithLabelValues(route, statusClass(status)).Inc()
}

// ObserveUpstreamRequest records one upstream blob fetch that returned a
// response. Requests relayed by the transparent proxy are not recorded.
func (r *Registry) ObserveUpstreamRequest(upstreamHost string, status int) {
	r.upstreamRequestsTotal.WithLabelValues(upstreamHost, statusClass(status)).Inc()
}

// CacheHit records a blob request served from the store without a fetch.
func (r *Registry) CacheHit() { r.cacheHitsTotal.Inc() }

// CacheMiss records a blob request that triggered (or attached to) an
// upstream fetch.
func (r *Registry) CacheMiss() { r.cacheMissesTotal.Inc() }

// Handler returns the /metrics HTTP handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// registerProcessGauges adds process_resident_memory_bytes and
// process_cpu_seconds_total, read from /proc via procfs.Self(). On a
// platform without /proc (anything but Linux, per spec §9's
// platform-gap note) procfs.Self() fails here and the gauges are not
// registered at all. If a later read of the stat file fails, the
// gauge reports 0 for that collect.
func (r *Registry) registerProcessGauges() {
	proc, err := procfs.Self()
	if err != nil {
		r.log.WithError(err).Debug("procfs unavailable, process gauges disabled")
		return
	}

	r.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "registry_cache_process_resident_memory_bytes",
		Help: "Resident memory of the cache process, read from /proc/self/stat.",
	}, func() float64 {
		stat, err := proc.Stat()
		if err != nil {
			return 0
		}
		return float64(stat.ResidentMemory())
	}))

	r.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "registry_cache_process_cpu_seconds_total",
		Help: "Cumulative CPU time of the cache process, read from /proc/self/stat.",
	}, func() float64 {
		stat, err := proc.Stat()
		if err != nil {
			return 0
		}
		return stat.CPUTime()
	}))
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}
