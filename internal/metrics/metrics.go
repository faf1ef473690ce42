// Package metrics aggregates request counts and latency. Record is a few
// atomic operations plus Prometheus counter increments, so it never blocks
// the request path. Counters are cumulative over the process lifetime and
// reset on restart.
package metrics

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is the operator-facing aggregate view.
type Snapshot struct {
	TotalRequests     int64     `json:"total_requests"`
	ErrorRate         float64   `json:"error_rate"`
	AvgResponseTimeMS float64   `json:"avg_response_time"`
	Timestamp         time.Time `json:"timestamp"`
}

// Collector keeps in-process aggregates and mirrors them into Prometheus
// keyed by route class and status bucket.
type Collector struct {
	total        atomic.Int64
	serverErrors atomic.Int64
	latencySumMS atomic.Int64

	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
}

// New builds a collector registered on reg. Tests pass their own registry
// so parallel gateways never collide.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Requests handled, by route class and status bucket.",
		}, []string{"route_class", "status_bucket"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request latency, by route class.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route_class"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_credential_cache_hits_total",
			Help: "Credential verdict cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_credential_cache_misses_total",
			Help: "Credential verdict cache misses.",
		}),
	}
	reg.MustRegister(c.requests, c.latency, c.cacheHits, c.cacheMisses)
	return c
}

// Record notes one handled request.
func (c *Collector) Record(routeClass string, status int, latency time.Duration) {
	c.total.Add(1)
	if status >= 500 {
		c.serverErrors.Add(1)
	}
	c.latencySumMS.Add(latency.Milliseconds())

	c.requests.WithLabelValues(routeClass, bucketFor(status)).Inc()
	c.latency.WithLabelValues(routeClass).Observe(latency.Seconds())
}

// CacheHit and CacheMiss are wired as verdict-cache callbacks.
func (c *Collector) CacheHit()  { c.cacheHits.Inc() }
func (c *Collector) CacheMiss() { c.cacheMisses.Inc() }

// Snapshot reads the cumulative aggregates. Error rate is 5xx over total.
func (c *Collector) Snapshot() Snapshot {
	total := c.total.Load()
	snap := Snapshot{
		TotalRequests: total,
		Timestamp:     time.Now(),
	}
	if total > 0 {
		snap.ErrorRate = float64(c.serverErrors.Load()) / float64(total)
		snap.AvgResponseTimeMS = float64(c.latencySumMS.Load()) / float64(total)
	}
	return snap
}

func bucketFor(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}
