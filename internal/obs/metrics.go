package obs

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service-level metrics.
var (
	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Authorization verdicts by outcome and code.",
		},
		[]string{"outcome", "code"},
	)

	CacheRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entity_cache_refreshes_total",
			Help: "Bulk cache loads by entity kind and result.",
		},
		[]string{"kind", "result"},
	)

	WritebackRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "writeback_intents_failed_total",
			Help: "Writeback intents dropped after exhausting CAS retries.",
		},
	)

	Faults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_faults_total",
			Help: "Infrastructure faults absorbed by the fail-open policy.",
		},
		[]string{"stage"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(Decisions, CacheRefreshes, WritebackRetries, Faults, httpRequestDuration)
}

// Handler returns the Prometheus scrape handler for mounting on the router.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Instrument measures latency per route. Uses the route template, not the
// raw path, so high-cardinality ids stay out of the label set.
func Instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpRequestDuration.
			WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
