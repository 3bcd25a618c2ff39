package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	settlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "multisettle_settlements_total",
			Help: "Settlement attempts by terminal outcome.",
		},
		[]string{"network", "outcome"},
	)

	authorizationsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "multisettle_authorizations_expired_total",
		Help: "Authorizations flipped to expired by the background sweep.",
	})
)

// Init registers metrics with the default registry.
func Init() {
	prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration,
		settlementsTotal, authorizationsExpired)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSettlement counts a terminal settlement outcome.
func RecordSettlement(network string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	settlementsTotal.WithLabelValues(network, outcome).Inc()
}

// RecordExpired counts authorizations expired by the sweep.
func RecordExpired(n int) {
	authorizationsExpired.Add(float64(n))
}

// Instrument measures RPS, latency and in-flight count per route. Uses the
// route template rather than the raw path to keep label cardinality bounded.
func Instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method

		httpInFlight.Inc()
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	}
}
