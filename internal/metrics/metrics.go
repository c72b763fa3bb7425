// Package metrics exposes Prometheus instrumentation for the site API.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/Zachkp/zach-consulting/internal/cache"
	"github.com/Zachkp/zach-consulting/internal/model"
)

var (
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "site_http_requests_total",
			Help: "HTTP requests by route, method and status",
		},
		[]string{"route", "method", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "site_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	CacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "site_cache_events_total",
			Help: "Cache hits, misses and evictions",
		},
		[]string{"cache", "event"},
	)

	DashboardResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "site_dashboard_responses_total",
			Help: "Dashboard responses by data source",
		},
		[]string{"source"},
	)

	DashboardSectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "site_dashboard_section_errors_total",
			Help: "Failed dashboard section loads",
		},
		[]string{"section"},
	)

	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "site_kv_breaker_state",
			Help: "KV circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
	)

	ContactsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "site_contacts_submitted_total",
			Help: "Contact form submissions stored",
		},
	)

	NewsletterDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "site_newsletter_deliveries_total",
			Help: "Newsletter deliveries by outcome",
		},
		[]string{"outcome"},
	)
)

// CacheObserver feeds cache events into CacheEvents.
type CacheObserver struct{}

var _ cache.Observer = CacheObserver{}

func (CacheObserver) Hit(name string)   { CacheEvents.WithLabelValues(name, "hit").Inc() }
func (CacheObserver) Miss(name string)  { CacheEvents.WithLabelValues(name, "miss").Inc() }
func (CacheObserver) Evict(name string) { CacheEvents.WithLabelValues(name, "evict").Inc() }

func RecordDashboard(source model.Source) {
	DashboardResponses.WithLabelValues(string(source)).Inc()
}

func RecordSectionError(section model.Section) {
	DashboardSectionErrors.WithLabelValues(string(section)).Inc()
}

func RecordBreakerState(_ string, _, to gobreaker.State) {
	BreakerState.Set(float64(to))
}

func RecordNewsletter(success, failed int) {
	NewsletterDeliveries.WithLabelValues("success").Add(float64(success))
	NewsletterDeliveries.WithLabelValues("failed").Add(float64(failed))
}

// Middleware records request count and latency per route template.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		HTTPDuration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
