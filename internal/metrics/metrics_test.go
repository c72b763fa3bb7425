package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Zachkp/zach-consulting/internal/cache"
	"github.com/Zachkp/zach-consulting/internal/model"
)

func TestCacheObserverCounts(t *testing.T) {
	c := cache.New[int](cache.WithObserver("metrics-test", CacheObserver{}))
	c.Set("a", 1, 0)
	c.Get("a")
	c.Get("b")

	if got := testutil.ToFloat64(CacheEvents.WithLabelValues("metrics-test", "miss")); got != 2 {
		t.Fatalf("misses = %v, want 2", got)
	}
	if got := testutil.ToFloat64(CacheEvents.WithLabelValues("metrics-test", "evict")); got != 1 {
		t.Fatalf("evictions = %v, want 1", got)
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", Handler())

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ping", nil))
	RecordDashboard(model.SourceCache)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	for _, want := range []string{`site_http_requests_total{method="GET",route="/ping",status="200"}`, `site_dashboard_responses_total{source="cache"}`} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
