package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"qrattend/internal/clock"
	"qrattend/internal/metrics"
)

func TestTokenBucketRefill(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	l := NewSimpleTokenBucket(3, 60, clk, nil)

	for i := 0; i < 3; i++ {
		if !l.Allow("a") {
			t.Fatalf("request %d refused within capacity", i)
		}
	}
	if l.Allow("a") {
		t.Fatal("request beyond capacity allowed")
	}
	if !l.Allow("b") {
		t.Fatal("other caller charged for a's requests")
	}

	clk.Advance(500 * time.Millisecond)
	if l.Allow("a") {
		t.Fatal("half a token was enough")
	}
	clk.Advance(500 * time.Millisecond)
	if !l.Allow("a") {
		t.Fatal("no refill after one second at 60/min")
	}
}

func TestTokenBucketSweepsIdleCallers(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	l := NewSimpleTokenBucket(2, 60, clk, nil)
	l.Allow("a")
	l.Allow("b")
	if n := l.Tracked(); n != 2 {
		t.Fatalf("Tracked = %d, want 2", n)
	}
	clk.Advance(5 * time.Second)
	l.Allow("c")
	if n := l.Tracked(); n != 1 {
		t.Fatalf("Tracked after idle period = %d, want 1", n)
	}
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	clk := clock.Fake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	m := metrics.New(prometheus.NewRegistry())
	l := NewSimpleTokenBucket(1, 60, clk, m)

	r := gin.New()
	r.GET("/", l.GinMiddleware(func(c *gin.Context) string { return c.GetHeader("X-Caller") }), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	do := func(caller string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Caller", caller)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}
	if code := do("s1"); code != http.StatusNoContent {
		t.Fatalf("first request = %d", code)
	}
	if code := do("s1"); code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", code)
	}
	if code := do("s2"); code != http.StatusNoContent {
		t.Fatalf("other caller = %d", code)
	}
	if got := testutil.ToFloat64(m.RateLimited); got != 1 {
		t.Errorf("rate limited metric = %v, want 1", got)
	}
}
