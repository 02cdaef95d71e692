package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"qrattend/internal/clock"
	"qrattend/internal/metrics"
)

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(c *gin.Context) string

// SimpleTokenBucket is an in-memory per-caller rate limiter. Each API
// process limits independently.
type SimpleTokenBucket struct {
	capacity float64
	perSec   float64
	clock    clock.Clock
	metrics  *metrics.Metrics

	mu        sync.Mutex
	state     map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewSimpleTokenBucket creates limiter with capacity tokens and rate per minute.
func NewSimpleTokenBucket(capacity, perMinute int, clk clock.Clock, m *metrics.Metrics) *SimpleTokenBucket {
	if perMinute <= 0 {
		perMinute = 60
	}
	if capacity <= 0 {
		capacity = perMinute
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &SimpleTokenBucket{
		capacity:  float64(capacity),
		perSec:    float64(perMinute) / 60,
		clock:     clk,
		metrics:   m,
		state:     make(map[string]*bucket),
		lastSweep: clk.Now(),
	}
}

// ClientIP charges requests to the caller's address.
func ClientIP(c *gin.Context) string {
	return c.ClientIP()
}

// GinMiddleware returns gin handler enforcing per-key limits. A nil key
// charges by client IP.
func (l *SimpleTokenBucket) GinMiddleware(key KeyFunc) gin.HandlerFunc {
	if key == nil {
		key = ClientIP
	}
	return func(c *gin.Context) {
		k := key(c)
		if k == "" {
			k = "unknown"
		}
		if !l.Allow(k) {
			l.metrics.Limited()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}

// Allow takes one token from key's bucket.
func (l *SimpleTokenBucket) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	l.sweep(now)

	b, ok := l.state[key]
	if !ok {
		l.state[key] = &bucket{tokens: l.capacity - 1, last: now}
		return true
	}
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens += elapsed * l.perSec
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.last = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// sweep drops buckets that have refilled completely; they are
// indistinguishable from a new caller.
func (l *SimpleTokenBucket) sweep(now time.Time) {
	full := time.Duration(l.capacity / l.perSec * float64(time.Second))
	if now.Sub(l.lastSweep) < full {
		return
	}
	l.lastSweep = now
	for k, b := range l.state {
		if now.Sub(b.last) >= full {
			delete(l.state, k)
		}
	}
}

// Tracked returns the number of live buckets.
func (l *SimpleTokenBucket) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.state)
}
