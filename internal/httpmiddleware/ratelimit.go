package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// TokenBucket is an in-memory per-client rate limiter.
type TokenBucket struct {
	capacity float64
	perSec   float64
	now      func() time.Time

	mu    sync.Mutex
	state map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewTokenBucket allows bursts of capacity and refills perMinute tokens a
// minute. A non-positive perMinute disables limiting.
func NewTokenBucket(capacity, perMinute int) *TokenBucket {
	if capacity <= 0 {
		capacity = perMinute
	}
	return &TokenBucket{
		capacity: float64(capacity),
		perSec:   float64(perMinute) / 60,
		now:      time.Now,
		state:    make(map[string]*bucket),
	}
}

// GinMiddleware returns a gin handler enforcing per-IP limits.
func (l *TokenBucket) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		if !l.Allow(ip) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded", "code": "rate_limited"})
			return
		}
		c.Next()
	}
}

// Allow takes one token from key's bucket.
func (l *TokenBucket) Allow(key string) bool {
	if l.perSec <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.state[key]
	if !ok {
		b = &bucket{tokens: l.capacity, last: now}
		l.state[key] = b
	}
	b.tokens += now.Sub(b.last).Seconds() * l.perSec
	if b.tokens > l.capacity {
		b.tokens = l.capacity
	}
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
