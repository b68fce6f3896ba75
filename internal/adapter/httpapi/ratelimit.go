package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter restricts request frequency per client IP.
type RateLimiter struct {
	mu   sync.Mutex
	last map[string]time.Time
	rate time.Duration
	now  func() time.Time
}

// NewRateLimiter creates limiter allowing one request per rate for each client.
func NewRateLimiter(rate time.Duration) *RateLimiter {
	return &RateLimiter{last: make(map[string]time.Time), rate: rate, now: time.Now}
}

// Allow returns false if client hits the limit.
func (r *RateLimiter) Allow(client string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if t, ok := r.last[client]; ok && now.Sub(t) < r.rate {
		return false
	}
	r.last[client] = now

	if len(r.last) > 1024 {
		for k, t := range r.last {
			if now.Sub(t) >= r.rate {
				delete(r.last, k)
			}
		}
	}
	return true
}

// Middleware rejects requests over the limit with 429.
func (r *RateLimiter) Middleware(op string) gin.HandlerFunc {
	retryAfter := int(r.rate.Round(time.Second) / time.Second)
	if retryAfter < 1 {
		retryAfter = 1
	}

	return func(c *gin.Context) {
		if !r.Allow(c.ClientIP()) {
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{
				Error:      "too many requests",
				Operation:  op,
				RetryAfter: retryAfter,
			})
			return
		}
		c.Next()
	}
}
