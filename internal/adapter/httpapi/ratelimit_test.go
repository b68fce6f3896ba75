package httpapi

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_Allow(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rl := NewRateLimiter(time.Second)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"), "clients are limited independently")

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("10.0.0.1"))
}

func TestCreateOrder_RateLimited(t *testing.T) {
	h := NewHandler(stubService{}, stubHealth{}, discardLogger()).WithOrderRateLimit(time.Hour)
	r := NewRouter(h, discardLogger(), 0)

	assert.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/api/lab/orders", orderBody).Code)

	rec := do(t, r, http.MethodPost, "/api/lab/orders", orderBody)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3600", rec.Header().Get("Retry-After"))
	resp := decode[errorResponse](t, rec)
	assert.Equal(t, "create lab order", resp.Operation)

	// reads are not throttled
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/api/lab/categories", "").Code)
}
