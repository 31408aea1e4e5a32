package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterAllow(t *testing.T) {
	cfg := Config{
		RequestsPerMinute: 60,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	}
	limiter := New(cfg)
	defer limiter.Stop()

	key := "test-ip"

	// Should allow burst size requests immediately
	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow(key), "request %d should be allowed (within burst)", i)
	}

	// Next request should be denied
	assert.False(t, limiter.Allow(key), "request after burst should be denied")

	// Wait for token replenishment (1 second = 1 token at 60/min)
	time.Sleep(1100 * time.Millisecond)

	assert.True(t, limiter.Allow(key), "request after waiting should be allowed")
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 2})
	defer limiter.Stop()

	assert.True(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("a"))
	assert.False(t, limiter.Allow("a"))

	// A different client has its own bucket
	assert.True(t, limiter.Allow("b"))
	assert.Equal(t, 2, limiter.Len())
}

func TestLimiterEvictsIdleClients(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 1, IdleTTL: time.Minute})
	defer limiter.Stop()

	limiter.Allow("stale")
	limiter.evictIdle(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 0, limiter.Len())
}

func TestLimiterStopIdempotent(t *testing.T) {
	limiter := New(DefaultConfig())
	limiter.Stop()
	assert.NotPanics(t, limiter.Stop)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 60, cfg.RequestsPerMinute)
	assert.Equal(t, 10, cfg.BurstSize)
	assert.Equal(t, time.Minute, cfg.CleanupInterval)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 1})
	defer limiter.Stop()

	r := gin.New()
	r.Use(limiter.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/ping", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/ping", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")
}
