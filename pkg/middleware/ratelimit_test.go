package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLimiter(t *testing.T, config *RateLimitConfig) (*RateLimiter, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRateLimiter(client, config, "test:ratelimit"), mr
}

func TestRateLimiterAllowsUnderLimit(t *testing.T) {
	limiter, _ := setupLimiter(t, &RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, "session:abc")
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, err := limiter.Allow(ctx, "session:abc")
	require.NoError(t, err)
	assert.False(t, allowed)

	// a different caller has its own window
	allowed, err = limiter.Allow(ctx, "session:other")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRateLimiterWindowExpires(t *testing.T) {
	limiter, mr := setupLimiter(t, &RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute})
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = limiter.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	require.False(t, allowed)

	mr.FastForward(time.Minute + time.Second)

	allowed, err = limiter.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRateLimiterRemaining(t *testing.T) {
	limiter, _ := setupLimiter(t, &RateLimitConfig{RequestsPerWindow: 5, WindowDuration: time.Minute})
	ctx := context.Background()

	remaining, err := limiter.Remaining(ctx, "session:abc")
	require.NoError(t, err)
	assert.Equal(t, 5, remaining)

	_, err = limiter.Allow(ctx, "session:abc")
	require.NoError(t, err)

	remaining, err = limiter.Remaining(ctx, "session:abc")
	require.NoError(t, err)
	assert.Equal(t, 4, remaining)
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter, _ := setupLimiter(t, &RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute})

	handler := RateLimit(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	newRequest := func() *http.Request {
		r := httptest.NewRequest("POST", "/v1/operations/record.list", nil)
		r.Header.Set("Authorization", "Bearer wdn_sometoken")
		return r
	}

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, newRequest())
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRateLimitFailsOpenOnRedisOutage(t *testing.T) {
	limiter, mr := setupLimiter(t, &RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute})
	mr.Close()

	handler := RateLimit(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
