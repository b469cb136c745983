package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	echo "github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(e *echo.Echo, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	if key != "" {
		req.Header.Set(AdminKeyHeader, key)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func newEcho(mw ...echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.GET("/admin/ping", func(c echo.Context) error {
		id, _ := AdminIDFromCtx(c)
		return c.String(http.StatusOK, id)
	}, mw...)
	return e
}

func TestAdminKeyMiddleware(t *testing.T) {
	e := newEcho(AdminKeyMiddleware([]string{"k-one", " k-two "}))

	assert.Equal(t, http.StatusUnauthorized, serve(e, "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(e, "nope").Code)

	one := serve(e, "k-one")
	require.Equal(t, http.StatusOK, one.Code)
	assert.Len(t, one.Body.String(), 12)
	assert.NotContains(t, one.Body.String(), "k-one")

	two := serve(e, "k-two")
	require.Equal(t, http.StatusOK, two.Code)
	assert.NotEqual(t, one.Body.String(), two.Body.String())
}

func TestAdminKeyMiddlewareWithoutKeysRefusesAll(t *testing.T) {
	e := newEcho(AdminKeyMiddleware(nil))
	assert.Equal(t, http.StatusUnauthorized, serve(e, "anything").Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	mr := miniredis.RunT(t)
	rds := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rds.Close() })

	now := time.Date(2024, 5, 1, 12, 0, 0, 250_000_000, time.UTC)
	e := newEcho(
		AdminKeyMiddleware([]string{"k-one"}),
		RateLimitMiddleware(RateLimitConfig{
			Redis:          rds,
			RPS:            2,
			RetryAfterHint: true,
			Now:            func() time.Time { return now },
		}),
	)

	assert.Equal(t, http.StatusOK, serve(e, "k-one").Code)
	assert.Equal(t, http.StatusOK, serve(e, "k-one").Code)

	limited := serve(e, "k-one")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusOK, serve(e, "k-one").Code)
}

func TestRateLimitBurstAddsHeadroom(t *testing.T) {
	mr := miniredis.RunT(t)
	rds := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rds.Close() })

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e := newEcho(
		AdminKeyMiddleware([]string{"k"}),
		RateLimitMiddleware(RateLimitConfig{
			Redis: rds,
			RPS:   1,
			Burst: 2,
			Now:   func() time.Time { return now },
		}),
	)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, serve(e, "k").Code, "request %d", i+1)
	}
	limited := serve(e, "k")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Empty(t, limited.Header().Get("Retry-After"))
}

func TestRateLimitDisabledWithoutRedis(t *testing.T) {
	e := newEcho(AdminKeyMiddleware([]string{"k"}), RateLimitMiddleware(RateLimitConfig{RPS: 1}))
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, serve(e, "k").Code)
	}
}
