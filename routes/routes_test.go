package routes

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailnexy/middleware"
	"mailnexy/repository"
)

func newApp(opts Options) *fiber.App {
	if opts.Repo == nil {
		opts.Repo = repository.NewMemoryRepository()
	}
	app := fiber.New()
	SetupRoutes(app, opts)
	return app
}

func postEvent(t *testing.T, app *fiber.App, secret string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events",
		strings.NewReader(`{"type":"reply","in_reply_to":"<nobody@acme.io>"}`))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(middleware.WebhookSecretHeader, secret)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestHealth(t *testing.T) {
	app := newApp(Options{})
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	app := newApp(Options{})
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestWebhookSecret(t *testing.T) {
	app := newApp(Options{WebhookSecret: "s3cret"})

	assert.Equal(t, http.StatusUnauthorized, postEvent(t, app, "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, postEvent(t, app, "wrong").StatusCode)
	assert.Equal(t, http.StatusOK, postEvent(t, app, "s3cret").StatusCode)

	// health stays public
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNoSecretConfigured(t *testing.T) {
	app := newApp(Options{})
	assert.Equal(t, http.StatusOK, postEvent(t, app, "").StatusCode)
}

func TestEventRateLimitWithRedisStorage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	app := newApp(Options{
		EventsRateLimit:  2,
		RateLimitStorage: middleware.NewRedisStorage(client),
	})

	assert.Equal(t, http.StatusOK, postEvent(t, app, "").StatusCode)
	assert.Equal(t, http.StatusOK, postEvent(t, app, "").StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, postEvent(t, app, "").StatusCode)

	keys := mr.Keys()
	require.NotEmpty(t, keys)
	assert.True(t, strings.HasPrefix(keys[0], "ratelimit:"))
}
