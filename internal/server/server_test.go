package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coah80/grabbot/internal/middleware"
	"github.com/coah80/grabbot/internal/routes"
	"github.com/coah80/grabbot/internal/services"
)

func newTestRouter(t *testing.T, rl *middleware.RateLimiter) http.Handler {
	t.Helper()
	orch := services.NewOrchestrator(nil, nil, services.WithOutputDir(t.TempDir()))
	jobs := services.NewJobs(context.Background(), orch)
	t.Cleanup(jobs.Close)
	return NewRouter(Options{
		API:         &routes.API{Orch: orch, Jobs: jobs, Secret: "x", Logger: zerolog.Nop()},
		Metrics:     http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("metrics")) }),
		RateLimiter: rl,
		Logger:      zerolog.Nop(),
	})
}

func TestRouterServesHealthWithHeaders(t *testing.T) {
	h := newTestRouter(t, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestRouterMetricsBypassRateLimit(t *testing.T) {
	h := newTestRouter(t, middleware.NewRateLimiter(0.001, 1))

	get := func(path string) int {
		req := httptest.NewRequest("GET", path, nil)
		req.RemoteAddr = "203.0.113.9:4000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, get("/api/queue-status"))
	assert.Equal(t, http.StatusTooManyRequests, get("/api/queue-status"))
	assert.Equal(t, http.StatusOK, get("/metrics"))
	assert.Equal(t, http.StatusOK, get("/metrics"))
}

func TestPadVersion(t *testing.T) {
	assert.Equal(t, "1.0.0     ", padVersion("1.0.0"))
	assert.Equal(t, "1.0.0-rc.12", padVersion("1.0.0-rc.12"))
}
