package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func healthOK(_ context.Context) error { return nil }

func healthErr(msg string) func(context.Context) error {
	return func(_ context.Context) error { return errors.New(msg) }
}

func readySession() *mockSession {
	return &mockSession{isReadyFn: func(context.Context) bool { return true }}
}

func TestHandleLiveness(t *testing.T) {
	srv := newTestServer(t, &mockSession{})

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"uptime"`)
}

func TestHandleReadiness_Ready(t *testing.T) {
	srv := newTestServer(t, readySession(), WithHealthChecks(HealthCheck{Name: "credentials", Check: healthOK}))

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
}

func TestHandleReadiness_NotLoggedIn(t *testing.T) {
	srv := newTestServer(t, &mockSession{})

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"failed_check":"session"`)
}

func TestHandleReadiness_DependencyDown(t *testing.T) {
	srv := newTestServer(t, readySession(), WithHealthChecks(
		HealthCheck{Name: "credentials", Check: healthErr("connection refused")},
		HealthCheck{Name: "never-reached", Check: healthOK},
	))

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"unhealthy"`)
	assert.Contains(t, rec.Body.String(), `"failed_check":"credentials"`)
	assert.Contains(t, rec.Body.String(), `"error":"connection refused"`)
}

func TestHandleVersion(t *testing.T) {
	srv := newTestServer(t, &mockSession{})

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version"`)
}

func TestMountedHandlers(t *testing.T) {
	called := map[string]bool{}
	mark := func(name string) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			called[name] = true
			w.WriteHeader(http.StatusNoContent)
		})
	}
	srv := newTestServerWithHandlers(t, &mockSession{}, Handlers{
		Webhook:   mark("webhook"),
		WebSocket: mark("websocket"),
		Metrics:   mark("metrics"),
	})

	assert.Equal(t, http.StatusNoContent, serve(srv, httptest.NewRequest(http.MethodPost, "/webhooks/eventsub", nil)).Code)
	assert.Equal(t, http.StatusNoContent, serve(srv, httptest.NewRequest(http.MethodGet, "/connection/websocket", nil)).Code)
	assert.Equal(t, http.StatusNoContent, serve(srv, httptest.NewRequest(http.MethodGet, "/metrics", nil)).Code)
	assert.Equal(t, map[string]bool{"webhook": true, "websocket": true, "metrics": true}, called)
}

func TestUnmountedHandlers(t *testing.T) {
	srv := newTestServer(t, &mockSession{})

	assert.Equal(t, http.StatusNotFound, serve(srv, httptest.NewRequest(http.MethodGet, "/metrics", nil)).Code)
}
