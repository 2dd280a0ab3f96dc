package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/streamrelay/internal/platform/config"
	"github.com/pscheid92/streamrelay/internal/platform/correlation"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	handler := correlation.NewHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(slog.New(handler))
	os.Exit(m.Run())
}

// --- Mock implementations ---

type mockSession struct {
	redirectURLFn    func(state string) string
	getAccessTokenFn func(ctx context.Context, code string) error
	isReadyFn        func(ctx context.Context) bool
	setStreamInfoFn  func(ctx context.Context, title, game string) error
	sayFn            func(ctx context.Context, message string) error
}

func (m *mockSession) RedirectURL(state string) string {
	if m.redirectURLFn != nil {
		return m.redirectURLFn(state)
	}
	return "https://id.example/authorize?state=" + state
}

func (m *mockSession) GetAccessToken(ctx context.Context, code string) error {
	if m.getAccessTokenFn != nil {
		return m.getAccessTokenFn(ctx, code)
	}
	return errors.New("not implemented")
}

func (m *mockSession) IsReady(ctx context.Context) bool {
	if m.isReadyFn != nil {
		return m.isReadyFn(ctx)
	}
	return false
}

func (m *mockSession) SetStreamInfo(ctx context.Context, title, game string) error {
	if m.setStreamInfoFn != nil {
		return m.setStreamInfoFn(ctx, title, game)
	}
	return errors.New("not implemented")
}

func (m *mockSession) Say(ctx context.Context, message string) error {
	if m.sayFn != nil {
		return m.sayFn(ctx, message)
	}
	return errors.New("not implemented")
}

type fixedPresence int

func (p fixedPresence) ViewerCount() int { return int(p) }

// --- Test helpers ---

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:        "test",
		BaseURL:       "http://localhost:8080",
		SessionSecret: "test-secret-key-32-bytes-long!!!",
		SessionMaxAge: time.Hour,
		AuthRateLimit: 100,
		AuthRateBurst: 100,
	}
}

func newTestServer(t *testing.T, session sessionService, opts ...Option) *Server {
	t.Helper()
	return newTestServerWithHandlers(t, session, Handlers{}, opts...)
}

func newTestServerWithHandlers(t *testing.T, session sessionService, handlers Handlers, opts ...Option) *Server {
	t.Helper()
	srv := NewServer(testConfig(), session, handlers, opts...)
	srv.sessionStore.Options = &sessions.Options{Path: "/", MaxAge: 3600}
	return srv
}

// serve runs a request through the full echo stack.
func serve(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

// loggedInCookies returns cookies of a session that completed the OAuth flow.
func loggedInCookies(t *testing.T, srv *Server) []*http.Cookie {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	session, err := srv.sessionStore.Get(req, sessionName)
	require.NoError(t, err)
	session.Values[sessionKeyLoggedIn] = true
	require.NoError(t, session.Save(req, rec))
	return rec.Result().Cookies()
}

// csrfToken fetches a CSRF token and its cookie through /api/session.
func csrfToken(t *testing.T, srv *Server, cookies []*http.Cookie) (string, []*http.Cookie) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := serve(srv, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var token string
	for _, c := range rec.Result().Cookies() {
		if c.Name == "csrf_token" {
			token = c.Value
			cookies = append(cookies, c)
		}
	}
	require.NotEmpty(t, token)
	return token, cookies
}

func withCookies(req *http.Request, cookies []*http.Cookie) *http.Request {
	for _, c := range cookies {
		req.AddCookie(c)
	}
	return req
}

// callHandler wraps a handler with the error middleware, as in production.
func callHandler(handler echo.HandlerFunc, c echo.Context) error {
	return ErrorHandlingMiddleware()(handler)(c)
}

// responseCookies returns the cookies a browser would keep after rec: the last
// Set-Cookie per name wins and deletions are dropped.
func responseCookies(rec *httptest.ResponseRecorder) []*http.Cookie {
	byName := map[string]*http.Cookie{}
	var order []string
	for _, c := range rec.Result().Cookies() {
		if _, seen := byName[c.Name]; !seen {
			order = append(order, c.Name)
		}
		byName[c.Name] = c
	}

	var out []*http.Cookie
	for _, name := range order {
		if c := byName[name]; c.MaxAge >= 0 {
			out = append(out, c)
		}
	}
	return out
}
