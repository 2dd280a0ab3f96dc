package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/streamrelay/internal/adapter/metrics"
	"github.com/pscheid92/streamrelay/internal/platform/config"
)

// sessionService is the part of the session manager the HTTP surface drives.
type sessionService interface {
	RedirectURL(state string) string
	GetAccessToken(ctx context.Context, code string) error
	IsReady(ctx context.Context) bool
	SetStreamInfo(ctx context.Context, title, game string) error
	Say(ctx context.Context, message string) error
}

type overlayPresence interface {
	ViewerCount() int
}

// Handlers are the non-echo handlers mounted by the server. Any may be nil.
type Handlers struct {
	Webhook   http.Handler
	WebSocket http.Handler
	Metrics   http.Handler
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	session  sessionService
	presence overlayPresence
	handlers Handlers

	httpMetrics  *metrics.HTTPMetrics
	sessionStore *sessions.CookieStore
	healthChecks []HealthCheck
	startTime    time.Time
}

// Option customizes a Server.
type Option func(*Server)

func WithPresence(p overlayPresence) Option {
	return func(s *Server) { s.presence = p }
}

func WithHTTPMetrics(m *metrics.HTTPMetrics) Option {
	return func(s *Server) { s.httpMetrics = m }
}

func WithHealthChecks(checks ...HealthCheck) Option {
	return func(s *Server) { s.healthChecks = append(s.healthChecks, checks...) }
}

func NewServer(cfg *config.Config, session sessionService, handlers Handlers, opts ...Option) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:         e,
		config:       cfg,
		session:      session,
		handlers:     handlers,
		sessionStore: setupSessionStore(cfg),
		startTime:    time.Now(),
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// Session keys
const (
	sessionName          = "streamrelay-session"
	sessionKeyLoggedIn   = "logged_in"
	sessionKeyOAuthState = "oauth_state"
)

func setupSessionStore(cfg *config.Config) *sessions.CookieStore {
	store := sessions.NewCookieStore([]byte(cfg.SessionSecret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.SessionMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   cfg.AppEnv == "production",
		SameSite: http.SameSiteLaxMode,
	}
	return store
}
