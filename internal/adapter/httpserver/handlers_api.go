package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pscheid92/streamrelay/internal/app"
	"github.com/pscheid92/streamrelay/internal/domain"
	apperrors "github.com/pscheid92/streamrelay/internal/platform/errors"
)

const maxChatMessageLength = 500

func (s *Server) registerAPIRoutes(csrfMiddleware echo.MiddlewareFunc) {
	s.echo.GET("/api/session", s.handleSessionStatus, csrfMiddleware)
	s.echo.POST("/api/stream", s.handleSetStreamInfo, s.requireAuth, csrfMiddleware)
	s.echo.POST("/api/chat", s.handleSay, s.requireAuth, csrfMiddleware)
}

type streamInfoRequest struct {
	Title string `json:"title" form:"title"`
	Game  string `json:"game" form:"game"`
}

type chatRequest struct {
	Message string `json:"message" form:"message"`
}

func (s *Server) handleSessionStatus(c echo.Context) error {
	token, _ := c.Get(middleware.DefaultCSRFConfig.ContextKey).(string)

	response := map[string]any{
		"loggedIn":  s.isAuthenticated(c),
		"ready":     s.session.IsReady(c.Request().Context()),
		"csrfToken": token,
	}
	if s.presence != nil {
		response["overlayClients"] = s.presence.ViewerCount()
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleSetStreamInfo(c echo.Context) error {
	var req streamInfoRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	req.Title = strings.TrimSpace(req.Title)
	req.Game = strings.TrimSpace(req.Game)
	if req.Title == "" && req.Game == "" {
		return apperrors.ValidationError("title or game is required")
	}

	err := s.session.SetStreamInfo(c.Request().Context(), req.Title, req.Game)
	if err != nil {
		return mapSessionError("failed to update stream info", err).
			WithField("title", req.Title).
			WithField("game", req.Game)
	}

	if err := c.JSON(http.StatusOK, map[string]string{"status": "ok"}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleSay(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return apperrors.ValidationError("message is required")
	}
	if len(req.Message) > maxChatMessageLength {
		return apperrors.ValidationError("message too long").WithField("max_length", maxChatMessageLength)
	}

	if err := s.session.Say(c.Request().Context(), req.Message); err != nil {
		return mapSessionError("failed to send chat message", err)
	}

	if err := c.JSON(http.StatusOK, map[string]string{"status": "ok"}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func mapSessionError(message string, err error) *apperrors.Error {
	if errors.Is(err, app.ErrNotLoggedIn) || errors.Is(err, app.ErrChatNotConnected) {
		return apperrors.UnavailableError(message, err)
	}
	if lookupErr, ok := errors.AsType[*domain.LookupError](err); ok {
		return apperrors.NotFoundError(message).
			WithField("kind", lookupErr.Kind).
			WithField("key", lookupErr.Key)
	}
	return apperrors.ExternalError(message, err)
}
