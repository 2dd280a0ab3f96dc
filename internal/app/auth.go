package app

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pscheid92/streamrelay/internal/adapter/metrics"
	"github.com/pscheid92/streamrelay/internal/domain"
	"golang.org/x/sync/singleflight"
)

// AuthSession holds one identity's token pair and renews it on demand.
type AuthSession struct {
	identity  domain.Identity
	exchanger domain.TokenExchanger
	onRefresh func(ctx context.Context, tokens domain.TokenPair) error
	metrics   *metrics.RelayMetrics

	mu            sync.RWMutex
	tokens        domain.TokenPair
	refreshFailed bool

	group singleflight.Group
}

var _ domain.TokenSource = (*AuthSession)(nil)

// NewAuthSession creates a session. onRefresh runs after every successful
// refresh and may be nil; its failure is logged, not returned.
func NewAuthSession(identity domain.Identity, tokens domain.TokenPair, exchanger domain.TokenExchanger, onRefresh func(context.Context, domain.TokenPair) error, relayMetrics *metrics.RelayMetrics) *AuthSession {
	return &AuthSession{
		identity:  identity,
		exchanger: exchanger,
		onRefresh: onRefresh,
		metrics:   relayMetrics,
		tokens:    tokens,
	}
}

func (s *AuthSession) Identity() domain.Identity { return s.identity }

func (s *AuthSession) Tokens() domain.TokenPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens
}

func (s *AuthSession) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens.AccessToken
}

// IsAuthenticated reports whether the session holds a complete token pair
// and the last refresh, if any, succeeded.
func (s *AuthSession) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens.Complete() && !s.refreshFailed
}

// Refresh renews the token pair. Concurrent callers share one in-flight
// exchange. On failure the prior tokens are kept and an *AuthError is returned.
func (s *AuthSession) Refresh(ctx context.Context) error {
	_, err, _ := s.group.Do("refresh", func() (any, error) {
		return nil, s.refresh(ctx)
	})
	return err
}

func (s *AuthSession) refresh(ctx context.Context) error {
	current := s.Tokens()
	if current.RefreshToken == "" {
		s.markFailed()
		return &domain.AuthError{Identity: s.identity, Op: "refresh", Err: domain.ErrNoRefreshToken}
	}

	renewed, err := s.exchanger.Refresh(ctx, current.RefreshToken)
	if err != nil {
		s.markFailed()
		s.metrics.RefreshFailed(string(s.identity))
		return &domain.AuthError{Identity: s.identity, Op: "refresh", Err: err}
	}

	if renewed.RefreshToken == "" {
		renewed.RefreshToken = current.RefreshToken
	}
	if len(renewed.Scopes) == 0 {
		renewed.Scopes = current.Scopes
	}

	s.mu.Lock()
	s.tokens = renewed
	s.refreshFailed = false
	s.mu.Unlock()

	slog.DebugContext(ctx, "Token refreshed", "identity", s.identity)

	if s.onRefresh != nil {
		if err := s.onRefresh(ctx, renewed); err != nil {
			slog.WarnContext(ctx, "Failed to persist refreshed tokens", "identity", s.identity, "error", err)
		}
	}
	return nil
}

func (s *AuthSession) markFailed() {
	s.mu.Lock()
	s.refreshFailed = true
	s.mu.Unlock()
}
