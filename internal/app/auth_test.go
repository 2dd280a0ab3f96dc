package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pscheid92/streamrelay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completePair() domain.TokenPair {
	return domain.TokenPair{AccessToken: "A", RefreshToken: "B", Scopes: []string{"chat:read"}}
}

func TestAuthSession_IsAuthenticated(t *testing.T) {
	s := NewAuthSession(domain.IdentityBroadcaster, completePair(), &mockExchanger{}, nil, nil)
	assert.True(t, s.IsAuthenticated())

	incomplete := NewAuthSession(domain.IdentityBot, domain.TokenPair{AccessToken: "A"}, &mockExchanger{}, nil, nil)
	assert.False(t, incomplete.IsAuthenticated())
}

func TestAuthSession_RefreshReplacesTokens(t *testing.T) {
	exchanger := &mockExchanger{
		refreshFn: func(_ context.Context, refreshToken string) (domain.TokenPair, error) {
			assert.Equal(t, "B", refreshToken)
			return domain.TokenPair{AccessToken: "A2", RefreshToken: "B2"}, nil
		},
	}

	var persisted domain.TokenPair
	s := NewAuthSession(domain.IdentityBroadcaster, completePair(), exchanger, func(_ context.Context, tokens domain.TokenPair) error {
		persisted = tokens
		return nil
	}, nil)

	require.NoError(t, s.Refresh(context.Background()))

	tokens := s.Tokens()
	assert.Equal(t, "A2", tokens.AccessToken)
	assert.Equal(t, "B2", tokens.RefreshToken)
	assert.Equal(t, []string{"chat:read"}, tokens.Scopes, "scopes carried over")
	assert.Equal(t, tokens, persisted)
	assert.True(t, s.IsAuthenticated())
}

func TestAuthSession_RefreshKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	exchanger := &mockExchanger{
		refreshFn: func(context.Context, string) (domain.TokenPair, error) {
			return domain.TokenPair{AccessToken: "A2"}, nil
		},
	}
	s := NewAuthSession(domain.IdentityBot, completePair(), exchanger, nil, nil)

	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, "A2", s.AccessToken())
	assert.Equal(t, "B", s.Tokens().RefreshToken)
}

func TestAuthSession_RefreshFailureKeepsTokens(t *testing.T) {
	cause := errors.New("invalid refresh token")
	s := NewAuthSession(domain.IdentityBot, completePair(), &mockExchanger{
		refreshFn: func(context.Context, string) (domain.TokenPair, error) {
			return domain.TokenPair{}, cause
		},
	}, nil, nil)

	err := s.Refresh(context.Background())

	authErr, ok := errors.AsType[*domain.AuthError](err)
	require.True(t, ok)
	assert.Equal(t, domain.IdentityBot, authErr.Identity)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, completePair(), s.Tokens())
	assert.False(t, s.IsAuthenticated())
}

func TestAuthSession_RefreshWithoutRefreshToken(t *testing.T) {
	s := NewAuthSession(domain.IdentityBot, domain.TokenPair{AccessToken: "A"}, &mockExchanger{}, nil, nil)

	err := s.Refresh(context.Background())
	assert.ErrorIs(t, err, domain.ErrNoRefreshToken)
}

func TestAuthSession_RecoversAfterFailedRefresh(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	s := NewAuthSession(domain.IdentityBroadcaster, completePair(), &mockExchanger{
		refreshFn: func(context.Context, string) (domain.TokenPair, error) {
			if fail.Load() {
				return domain.TokenPair{}, errors.New("network down")
			}
			return domain.TokenPair{AccessToken: "A3", RefreshToken: "B3"}, nil
		},
	}, nil, nil)

	require.Error(t, s.Refresh(context.Background()))
	assert.False(t, s.IsAuthenticated())

	fail.Store(false)
	require.NoError(t, s.Refresh(context.Background()))
	assert.True(t, s.IsAuthenticated())
}

func TestAuthSession_PersistFailureDoesNotFailRefresh(t *testing.T) {
	s := NewAuthSession(domain.IdentityBroadcaster, completePair(), rotatingExchanger(), func(context.Context, domain.TokenPair) error {
		return errors.New("disk full")
	}, nil)

	assert.NoError(t, s.Refresh(context.Background()))
}

func TestAuthSession_ConcurrentRefreshesCollapse(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	s := NewAuthSession(domain.IdentityBroadcaster, completePair(), &mockExchanger{
		refreshFn: func(context.Context, string) (domain.TokenPair, error) {
			calls.Add(1)
			<-release
			return domain.TokenPair{AccessToken: "A2", RefreshToken: "B2"}, nil
		},
	}, nil, nil)

	var wg sync.WaitGroup
	for range 5 {
		wg.Go(func() {
			assert.NoError(t, s.Refresh(context.Background()))
		})
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, eventually, tick)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "A2", s.AccessToken())
}
