package domain

import (
	"context"
	"time"
)

// Identity names one of the two accounts the relay authenticates.
type Identity string

const (
	IdentityBroadcaster Identity = "broadcaster"
	IdentityBot         Identity = "bot"
)

// TokenPair is an access token together with the refresh token that renews it.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	Scopes       []string
	Expiry       *time.Time
}

// Complete reports whether both tokens and at least one scope are present.
func (t TokenPair) Complete() bool {
	return t.AccessToken != "" && t.RefreshToken != "" && len(t.Scopes) > 0
}

// TokenExchanger talks to the platform's OAuth token endpoint.
type TokenExchanger interface {
	ExchangeCode(ctx context.Context, code string) (TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)
}

// ChatTokenSource mints the bot's chat access token from its long-lived chat refresh token.
type ChatTokenSource interface {
	ChatToken(ctx context.Context, refreshToken string) (string, error)
}

// TokenSource is the view of an authenticated identity that API adapters need:
// the current access token and a way to renew it after a 401.
type TokenSource interface {
	AccessToken() string
	Refresh(ctx context.Context) error
}
