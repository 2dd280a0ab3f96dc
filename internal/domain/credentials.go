package domain

import (
	"context"
	"errors"
)

// Credential store keys.
const (
	CredentialAccessToken  = "accessToken"
	CredentialRefreshToken = "refreshToken"
)

var ErrCredentialNotFound = errors.New("credential not found")

// CredentialStore persists the broadcaster's long-lived tokens.
type CredentialStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}
