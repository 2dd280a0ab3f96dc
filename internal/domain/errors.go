package domain

import (
	"errors"
	"fmt"
)

var ErrNoRefreshToken = errors.New("no refresh token")

// AuthError reports a failed token exchange or refresh for one identity.
type AuthError struct {
	Identity Identity
	Op       string
	Err      error
}

func (e *AuthError) Error() string {
	if e.Identity == "" {
		return fmt.Sprintf("auth %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("auth %s (%s): %v", e.Op, e.Identity, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Channel names used in ChannelSetupError and metrics.
const (
	ChannelChat         = "chat"
	ChannelNotification = "notification"
	ChannelWebhook      = "webhook"
)

// ChannelSetupError reports a connect or subscribe failure while setting up a channel.
type ChannelSetupError struct {
	Channel  string
	Identity Identity
	Err      error
}

func (e *ChannelSetupError) Error() string {
	if e.Identity == "" {
		return fmt.Sprintf("%s setup: %v", e.Channel, e.Err)
	}
	return fmt.Sprintf("%s setup (%s): %v", e.Channel, e.Identity, e.Err)
}

func (e *ChannelSetupError) Unwrap() error { return e.Err }

// Lookup kinds used in LookupError and metrics.
const (
	LookupUser    = "user"
	LookupChannel = "channel"
	LookupGame    = "game"
	LookupStream  = "stream"
)

// LookupError reports a failed secondary lookup. It is never fatal: callers
// publish the triggering event with the best identifier they already have.
type LookupError struct {
	Kind string
	Key  string
	Err  error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup %s %q: %v", e.Kind, e.Key, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }
