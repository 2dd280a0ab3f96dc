package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const (
	CredentialStoreFile  = "file"
	CredentialStoreRedis = "redis"
)

type Config struct {
	AppEnv  string `env:"APP_ENV" default:"development"`
	Port    string `env:"PORT" default:"8080"`
	BaseURL string `env:"BASE_URL" default:"http://localhost:8080"`

	TwitchClientID      string   `env:"TWITCH_CLIENT_ID"`
	TwitchClientSecret  string   `env:"TWITCH_CLIENT_SECRET"`
	BroadcasterScopes   []string `env:"BROADCASTER_SCOPES" default:"bits:read channel:read:redemptions moderator:read:followers channel:manage:broadcast chat:read chat:edit"`
	BotScopes           []string `env:"BOT_SCOPES" default:"chat:read chat:edit whispers:read"`
	BotChatRefreshToken string   `env:"BOT_CHAT_REFRESH_TOKEN"`
	BroadcasterID       string   `env:"BROADCASTER_ID"`
	BroadcasterLogin    string   `env:"BROADCASTER_LOGIN"`
	BotLogin            string   `env:"BOT_LOGIN"`
	ChatTokenURL        string   `env:"CHAT_TOKEN_URL" default:"https://twitchtokengenerator.com/api/refresh"`

	WebhookCallbackURL string        `env:"WEBHOOK_CALLBACK_URL"`
	WebhookSecret      string        `env:"WEBHOOK_SECRET"`
	WebhookSettleDelay time.Duration `env:"WEBHOOK_SETTLE_DELAY" default:"1s"`

	// Zero disables the periodic refresh.
	TokenRefreshInterval    time.Duration `env:"TOKEN_REFRESH_INTERVAL" default:"3h"`
	ChatReconnectMaxBackoff time.Duration `env:"CHAT_RECONNECT_MAX_BACKOFF" default:"1m"`

	CredentialStore    string `env:"CREDENTIAL_STORE" default:"file"`
	CredentialsFile    string `env:"CREDENTIALS_FILE" default:"credentials.json"`
	RedisURL           string `env:"REDIS_URL"`
	TokenEncryptionKey string `env:"TOKEN_ENCRYPTION_KEY"`

	SessionSecret string        `env:"SESSION_SECRET"`
	SessionMaxAge time.Duration `env:"SESSION_MAX_AGE" default:"1h"`

	OverlayOrigins []string `env:"OVERLAY_ORIGINS"`
	AuthRateLimit  float64  `env:"AUTH_RATE_LIMIT" default:"1"`
	AuthRateBurst  int      `env:"AUTH_RATE_BURST" default:"5"`

	LogLevel        string `env:"LOG_LEVEL" default:"info"`
	LogFormat       string `env:"LOG_FORMAT" default:"text"`
	EventBufferSize int    `env:"EVENT_BUFFER_SIZE" default:"256"`
}

// RedirectURI is the OAuth callback registered with the platform.
func (c *Config) RedirectURI() string {
	return strings.TrimSuffix(c.BaseURL, "/") + "/oauth"
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := []struct{ name, value string }{
		{"TWITCH_CLIENT_ID", cfg.TwitchClientID},
		{"TWITCH_CLIENT_SECRET", cfg.TwitchClientSecret},
		{"BOT_CHAT_REFRESH_TOKEN", cfg.BotChatRefreshToken},
		{"BROADCASTER_ID", cfg.BroadcasterID},
		{"BROADCASTER_LOGIN", cfg.BroadcasterLogin},
		{"BOT_LOGIN", cfg.BotLogin},
		{"WEBHOOK_CALLBACK_URL", cfg.WebhookCallbackURL},
		{"WEBHOOK_SECRET", cfg.WebhookSecret},
		{"SESSION_SECRET", cfg.SessionSecret},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	if len(cfg.WebhookSecret) < 10 || len(cfg.WebhookSecret) > 100 {
		return errors.New("WEBHOOK_SECRET must be between 10 and 100 characters")
	}

	if len(cfg.BroadcasterScopes) == 0 {
		return errors.New("BROADCASTER_SCOPES must name at least one scope")
	}

	switch cfg.CredentialStore {
	case CredentialStoreFile:
		if cfg.CredentialsFile == "" {
			return errors.New("CREDENTIALS_FILE is required for the file credential store")
		}
	case CredentialStoreRedis:
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required for the redis credential store")
		}
	default:
		return fmt.Errorf("CREDENTIAL_STORE must be %q or %q, got %q", CredentialStoreFile, CredentialStoreRedis, cfg.CredentialStore)
	}

	if cfg.TokenEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(cfg.TokenEncryptionKey)
		if err != nil {
			return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be exactly 64 hex characters (32 bytes), got %d bytes", len(keyBytes))
		}
	}

	if cfg.AuthRateLimit <= 0 || cfg.AuthRateBurst <= 0 {
		return errors.New("AUTH_RATE_LIMIT and AUTH_RATE_BURST must be positive")
	}

	if cfg.TokenRefreshInterval < 0 {
		return errors.New("TOKEN_REFRESH_INTERVAL must not be negative")
	}

	if cfg.WebhookSettleDelay < 0 {
		return errors.New("WEBHOOK_SETTLE_DELAY must not be negative")
	}

	return nil
}
