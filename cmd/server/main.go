package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/centrifugal/centrifuge"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/streamrelay/internal/adapter/filestore"
	"github.com/pscheid92/streamrelay/internal/adapter/httpserver"
	"github.com/pscheid92/streamrelay/internal/adapter/metrics"
	"github.com/pscheid92/streamrelay/internal/adapter/redis"
	"github.com/pscheid92/streamrelay/internal/adapter/twitch"
	"github.com/pscheid92/streamrelay/internal/adapter/websocket"
	"github.com/pscheid92/streamrelay/internal/app"
	"github.com/pscheid92/streamrelay/internal/domain"
	"github.com/pscheid92/streamrelay/internal/eventbus"
	"github.com/pscheid92/streamrelay/internal/platform/config"
	"github.com/pscheid92/streamrelay/internal/platform/correlation"
	"github.com/pscheid92/streamrelay/internal/platform/crypto"
	"github.com/pscheid92/streamrelay/internal/platform/logging"
	"github.com/pscheid92/streamrelay/internal/platform/version"
	goredis "github.com/redis/go-redis/v9"
)

const (
	startupTimeout  = 60 * time.Second
	shutdownTimeout = 10 * time.Second
)

type registries struct {
	reg     *prometheus.Registry
	bus     *metrics.BusMetrics
	relay   *metrics.RelayMetrics
	http    *metrics.HTTPMetrics
	overlay *metrics.OverlayMetrics
	redis   *metrics.RedisMetrics
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// slog is not initialized yet
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupMetrics() registries {
	reg := metrics.NewRegistry()
	return registries{
		reg:     reg,
		bus:     metrics.NewBusMetrics(reg),
		relay:   metrics.NewRelayMetrics(reg),
		http:    metrics.NewHTTPMetrics(reg),
		overlay: metrics.NewOverlayMetrics(reg),
		redis:   metrics.NewRedisMetrics(reg),
	}
}

func setupSealer(cfg *config.Config) crypto.Sealer {
	if cfg.TokenEncryptionKey == "" {
		slog.Warn("TOKEN_ENCRYPTION_KEY not set, credentials are stored unencrypted")
		return crypto.Plain{}
	}
	sealer, err := crypto.NewAESGCM(cfg.TokenEncryptionKey)
	if err != nil {
		slog.Error("Failed to create credential sealer", "error", err)
		os.Exit(1)
	}
	return sealer
}

func setupRedis(cfg *config.Config, m *metrics.RedisMetrics) *goredis.Client {
	if cfg.RedisURL == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL, m)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupCredentialStore(cfg *config.Config, rdb *goredis.Client, sealer crypto.Sealer) (domain.CredentialStore, []httpserver.HealthCheck) {
	if cfg.CredentialStore == config.CredentialStoreRedis {
		check := httpserver.HealthCheck{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }}
		return redis.NewCredentialStore(rdb, "", sealer), []httpserver.HealthCheck{check}
	}
	return filestore.New(cfg.CredentialsFile, sealer), nil
}

func setupOverlay(cfg *config.Config, bus *eventbus.Bus, rdb *goredis.Client, m *metrics.OverlayMetrics) (*centrifuge.Node, http.Handler) {
	node, err := websocket.NewNode(cfg.BroadcasterLogin, m, cfg.LogLevel)
	if err != nil {
		slog.Error("Failed to create overlay node", "error", err)
		os.Exit(1)
	}

	if rdb != nil {
		if err := websocket.SetupRedis(node, rdb.Options().Addr); err != nil {
			slog.Error("Failed to attach overlay node to Redis", "error", err)
			os.Exit(1)
		}
	}

	if err := node.Run(); err != nil {
		slog.Error("Failed to start overlay node", "error", err)
		os.Exit(1)
	}

	publisher := websocket.NewPublisher(node, cfg.BroadcasterLogin, m)
	bus.SubscribeAll(publisher.Forward)

	origins := websocket.OriginPolicy{BaseURL: cfg.BaseURL, Extra: cfg.OverlayOrigins, AllowLocal: cfg.AppEnv != "production"}
	handler := centrifuge.NewWebsocketHandler(node, centrifuge.WebsocketConfig{CheckOrigin: origins.CheckOrigin()})

	return node, handler
}

func setupTwitch(cfg *config.Config, current *app.CurrentSession, m *metrics.RelayMetrics) (*twitch.TokenClient, *twitch.APIClient, *twitch.ConduitManager, *twitch.Dispatcher) {
	tokens := twitch.NewTokenClient(twitch.TokenClientConfig{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		RedirectURI:  cfg.RedirectURI(),
		ChatTokenURL: cfg.ChatTokenURL,
	})

	api, err := twitch.NewAPIClient(cfg.TwitchClientID, cfg.TwitchClientSecret, current)
	if err != nil {
		slog.Error("Failed to create API client", "error", err)
		os.Exit(1)
	}

	dispatcher := twitch.NewDispatcher(cfg.WebhookSecret)
	conduits, err := twitch.NewConduitManager(twitch.ConduitConfig{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		CallbackURL:  cfg.WebhookCallbackURL,
		Secret:       cfg.WebhookSecret,
	}, dispatcher, api)
	if err != nil {
		slog.Error("Failed to create EventSub conduit manager", "error", err)
		os.Exit(1)
	}

	return tokens, api, conduits, dispatcher
}

func restoreSession(manager *app.SessionManager, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(correlation.WithID(context.Background(), correlation.NewID()), startupTimeout)
	defer cancel()

	restored, err := manager.Restore(ctx)
	switch {
	case restored && app.PartialLogin(err):
		slog.WarnContext(ctx, "Stored login restored, but some channels failed to set up", "error", err)
	case err != nil:
		slog.WarnContext(ctx, "Stored login could not be restored, log in again", "login_url", cfg.BaseURL+"/auth/login", "error", err)
	case !restored:
		slog.InfoContext(ctx, "No stored login, waiting for broadcaster", "login_url", cfg.BaseURL+"/auth/login")
	default:
		slog.InfoContext(ctx, "Stored login restored")
	}
}

func runGracefulShutdown(srv *httpserver.Server, manager *app.SessionManager, conduits *twitch.ConduitManager, node *centrifuge.Node, bus *eventbus.Bus) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		manager.Close(ctx)

		if err := conduits.Cleanup(ctx); err != nil {
			slog.Error("Failed to clean up conduit", "error", err)
		}
		if err := node.Shutdown(ctx); err != nil {
			slog.Error("Overlay node shutdown error", "error", err)
		}

		bus.Close()
		close(done)
	}()

	return done
}

func main() {
	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "version", version.Version, "env", cfg.AppEnv, "port", cfg.Port)

	clock := clockwork.NewRealClock()
	m := setupMetrics()
	bus := eventbus.New(cfg.EventBufferSize, m.bus)

	rdb := setupRedis(cfg, m.redis)
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
		bus.SubscribeAll(redis.NewEventMirror(rdb, "", 0).Append)
	}

	store, healthChecks := setupCredentialStore(cfg, rdb, setupSealer(cfg))
	node, wsHandler := setupOverlay(cfg, bus, rdb, m.overlay)

	current := &app.CurrentSession{}
	tokens, api, conduits, dispatcher := setupTwitch(cfg, current, m.relay)

	channels := app.Channels{
		Chat: app.NewChatChannel(app.ChatConfig{
			Channel:          cfg.BroadcasterLogin,
			BroadcasterLogin: cfg.BroadcasterLogin,
			BotLogin:         cfg.BotLogin,
			MaxBackoff:       cfg.ChatReconnectMaxBackoff,
		}, twitch.IRCFactory{}, api, bus, clock, m.relay),
		Notifications: app.NewNotificationChannel(cfg.BroadcasterID, cfg.BroadcasterLogin, twitch.NewEventSubWSFactory(api, ""), api, bus, clock, m.relay),
		Webhooks:      app.NewWebhookChannel(cfg.BroadcasterID, cfg.BroadcasterLogin, cfg.WebhookSettleDelay, conduits, api, bus, clock, m.relay),
	}

	manager := app.NewSessionManager(app.SessionConfig{
		ClientID:            cfg.TwitchClientID,
		RedirectURI:         cfg.RedirectURI(),
		BroadcasterID:       cfg.BroadcasterID,
		BroadcasterScopes:   cfg.BroadcasterScopes,
		BotScopes:           cfg.BotScopes,
		BotChatRefreshToken: cfg.BotChatRefreshToken,
		RefreshInterval:     cfg.TokenRefreshInterval,
	}, app.SessionDeps{
		Exchanger:  tokens,
		ChatTokens: tokens,
		Store:      store,
		Editor:     api,
		Publisher:  bus,
		Current:    current,
		Clock:      clock,
		Metrics:    m.relay,
	}, channels)

	srv := httpserver.NewServer(cfg, manager, httpserver.Handlers{
		Webhook:   dispatcher,
		WebSocket: wsHandler,
		Metrics:   metrics.Handler(m.reg),
	},
		httpserver.WithPresence(websocket.NewPresence(node, cfg.BroadcasterLogin)),
		httpserver.WithHTTPMetrics(m.http),
		httpserver.WithHealthChecks(healthChecks...),
	)

	done := runGracefulShutdown(srv, manager, conduits, node, bus)

	// The webhook route must be reachable before the conduit shard verifies it.
	go restoreSession(manager, cfg)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
