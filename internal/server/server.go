// Package server wires configuration, storage and HTTP handlers into a
// running entitlement service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/themegpt/themegpt/internal/api"
	"github.com/themegpt/themegpt/internal/billing"
	"github.com/themegpt/themegpt/internal/config"
	"github.com/themegpt/themegpt/internal/cookiebridge"
	"github.com/themegpt/themegpt/internal/credits"
	"github.com/themegpt/themegpt/internal/entitlement"
	"github.com/themegpt/themegpt/internal/identity"
	"github.com/themegpt/themegpt/internal/linking"
	"github.com/themegpt/themegpt/internal/logging"
	"github.com/themegpt/themegpt/internal/ratelimit"
	"github.com/themegpt/themegpt/internal/store"
	"github.com/themegpt/themegpt/internal/token"
)

const (
	shutdownTimeout = 10 * time.Second
	connectTimeout  = 10 * time.Second
)

// App is a fully wired service instance.
type App struct {
	cfg     *config.Config
	version string
	store   *store.SQLiteStore
	redis   *redis.Client
	limiter *ratelimit.Limiter
	handler http.Handler
}

// Run loads configuration, starts the service and blocks until ctx is
// cancelled or the process receives SIGINT or SIGTERM.
func Run(ctx context.Context, version string) error {
	// Baseline logger for early startup messages
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "themegpt",
	})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "themegpt",
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := New(ctx, cfg, version)
	if err != nil {
		return err
	}
	defer app.Close()

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr(), err)
	}
	return app.Serve(ctx, ln)
}

// New opens the store and optional backends described by cfg and builds
// the HTTP handler.
func New(ctx context.Context, cfg *config.Config, version string) (*App, error) {
	logger := logging.New("server")
	clock := quartz.NewReal()

	signer, err := token.NewSigner(cfg.SigningSecret, clock)
	if err != nil {
		return nil, fmt.Errorf("initialize token signer: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open entitlement store: %w", err)
	}
	app := &App{cfg: cfg, version: version, store: st}

	counters := ratelimit.CounterStore(ratelimit.NewMemoryStore())
	if cfg.RedisURL != "" {
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		client, err := ratelimit.Connect(cctx, cfg.RedisURL)
		cancel()
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("connect rate limit store: %w", err)
		}
		app.redis = client
		counters = ratelimit.NewRedisStore(client)
		logger.Info().Msg("Rate limit counters stored in Redis")
	}
	app.limiter = ratelimit.New(counters, clock, nil)

	var exchanger identity.Exchanger
	if cfg.OIDCEnabled() {
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		provider, err := identity.NewOIDCProvider(cctx, identity.OIDCConfig{
			IssuerURL:    cfg.OIDCIssuer,
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			RedirectURL:  cfg.OIDCRedirectURL(),
		})
		cancel()
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("initialize identity provider: %w", err)
		}
		exchanger = provider
	} else {
		logger.Warn().Msg("No identity provider configured, sign-in routes will answer 503")
	}

	if cfg.StripeWebhookSecret == "" {
		logger.Warn().Msg("STRIPE_WEBHOOK_SECRET not set, webhook deliveries will be rejected")
	}

	router := api.NewRouter(api.Deps{
		Store:    st,
		Resolver: entitlement.NewResolver(cfg.OperatorDomain, clock),
		Credits:  credits.NewManager(st, clock, cfg.StoreTimeout),
		Linking:  linking.New(signer, st, clock, cfg.StoreTimeout),
		Identity: identity.NewHandler(exchanger, signer),
		Bridge:   cookiebridge.New(cfg.CarrierCookie),
		Limiter:  app.limiter,
		Webhook:  billing.NewWebhookHandler(cfg.StripeWebhookSecret, st, clock, cfg.StoreTimeout),
		Extra: map[string]http.Handler{
			"GET /metrics": promhttp.Handler(),
		},
		AllowedOrigin: cfg.AllowedOrigin,
		StoreTimeout:  cfg.StoreTimeout,
	})
	app.handler = router

	logger.Info().
		Str("version", version).
		Str("database", cfg.DatabasePath()).
		Bool("oidc", cfg.OIDCEnabled()).
		Bool("redis", app.redis != nil).
		Bool("operator_override", cfg.OperatorDomain != "").
		Msg("Entitlement service initialized")
	return app, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully. The rate-limit sweep runs alongside the listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	logger := logging.New("server")

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.limiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", ln.Addr().String()).Str("version", a.version).Msg("Server listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Close releases the store and Redis connections.
func (a *App) Close() {
	logger := logging.New("server")
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close Redis client")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close entitlement store")
		}
	}
}
