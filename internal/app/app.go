// Package app wires the provisioner's subsystems and runs them.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/qudata/provisioner/internal/auth"
	"github.com/qudata/provisioner/internal/config"
	"github.com/qudata/provisioner/internal/dispatcher"
	"github.com/qudata/provisioner/internal/fleet"
	"github.com/qudata/provisioner/internal/notify"
	"github.com/qudata/provisioner/internal/server"
	"github.com/qudata/provisioner/internal/storage"
	"github.com/qudata/provisioner/internal/telemetry"
	"github.com/qudata/provisioner/internal/vultr"
	"github.com/qudata/provisioner/internal/wallet"
)

const sessionPurgeInterval = time.Hour

// App is the top-level application that owns every subsystem.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store   *storage.Store
	broker  notify.Broker
	metrics *telemetry.Metrics
	tracing *telemetry.Tracing
	hub     *fleet.Hub

	httpServer *server.Server
}

// New opens storage and the broker and builds the HTTP surface.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	broker, err := newBroker(cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init broker: %w", err)
	}

	tracing, err := telemetry.NewTracing(cfg.Tracing.Stdout, config.Version)
	if err != nil {
		_ = broker.Close()
		_ = store.Close()
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	metrics := telemetry.NewMetrics()

	provider := vultr.NewClient(cfg.Provider.APIKey, cfg.Provider.BaseURL, cfg.Provider.Timeout, logger.With("component", "vultr"))
	provider.SetObserver(metrics.ObserveProvider)
	if !provider.Configured() {
		logger.Warn("provider API key not set, lifecycle actions will fail until it is configured")
	}

	d := dispatcher.New(provider, store, logger.With("component", "dispatcher"), dispatcher.Options{
		CompensateFailedCreate: cfg.Provider.CompensateFailedCreate,
		Broker:                 broker,
		Metrics:                metrics,
		Tracer:                 tracing.Tracer(),
	})

	hub := fleet.NewHub(store, broker, fleet.Config{
		PollInterval: cfg.Fleet.PollInterval,
		Debounce:     cfg.Fleet.Debounce,
		HistorySize:  cfg.Fleet.HistorySize,
	}, cfg.Fleet.IdleTTL, logger.With("component", "fleet"), metrics)

	var (
		authn   auth.Authenticator
		wallets server.Wallets
	)
	switch cfg.Auth.Mode {
	case "supabase":
		authn = auth.NewGoTrue(cfg.Auth.SupabaseURL, cfg.Auth.SupabaseAnonKey, cfg.Provider.Timeout, store, logger.With("component", "auth"))
	default:
		authn = auth.NewSessionAuthenticator(store)
		wallets = wallet.NewService(store, cfg.Auth.SessionTTL, logger.With("component", "wallet"))
	}

	h := server.NewHandler(d, authn, wallets, hub, metrics.Handler(), logger.With("component", "http"))
	httpServer := server.New(cfg.HTTP.Addr, h, logger.With("component", "http"))
	// Shutdown does not cancel in-flight requests; closing the hub ends
	// open fleet streams so the drain can finish.
	httpServer.RegisterOnShutdown(hub.Close)

	return &App{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		broker:     broker,
		metrics:    metrics,
		tracing:    tracing,
		hub:        hub,
		httpServer: httpServer,
	}, nil
}

func newBroker(cfg *config.Config, logger *slog.Logger) (notify.Broker, error) {
	if cfg.Notify.NATSURL == "" {
		return notify.NewMemory(), nil
	}
	return notify.NewNATS(cfg.Notify.NATSURL, logger.With("component", "nats"))
}

// Run migrates the schema, starts background loops and serves HTTP.
// It blocks until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.store.Ping(ctx); err != nil {
		a.closeResources()
		return fmt.Errorf("database ping: %w", err)
	}
	if err := a.store.Migrate(ctx); err != nil {
		a.closeResources()
		return fmt.Errorf("migrate: %w", err)
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		a.hub.Run(hubCtx)
	}()

	if a.cfg.Auth.Mode != "supabase" {
		go a.purgeSessions(ctx)
	}

	a.logger.Info("provisioner ready",
		"version", config.Version,
		"addr", a.cfg.HTTP.Addr,
		"db_driver", a.cfg.Database.Driver,
		"auth_mode", a.cfg.Auth.Mode,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.httpServer.Start()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down provisioner")
	case err := <-errCh:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	a.shutdown(stopHub, hubDone)
	return runErr
}

func (a *App) purgeSessions(ctx context.Context) {
	ticker := time.NewTicker(sessionPurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.store.DeleteExpiredSessions(ctx, time.Now())
			if err != nil {
				if ctx.Err() == nil {
					a.logger.Warn("failed to purge expired sessions", "err", err)
				}
				continue
			}
			if n > 0 {
				a.logger.Info("purged expired sessions", "count", n)
			}
		}
	}
}

func (a *App) shutdown(stopHub context.CancelFunc, hubDone <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Error("http server shutdown error", "err", err)
	}

	stopHub()
	<-hubDone

	if err := a.tracing.Shutdown(ctx); err != nil {
		a.logger.Error("tracing shutdown error", "err", err)
	}
	a.closeResources()

	a.logger.Info("provisioner stopped")
}

func (a *App) closeResources() {
	if err := a.broker.Close(); err != nil {
		a.logger.Error("broker close error", "err", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("storage close error", "err", err)
	}
}

// Migrate opens the configured database and creates the schema.
func Migrate(ctx context.Context, cfg *config.Config) error {
	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
