// Package app wires the core components together: config from the
// environment, the feed, the batcher, the price book, the session
// tracker and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/marketpulse/pulse/book"
	"github.com/marketpulse/pulse/feed"
	"github.com/marketpulse/pulse/session"
	"github.com/marketpulse/pulse/web"
)

// Config holds the application configuration, populated from PULSE_*
// environment variables.
type Config struct {
	WSURL          string        `envconfig:"WS_URL" default:"wss://advanced-trade-ws.coinbase.com"`
	Addr           string        `envconfig:"ADDR" default:"localhost:8080"`
	Products       []string      `envconfig:"PRODUCTS" default:"BTC-USD,ETH-USD"`
	BatchInterval  time.Duration `envconfig:"BATCH_INTERVAL" default:"100ms"`
	MaxReconnect   int           `envconfig:"MAX_RECONNECT" default:"5"`
	ReconnectDelay time.Duration `envconfig:"RECONNECT_DELAY" default:"3s"`
	StaleAfter     time.Duration `envconfig:"STALE_AFTER" default:"30s"`
}

// LoadConfig reads and validates configuration from the environment.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("pulse", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	u, err := url.Parse(cfg.WSURL)
	if err != nil {
		return nil, fmt.Errorf("invalid PULSE_WS_URL %q: %w", cfg.WSURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("PULSE_WS_URL must use ws or wss scheme, got %q", u.Scheme)
	}
	if cfg.BatchInterval <= 0 {
		return nil, fmt.Errorf("PULSE_BATCH_INTERVAL must be positive, got %s", cfg.BatchInterval)
	}
	return &cfg, nil
}

// App owns the assembled components and their lifecycle.
type App struct {
	Config  *Config
	Version string

	logger  *slog.Logger
	book    *book.Book
	batcher *book.Batcher
	feed    *feed.Client
	tracker *session.Tracker
	server  *web.Server
}

// New assembles the application from a validated config.
func New(cfg *Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}

	b := book.New()
	batcher := book.NewBatcher(b, cfg.BatchInterval, logger)
	fc := feed.New(feed.Config{
		URL:                  cfg.WSURL,
		Logger:               logger,
		Sink:                 batcher,
		Book:                 b,
		MaxReconnectAttempts: cfg.MaxReconnect,
		ReconnectDelay:       cfg.ReconnectDelay,
		StaleAfter:           cfg.StaleAfter,
	})
	tracker := session.NewTracker(logger)

	// A symbol's first tick while a session is active records its
	// baseline at that moment, not retroactively at session start.
	fc.AddListener(func(t feed.Tick) {
		tracker.Observe(t.ProductID, t.Price, time.UnixMilli(t.TS))
	})

	return &App{
		Config:  cfg,
		Version: "v0.0.0", // injected at build time
		logger:  logger,
		book:    b,
		batcher: batcher,
		feed:    fc,
		tracker: tracker,
		server:  web.NewServer(logger, fc, b, tracker),
	}
}

// SetVersion sets the reported version.
func (a *App) SetVersion(version string) {
	a.Version = version
}

// Run starts the feed and the HTTP surface and blocks until ctx is
// cancelled or the HTTP server fails. Shutdown closes the socket, stops
// the timers and drains the batcher.
func (a *App) Run(ctx context.Context) error {
	a.feed.SetProducts(a.Config.Products)
	if err := a.feed.Start(ctx); err != nil {
		// Not fatal: the reconnect policy is already scheduled.
		a.logger.Warn("Initial connect failed, retrying in background", "error", err)
	}

	httpSrv := &http.Server{
		Addr:    a.Config.Addr,
		Handler: a.server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	a.logger.Info("HTTP surface listening", "addr", a.Config.Addr, "products", a.Config.Products)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	a.feed.Close()
	a.batcher.Stop()
	a.logger.Info("Shutdown complete")
	return nil
}
