package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fleet-console/internal/console"
	"fleet-console/internal/fleet"
	"fleet-console/internal/policy"
	"fleet-console/internal/store"
	"fleet-console/internal/web"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the console engine with its HTTP API and optional MQTT bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.ConfigPath)
			if err != nil {
				return err
			}
			if err := cfg.validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *Config) error {
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("fleet-console starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	fetcher, err := fleet.NewHTTPFetcher(cfg.httpConfig(), logger)
	if err != nil {
		return fmt.Errorf("create api client: %w", err)
	}

	pol, closePolicy := initPolicy(cfg, logger)
	defer closePolicy()

	c, err := console.New(console.Options{
		Backend: fleet.NewAPI(fetcher),
		Prefs:   db,
		Policy:  pol,
		Logger:  logger,
		Config:  cfg.consoleConfig(),
	})
	if err != nil {
		return fmt.Errorf("create console: %w", err)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = c.Start(startCtx)
	cancel()
	if err != nil {
		c.Stop()
		return fmt.Errorf("start console: %w", err)
	}

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version), web.WithMetrics(*cfg.Web.Metrics))
	webServer := web.NewServer(c, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(c, cfg, logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
		logger.Error("http server", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	c.Stop()

	logger.Info("goodbye")
	return runErr
}

// initPolicy returns the poll-interval policy. A script that fails to load
// is logged and the built-in policy is used instead.
func initPolicy(cfg *Config, logger *slog.Logger) (policy.Policy, func()) {
	def := policy.Default{Active: cfg.Poll.ActiveInterval}
	if cfg.Policy.Script == "" {
		return def, func() {}
	}
	lp, err := policy.LoadLuaFile(cfg.Policy.Script, def, cfg.Policy.Timeout, logger)
	if err != nil {
		logger.Error("load policy script, using built-in policy", "path", cfg.Policy.Script, "err", err)
		return def, func() {}
	}
	logger.Info("policy script loaded", "path", cfg.Policy.Script)
	return lp, lp.Close
}
