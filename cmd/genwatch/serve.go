package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/HerbHall/genwatch/internal/access"
	"github.com/HerbHall/genwatch/internal/config"
	"github.com/HerbHall/genwatch/internal/hub"
	"github.com/HerbHall/genwatch/internal/metrics"
	"github.com/HerbHall/genwatch/internal/plugin"
	"github.com/HerbHall/genwatch/internal/server"
	"github.com/HerbHall/genwatch/internal/share"
	"github.com/HerbHall/genwatch/internal/sharelink"
	"github.com/HerbHall/genwatch/internal/sharesession"
	"github.com/HerbHall/genwatch/internal/store"
	"github.com/HerbHall/genwatch/internal/telemetry"
	"github.com/HerbHall/genwatch/internal/version"
)

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	v, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}
	settings, err := config.Decode(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(settings.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := serve(v, settings, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// newLogger builds the production logger at the given level name.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func serve(v *viper.Viper, settings *config.Settings, logger *zap.Logger) error {
	logger.Info("genwatch server starting", zap.String("version", version.Short()))

	if settings.Access.SessionSecret == config.InsecureDefaultSecret {
		logger.Warn("access.session_secret is the built-in default; share sessions can be forged until it is changed")
	}
	if settings.Auth.Token == "" {
		logger.Info("auth.token is empty; bearer authentication disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.New(settings.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	links, err := sharelink.Open(ctx, db, sharelink.WithDefaultExpireDays(settings.Access.ShareDefaultExpireDays))
	if err != nil {
		return err
	}
	sessions, err := sharesession.New(settings.Access.SessionSecret)
	if err != nil {
		return fmt.Errorf("session codec: %w", err)
	}

	audit := access.NewAuditLogger(logger)
	evaluator, err := access.NewEvaluator(settings.Access, settings.Auth.Token, sessions, links, audit)
	if err != nil {
		return fmt.Errorf("access evaluator: %w", err)
	}

	m := metrics.New()
	h := hub.New(hub.WithMetrics(m))

	registry := plugin.NewRegistry(logger)
	plugins := []plugin.Plugin{
		telemetry.New(telemetry.Deps{
			Hub:              h,
			Evaluator:        evaluator,
			Audit:            audit,
			Metrics:          m,
			MQTT:             settings.MQTT,
			Telemetry:        settings.Telemetry,
			WSOriginPatterns: settings.Access.WSOriginPatterns,
		}),
		share.New(share.Deps{
			Links:    links,
			Sessions: sessions,
			Audit:    audit,
			Access:   settings.Access,
		}),
	}
	for _, p := range plugins {
		if err := registry.Register(p); err != nil {
			return fmt.Errorf("register plugin: %w", err)
		}
	}

	if err := registry.InitAll(v); err != nil {
		return err
	}
	if err := registry.StartAll(ctx); err != nil {
		return err
	}
	defer registry.StopAll()

	srv := server.New(server.Config{
		Addr:           settings.Server.Addr(),
		MaxConnections: settings.Server.MaxConnections,
		ReadTimeout:    settings.Server.ReadTimeout,
		IdleTimeout:    settings.Server.IdleTimeout,
		AppName:        settings.App.Name,
		WSURL:          settings.Frontend.WSURL,
		OfflineTimeout: settings.Telemetry.OfflineTimeout,
	}, registry, evaluator, m, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("genwatch server ready", zap.String("addr", settings.Server.Addr()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("genwatch server stopped")
	return nil
}
