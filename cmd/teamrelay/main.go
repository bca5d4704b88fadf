package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/teamrelay/internal/api"
	"github.com/nidhogg/teamrelay/internal/config"
	"github.com/nidhogg/teamrelay/internal/gateway"
	"github.com/nidhogg/teamrelay/internal/orchestrator"
	"github.com/nidhogg/teamrelay/internal/router"
	"github.com/nidhogg/teamrelay/internal/runtime"
	"github.com/nidhogg/teamrelay/internal/session"
	"github.com/nidhogg/teamrelay/internal/state"
	pgstore "github.com/nidhogg/teamrelay/internal/store"
	"github.com/nidhogg/teamrelay/migrations"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/teamrelay.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()

	logger.Info("Starting teamrelay...", zap.String("config", cfgPath))

	// Restore session state
	statePath := cfg.State.Path
	if statePath == "" {
		statePath = state.DefaultPath()
	}
	stateStore := state.New[session.Snapshot](statePath, logger.Named("state"))
	catalog := session.NewCatalog(logger.Named("sessions"))
	if snap, ok := stateStore.Load(); ok {
		catalog.Restore(snap)
		logger.Info("Session state restored",
			zap.String("path", statePath),
			zap.Int("repositories", len(snap)))
	}

	// Initialize PostgreSQL archive
	var pgStore *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(context.Background(), cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without session archive", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), migrations.FS); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
		}
	}

	// Initialize gateway
	gw := gateway.NewGateway(gateway.BreakerSettings{
		MaxFailures: cfg.Activity.BreakerMaxFailures,
		Timeout:     cfg.Activity.BreakerTimeout.Std(),
		Interval:    cfg.Activity.BreakerInterval.Std(),
	}, logger.Named("gateway"))

	feed := gateway.NewFeedAdapter(cfg.Gateway.Feed.Size)
	gw.Register(feed)

	if cfg.Gateway.Slack.Enabled {
		slackAdapter := gateway.NewSlackAdapter(cfg.Gateway.Slack.BotToken, cfg.Gateway.Slack.ChannelID, logger)
		if cfg.Gateway.Slack.Username != "" {
			slackAdapter.SetPersona(&gateway.AgentPersona{
				Name:  cfg.Gateway.Slack.Username,
				Emoji: cfg.Gateway.Slack.IconEmoji,
			})
		}
		gw.Register(slackAdapter)
	}

	if cfg.Gateway.Discord.Enabled {
		gw.Register(gateway.NewDiscordAdapter(cfg.Gateway.Discord.BotToken, cfg.Gateway.Discord.ChannelID, logger))
	}

	if cfg.Database.Redis.URL != "" {
		streams, rErr := gateway.NewRedisStreamAdapter(cfg.Database.Redis.URL, cfg.Database.Redis.StreamMaxLen, logger)
		if rErr != nil {
			logger.Warn("Redis unavailable, running without activity streams", zap.Error(rErr))
		} else {
			gw.Register(streams)
		}
	}

	gwCtx, gwCancel := context.WithCancel(context.Background())
	defer gwCancel()
	if err := gw.ConnectAll(gwCtx); err != nil {
		logger.Warn("some gateway adapters failed to connect", zap.Error(err))
	}

	// Initialize runtime and router
	rt := runtime.NewStub(cfg.Runtime.StubDelay.Std())
	scheduler := orchestrator.NewScheduler(cfg.Runtime.MaxConcurrent, logger.Named("scheduler"))

	repos := make([]router.Repository, 0, len(cfg.Repositories))
	for _, rc := range cfg.Repositories {
		repos = append(repos, router.Repository{
			ID:       rc.ID,
			Path:     rc.Path,
			Rules:    rc.Rules,
			Defaults: rc.Defaults,
			Models:   rc.Models,
		})
	}
	issueRouter := router.New(repos, catalog, stateStore, gw, rt, scheduler, logger.Named("router"))
	if pgStore != nil {
		issueRouter.SetArchiver(pgStore)
	}
	logger.Info("Router initialized",
		zap.String("runtime", rt.Name()),
		zap.Int("repositories", len(repos)),
		zap.Strings("adapters", gw.Adapters()))

	// Build HTTP handler
	handler := api.NewHandler(issueRouter, gw, feed, logger.Named("api"))
	if pgStore != nil {
		handler.SetArchive(pgStore)
	}

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("teamrelay listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down teamrelay...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := issueRouter.Shutdown(ctx); err != nil {
		logger.Error("router shutdown", zap.Error(err))
	}
	gw.Close()
	if pgStore != nil {
		pgStore.Close()
	}
}

func newLogger(level string) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if level == "debug" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		zcfg.Level = lvl
	}
	logger, err := zcfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
