package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/relaygate/internal/agent"
	"github.com/nextlevelbuilder/relaygate/internal/bus"
	"github.com/nextlevelbuilder/relaygate/internal/channels"
	"github.com/nextlevelbuilder/relaygate/internal/channels/discord"
	"github.com/nextlevelbuilder/relaygate/internal/channels/lark"
	"github.com/nextlevelbuilder/relaygate/internal/channels/telegram"
	"github.com/nextlevelbuilder/relaygate/internal/config"
	"github.com/nextlevelbuilder/relaygate/internal/eventtime"
	"github.com/nextlevelbuilder/relaygate/internal/gateway"
	"github.com/nextlevelbuilder/relaygate/internal/outbox"
	"github.com/nextlevelbuilder/relaygate/internal/router"
	"github.com/nextlevelbuilder/relaygate/internal/store"
	"github.com/nextlevelbuilder/relaygate/internal/store/pg"
	"github.com/nextlevelbuilder/relaygate/internal/store/sqlite"
	"github.com/nextlevelbuilder/relaygate/internal/telemetry"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}

	// Storage: Postgres in managed mode, SQLite otherwise.
	var stores *store.Stores
	if cfg.IsManagedMode() {
		stores, err = pg.NewPGStores(cfg.Database.PostgresDSN)
	} else {
		stores, err = sqlite.NewSQLiteStores(config.ExpandHome(cfg.Database.SQLitePath))
	}
	if err != nil {
		slog.Error("failed to open store", "error", err, "managed", cfg.IsManagedMode())
		os.Exit(1)
	}

	if err := seedChannels(ctx, stores.Configs, cfg.Channels); err != nil {
		slog.Error("failed to seed channel configs", "error", err)
		os.Exit(1)
	}

	msgBus := bus.New()

	registry := channels.NewAdapterRegistry()
	registry.Register("telegram", telegram.Factory)
	registry.Register("discord", discord.Factory)
	registry.Register("lark", lark.Factory)

	manager := channels.NewManager(stores.Configs, registry, channels.PlainSecrets{}, msgBus, channels.ManagerOptions{})

	ob := outbox.New(stores.Outbox, manager, msgBus, outbox.Options{})
	retryWorker := outbox.NewRetryWorker(ob, outbox.DefaultRetryInterval, outbox.DefaultRetryBatch)

	runner := agent.NewClient(cfg.Agent.Endpoint, cfg.Agent.Token)

	turnTimeout := time.Duration(cfg.Agent.TurnTimeoutSec) * time.Second
	rt := router.New(*stores, runner, ob, manager, msgBus, eventtime.NewRegistry(), router.Options{
		TurnTimeout: turnTimeout,
	})
	manager.SetInboundHandler(rt.HandleInbound)

	server := gateway.NewServer(cfg.Server, msgBus, manager)
	if err := server.Start(); err != nil {
		slog.Error("gateway server start failed", "error", err)
		os.Exit(1)
	}

	// First reconciliation brings up every enabled config; the loops keep
	// the table converged afterwards.
	if plan, err := manager.Reconcile(ctx); err != nil {
		slog.Error("initial reconcile failed", "error", err)
	} else {
		slog.Info("initial reconcile complete",
			"added", len(plan.ToAdd), "removed", len(plan.ToRemove), "restarted", len(plan.ToRestart))
	}

	go manager.RunHealthLoop(ctx)
	go retryWorker.Run(ctx)

	reconcileInterval := time.Duration(cfg.Reconcile.IntervalSec) * time.Second
	go manager.RunReconcileLoop(ctx, reconcileInterval, cfg.Reconcile.Cron)

	// Config file watch: re-seed channel definitions and reconcile so file
	// edits converge without a restart. Watch blocks until ctx cancels, so
	// it runs alongside the other loops.
	go func() {
		if err := config.Watch(ctx, cfgPath, func(next *config.Config) {
			if err := seedChannels(ctx, stores.Configs, next.Channels); err != nil {
				slog.Warn("re-seed channel configs failed", "error", err)
				return
			}
			if _, err := manager.Reconcile(ctx); err != nil {
				slog.Warn("reconcile after config change failed", "error", err)
			}
		}); err != nil {
			slog.Warn("config watch unavailable", "error", err)
		}
	}()

	slog.Info("relaygate gateway started",
		"version", Version,
		"mode", databaseMode(cfg),
		"channel_types", registry.Types(),
		"agent_endpoint", cfg.Agent.Endpoint,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("graceful shutdown initiated", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("gateway server shutdown", "error", err)
	}
	if err := manager.StopAll(shutdownCtx); err != nil {
		slog.Warn("connection shutdown", "error", err)
	}
	cancel()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown", "error", err)
	}
}

// seedChannels upserts the config file's channel definitions into the store.
// The store bumps the revision only when something actually changed, so
// re-seeding unchanged definitions never triggers restarts.
func seedChannels(ctx context.Context, configs store.ChannelConfigStore, seeds []config.ChannelSeed) error {
	for _, seed := range seeds {
		cfg := &store.ChannelConfig{
			ID:                 seed.ID,
			ProjectID:          seed.ProjectID,
			ChannelType:        seed.ChannelType,
			Name:               seed.Name,
			Credentials:        seed.Credentials,
			Mode:               seed.Mode,
			Enabled:            seed.Enabled,
			RateLimitWindowSec: seed.RateLimitWindowSec,
			RateLimitMax:       seed.RateLimitMax,
			DMPolicy:           seed.DMPolicy,
			GroupPolicy:        seed.GroupPolicy,
			DMAllowFrom:        seed.DMAllowFrom,
			GroupAllowFrom:     seed.GroupAllowFrom,
			RequireMention:     seed.RequireMention,
			MaxChunkChars:      seed.MaxChunkChars,
		}
		if err := configs.Upsert(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

func databaseMode(cfg *config.Config) string {
	if cfg.IsManagedMode() {
		return "managed"
	}
	return "standalone"
}
