package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/replydesk/internal/bus"
	"github.com/nextlevelbuilder/replydesk/internal/channels"
	"github.com/nextlevelbuilder/replydesk/internal/channels/telegram"
	"github.com/nextlevelbuilder/replydesk/internal/channels/viber"
	"github.com/nextlevelbuilder/replydesk/internal/config"
	"github.com/nextlevelbuilder/replydesk/internal/dispatch"
	"github.com/nextlevelbuilder/replydesk/internal/draft"
	"github.com/nextlevelbuilder/replydesk/internal/events"
	"github.com/nextlevelbuilder/replydesk/internal/gateway"
	"github.com/nextlevelbuilder/replydesk/internal/locks"
	"github.com/nextlevelbuilder/replydesk/internal/orchestrator"
	"github.com/nextlevelbuilder/replydesk/internal/policy"
	"github.com/nextlevelbuilder/replydesk/internal/providers"
	"github.com/nextlevelbuilder/replydesk/internal/queue"
	"github.com/nextlevelbuilder/replydesk/internal/store"
	"github.com/nextlevelbuilder/replydesk/internal/store/pg"
	"github.com/nextlevelbuilder/replydesk/internal/store/sqlite"
	"github.com/nextlevelbuilder/replydesk/internal/telemetry"
)

const sweepInterval = 30 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := config.Validate(cfg); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	if cfg.Gateway.Token == "" {
		slog.Warn("REPLYDESK_GATEWAY_TOKEN not set, operator API is unauthenticated")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(flushCtx)
	}()

	st, err := openStore(cfg)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	feed := bus.NewBroadcaster()

	audit := openAuditPublisher(cfg)
	defer audit.Close()
	events.Bridge(feed, audit)

	provider := providers.NewOpenAIProvider(
		cfg.Providers.Name,
		cfg.Providers.APIKey,
		cfg.Providers.APIBase,
		cfg.Providers.DefaultModel,
	)

	registry := channels.NewRegistry()
	if err := registerAdapters(registry, cfg); err != nil {
		slog.Error("failed to set up platform adapters", "error", err)
		os.Exit(1)
	}
	if len(registry.Names()) == 0 {
		slog.Warn("no platform channels enabled")
	}

	lockTable := locks.NewTable()
	resolver := config.NewResolver(cfg, st)
	engine := policy.NewEngine(nil, st)
	generator := draft.NewGenerator(provider)
	dispatcher := dispatch.New(registry, st, feed)
	approvalQueue := queue.New(st, dispatcher, resolver, lockTable, feed)
	orch := orchestrator.New(st, resolver, engine, generator, approvalQueue, dispatcher, lockTable, feed)

	server := gateway.NewServer(cfg, registry, orch, approvalQueue, st, feed)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		approvalQueue.RunSweeper(gctx, sweepInterval)
		return nil
	})

	slog.Info("replydesk.started", "version", Version, "channels", registry.Names(), "managed", cfg.IsManagedMode())

	if err := g.Wait(); err != nil {
		slog.Error("replydesk.stopped", "error", err)
		os.Exit(1)
	}
	orch.Wait()
	slog.Info("replydesk.stopped")
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.IsManagedMode() {
		slog.Info("store.mode", "mode", "managed")
		return pg.Open(cfg.Database.PostgresDSN)
	}
	slog.Info("store.mode", "mode", "standalone", "data_dir", cfg.Database.DataDir)
	return sqlite.Open(cfg.Database.DataDir)
}

func openAuditPublisher(cfg *config.Config) events.Publisher {
	if cfg.Events.URL == "" {
		return events.LogPublisher{}
	}
	pub, err := events.NewAMQPPublisher(cfg.Events.URL, cfg.Events.Exchange)
	if err != nil {
		slog.Warn("audit publisher unavailable, falling back to logs", "error", err)
		return events.LogPublisher{}
	}
	slog.Info("events.amqp_connected", "exchange", cfg.Events.Exchange)
	return pub
}

func registerAdapters(registry *channels.Registry, cfg *config.Config) error {
	if vc := cfg.Channels.Viber; vc != nil && vc.Enabled {
		registry.Register(viber.New(*vc))
		slog.Info("channel.enabled", "platform", "viber")
	}
	if tc := cfg.Channels.Telegram; tc != nil && tc.Enabled {
		adapter, err := telegram.New(*tc)
		if err != nil {
			return err
		}
		registry.Register(adapter)
		slog.Info("channel.enabled", "platform", "telegram")
	}
	return nil
}
