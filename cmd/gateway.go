package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/neomagi/neomagi/internal/agent"
	"github.com/neomagi/neomagi/internal/budget"
	"github.com/neomagi/neomagi/internal/channels"
	"github.com/neomagi/neomagi/internal/channels/telegram"
	"github.com/neomagi/neomagi/internal/compact"
	"github.com/neomagi/neomagi/internal/config"
	"github.com/neomagi/neomagi/internal/dispatch"
	"github.com/neomagi/neomagi/internal/gateway"
	"github.com/neomagi/neomagi/internal/gateway/methods"
	"github.com/neomagi/neomagi/internal/guard"
	"github.com/neomagi/neomagi/internal/mcp"
	"github.com/neomagi/neomagi/internal/memory"
	"github.com/neomagi/neomagi/internal/prompt"
	"github.com/neomagi/neomagi/internal/providers"
	"github.com/neomagi/neomagi/internal/sessions"
	"github.com/neomagi/neomagi/internal/store/pg"
	"github.com/neomagi/neomagi/internal/telemetry"
	"github.com/neomagi/neomagi/internal/tokens"
	"github.com/neomagi/neomagi/internal/tools"
	"github.com/neomagi/neomagi/internal/workspace"
	"github.com/neomagi/neomagi/pkg/protocol"
)

const shutdownTimeout = 5 * time.Second

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the NeoMAGI gateway",
		Long:  "Starts the WebSocket RPC gateway with the agent loop, memory, budget gate, and configured channels.",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownTracing(sctx)
	}()

	// Postgres backs sessions, the memory index, and the budget ledger.
	if cfg.Database.PostgresDSN == "" {
		slog.Error("NEOMAGI_POSTGRES_DSN is not set")
		fmt.Fprintln(os.Stderr, "The gateway needs Postgres. Set NEOMAGI_POSTGRES_DSN and run 'neomagi migrate up'.")
		os.Exit(1)
	}
	db, err := pg.OpenDB(cfg.Database.PostgresDSN)
	if err != nil {
		slog.Error("postgres connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if status := pg.CheckSchema(db); !status.Compatible {
		fmt.Fprint(os.Stderr, pg.FormatSchemaError(status))
		os.Exit(1)
	}
	stores := pg.NewStoresDB(db)

	ws := workspace.New(cfg.WorkspacePath())
	if seeded, err := ws.Ensure(); err != nil {
		slog.Error("workspace init failed", "root", ws.Root(), "error", err)
		os.Exit(1)
	} else if len(seeded) > 0 {
		slog.Info("workspace seeded", "root", ws.Root(), "files", seeded)
	}

	grd := guard.New(ws)
	counter := tokens.Default()
	tracker := &tokens.Tracker{
		ContextLimit:   cfg.Context.Limit,
		ReservedOutput: cfg.Context.ReservedOutput,
		SafetyMargin:   cfg.Context.SafetyMargin,
		WarnRatio:      cfg.Context.WarnRatio,
		CompactRatio:   cfg.Context.CompactRatio,
	}

	toolReg := tools.NewRegistry()
	shellTimeout := time.Duration(cfg.Tools.ShellTimeoutSeconds) * time.Second
	if err := tools.RegisterBuiltins(toolReg, ws.Root(), shellTimeout, stores.Memory); err != nil {
		slog.Error("builtin tool registration failed", "error", err)
		os.Exit(1)
	}

	mcpMgr := mcp.NewManager(toolReg, cfg.Tools.MCPServers)
	if err := mcpMgr.Start(ctx); err != nil {
		slog.Warn("mcp startup incomplete", "error", err)
	}
	defer mcpMgr.Stop()
	if names := mcpMgr.ToolNames(); len(names) > 0 {
		slog.Info("mcp tools ingested", "count", len(names))
	}

	provReg, err := providers.NewRegistry(cfg)
	if err != nil {
		slog.Error("provider registry init failed", "error", err)
		fmt.Fprintln(os.Stderr, "Run 'neomagi onboard' to configure a provider, or export an API key such as NEOMAGI_OPENAI_API_KEY.")
		os.Exit(1)
	}

	indexer := memory.NewIndexer(stores.Memory, ws)
	writer := memory.NewWriter(ws, indexer, cfg.Memory.DailyNoteMaxBytes)
	builder := prompt.NewBuilder(ws, toolReg, counter, cfg)

	// One loop per configured provider, all sharing stores and tools.
	dmScope := sessions.DMScopePolicy(cfg.Session.DMScope)
	entries := make(map[string]*dispatch.Provider)
	for _, name := range provReg.Names() {
		client, err := provReg.Get(name)
		if err != nil {
			slog.Error("provider lookup failed", "name", name, "error", err)
			os.Exit(1)
		}
		model := provReg.Model(name)
		loop := agent.NewLoop(agent.LoopConfig{
			Client:   client,
			Model:    model,
			Sessions: stores.Sessions,
			Memory:   stores.Memory,
			Registry: toolReg,
			Guard:    grd,
			Builder:  builder,
			Counter:  counter,
			Tracker:  tracker,
			Engine:   compact.NewEngine(client, grd, counter, cfg.Compaction),
			Writer:   writer,

			MaxTokens:          cfg.Agent.MaxTokens,
			MaxToolIterations:  cfg.Agent.MaxToolIterations,
			DMScope:            dmScope,
			Compaction:         cfg.Compaction,
			FlushMinConfidence: cfg.Memory.FlushMinConfidence,
		})
		entries[name] = &dispatch.Provider{Loop: loop, Model: model}
	}
	dispReg, err := dispatch.NewRegistry(provReg.DefaultName(), entries)
	if err != nil {
		slog.Error("dispatch registry init failed", "error", err)
		os.Exit(1)
	}

	gate := budget.NewGate(stores.Budget, cfg.Budget)
	dispatcher := dispatch.NewDispatcher(dispReg, stores.Sessions, gate, cfg.Session.LockTTL())

	server := gateway.NewServer(cfg)
	methods.NewChatMethods(dispatcher, stores.Sessions, cfg.Gateway.MaxMessageChars).Register(server.Router())
	methods.NewSystemMethods(cfg.Gateway.Token, Version, dispReg, gate, server).Register(server.Router())

	chanMgr := channels.NewManager()
	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			slog.Warn("telegram enabled but NEOMAGI_TELEGRAM_TOKEN is not set, skipping")
		} else {
			tg, err := telegram.New(cfg.Channels.Telegram, dmScope, dispatcher, ws.MediaDir())
			if err != nil {
				slog.Error("telegram channel init failed", "error", err)
				os.Exit(1)
			}
			chanMgr.Register(tg)
			slog.Info("channel registered", "name", tg.Name())
		}
	}
	chanMgr.StartAll(ctx)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		chanMgr.StopAll(sctx)
	}()

	if cfg.Memory.WatchNotes {
		watcher := memory.NewWatcher(indexer, ws)
		if err := watcher.Start(ctx); err != nil {
			slog.Warn("memory watcher failed to start", "error", err)
		} else {
			defer watcher.Close()
			slog.Info("memory watcher started", "dir", ws.MemoryDir())
		}
	}
	if expr := cfg.Memory.CuratorCron; expr != "" {
		curator, err := memory.NewCurator(ws, indexer, provReg.Default(), expr, cfg.Compaction.SummaryTemperature)
		if err != nil {
			slog.Error("curator init failed", "error", err)
			os.Exit(1)
		}
		curator.Start()
		defer curator.Close()
		slog.Info("memory curator scheduled", "cron", expr)
	}

	slog.Info("neomagi gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"providers", provReg.Names(),
		"default_provider", provReg.DefaultName(),
		"tools", len(toolReg.Names()),
		"channels", chanMgr.Names(),
		"auth", cfg.Gateway.Token != "",
	)

	mux := server.BuildMux()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })

	if cfg.Tailscale.Hostname != "" {
		serve, tsCleanup, err := startTailscale(cfg, mux)
		if err != nil {
			slog.Error("tailscale listener failed", "error", err)
			os.Exit(1)
		}
		defer tsCleanup()
		g.Go(func() error { return serve(gctx) })
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("gateway terminated", "error", err)
		os.Exit(1)
	}
	slog.Info("gateway stopped")
}
