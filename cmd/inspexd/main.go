// Command inspexd is the inspection voice relay server. It bridges field
// clients speaking the relay websocket protocol to an upstream conversational
// endpoint and exposes the tool, health and metrics HTTP surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inspexhq/inspex/internal/config"
	"github.com/inspexhq/inspex/internal/faultcode"
	"github.com/inspexhq/inspex/internal/health"
	"github.com/inspexhq/inspex/internal/observe"
	"github.com/inspexhq/inspex/internal/server"
	"github.com/inspexhq/inspex/internal/store"
	"github.com/inspexhq/inspex/internal/tools"
	"github.com/inspexhq/inspex/internal/tools/inspection"
	"github.com/inspexhq/inspex/pkg/upstream"
	"github.com/inspexhq/inspex/pkg/upstream/gemini"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	watch := flag.Bool("watch", false, "reload the configuration file on change")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "inspexd: %v\n", err)
			return 1
		}
		cfg = loaded
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := &slog.LevelVar{}
	level.Set(cfg.Server.LogLevel.Slog())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("inspexd starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "inspexd",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Upstream connector ────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinConnectors(reg)

	connector, err := reg.Create(cfg.Upstream)
	if err != nil {
		slog.Error("failed to create upstream connector", "provider", cfg.Upstream.Provider, "err", err)
		return 1
	}
	if cfg.Upstream.ResolveAPIKey() == "" {
		slog.Warn("no upstream API key configured; sessions will be rejected",
			"env", cfg.Upstream.APIKeyEnv)
	}

	// ── Session log store ─────────────────────────────────────────────────────
	var sessionStore store.Store = store.NopStore{}
	checkers := []health.Checker{{
		Name: "upstream",
		Check: func(context.Context) error {
			if cfg.Upstream.ResolveAPIKey() == "" {
				return fmt.Errorf("no API key resolved for provider %q", cfg.Upstream.Provider)
			}
			return nil
		},
	}}
	if dsn := cfg.Store.PostgresDSN; dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			slog.Error("failed to create postgres pool", "err", err)
			return 1
		}
		defer pool.Close()

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("failed to migrate session log schema", "err", err)
			return 1
		}
		sessionStore = pg
		checkers = append(checkers, health.Checker{Name: "store", Check: pool.Ping})
		slog.Info("session log store connected")
	}

	// ── Tools ─────────────────────────────────────────────────────────────────
	registry, catalog, err := buildTools(cfg)
	if err != nil {
		slog.Error("failed to build tool registry", "err", err)
		return 1
	}

	// ── Server ────────────────────────────────────────────────────────────────
	opts := []server.Option{
		server.WithStore(sessionStore),
		server.WithRegistry(registry),
		server.WithCatalog(catalog),
		server.WithLogger(logger),
	}
	for _, c := range checkers {
		opts = append(opts, server.WithChecker(c))
	}
	srv := server.New(cfg, connector, opts...)

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch && *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			applyReload(srv, level, old, new)
		})
		if err != nil {
			slog.Error("failed to start config watcher", "err", err)
			return 1
		}
		defer watcher.Stop()
		slog.Info("config watcher running", "path", *configPath)
	}

	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// registerBuiltinConnectors wires the connector factories that ship with
// inspexd.
func registerBuiltinConnectors(reg *config.Registry) {
	reg.Register("gemini", func(cfg config.UpstreamConfig) (upstream.Connector, error) {
		var opts []gemini.Option
		if cfg.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.BaseURL))
		}
		if cfg.SetupTimeout > 0 {
			opts = append(opts, gemini.WithSetupTimeout(cfg.SetupTimeout))
		}
		return gemini.New(cfg.ResolveAPIKey(), opts...), nil
	})
}

// buildTools assembles the tool registry and fault-code catalog from config.
func buildTools(cfg *config.Config) (*tools.Registry, *faultcode.Catalog, error) {
	registry := tools.NewRegistry()

	if base := cfg.Tools.InspectionBaseURL; base != "" {
		client := inspection.NewClient(base)
		for _, t := range inspection.Tools(client) {
			if err := registry.Register(t); err != nil {
				return nil, nil, err
			}
		}
		slog.Info("inspection tools registered", "base_url", base)
	} else {
		slog.Info("inspection backend not configured; inspection tools disabled")
	}

	catalog := faultcode.Default()
	if path := cfg.Tools.FaultCodeCatalog; path != "" {
		loaded, err := faultcode.Load(path)
		if err != nil {
			return nil, nil, fmt.Errorf("load fault-code catalog %q: %w", path, err)
		}
		catalog = loaded
		slog.Info("fault-code catalog loaded", "path", path, "codes", len(catalog.Codes()))
	}
	if err := registry.Register(faultcode.Tool(catalog)); err != nil {
		return nil, nil, err
	}

	return registry, catalog, nil
}

// applyReload applies a changed configuration to the running server. Only
// hot-reloadable fields take effect; the rest is logged as needing a restart.
func applyReload(srv *server.Server, level *slog.LevelVar, old, new *config.Config) {
	diff := config.Diff(old, new)
	if diff.Empty() {
		return
	}

	if diff.LogLevelChanged {
		level.Set(diff.NewLogLevel.Slog())
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}

	var registry *tools.Registry
	var catalog *faultcode.Catalog
	if diff.ToolsChanged {
		r, c, err := buildTools(new)
		if err != nil {
			slog.Warn("config reload: rebuilding tools failed; keeping previous wiring", "err", err)
		} else {
			registry, catalog = r, c
		}
	}

	if diff.SessionDefaultsChanged || registry != nil {
		srv.Reload(new, registry, catalog)
		slog.Info("session defaults reloaded",
			"model", new.Session.Model,
			"voice", new.Session.Voice,
		)
	}

	if diff.RestartRequired {
		slog.Warn("config change requires a restart to take effect")
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         inspexd — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Upstream", cfg.Upstream.Provider)
	printRow("Model", cfg.Session.Model)
	printRow("Voice", cfg.Session.Voice)
	if cfg.Tools.InspectionBaseURL != "" {
		printRow("Inspection", cfg.Tools.InspectionBaseURL)
	} else {
		printRow("Inspection", "(disabled)")
	}
	if cfg.Store.PostgresDSN != "" {
		printRow("Session log", "postgres")
	} else {
		printRow("Session log", "(disabled)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", kind, value)
}
