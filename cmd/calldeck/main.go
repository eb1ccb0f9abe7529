// Command calldeck is the main entry point for the Calldeck conversation
// control server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/calldeck/calldeck/internal/app"
	"github.com/calldeck/calldeck/internal/business"
	"github.com/calldeck/calldeck/internal/cache"
	"github.com/calldeck/calldeck/internal/config"
	"github.com/calldeck/calldeck/internal/guideline"
	"github.com/calldeck/calldeck/internal/health"
	"github.com/calldeck/calldeck/internal/journey"
	"github.com/calldeck/calldeck/internal/observe"
	"github.com/calldeck/calldeck/internal/tool"
	"github.com/calldeck/calldeck/internal/validator"
	"github.com/calldeck/calldeck/pkg/provider/llm/openai"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	seed := flag.Bool("seed", false, "load journey and guideline definitions into the database, then exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "calldeck: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "calldeck: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("calldeck starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── PostgreSQL ────────────────────────────────────────────────────────────
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		slog.Error("failed to create postgres pool", "err", err)
		return 1
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to reach postgres", "err", err)
		return 1
	}

	// ── Redis cache ───────────────────────────────────────────────────────────
	kv, err := cache.NewRedisKV(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Error("failed to reach redis", "addr", cfg.Redis.Addr, "err", err)
		return 1
	}
	defer kv.Close()
	facade := cache.New(kv, logger)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "calldeck",
		ServiceVersion: version,
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
	metrics := observe.DefaultMetrics()

	// ── Model provider ────────────────────────────────────────────────────────
	apiKey := cfg.Model.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	var providerOpts []openai.Option
	if cfg.Model.BaseURL != "" {
		providerOpts = append(providerOpts, openai.WithBaseURL(cfg.Model.BaseURL))
	}
	provider, err := openai.New(apiKey, cfg.Model.Model, providerOpts...)
	if err != nil {
		slog.Error("failed to create model provider", "err", err)
		return 1
	}

	// ── Stores and schema ─────────────────────────────────────────────────────
	journeyStore := journey.NewPostgresStore(pool, facade, logger)
	guidelineStore := guideline.NewPostgresStore(pool, facade, logger)
	v := validator.New(pool, provider, metrics, logger)

	if err := journeyStore.Migrate(ctx); err != nil {
		slog.Error("journey schema migration failed", "err", err)
		return 1
	}
	if err := guidelineStore.Migrate(ctx); err != nil {
		slog.Error("guideline schema migration failed", "err", err)
		return 1
	}
	if err := v.Migrate(ctx); err != nil {
		slog.Error("validation schema migration failed", "err", err)
		return 1
	}
	if err := business.Migrate(ctx, pool); err != nil {
		slog.Error("business schema migration failed", "err", err)
		return 1
	}

	// ── Seed mode ─────────────────────────────────────────────────────────────
	if *seed {
		if err := runSeed(ctx, cfg, journeyStore, guidelineStore); err != nil {
			slog.Error("seed failed", "err", err)
			return 1
		}
		slog.Info("definitions seeded")
		return 0
	}

	if err := journeyStore.LoadAll(ctx); err != nil {
		slog.Error("failed to load journeys", "err", err)
		return 1
	}
	if err := guidelineStore.LoadAll(ctx); err != nil {
		slog.Error("failed to load guidelines", "err", err)
		return 1
	}

	// ── Business tools ────────────────────────────────────────────────────────
	claims := business.NewClaimsService(pool, logger)
	customers := business.NewCustomerService(pool, logger)
	knowledge := business.NewKnowledgeService(pool, logger)

	registry := tool.NewRegistry(logger)
	if err := business.RegisterTools(registry, claims, customers, knowledge); err != nil {
		slog.Error("failed to register tools", "err", err)
		return 1
	}
	registry.Freeze()
	executor := tool.NewExecutor(registry, facade, metrics, logger)
	slog.Info("tool registry frozen", "tools", registry.Names())

	// ── Flow-control engines ──────────────────────────────────────────────────
	engine := journey.NewEngine(journeyStore,
		journey.NewMatcher(journeyStore, facade, provider, logger), metrics, logger)
	matcher := guideline.NewMatcher(guidelineStore, provider, logger)
	pipeline := app.NewPipeline(engine, journeyStore, matcher, guidelineStore, v, metrics, logger)

	// ── HTTP server ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	app.NewServer(pipeline, executor, logger).Register(mux)
	health.New(
		health.Probe{Name: "postgres", Check: pool.Ping},
		health.Probe{Name: "redis", Check: kv.Ping},
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.TraceRequests(logger, mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		// ── Graceful shutdown ─────────────────────────────────────────────────
		slog.Info("shutdown signal received, stopping…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Seeding ───────────────────────────────────────────────────────────────────

// runSeed loads the journey and guideline definition directories into the
// database. Upserted journey IDs resolve the journey names guideline scopes
// refer to, so journeys always seed first.
func runSeed(ctx context.Context, cfg *config.Config, journeys journey.Store, guidelines guideline.Store) error {
	if cfg.Definitions.JourneysDir == "" {
		return fmt.Errorf("definitions.journeys_dir is not configured")
	}

	loaded, err := journey.LoadDir(cfg.Definitions.JourneysDir)
	if err != nil {
		return err
	}
	journeysByName := make(map[string]uuid.UUID, len(loaded))
	for _, j := range loaded {
		if err := journeys.UpsertJourney(ctx, j); err != nil {
			return err
		}
		journeysByName[j.Name] = j.ID
		slog.Info("journey seeded", "name", j.Name, "id", j.ID, "states", len(j.States))
	}

	if cfg.Definitions.GuidelinesDir == "" {
		slog.Info("definitions.guidelines_dir not configured, skipping guidelines")
		return nil
	}
	loadedGuidelines, err := guideline.LoadDir(cfg.Definitions.GuidelinesDir, journeysByName)
	if err != nil {
		return err
	}
	for _, g := range loadedGuidelines {
		if err := guidelines.UpsertGuideline(ctx, g); err != nil {
			return err
		}
		slog.Info("guideline seeded", "name", g.Name, "scope", g.Scope, "priority", g.Priority)
	}
	return nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
