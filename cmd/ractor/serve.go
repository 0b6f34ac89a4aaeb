package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/RactorLabs/ractor/internal/config"
	"github.com/RactorLabs/ractor/internal/gateway/httpapi"
	"github.com/RactorLabs/ractor/internal/gateway/ws"
	"github.com/RactorLabs/ractor/internal/llm"
	"github.com/RactorLabs/ractor/internal/observability"
	"github.com/RactorLabs/ractor/internal/ratelimit"
	"github.com/RactorLabs/ractor/internal/reaper"
	"github.com/RactorLabs/ractor/internal/runtime"
	"github.com/RactorLabs/ractor/internal/sandbox"
	"github.com/RactorLabs/ractor/internal/snapshot"
	"github.com/RactorLabs/ractor/internal/storage"
	pgstore "github.com/RactorLabs/ractor/internal/storage/postgres"
	sqlitestore "github.com/RactorLabs/ractor/internal/storage/sqlite"
	"github.com/RactorLabs/ractor/internal/task"
	goutils "github.com/jkaninda/go-utils"
)

// agentWSPath is where runtime agents open their websocket connection.
const agentWSPath = "/ws/runtime"

var (
	serveConfigPath string
	serveListenAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the engine (HTTP API, websocket runtime channel, reaper)",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations and exit",
	RunE:  runMigrate,
}

func init() {
	// Register flags on both root and serve so that
	// `ractor --config path` and `ractor serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveListenAddr, "listen", "", "override HTTP listen address (e.g. :8080)")
	}
	migrateCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

// Engine holds all initialized subsystems. Built once by initEngine, torn
// down by Cleanup.
type Engine struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store

	Obs        *observability.Observability
	Registry   *sandbox.Registry
	Scheduler  *task.Scheduler
	Accountant *sandbox.Accountant
	Snapshots  *snapshot.Manager
	Hub        *ws.Hub
	Reaper     *reaper.Reaper
	Gateway    *httpapi.Gateway

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (e *Engine) Cleanup() {
	for i := len(e.cleanups) - 1; i >= 0; i-- {
		e.cleanups[i]()
	}
}

func (e *Engine) addCleanup(fn func()) {
	e.cleanups = append(e.cleanups, fn)
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("RACTOR_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	if serveListenAddr != "" {
		cfg.Server.ListenAddr = serveListenAddr
	}

	logger.Info("starting engine", slog.String("config", serveConfigPath))

	eng, err := initEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start the lifecycle reaper.
	stopReaper, err := eng.Reaper.Start()
	if err != nil {
		return fmt.Errorf("starting reaper: %w", err)
	}
	defer stopReaper()

	// Start the HTTP gateway (also serves the agent websocket endpoint).
	errs := make(chan error, 1)
	go func() {
		errs <- eng.Gateway.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return eng.Gateway.Stop(shutdownCtx)
}

func runMigrate(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("RACTOR_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	store, err := initStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(context.Background()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied", slog.String("driver", store.Driver()))
	return nil
}

// initEngine performs all subsystem initialization and cross-wiring.
// Callers must call eng.Cleanup() when done.
func initEngine(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	eng := &Engine{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	eng.Obs = obs
	eng.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})

	// Storage (unified: SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, logger)
	if err != nil {
		eng.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	eng.Store = store
	eng.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})

	if err := store.Migrate(context.Background()); err != nil {
		eng.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	// Container runtime.
	rt := runtime.NewDockerRuntime(runtime.DockerConfig{
		Image:          cfg.Runtime.Image,
		MemoryMB:       cfg.Runtime.MemoryMB,
		CPUCores:       cfg.Runtime.CPUCores,
		PIDsLimit:      cfg.Runtime.PIDsLimit,
		NetworkAllowed: cfg.Runtime.NetworkAllowed,
		SnapshotDir:    cfg.ResolvedSnapshotDir(),
	}, logger)
	logger.Debug("container runtime initialized",
		slog.String("image", cfg.Runtime.Image),
		slog.Bool("network", cfg.Runtime.NetworkAllowed),
	)

	// Inference provider for context compaction. nil disables compaction.
	provider := newProvider(cfg, logger)
	if provider != nil {
		logger.Debug("inference provider initialized", slog.String("provider", provider.Name()))
	}

	// Core services.
	registry := sandbox.NewRegistry(store.Sandboxes(), rt, logger).
		WithDefaultIdleTimeout(cfg.Sandbox.IdleTimeout())
	scheduler := task.NewScheduler(store.Tasks(), registry, store.Sandboxes(), logger)
	accountant := sandbox.NewAccountant(store.Sandboxes(), provider, cfg.Sandbox.SoftLimit(), logger)
	snapshots := snapshot.NewManager(store.Snapshots(), registry, rt, cfg.ResolvedSnapshotDir(), logger)
	hub := ws.NewHub(registry, scheduler, store.Tasks(), accountant, cfg.Server.AgentToken, logger)

	// Cross-wiring. The With setters exist to break the package cycle
	// between sandbox, task, and snapshot.
	registry.
		WithTaskCanceller(scheduler).
		WithTerminationRecorder(snapshots).
		WithReadyHook(initPromptHook(scheduler, logger))
	accountant.
		WithMarkerWriter(scheduler).
		WithTranscriptSource(scheduler)
	scheduler.
		WithContextGuard(accountant).
		WithDispatcher(hub).
		WithCancelNotifier(hub)

	eng.Registry = registry
	eng.Scheduler = scheduler
	eng.Accountant = accountant
	eng.Snapshots = snapshots
	eng.Hub = hub

	// Lifecycle reaper.
	eng.Reaper = reaper.New(
		store.Sandboxes(), registry, scheduler,
		cfg.Reaper.SweepSchedule(), cfg.Reaper.Batch(), logger,
	).WithMetrics(obs.MetricsOrNil())

	// Readiness checks.
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("database", store.Ping)
	}

	// HTTP gateway.
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.Server.RateLimit.BurstSize,
	})

	httpCfg := httpapi.Config{
		ListenAddr:     cfg.Server.Addr(),
		EnableDocs:     cfg.Server.EnableDocs,
		APIKeys:        apiKeys(cfg),
		MaxRequestSize: cfg.Server.MaxRequestSize(),
	}
	if obs != nil {
		httpCfg.Metrics = obs.Metrics
		httpCfg.HealthChecker = obs.Health
		if obs.Metrics != nil {
			httpCfg.MetricsRegistry = obs.Metrics.Registry
		}
		if obs.Tracer != nil {
			httpCfg.Tracer = obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	eng.Gateway = httpapi.NewGateway(
		httpCfg, registry, scheduler, accountant, snapshots, limiter, logger,
	).WithHandler(agentWSPath, hub.Handler())
	logger.Debug("http gateway initialized",
		slog.String("addr", httpCfg.ListenAddr),
		slog.String("ws_path", agentWSPath),
	)

	return eng, nil
}

// initPromptHook returns the ready hook that submits a clone's initial
// prompt as its first task.
func initPromptHook(scheduler *task.Scheduler, logger *slog.Logger) sandbox.ReadyHook {
	return func(ctx context.Context, sb *sandbox.Sandbox) {
		if sb.InitPrompt == "" {
			return
		}
		_, err := scheduler.Submit(ctx, sb.ID, task.SubmitRequest{
			CreatedBy:  sb.CreatedBy,
			Input:      map[string]any{"prompt": sb.InitPrompt},
			Background: true,
		})
		if err != nil {
			logger.Error("submitting init prompt",
				slog.String("sandbox_id", sb.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case "postgres":
		return initPostgresStore(cfg, logger)
	case "sqlite":
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	dbPath := cfg.DatabasePath()
	journalMode := "wal"

	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		if cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	pgDB, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpen(),
		MaxIdleConns:    pg.MaxIdle(),
		ConnMaxLifetime: pg.ConnMaxLifetime(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}

// newProvider builds the inference backend used for context compaction.
// Returns nil when no provider is configured, which disables compaction.
func newProvider(cfg *config.Config, logger *slog.Logger) llm.Provider {
	switch cfg.Provider.Default {
	case "openai":
		var opts []llm.Option
		if cfg.Provider.OpenAI.BaseURL != "" {
			opts = append(opts, llm.WithBaseURL(cfg.Provider.OpenAI.BaseURL))
		}
		return llm.NewClient(cfg.Provider.OpenAI.APIKey, cfg.Provider.OpenAI.Model, logger, opts...)
	case "ollama":
		baseURL := cfg.Provider.Ollama.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return llm.NewClient("", cfg.Provider.Ollama.Model, logger,
			llm.WithBaseURL(baseURL),
			llm.WithName("ollama"),
		)
	default:
		return nil
	}
}

// apiKeys merges the config-file key mapping with the RACTOR_API_KEYS env
// override (comma-separated key:principal pairs).
func apiKeys(cfg *config.Config) map[string]string {
	keys := cfg.Server.APIKeyPrincipals
	if keys == nil {
		keys = make(map[string]string)
	}
	if envKeys := os.Getenv("RACTOR_API_KEYS"); envKeys != "" {
		for _, entry := range strings.Split(envKeys, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) == 2 {
				keys[parts[0]] = parts[1]
			}
		}
	}
	return keys
}
