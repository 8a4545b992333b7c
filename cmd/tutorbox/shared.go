package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/tutorbox/internal/config"
	"github.com/jkaninda/tutorbox/internal/flow"
	"github.com/jkaninda/tutorbox/internal/observability"
	"github.com/jkaninda/tutorbox/internal/ratelimit"
	"github.com/jkaninda/tutorbox/internal/sandbox"
	"github.com/jkaninda/tutorbox/internal/session"
	"github.com/jkaninda/tutorbox/internal/storage"
	"github.com/jkaninda/tutorbox/internal/storage/memory"
	pgstore "github.com/jkaninda/tutorbox/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/tutorbox/internal/storage/sqlite"
	"github.com/jkaninda/tutorbox/internal/tutor"
	"github.com/jkaninda/tutorbox/internal/workspace"
)

var (
	configPath string
	logLevel   string
)

// limiterIdle is how long a session's rate-limit bucket is kept unused.
const limiterIdle = 10 * time.Minute

// SharedComponents holds all initialized subsystems that serve and play
// modes require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Store     storage.Store

	Obs      *observability.Observability
	Provider sandbox.Provider // Instrumented backend.
	Catalog  *flow.Catalog
	Registry *session.Registry
	Limiter  *ratelimit.Limiter // nil = unlimited.
	Service  *tutor.Service

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig reads the config file. When no file is given and the default
// one does not exist, the built-in defaults are used.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("TUTORBOX_CONFIG", configPath)
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		path = config.DefaultConfigPath()
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			cfg, err = config.Default()
		} else {
			cfg, err = config.Load(path)
		}
	} else {
		cfg, err = config.Load(path)
	}
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

// newLogger returns a JSON logger for services and a text logger for
// interactive use.
func newLogger(cfg *config.Config, w io.Writer, jsonFormat bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if jsonFormat {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// initShared performs all common initialization shared between serve and play.
// Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}
	ok := false
	defer func() {
		if !ok {
			sc.Cleanup()
		}
	}()

	// Workspace.
	ws, err := workspace.New(cfg.ResolvedWorkspace())
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return nil, fmt.Errorf("preparing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})

	// Storage.
	store, err := initStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Sandbox backend.
	provider, err := initProvider(cfg, ws, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing sandbox: %w", err)
	}
	sc.Provider = observability.NewInstrumentedProvider(provider, obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil())
	logger.Debug("sandbox initialized", slog.String("type", provider.Name()))

	// Flow catalog.
	catalog, err := buildCatalog(cfg, ws, logger)
	if err != nil {
		return nil, err
	}
	sc.Catalog = catalog

	// Session registry.
	var sessMetrics *session.Metrics
	if m := obs.MetricsOrNil(); m != nil {
		sessMetrics = session.NewMetrics(m.Registry)
	}
	sc.Registry = session.NewRegistry(flow.Deps{
		Provider: sc.Provider,
		Runner: sandbox.NewRunner(sandbox.RunnerConfig{
			DefaultTimeout: cfg.Sandbox.ExecTimeout(),
			KillGrace:      cfg.Sandbox.KillGrace(),
			MaxOutputBytes: cfg.Sandbox.OutputLimit(),
		}, logger),
		Logger: logger,
	}, session.Config{
		IdleTimeout:      cfg.Sessions.IdleTimeout(),
		MaxActive:        cfg.Sessions.MaxActive,
		ProvisionTimeout: cfg.Sessions.ProvisionTimeout(),
	}, sessMetrics, logger)
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sc.Registry.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutting down sessions", slog.String("error", err.Error()))
		}
	})

	// Per-session rate limiting (HTTP gateway settings apply to every front end).
	if h := cfg.Gateways.HTTP; h != nil && h.RateLimit.RequestsPerMinute > 0 {
		sc.Limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: h.RateLimit.RequestsPerMinute,
			BurstSize:         h.RateLimit.BurstSize,
		})
	}

	svc, err := tutor.NewService(tutor.Options{
		Catalog:  catalog,
		Registry: sc.Registry,
		Store:    store,
		Limiter:  sc.Limiter,
		Metrics:  obs.MetricsOrNil(),
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	sc.Service = svc

	// Health checks.
	if obs != nil && obs.Health != nil && cfg.Observability.Health != nil {
		if cfg.Observability.Health.IncludeDB {
			obs.Health.AddCheck("database", store.Ping)
		}
		if cfg.Observability.Health.IncludeSandbox {
			if p, ok := sc.Provider.(sandbox.Pinger); ok {
				obs.Health.AddCheck("sandbox", p.Ping)
			}
		}
	}

	ok = true
	return sc, nil
}

// initStore creates the configured storage backend and migrates it.
func initStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverMemory:
		store = memory.New()
	case "sqlite":
		store, err = initSQLiteStore(cfg, logger)
	case "postgres":
		store, err = initPostgresStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrating %s store: %w", store.Driver(), err)
	}
	return store, nil
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or TUTORBOX_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if p := cfg.Storage.Postgres; p != nil {
		pgCfg.MaxOpenConns = p.MaxOpenConns
		pgCfg.MaxIdleConns = p.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(p.ConnMaxLifetimeS) * time.Second
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}

// initProvider creates the sandbox backend selected by sandbox.type.
func initProvider(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (sandbox.Provider, error) {
	switch cfg.Sandbox.SandboxType() {
	case "docker":
		d := cfg.Sandbox.Docker
		return sandbox.NewDockerProvider(sandbox.DockerConfig{
			Templates:      d.Templates,
			ImagePrefix:    d.ImagePrefix,
			DefaultImage:   d.DefaultImage,
			MemoryMB:       cfg.Sandbox.MaxMemoryMB,
			CPUCores:       d.CPUCores,
			PIDsLimit:      d.PIDsLimit,
			NetworkAllowed: cfg.Sandbox.NetworkAllowed,
		}, logger), nil
	case "process":
		return sandbox.NewProcessProvider(sandbox.ProcessConfig{
			Root:         ws.SandboxDir(),
			TemplatesDir: ws.TemplatesDir(),
			Limits: sandbox.ResourceLimits{
				MaxCPUSeconds: cfg.Sandbox.MaxCPUSeconds,
				MaxMemoryMB:   cfg.Sandbox.MaxMemoryMB,
			},
		}, logger)
	case "virtual":
		return sandbox.NewVirtualProvider(sandbox.VirtualConfig{
			Root:          ws.SandboxDir(),
			TemplatesDir:  ws.TemplatesDir(),
			AllowExternal: cfg.Sandbox.AllowExternal,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown sandbox type: %q (supported: virtual, process, docker)", cfg.Sandbox.Type)
	}
}

// buildCatalog registers the built-in flow and every bundle found in the
// workspace flows directory and the configured flow directories. Bundles
// that fail to parse are logged and skipped.
func buildCatalog(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (*flow.Catalog, error) {
	var builtin []*flow.Definition
	if !cfg.Flows.DisableBuiltin {
		builtin = append(builtin, flow.SimpleBash())
	}
	catalog, err := flow.NewCatalog(builtin...)
	if err != nil {
		return nil, fmt.Errorf("building flow catalog: %w", err)
	}

	loader := flow.NewLoader(logger)
	dirs := append([]string{ws.FlowsDir()}, cfg.Flows.Dirs...)
	for _, dir := range dirs {
		res, err := loader.LoadDir(dir, catalog)
		if err != nil {
			logger.Warn("failed to load flow bundles",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, le := range res.Errors {
			logger.Warn("invalid flow bundle",
				slog.String("file", le.File),
				slog.String("error", le.Message),
			)
		}
	}
	if catalog.Len() == 0 {
		return nil, fmt.Errorf("no flows available: enable the built-in flow or add bundles to %s", ws.FlowsDir())
	}
	logger.Debug("flow catalog loaded", slog.Int("flows", catalog.Len()))
	return catalog, nil
}
