package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/mfzzf/e2b-test-suite/internal/config"
	"github.com/mfzzf/e2b-test-suite/internal/llm"
	"github.com/mfzzf/e2b-test-suite/internal/llm/openai"
	"github.com/mfzzf/e2b-test-suite/internal/notification"
	"github.com/mfzzf/e2b-test-suite/internal/observability"
	"github.com/mfzzf/e2b-test-suite/internal/orchestrator"
	"github.com/mfzzf/e2b-test-suite/internal/sandbox"
	"github.com/mfzzf/e2b-test-suite/internal/secrets"
	"github.com/mfzzf/e2b-test-suite/internal/storage"
	pgstore "github.com/mfzzf/e2b-test-suite/internal/storage/postgres"
	sqlitestore "github.com/mfzzf/e2b-test-suite/internal/storage/sqlite"
	"github.com/mfzzf/e2b-test-suite/internal/suite"
	"github.com/mfzzf/e2b-test-suite/internal/suites"
)

type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

var globalFlags globalOptions

// newLogger builds the process logger from --log-level/--log-format, falling
// back to E2B_SUITE_LOG_LEVEL. Suite output goes to stdout, logs to w.
func newLogger(w io.Writer) (*slog.Logger, error) {
	levelName := globalFlags.logLevel
	if levelName == "" {
		levelName = goutils.Env("E2B_SUITE_LOG_LEVEL", "warn")
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", levelName, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(globalFlags.logFormat) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (want text or json)", globalFlags.logFormat)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(goutils.Env("E2B_SUITE_CONFIG", globalFlags.configPath))
	if err != nil {
		return nil, err
	}
	if err := resolveSecrets(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// secretsTimeout bounds resolving credential references at startup.
const secretsTimeout = 15 * time.Second

// resolveSecrets replaces env://, file:// and vault:// references in the
// credential fields with the secrets they point to.
func resolveSecrets(cfg *config.Config) error {
	providers := []secrets.Provider{secrets.NewEnvProvider(), secrets.NewFileProvider()}
	if cfg.Secrets != nil && cfg.Secrets.Vault != nil {
		v := cfg.Secrets.Vault
		vault, err := secrets.NewVaultProvider(secrets.VaultConfig{
			Address:       v.Address,
			Token:         v.Token,
			Namespace:     v.Namespace,
			Timeout:       time.Duration(v.TimeoutS) * time.Second,
			TLSSkipVerify: v.TLSSkipVerify,
		})
		if err != nil {
			return fmt.Errorf("configuring vault: %w", err)
		}
		providers = append(providers, vault)
	}

	ctx, cancel := context.WithTimeout(context.Background(), secretsTimeout)
	defer cancel()
	return secrets.NewResolver(providers...).ResolveAll(ctx, cfg.CredentialFields()...)
}

// SharedComponents holds the subsystems every command needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config   *config.Config
	Logger   *slog.Logger
	Obs      *observability.Observability
	Client   *sandbox.Client
	Registry *suite.Registry
	Store    storage.RunStore // nil unless requested

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

func platformDomain(cfg *config.Config) string {
	if cfg.Platform.Domain != "" {
		return cfg.Platform.Domain
	}
	return sandbox.DefaultDomain
}

// initShared wires observability, the platform client, the suite registry
// and, when withStore is set, the run store. Callers must call Cleanup.
func initShared(cfg *config.Config, logger *slog.Logger, withStore bool) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	obs, err := observability.New(cfg.Observability, logger,
		semconv.ServiceVersionKey.String(version),
		attribute.String("e2b.domain", platformDomain(cfg)),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	if obs != nil {
		obs.Health.SetVersion(version)
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("failure_rate", obs.FailureRate != nil),
		)
	}

	sc.Client = sandbox.NewClient(sandbox.ConnectionConfig{
		APIKey:         cfg.Platform.APIKey,
		AccessToken:    cfg.Platform.AccessToken,
		Domain:         cfg.Platform.Domain,
		APIURL:         cfg.Platform.APIURL,
		SandboxURL:     cfg.Platform.SandboxURL,
		Debug:          cfg.Platform.Debug,
		RequestTimeout: cfg.Platform.RequestTimeout(),
		HTTPClient:     obs.HTTPClient(nil),
		Logger:         logger,
	})

	sc.Registry = suite.NewRegistry()
	if err := suites.Register(sc.Registry, &suites.Env{
		Client: sc.Client,
		Config: cfg,
		Logger: logger,
		LLM:    newLLMProvider(cfg, obs, logger),
	}); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("registering suites: %w", err)
	}

	if withStore {
		store, err := openStore(cfg, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
	}
	return sc, nil
}

// newLLMProvider returns the OpenAI-compatible provider backing the openai
// suite, or nil when no API key is configured.
func newLLMProvider(cfg *config.Config, obs *observability.Observability, logger *slog.Logger) llm.Provider {
	if cfg.OpenAI.APIKey == "" {
		return nil
	}
	var opts []openai.Option
	if cfg.OpenAI.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	if hc := obs.HTTPClient(nil); hc != nil {
		opts = append(opts, openai.WithHTTPClient(hc))
	}
	var provider llm.Provider = openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.ModelName(), logger, opts...)
	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil {
		provider = observability.NewInstrumentedProvider(provider, obs.MetricsOrNil(), obs.TracerOrNil())
	}
	return provider
}

// openStore opens the run history backend selected by the config.
func openStore(cfg *config.Config, logger *slog.Logger) (storage.RunStore, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		pg := cfg.Storage.Postgres
		if pg == nil || pg.DSN == "" {
			return nil, fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
		db, err := pgstore.Open(pgstore.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
		if err != nil {
			return nil, err
		}
		logger.Debug("run store opened", slog.String("driver", driver))
		return pgstore.NewStore(db), nil
	case storage.DriverSQLite:
		var journal string
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			journal = cfg.Storage.SQLite.JournalMode
		}
		store, err := sqlitestore.Open(sqlitestore.Config{
			Path:        cfg.DatabasePath(),
			JournalMode: journal,
		}, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

// newEngine builds the runner and run engine. Suite output goes to out.
func (sc *SharedComponents) newEngine(out io.Writer, verbose bool) (*orchestrator.Engine, error) {
	hooks := []suite.Hooks{sc.Obs.SuiteHooks()}
	runner := suite.NewRunner(suite.Options{
		Out:         out,
		Logger:      sc.Logger,
		CaseTimeout: sc.Config.Suites.CaseTimeout(),
		Tracer:      sc.Obs.TracerOrNil().Tracer(),
		Hooks:       hooks,
		Verbose:     verbose,
	})
	engine := orchestrator.NewEngine(sc.Registry, runner, sc.Store, sc.Logger).
		WithDefaults(sc.Config.Suites.Default)

	dispatcher, err := notification.FromConfig(sc.Config.Notifications, nil, sc.Logger)
	if err != nil {
		return nil, fmt.Errorf("configuring notifications: %w", err)
	}
	if dispatcher != nil {
		engine.WithNotifier(dispatcher)
	}
	return engine, nil
}
