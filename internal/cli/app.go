package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/leadflow/internal/adapters"
	"github.com/lucasnoah/leadflow/internal/config"
	"github.com/lucasnoah/leadflow/internal/db"
	"github.com/lucasnoah/leadflow/internal/logging"
	"github.com/lucasnoah/leadflow/internal/memory"
	"github.com/lucasnoah/leadflow/internal/orchestrator"
	"github.com/lucasnoah/leadflow/internal/payment"
	"github.com/lucasnoah/leadflow/internal/stage"
)

// app is the fully wired service graph a command works against.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	db       *db.DB
	adapters *adapters.Set
	orch     *orchestrator.Orchestrator
	executor *payment.Executor
	retrier  *payment.Retrier
	saga     *payment.Saga
	worker   *payment.RetryWorker
	recon    *payment.Reconciler
}

func loadConfig() (*config.Config, error) {
	return config.LoadWithEnv(cfgPath)
}

// openDB opens and migrates the configured database.
func openDB(cfg *config.Config) (*db.DB, func(), error) {
	if cfg.Database.Driver == "sqlite3" && !strings.HasPrefix(cfg.Database.DSN, ":memory:") && !strings.HasPrefix(cfg.Database.DSN, "file:") {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.DSN), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating database dir: %w", err)
		}
	}
	d, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	if err := d.Migrate(); err != nil {
		d.Close()
		return nil, nil, err
	}
	return d, func() { d.Close() }, nil
}

// newApp loads config and builds every service on top of the sandbox
// adapters. The returned cleanup closes the database.
func newApp(cmd *cobra.Command) (*app, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, nil, fmt.Errorf("invalid config: %s", errs[0])
	}
	log := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)

	d, cleanup, err := openDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	fail := func(err error) (*app, func(), error) {
		cleanup()
		return nil, nil, err
	}

	set, err := adapters.Sandbox(cfg, log)
	if err != nil {
		return fail(err)
	}
	registry, err := stage.NewDefaultRegistry(set.Collaborators, cfg)
	if err != nil {
		return fail(fmt.Errorf("building stage registry: %w", err))
	}
	orch := orchestrator.New(d, registry, cfg.Orchestration, orchestrator.Options{
		Memory:   memory.NewStore(d),
		Logger:   log,
		Progress: cmd.ErrOrStderr(),
	})

	executor, err := payment.NewExecutor(d, set.Provider, set.Outbox, log)
	if err != nil {
		return fail(err)
	}
	retrier := payment.NewRetrier(d, executor, payment.RetryPolicyFromConfig(cfg.Payment.Retry), log)
	saga := payment.NewSaga(d, executor, retrier, payment.AgentConfig{
		ConfidenceThreshold: cfg.Payment.ConfidenceThreshold,
		HighValueCents:      cfg.Payment.HighValueCents,
	}, log)

	return &app{
		cfg:      cfg,
		log:      log,
		db:       d,
		adapters: set,
		orch:     orch,
		executor: executor,
		retrier:  retrier,
		saga:     saga,
		worker:   payment.NewRetryWorker(d, saga, parseDuration(cfg.Payment.Retry.PollInterval, 2*time.Second), log),
		recon:    payment.NewReconciler(d, retrier, log),
	}, cleanup, nil
}

// parseDuration parses a duration string, returning fallback if empty or invalid.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func addFormatFlag(c *cobra.Command) {
	c.Flags().String("format", "text", "Output format: text or json")
}

func jsonOutput(cmd *cobra.Command) bool {
	format, _ := cmd.Flags().GetString("format")
	return format == "json"
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
