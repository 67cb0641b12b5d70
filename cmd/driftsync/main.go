package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ajitpratap0/driftsync/internal/engine"
	"github.com/ajitpratap0/driftsync/pkg/config"
	"github.com/ajitpratap0/driftsync/pkg/logger"
	"github.com/ajitpratap0/driftsync/pkg/observability"
	"github.com/ajitpratap0/driftsync/pkg/store"

	// Register the store backends
	_ "github.com/ajitpratap0/driftsync/pkg/store/memory"
	_ "github.com/ajitpratap0/driftsync/pkg/store/mongo"
	_ "github.com/ajitpratap0/driftsync/pkg/store/postgres"
	_ "github.com/ajitpratap0/driftsync/pkg/store/sqlstore"
)

var version = "0.1.0"

const shutdownTimeout = 10 * time.Second

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()
	var configFile string

	root := &cobra.Command{
		Use:   "driftsync",
		Short: "driftsync - keep a target record store in step with a source",
		Long: `driftsync replicates keyed records from a source store to a target store.
It seeds the target once and then reconciles drift on a fixed interval.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "Path to YAML configuration file")
	flags.String("source-driver", "", "Source store driver (see 'driftsync backends')")
	flags.String("source-dsn", "", "Source store DSN")
	flags.String("target-driver", "", "Target store driver")
	flags.String("target-dsn", "", "Target store DSN")
	flags.Int("page-size", 0, "Records per page for paginated replication")
	flags.Int("workers", 0, "Concurrent writes against the target")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("log-encoding", "", "Log encoding (json, console)")
	flags.String("metrics-addr", "", "Serve /metrics, /healthz and /status on this address")
	flags.Bool("tracing", false, "Export OpenTelemetry spans for store operations to stdout")

	bindings := map[string]string{
		"source.driver":                "source-driver",
		"source.dsn":                   "source-dsn",
		"target.driver":                "target-driver",
		"target.dsn":                   "target-dsn",
		"sync.page_size":               "page-size",
		"sync.workers":                 "workers",
		"observability.log_level":      "log-level",
		"observability.log_encoding":   "log-encoding",
		"observability.metrics_addr":   "metrics-addr",
		"observability.enable_tracing": "tracing",
	}
	for key, flag := range bindings {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	load := func() (*config.Config, error) {
		return loadConfig(configFile, v)
	}

	root.AddCommand(
		newRunCmd(load),
		newSyncCmd(load),
		newBackendsCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the file when one is given, then applies flag and
// DRIFTSYNC_* environment overrides.
func loadConfig(path string, v *viper.Viper) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	config.ApplyOverrides(cfg, v)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "driftsync v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newBackendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List available store drivers",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "Available store drivers:")
			for _, name := range store.Drivers() {
				fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", name)
			}
		},
	}
}

func newSyncCmd(load func() (*config.Config, error)) *cobra.Command {
	var strategy string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a single replication and exit",
		Long: `Run one replication with the chosen strategy:
  bulk       copy every source record in one pass
  paginated  copy the source page by page
  delta      reconcile drift once`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), cfg, func(ctx context.Context, eng *engine.Engine, log *zap.Logger) error {
				start := time.Now()
				written, err := eng.Sync(ctx, strategy)
				if err != nil {
					return fmt.Errorf("%s sync failed after %d records: %w", strategy, written, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s sync wrote %d records in %s\n",
					strategy, written, time.Since(start).Round(time.Millisecond))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&strategy, "strategy", "s", config.SeedPaginated, "Replication strategy (bulk, paginated, delta)")
	return cmd
}

func newRunCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Seed the target and reconcile until interrupted",
		Long: `Seed the target with the configured strategy, then run the reconciliation
loop until SIGINT or SIGTERM.

Example:
  driftsync run --config replication.yaml --metrics-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), cfg, runReplication)
		},
	}
}

func runReplication(ctx context.Context, eng *engine.Engine, log *zap.Logger) error {
	cfg := eng.Config()

	var srv *observability.Server
	if addr := cfg.Observability.MetricsAddr; addr != "" {
		srv = observability.NewServer(addr, func() interface{} { return eng.Loop().Stats() }, log)
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	log.Info("starting replication",
		zap.String("source", cfg.Source.Driver),
		zap.String("target", cfg.Target.Driver),
		zap.Duration("poll_interval", cfg.Sync.Interval()),
		zap.Bool("initial_seed", cfg.Sync.InitialSeed),
		zap.String("seed_strategy", cfg.Sync.SeedStrategy))

	err := eng.Run(ctx)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			log.Warn("failed to stop metrics server", zap.Error(serr))
		}
	}

	stats := eng.Loop().Stats()
	log.Info("replication stopped",
		zap.Uint64("ticks", stats.Ticks),
		zap.Uint64("applied", stats.Applied),
		zap.Uint64("failed", stats.Failed),
		zap.Int64("events_sent", eng.Sink().EventsSent()))
	return err
}

// withRuntime sets up logging and tracing, opens the engine and runs fn
// under a context cancelled by SIGINT or SIGTERM.
func withRuntime(parent context.Context, cfg *config.Config, fn func(context.Context, *engine.Engine, *zap.Logger) error) error {
	if parent == nil {
		parent = context.Background()
	}

	if err := logger.Init(logger.Config{
		Level:    cfg.Observability.LogLevel,
		Encoding: cfg.Observability.LogEncoding,
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	log := logger.With(zap.String("component", "driftsync-cli"), zap.String("replication", cfg.Name))

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []engine.Option
	if cfg.Observability.EnableTracing {
		tracing, err := observability.InitTracing(observability.TracingConfig{
			ServiceName:    "driftsync",
			ServiceVersion: version,
			Environment:    cfg.Name,
			SamplingRate:   1,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := tracing.Shutdown(shutdownCtx); err != nil {
				log.Warn("failed to flush spans", zap.Error(err))
			}
		}()
		opts = append(opts, engine.WithTracer(tracing.Tracer()))
	}

	eng, err := engine.Open(ctx, cfg, log, opts...)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := eng.Close(closeCtx); err != nil {
			log.Warn("failed to close engine", zap.Error(err))
		}
	}()

	return fn(ctx, eng, log)
}
