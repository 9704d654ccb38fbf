package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/csop/internal/api"
	"github.com/seantiz/csop/internal/config"
	"github.com/seantiz/csop/internal/engine"
	"github.com/seantiz/csop/internal/handler"
	"github.com/seantiz/csop/internal/metrics"
	"github.com/seantiz/csop/internal/pool"
	"github.com/seantiz/csop/internal/store"
	"github.com/seantiz/csop/internal/worker"
)

var (
	addrFlag    string
	workersFlag int
	timeoutFlag time.Duration
	modeFlag    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP task service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		logger := config.NewLogger(os.Stdout, cfg.LogLevel)

		logger.Info("csop: starting",
			"listen_addr", cfg.ListenAddr,
			"workers", cfg.NumWorkers,
			"worker_mode", cfg.WorkerMode,
			"task_timeout", cfg.TaskTimeout,
			"history_limit", cfg.HistoryLimit,
		)

		db, err := store.NewSQLiteStore(store.MemoryPath)
		if err != nil {
			return fmt.Errorf("open task history: %w", err)
		}
		defer db.Close()

		reg := handler.Default()
		spawner, err := newSpawner(cfg.WorkerMode, reg, logger)
		if err != nil {
			return err
		}

		exporter, err := metrics.NewExporter(metrics.DefaultNamespace, nil)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}

		eng, err := engine.New(db, reg, pool.Config{
			NumWorkers:     cfg.NumWorkers,
			DefaultTimeout: cfg.TaskTimeout,
			Spawner:        spawner,
			Observers:      []pool.Observer{exporter},
		}, logger, engine.WithHistoryLimit(cfg.HistoryLimit))
		if err != nil {
			return err
		}
		defer eng.Shutdown()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv := api.NewServer(cfg.ListenAddr, eng, logger)
		return srv.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (overrides CSOP_LISTEN_ADDR)")
	serveCmd.Flags().IntVar(&workersFlag, "workers", 0, "number of workers (overrides CSOP_NUM_WORKERS)")
	serveCmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "default task timeout (overrides CSOP_TASK_TIMEOUT_MS)")
	serveCmd.Flags().StringVar(&modeFlag, "mode", "", "worker mode: local or process (overrides CSOP_WORKER_MODE)")
}

// resolveConfig loads env configuration and applies flags that were set.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Load()
	flags := cmd.Flags()

	if flags.Changed("addr") {
		cfg.ListenAddr = addrFlag
	}
	if flags.Changed("workers") {
		if workersFlag <= 0 {
			return cfg, fmt.Errorf("--workers must be positive, got %d", workersFlag)
		}
		cfg.NumWorkers = workersFlag
	}
	if flags.Changed("timeout") {
		if timeoutFlag <= 0 {
			return cfg, fmt.Errorf("--timeout must be positive, got %s", timeoutFlag)
		}
		cfg.TaskTimeout = timeoutFlag
	}
	if flags.Changed("mode") {
		mode := config.ParseWorkerMode(modeFlag)
		if mode == "" {
			return cfg, fmt.Errorf("unknown worker mode %q", modeFlag)
		}
		cfg.WorkerMode = mode
	}
	return cfg, nil
}

// newSpawner builds the execution context spawner for mode. Process workers
// re-execute this binary with the worker subcommand.
func newSpawner(mode string, reg *handler.Registry, logger *slog.Logger) (worker.Spawner, error) {
	switch mode {
	case config.WorkerModeProcess:
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		reg.Seal()
		return worker.NewProcessSpawner(exe, []string{workerCmd.Name()}, nil, logger), nil
	default:
		return worker.NewLocalSpawner(reg), nil
	}
}
