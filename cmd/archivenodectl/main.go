package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/archivelabs/chainindexer/pkg/chainkv"
	"github.com/archivelabs/chainindexer/pkg/config"
	"github.com/archivelabs/chainindexer/pkg/executor"
	"github.com/archivelabs/chainindexer/pkg/log"
	"github.com/archivelabs/chainindexer/pkg/metrics"
	"github.com/archivelabs/chainindexer/pkg/supervisor"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "archivenodectl",
	Short:   "Chain archive indexer",
	Long:    `archivenodectl runs the archive indexing pipeline: catch-up crawl, LISTEN/NOTIFY-driven incremental indexing, and deterministic block re-execution against a persistent job queue.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"archivenodectl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the archive indexer until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := configFromFlags(cmd)
		if err != nil {
			return err
		}

		backend, err := chainkv.Open(cfg.ChainDataDir, cfg.CacheSize)
		if err != nil {
			return fmt.Errorf("open chain backend: %w", err)
		}

		// No real execution engine ships in this repository; Executor
		// is an external collaborator (see the ChainBackend/Executor
		// interfaces) that a production deployment supplies at build
		// time. The fake stands in so the pipeline is runnable end to
		// end for development and testing.
		exec := &executor.Fake{}

		sup, err := supervisor.Build(cmd.Context(), cfg, backend, exec)
		if err != nil {
			backend.Close()
			return fmt.Errorf("build supervisor: %w", err)
		}

		if err := sup.Start(cmd.Context()); err != nil {
			return fmt.Errorf("start supervisor: %w", err)
		}

		metrics.SetVersion(Version)
		metrics.RegisterComponent("dbstore", true, "ready")
		metrics.RegisterComponent("chainkv", true, "ready")
		metrics.RegisterComponent("taskrunner", true, "ready")

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		go serveMetrics(metricsAddr)

		fmt.Printf("archivenodectl running, metrics at http://%s/metrics\n", metricsAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		fmt.Println("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sup.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}

		fmt.Println("shutdown complete")
		return nil
	},
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
	}
}

func configFromFlags(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default(runtime.NumCPU())

	cfg.PgURL, _ = cmd.Flags().GetString("pg-url")
	cfg.ChainDataDir, _ = cmd.Flags().GetString("chain-data-dir")
	cfg.CacheSize, _ = cmd.Flags().GetInt64("cache-size")
	cfg.TaskWorkers, _ = cmd.Flags().GetInt("task-workers")
	cfg.TaskTimeout, _ = cmd.Flags().GetDuration("task-timeout")
	cfg.MaxTasks, _ = cmd.Flags().GetInt("max-tasks")
	cfg.MaxBlockLoad, _ = cmd.Flags().GetUint32("max-block-load")
	cfg.TracingTargets, _ = cmd.Flags().GetStringSlice("tracing-targets")
	cfg.TickInterval, _ = cmd.Flags().GetDuration("tick-interval")
	cfg.TaskPollInterval, _ = cmd.Flags().GetDuration("task-poll-interval")

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func init() {
	def := config.Default(runtime.NumCPU())

	runCmd.Flags().String("pg-url", "", "Postgres connection string (required)")
	runCmd.Flags().String("chain-data-dir", "", "Path to the embedded read-only chain database (required)")
	runCmd.Flags().Int64("cache-size", def.CacheSize, "Chain backend cache size in bytes (accepted but not applied by the bbolt backend)")
	runCmd.Flags().Int("task-workers", def.TaskWorkers, "Concurrent TaskRunner workers")
	runCmd.Flags().Duration("task-timeout", def.TaskTimeout, "Per-job execution timeout")
	runCmd.Flags().Int("max-tasks", def.MaxTasks, "Jobs leased per RunPendingTasks pass")
	runCmd.Flags().Uint32("max-block-load", def.MaxBlockLoad, "Blocks loaded by the initial catch-up window")
	runCmd.Flags().StringSlice("tracing-targets", nil, "Executor trace targets (carried in config; not read by any bundled component)")
	runCmd.Flags().Duration("tick-interval", def.TickInterval, "Crawl/flush tick interval")
	runCmd.Flags().Duration("task-poll-interval", def.TaskPollInterval, "Pause between empty RunPendingTasks passes")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for /metrics, /health, /ready and /live")

	runCmd.MarkFlagRequired("pg-url")
	runCmd.MarkFlagRequired("chain-data-dir")
}
