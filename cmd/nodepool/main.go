package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quorumgrid/nodepool/pkg/config"
	"github.com/quorumgrid/nodepool/pkg/log"
	"github.com/quorumgrid/nodepool/pkg/manager"
	"github.com/quorumgrid/nodepool/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	flagConfig   string
	flagLockDir  string
	flagLogLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nodepool",
	Short: "Nodepool - shared test-cluster resource manager",
	Long: `Nodepool coordinates a small pool of expensive blockchain node
clusters between concurrently running test workers. Workers agree on
which instances and named resources are free, locked or dirty purely
through lock files in a shared directory; there is no coordinator
process.

This CLI inspects and maintains that shared state.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Nodepool version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&flagLockDir, "lock-dir", "", "Shared lock directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(stopAllCmd)
	rootCmd.AddCommand(metricsCmd)
}

func setup() (*manager.Manager, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagLockDir != "" {
		cfg.LockDir = flagLockDir
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel)})

	return manager.New(cfg)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of every cluster instance slot",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := setup()
		if err != nil {
			return err
		}

		statuses, err := mgr.Pool().Statuses()
		if err != nil {
			return fmt.Errorf("failed to read pool state: %w", err)
		}

		fmt.Printf("%-6s %-16s %-10s %-20s %s\n", "SLOT", "STATE", "HOLDERS", "RESOURCES", "STARTED")
		for _, st := range statuses {
			started := ""
			if !st.StartedAt.IsZero() {
				started = st.StartedAt.Local().Format(time.RFC3339)
			}
			resources := ""
			for i, r := range st.Resources {
				if i > 0 {
					resources += ","
				}
				resources += r
			}
			fmt.Printf("%-6d %-16s %-10d %-20s %s\n",
				st.Index, st.State, len(st.Holders), resources, started)
		}
		return nil
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Reclaim stale locks and holder markers left by dead workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := setup()
		if err != nil {
			return err
		}

		reclaimed, err := mgr.Pool().Clean()
		if err != nil {
			return fmt.Errorf("clean failed: %w", err)
		}

		if len(reclaimed) == 0 {
			fmt.Println("Nothing to reclaim.")
			return nil
		}
		for _, name := range reclaimed {
			fmt.Printf("reclaimed: %s\n", name)
		}
		return nil
	},
}

var stopAllCmd = &cobra.Command{
	Use:   "stop-all",
	Short: "Stop every running cluster instance and reset the pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := setup()
		if err != nil {
			return err
		}

		fmt.Println("Stopping all cluster instances...")
		if err := mgr.StopAll(cmd.Context()); err != nil {
			return fmt.Errorf("stop-all failed: %w", err)
		}
		fmt.Println("All instances stopped.")
		return nil
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Serve Prometheus metrics for the coordination layer",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("listen")

		if _, err := setup(); err != nil {
			return err
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())

		srv := &http.Server{Addr: addr, Handler: mux}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		fmt.Printf("Serving metrics on %s/metrics\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	},
}

func init() {
	metricsCmd.Flags().String("listen", ":9464", "Metrics listen address")
}
