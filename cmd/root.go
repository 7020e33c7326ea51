package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ari/cascade-usage/internal/api"
	"github.com/ari/cascade-usage/internal/config"
	"github.com/ari/cascade-usage/internal/conncache"
	"github.com/ari/cascade-usage/internal/discover"
	"github.com/ari/cascade-usage/internal/logging"
	"github.com/ari/cascade-usage/internal/monitor"
	"github.com/ari/cascade-usage/internal/store"
	"github.com/ari/cascade-usage/internal/tracker"
	"github.com/ari/cascade-usage/internal/ui"
)

var (
	cfgPath     string
	cfg         *config.Config
	debug       bool
	historyDays int
	logger      *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "cascade-usage",
	Short: "Track Cascade quota consumption",
	Long:  `A CLI tool that discovers the local Cascade language server, polls its status API and tracks estimated quota consumption over a rolling week.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help command
		if cmd.Name() == "help" {
			return nil
		}
		var err error
		cfg, err = config.LoadConfig(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger, err = logging.New(debug)
		if err != nil {
			return fmt.Errorf("failed to set up logging: %w", err)
		}
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show loaded configuration",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Config loaded:\n")
		fmt.Printf("  Database:         %s\n", cfg.GetDatabasePath())
		fmt.Printf("  TLS verify:       %v\n", cfg.TLSVerify)
		fmt.Printf("  Max retries:      %d\n", cfg.MaxRetries)
		fmt.Printf("  Retry base delay: %s\n", cfg.RetryBaseDelay())
		fmt.Printf("  Request timeout:  %s\n", cfg.RequestTimeout())
		fmt.Printf("  Cache TTL:        %s\n", cfg.CacheTTL())
		fmt.Printf("  Rolling window:   %s\n", cfg.RollingWindow())
		fmt.Printf("  Thresholds:       %g .. %g\n", cfg.MinThreshold, cfg.MaxThreshold)
		fmt.Printf("  Refresh interval: %s\n", cfg.RefreshInterval())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Run one refresh cycle and show current quota state",
	Run: func(cmd *cobra.Command, args []string) {
		mon, db, err := buildMonitor()
		if err != nil {
			ui.Error(err.Error())
			os.Exit(1)
		}
		defer db.Close()

		report, err := mon.Refresh(cmd.Context())
		if report == nil {
			ui.Error(fmt.Sprintf("refresh failed: %v", err))
			os.Exit(1)
		}
		if err != nil {
			// Persistence-only failure: still show what we fetched.
			logger.Warn("refresh completed with degraded persistence", zap.Error(err))
		}
		ui.DisplayStatus(report.PlanName, report.Snapshots, report.WindowTotal, report.Degraded)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll the status API on an interval until interrupted",
	Run: func(cmd *cobra.Command, args []string) {
		mon, db, err := buildMonitor()
		if err != nil {
			ui.Error(err.Error())
			os.Exit(1)
		}
		defer db.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Polling every %s (Ctrl-C to stop)\n", cfg.RefreshInterval())
		mon.Watch(ctx, cfg.RefreshInterval(), func(report *monitor.Report, err error) {
			if report == nil {
				ui.Error(fmt.Sprintf("refresh failed: %v", err))
				return
			}
			ui.DisplayStatus(report.PlanName, report.Snapshots, report.WindowTotal, report.Degraded)
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the persisted usage history",
	Run: func(cmd *cobra.Command, args []string) {
		db, err := openStore()
		if err != nil {
			ui.Error(err.Error())
			os.Exit(1)
		}
		defer db.Close()

		trk := newTracker(db)
		ctx := context.Background()
		entries, err := trk.History(ctx)
		if err != nil {
			ui.Error(fmt.Sprintf("Error reading history: %v", err))
			os.Exit(1)
		}
		if historyDays > 0 {
			cutoff := time.Now().AddDate(0, 0, -historyDays)
			filtered := entries[:0]
			for _, e := range entries {
				if e.Timestamp.After(cutoff) {
					filtered = append(filtered, e)
				}
			}
			entries = filtered
		}
		total, err := trk.WindowTotal(ctx)
		if err != nil {
			ui.Error(fmt.Sprintf("Error reading history: %v", err))
			os.Exit(1)
		}
		ui.DisplayHistory(entries, total)
	},
}

// buildMonitor wires the full refresh pipeline from the loaded config.
func buildMonitor() (*monitor.Monitor, *store.DB, error) {
	db, err := openStore()
	if err != nil {
		return nil, nil, err
	}

	client := api.New(api.Options{
		TLSVerify:   cfg.TLSVerify,
		MaxAttempts: cfg.MaxRetries,
		BaseDelay:   cfg.RetryBaseDelay(),
		Timeout:     cfg.RequestTimeout(),
	}, logger)

	platform := discover.ForOS(runtime.GOOS, logger)
	cache := conncache.New(platform, client, cfg.CacheTTL(), logger)
	mon := monitor.New(cache, client, newTracker(db), logger)
	return mon, db, nil
}

func openStore() (*store.DB, error) {
	dbPath := cfg.GetDatabasePath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

func newTracker(db *store.DB) *tracker.Tracker {
	return tracker.New(db, tracker.Options{
		MinThreshold: cfg.MinThreshold,
		MaxThreshold: cfg.MaxThreshold,
		Window:       cfg.RollingWindow(),
	}, logger)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to config file (default: ~/.cascade-usage/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	historyCmd.Flags().IntVar(&historyDays, "days", 0, "Only show entries from the last N days")
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(historyCmd)
}
