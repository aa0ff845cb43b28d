package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mapnerd/internal/config"
	"mapnerd/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string
	dbPath     string
	timeout    time.Duration

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// version is stamped by the release build.
var version = "dev"

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mapnerd",
	Short: "mapnerd - MAP inference over soft logic rules",
	Long: `mapnerd grounds weighted rule templates into convex objective terms and
finds the most probable assignment of the unobserved atoms with consensus ADMM.

Rule bodies are Datalog (Google Mangle) programs; evidence and results live in
a SQLite atom database.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if configPath == "" {
			configPath = config.DefaultConfigPath()
		}
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if dbPath != "" {
			cfg.Store.DatabasePath = dbPath
		}
		if verbose {
			cfg.Logging.DebugMode = true
			cfg.Logging.Level = "debug"
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := logging.Initialize(cfg.Logging.ToLogging()); err != nil {
			return err
		}
		logging.Boot("mapnerd %s: %s with config %s", version, cmd.Name(), configPath)
		if cfg.Logging.AuditFile != "" {
			if err := logging.InitAudit(cfg.Logging.AuditFile); err != nil {
				return err
			}
		}

		logger.Debug("configuration loaded", zap.String("path", configPath))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAudit()
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the mapnerd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "mapnerd %s\n", version)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: .mapnerd/config.yaml in the workspace)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Atom database path (overrides store.database_path)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Minute, "Operation timeout")

	// Infer flags
	inferCmd.Flags().BoolVar(&noStore, "no-store", false, "Do not read or write the atom database")
	inferCmd.Flags().BoolVarP(&watchModel, "watch", "w", false, "Re-run inference when the model file changes")
	inferCmd.Flags().DurationVar(&watchDebounce, "debounce", 500*time.Millisecond, "Quiet period before a changed model is re-run")

	// Ground flags
	groundCmd.Flags().BoolVar(&showTerms, "terms", false, "Print every objective term")

	// Runs flags
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Number of runs to show (0 = all)")

	// Add commands to root
	rootCmd.AddCommand(inferCmd)
	rootCmd.AddCommand(groundCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
