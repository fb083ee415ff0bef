package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dgnsrekt/fieldsync/internal/config"
)

var (
	cfgFile string
	envFile string
	verbose bool
	logger  *zap.Logger
	cfg     *config.Config
)

func setupLogger(verbose bool, level string) (*zap.Logger, error) {
	var zapConfig zap.Config
	if verbose {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.DisableStacktrace = true
	}

	// Set log level from config
	if level != "" && !verbose {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err == nil {
			zapConfig.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	return zapConfig.Build()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "sheetctl",
		Short:         "Move point data between GeoJSON files and the fieldsync source",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip config loading for help commands
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				var err error
				logger, err = setupLogger(verbose, "")
				return err
			}

			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("reading %s: %w", envFile, err)
			}

			// Load config
			var err error
			cfg, err = config.Load(cfgFile)
			if err != nil {
				return err
			}

			// Setup logger with config
			logger, err = setupLogger(verbose, cfg.Log.Level)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("FIELDSYNC_CONFIG"), "config file path (or set FIELDSYNC_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(configCmd())

	return rootCmd
}

func main() {
	// Setup signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		cancel()
		os.Exit(1)
	}
}
