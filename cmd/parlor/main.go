package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aeolun/parlor/pkg/server"
)

var (
	// Global flags
	configPath string
	verbose    bool

	config server.TOMLConfig
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "parlor",
	Short: "Parlor - real-time chat server",
	Long: `Parlor serves a chat over WebSocket: accounts with session cookies,
friend requests, direct messages between friends and a shared public channel.

State lives in memory and is snapshotted to SQLite or JSON files after every
change.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		config, err = server.LoadConfig(configPath)
		if err != nil {
			return err
		}

		zc := zap.NewProductionConfig()
		level, err := zap.ParseAtomicLevel(config.Logging.Level)
		if err != nil {
			return fmt.Errorf("invalid logging level %q: %w", config.Logging.Level, err)
		}
		zc.Level = level
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "~/.parlor/config.toml", "Path to the TOML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(inspectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
