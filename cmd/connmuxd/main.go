// connmuxd serves framed connections through the connmux demultiplexer
// and probes remote servers through its pooled client channels.
//
// Usage:
//
//	connmuxd serve [--config path] [-v]
//	connmuxd probe --address host:port [--via uri] [--mode singleton|session]
//	connmuxd version
//
// The serve command echoes every singleton message and every session
// stream back to the client, which makes it a convenient peer for probe.
package main

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "connmuxd",
	Short:         "Connection pooling and demultiplexing daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(serveCmd, probeCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		newLogger().Error("command failed", "error", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".connmux", "connmuxd.toml")
}

func newLogger() *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
}
