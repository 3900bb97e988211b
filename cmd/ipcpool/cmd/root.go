// ============================================================================
// ipcpool - Inter-Process Worker Pool
// ============================================================================
//
// Package:     cmd
// Description: Cobra commands of the ipcpool CLI
// Author:      Mike Stoffels
// Created:     2026-10-19
// License:     MIT
// ============================================================================

package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/msto63/ipcpool/pkg/core/config"
	"github.com/msto63/ipcpool/pkg/core/logging"
)

var (
	cfgFile   string
	verbose   bool
	workers   int
	transport string

	// cfg is loaded before every command except worker
	cfg *config.Config
)

var (
	bold   = color.New(color.Bold)
	green  = color.New(color.FgGreen)
	red    = color.New(color.FgRed)
	yellow = color.New(color.FgYellow)
)

var rootCmd = &cobra.Command{
	Use:   "ipcpool",
	Short: "ipcpool - Inter-Process Worker Pool",
	Long: `ipcpool runs a fixed pool of worker processes and invokes methods
on them with retry, timeout and recycle handling.

Commands:
  call     - invoke one method on the pool
  bench    - run many calls concurrently and report the outcome
  status   - start the pool and show its health`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: $IPCPOOL_CONFIG or ./configs/ipcpool.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "w", 0, "Number of worker processes (overrides config)")
	rootCmd.PersistentFlags().StringVar(&transport, "transport", "", "Worker transport: pipe or grpc (overrides config)")
}

// setup loads the configuration and configures logging
func setup(cmd *cobra.Command, args []string) error {
	var err error
	if cfgFile != "" {
		cfg, err = config.Load(cfgFile)
		if err == nil {
			err = cfg.ApplyEnvOverrides()
		}
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if workers > 0 {
		cfg.Pool.MaxWorkers = workers
	}
	if transport != "" {
		cfg.Worker.Transport = transport
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, format := cfg.General.LogLevel, cfg.General.LogFormat
	if verbose {
		level, format = "debug", "console"
	} else if level == "info" {
		// Keep the terminal for results unless asked for more
		level = "warn"
	}
	logging.SetDefaults(level, format, os.Stderr)

	// Workers log at the controller's level
	if cfg.Worker.Env == nil {
		cfg.Worker.Env = make(map[string]string)
	}
	if _, ok := cfg.Worker.Env["IPCPOOL_LOG_LEVEL"]; !ok {
		cfg.Worker.Env["IPCPOOL_LOG_LEVEL"] = level
	}
	return nil
}

func printError(msg string, err error) {
	red.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
}
