// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command railsrunner queries a Rails application through a runner
// subprocess.
//
// Each query command boots the runner configured in .railsrunner.yaml (or
// the defaults), asks one question, prints the answer as JSON on stdout,
// and shuts the runner down. The watch command keeps a runner alive and
// reloads it when application files change.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRails/pkg/logging"
	"github.com/AleutianAI/AleutianRails/pkg/telemetry"
	"github.com/AleutianAI/AleutianRails/services/runner"
)

// --- Global Command Variables ---
var (
	appRoot     string
	configPath  string
	logLevel    string
	compactJSON bool
	timeout     time.Duration
	metricsAddr string

	cfg               runner.Config
	logConfig         logging.Config
	logger            *logging.Logger
	shutdownTelemetry func(context.Context) error

	rootCmd = &cobra.Command{
		Use:   "railsrunner",
		Short: "Ask a Rails application about its models, routes and migrations",
		Long: `railsrunner boots the application in a runner subprocess and
answers questions about it. Results are printed as JSON.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
	}

	// --- Queries ---
	modelCmd = &cobra.Command{
		Use:   "model NAME",
		Short: "Show columns, keys and indexes of a model",
		Args:  cobra.ExactArgs(1),
		RunE:  runModel, // Defined in commands.go
	}
	routeLocationCmd = &cobra.Command{
		Use:   "route-location NAME",
		Short: "Show where a route helper such as users_path is defined",
		Args:  cobra.ExactArgs(1),
		RunE:  runRouteLocation,
	}
	associationCmd = &cobra.Command{
		Use:   "association MODEL ASSOCIATION",
		Short: "Show where the target class of an association is defined",
		Args:  cobra.ExactArgs(2),
		RunE:  runAssociation,
	}
	routeInfoCmd = &cobra.Command{
		Use:   "route-info CONTROLLER ACTION",
		Short: "Show the route served by a controller action",
		Args:  cobra.ExactArgs(2),
		RunE:  runRouteInfo,
	}

	// --- Migrations ---
	migrationsCmd = &cobra.Command{
		Use:   "migrations",
		Short: "Print the pending migrations message, if any",
		Args:  cobra.NoArgs,
		RunE:  runMigrations,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Run pending migrations",
		Args:  cobra.NoArgs,
		RunE:  runMigrate,
	}

	// --- Runner control ---
	reloadCmd = &cobra.Command{
		Use:   "reload",
		Short: "Ask the runner to reload the application",
		Args:  cobra.NoArgs,
		RunE:  runReload,
	}
	delegateCmd = &cobra.Command{
		Use:   "delegate ADDON REQUEST [key=value...]",
		Short: "Send a request to a server add-on",
		Long: `Sends REQUEST to the server add-on ADDON. Each key=value pair becomes a
parameter; values that parse as JSON are sent as JSON, others as strings.`,
		Args: cobra.MinimumNArgs(2),
		RunE: runDelegate,
	}
	serverStatusCmd = &cobra.Command{
		Use:   "server-status",
		Short: "Report whether the application server is running",
		Args:  cobra.NoArgs,
		RunE:  runServerStatus,
	}
	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Keep a runner alive and reload it when files change",
		Args:  cobra.NoArgs,
		RunE:  runWatch, // Defined in watch.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&appRoot, "root", ".", "Application root directory")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default <root>/"+runner.DefaultConfigFile+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Minimum log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&compactJSON, "json", false, "Always print compact JSON")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Per-request timeout (default from config)")

	watchCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	rootCmd.AddCommand(modelCmd, routeLocationCmd, associationCmd, routeInfoCmd)
	rootCmd.AddCommand(migrationsCmd, migrateCmd)
	rootCmd.AddCommand(reloadCmd, delegateCmd, serverStatusCmd, watchCmd)
}

func main() {
	err := rootCmd.Execute()
	if shutdownTelemetry != nil {
		_ = shutdownTelemetry(context.Background())
	}
	if logger != nil {
		_ = logger.Close()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "railsrunner: %v\n", err)
		os.Exit(1)
	}
}

// setup resolves the root, loads the config and starts telemetry.
func setup(cmd *cobra.Command, _ []string) error {
	root, err := filepath.Abs(appRoot)
	if err != nil {
		return fmt.Errorf("resolve root: %w", err)
	}
	cfg, err = runner.LoadConfig(resolveConfigPath(root, configPath))
	if err != nil {
		return err
	}
	cfg.Dir = root
	if timeout > 0 {
		cfg.RequestTimeout = timeout
	}

	logConfig, err = newLogConfig(cmd.ErrOrStderr(), cfg.TestMode)
	if err != nil {
		return err
	}
	logger = logging.New(logConfig)

	shutdownTelemetry, err = telemetry.Init(cmd.Context(), telemetry.DefaultConfig("railsrunner"))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	return nil
}

// newLogConfig builds the logger settings from --log-level. Test mode keeps
// log lines off the console.
func newLogConfig(out io.Writer, testMode bool) (logging.Config, error) {
	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{
		Level:   level,
		Service: "railsrunner",
		Output:  out,
		Quiet:   testMode,
	}, nil
}

// resolveConfigPath prefers --config, then RAILSRUNNER_CONFIG, then the
// file in the application root.
func resolveConfigPath(root, flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if env := os.Getenv(runner.EnvConfigPath); env != "" {
		return env
	}
	return filepath.Join(root, runner.DefaultConfigFile)
}
