// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command railsrunner-server is the runner subprocess.
//
// It loads the application under --root and, with the start subcommand,
// serves framed requests on stdin and writes responses on stdout. All
// logging goes to stderr, since stdout carries the protocol.
//
// Usage:
//
//	railsrunner-server --root /path/to/app          # load and exit
//	railsrunner-server start --root /path/to/app    # serve on stdio
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRails/pkg/logging"
	"github.com/AleutianAI/AleutianRails/pkg/telemetry"
	"github.com/AleutianAI/AleutianRails/services/railsapp"
	"github.com/AleutianAI/AleutianRails/services/runner"
	"github.com/AleutianAI/AleutianRails/services/runner/server"
)

var (
	appRoot  string
	logLevel string
	logDir   string

	rootCmd = &cobra.Command{
		Use:           "railsrunner-server",
		Short:         "Answer railsrunner requests for one application",
		Long:          `Loads the application at --root. Without a subcommand it exits once loading succeeds, which is how callers check that the application boots.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runLoad,
	}
	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Serve framed requests on stdin and stdout",
		Args:  cobra.NoArgs,
		RunE:  runStart,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&appRoot, "root", ".", "Application root directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Minimum log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Also write JSON logs to this directory")
	rootCmd.AddCommand(startCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "railsrunner-server: %v\n", err)
		os.Exit(1)
	}
}

// newLogger writes to out unless RAILSRUNNER_TEST is set. The log file, if
// any, is written either way.
func newLogger(out io.Writer) (*logging.Logger, error) {
	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  logDir,
		Service: "railsrunner-server",
		Output:  out,
		Quiet:   runner.TestModeFromEnv(),
	}), nil
}

func runLoad(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer logger.Close()

	app, err := railsapp.Open(cmd.Context(), appRoot, logger)
	if err != nil {
		return fmt.Errorf("load application: %w", err)
	}
	return app.Close()
}

func runStart(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx := cmd.Context()

	tcfg := telemetry.DefaultConfig("railsrunner-server")
	if os.Getenv("OTEL_METRICS_EXPORTER") == "" {
		tcfg.MetricExporter = "none"
	}
	shutdownTelemetry, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(context.Background())

	app, err := railsapp.Open(ctx, appRoot, logger)
	if err != nil {
		return fmt.Errorf("load application: %w", err)
	}
	defer app.Close()

	d := server.New(os.Stdin, os.Stdout, app.Root(), logger)
	app.Register(d)
	d.RegisterAddon(railsapp.NewSchemaAddon(app))

	// Serve blocks on stdin, so a signal ends the process from here.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	served := make(chan struct{})
	defer close(served)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("signal received, exiting", "signal", sig.String())
			_ = app.Close()
			os.Exit(0)
		case <-served:
		}
	}()

	return d.Serve(ctx)
}
