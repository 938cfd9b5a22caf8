// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRails/services/runner"
	"github.com/AleutianAI/AleutianRails/services/runner/wire"
)

// queryFunc asks the runner one question and returns what to print.
type queryFunc func(ctx context.Context, c runner.Client) (any, error)

// withClient boots a runner, runs fn, prints its result and shuts the
// runner down. Log lines the runner produced are written to stderr.
//
// Unlike runner.NewClient, a boot failure is reported instead of falling
// back to a client that answers nothing.
func withClient(cmd *cobra.Command, fn queryFunc) error {
	queue := runner.NewQueue(cfg.QueueCapacity)
	client, err := runner.Boot(cmd.Context(), cfg, logger, queue)
	if err != nil {
		return fmt.Errorf("boot runner: %w", err)
	}

	result, runErr := fn(cmd.Context(), client)
	client.Shutdown(context.Background())
	printLogs(cmd.ErrOrStderr(), queue.Drain())

	// Typed nil results still print as null.
	if result != nil {
		if err := writeJSON(cmd.OutOrStdout(), result, prettyOutput(cmd.OutOrStdout())); err != nil {
			return err
		}
	}
	return runErr
}

func runModel(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c runner.Client) (any, error) {
		return c.Model(ctx, args[0]), nil
	})
}

func runRouteLocation(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c runner.Client) (any, error) {
		return c.RouteLocation(ctx, args[0]), nil
	})
}

func runAssociation(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c runner.Client) (any, error) {
		return c.AssociationTargetLocation(ctx, args[0], args[1]), nil
	})
}

func runRouteInfo(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c runner.Client) (any, error) {
		return c.RouteInfo(ctx, args[0], args[1]), nil
	})
}

func runMigrations(cmd *cobra.Command, _ []string) error {
	return withClient(cmd, func(ctx context.Context, c runner.Client) (any, error) {
		return wire.PendingMigrations{Message: c.PendingMigrationsMessage(ctx)}, nil
	})
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	return withClient(cmd, func(ctx context.Context, c runner.Client) (any, error) {
		res := c.RunMigrations(ctx)
		if res == nil {
			return nil, fmt.Errorf("runner did not return a migration result")
		}
		if res.Status != 0 {
			return res, fmt.Errorf("migrations failed with status %d", res.Status)
		}
		return res, nil
	})
}

func runReload(cmd *cobra.Command, _ []string) error {
	return withClient(cmd, func(_ context.Context, c runner.Client) (any, error) {
		c.TriggerReload()
		return nil, nil
	})
}

func runDelegate(cmd *cobra.Command, args []string) error {
	params, err := parseParams(args[2:])
	if err != nil {
		return err
	}
	return withClient(cmd, func(ctx context.Context, c runner.Client) (any, error) {
		c.RegisterServerAddon(args[0])
		return c.DelegateRequest(ctx, args[0], args[1], params), nil
	})
}

func runServerStatus(cmd *cobra.Command, _ []string) error {
	status := runner.ServerRunning(cfg.Dir)
	return writeJSON(cmd.OutOrStdout(), status, prettyOutput(cmd.OutOrStdout()))
}

// parseParams turns key=value pairs into a params map. A value that is
// valid JSON is kept as JSON; anything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: want key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			params[key] = decoded
		} else {
			params[key] = value
		}
	}
	return params, nil
}
