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
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianRails/pkg/logging"
	"github.com/AleutianAI/AleutianRails/pkg/telemetry"
	"github.com/AleutianAI/AleutianRails/services/runner"
)

// runWatch keeps one runner session alive until interrupted.
//
// Description:
//
//	Boots the runner in the background, reloads it when files under
//	cfg.Watch.Paths change, and prints everything the runner queues. With
//	--metrics-addr the Prometheus handler is served as well. Log lines go
//	through the same queue, so runner output and client diagnostics are
//	printed in order.
func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queue := runner.NewQueue(cfg.QueueCapacity)
	logger := watchLogger(queue)

	session := runner.NewSession(cfg, logger).WithQueue(queue)
	session.Start(ctx)
	defer session.Shutdown(context.Background())

	watcher, err := runner.NewReloadWatcher(cfg.Dir, cfg.Watch, session, logger)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return printQueue(gctx, session.Queue(), cmd.ErrOrStderr())
	})

	g.Go(func() error {
		client := session.Wait(gctx)
		if gctx.Err() == nil {
			logger.Info("runner session ready", "state", client.State().String(), "root", client.RailsRoot())
		}
		<-gctx.Done()
		return nil
	})

	if metricsAddr != "" {
		srv, err := newMetricsServer(metricsAddr)
		if err != nil {
			return err
		}
		g.Go(func() error {
			logger.Info("serving metrics", "addr", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watchLogger mirrors log lines into queue instead of writing them to the
// console. In test mode the command logger is kept as is.
func watchLogger(queue *runner.Queue) *logging.Logger {
	if logConfig.Quiet {
		return logger
	}
	qc := logConfig
	qc.Quiet = true
	qc.Sink = runner.NewQueueSink(queue)
	return logging.New(qc)
}

func newMetricsServer(addr string) (*http.Server, error) {
	handler := telemetry.MetricsHandler()
	if handler == nil {
		return nil, fmt.Errorf("--metrics-addr needs the prometheus metric exporter")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}, nil
}

// printQueue writes queued runner output to w until ctx ends or the queue
// is closed.
func printQueue(ctx context.Context, queue *runner.Queue, w io.Writer) error {
	for {
		item, ok, err := queue.Pop(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		fmt.Fprintln(w, formatOutgoing(item))
	}
}
