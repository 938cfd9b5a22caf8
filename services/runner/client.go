// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianRails/pkg/logging"
	"github.com/AleutianAI/AleutianRails/services/runner/wire"
)

// =============================================================================
// CLIENT STATE
// =============================================================================

// State is the lifecycle state of a client.
type State int

const (
	// StateBooting means the subprocess is starting and has not handshaken.
	StateBooting State = iota

	// StateReady means requests are accepted.
	StateReady

	// StateStopped is terminal.
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateBooting:
		return "booting"
	case StateReady:
		return "ready"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// =============================================================================
// CLIENT INTERFACE
// =============================================================================

// Client is the editor-facing surface of the runner.
//
// Every query returns nil (or "") when no answer is available, whether
// because the name is unknown, the subprocess reported an error, the
// channel failed, or the client is not ready. Failures are logged, never
// returned.
type Client interface {
	Model(ctx context.Context, name string) *wire.ModelInfo
	RouteLocation(ctx context.Context, name string) *wire.Location
	AssociationTargetLocation(ctx context.Context, modelName, associationName string) *wire.Location
	RouteInfo(ctx context.Context, controller, action string) *wire.RouteInfo
	PendingMigrationsMessage(ctx context.Context) string
	RunMigrations(ctx context.Context) *wire.MigrationResult

	TriggerReload()
	RegisterServerAddon(name string)
	DelegateRequest(ctx context.Context, addonName, requestName string, params map[string]any) json.RawMessage
	DelegateNotification(addonName, requestName string, params map[string]any)

	Shutdown(ctx context.Context)
	Stopped() bool
	State() State
	RailsRoot() string
}

// =============================================================================
// RUNNER CLIENT
// =============================================================================

// RunnerClient talks to a live runner subprocess.
//
// Thread Safety:
//
//	Safe for concurrent use. Concurrent requests are multiplexed by id.
type RunnerClient struct {
	cfg    Config
	logger *logging.Logger
	queue  *Queue
	proc   *Process
	corr   *Correlator
	root   string

	stateMu sync.RWMutex
	state   State

	stopping     atomic.Bool
	shutdownOnce sync.Once
	readDone     chan struct{}
}

var _ Client = (*RunnerClient)(nil)

// Boot spawns the subprocess and waits for its handshake.
//
// Description:
//
//	Starts Config.Command, begins correlating its output, and waits up to
//	Config.StartupTimeout for {"message":"ok","root":...}. On any failure
//	the subprocess is stopped before returning.
//
// Inputs:
//
//	ctx - Bounds the boot together with StartupTimeout
//	cfg - Boot configuration
//	logger - May be nil
//	queue - Receives subprocess notifications and stderr. May be nil.
//
// Outputs:
//
//	*RunnerClient - A Ready client
//	error - ErrBinaryNotFound, ErrSpawnFailed or ErrHandshakeFailed
func Boot(ctx context.Context, cfg Config, logger *logging.Logger, queue *Queue) (*RunnerClient, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if queue == nil {
		queue = NewQueue(cfg.QueueCapacity)
	}
	logger = logger.With("runner_session", uuid.NewString())

	c := &RunnerClient{
		cfg:      cfg,
		logger:   logger,
		queue:    queue,
		state:    StateBooting,
		readDone: make(chan struct{}),
	}

	proc, err := Spawn(ctx, SpawnOptions{
		Command: cfg.Command,
		Dir:     cfg.Dir,
		Env:     cfg.Environ(),
		Logger:  logger,
		OnStderr: func(line string) {
			queue.PushLog(wire.LogTypeLog, line)
		},
		ExitHook: !cfg.TestMode,
	})
	if err != nil {
		c.setState(StateStopped)
		return nil, err
	}
	c.proc = proc
	c.corr = NewCorrelator(proc.Stdout(), proc.Stdin(), queue, logger)

	go func() {
		defer close(c.readDone)
		if err := c.corr.Run(); err != nil {
			logger.Debug("runner read loop ended", "error", err)
		}
	}()

	root, err := c.handshake(ctx)
	if err != nil {
		c.teardown()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	c.root = root
	c.setState(StateReady)
	go c.watchExit()

	for _, name := range cfg.Addons {
		c.RegisterServerAddon(name)
	}

	logger.Info("runner ready", "root", root, "pid", proc.Pid())
	return c, nil
}

func (c *RunnerClient) handshake(ctx context.Context) (string, error) {
	bootCtx, cancel := context.WithTimeout(ctx, c.cfg.StartupTimeout)
	defer cancel()

	msg, err := c.corr.AwaitBoot(bootCtx)
	if err != nil {
		return "", err
	}
	if msg.Error != nil {
		return "", errors.New(msg.Error.Message)
	}

	var hs wire.Handshake
	if err := json.Unmarshal(msg.Result, &hs); err != nil {
		return "", fmt.Errorf("decode handshake: %w", err)
	}
	if hs.Message != wire.HandshakeOK {
		return "", fmt.Errorf("unexpected handshake message %q", hs.Message)
	}
	return hs.Root, nil
}

// watchExit moves a Ready client to Stopped when the subprocess dies or
// the channel breaks outside of Shutdown.
func (c *RunnerClient) watchExit() {
	select {
	case <-c.proc.Exited():
	case <-c.corr.Done():
	}

	c.stateMu.Lock()
	wasReady := c.state == StateReady
	c.state = StateStopped
	c.stateMu.Unlock()

	if wasReady && !c.stopping.Load() {
		c.logger.Warn("runner process exited unexpectedly", "error", errString(c.proc.ExitErr()))
		c.teardown()
	}
}

// teardown closes the channel and stops the subprocess. Safe to repeat.
func (c *RunnerClient) teardown() {
	c.setState(StateStopped)
	c.corr.Close()
	if err := c.proc.Stop(c.cfg.ShutdownGrace); err != nil {
		c.logger.Error("runner termination failed", "error", err)
	}
	select {
	case <-c.readDone:
	case <-time.After(reapTimeout):
	}
}

// =============================================================================
// REQUESTS
// =============================================================================

// Request sends method and returns its raw result.
//
// Description:
//
//	This is the error-returning layer below the typed operations. A
//	context without a deadline gets Config.RequestTimeout.
//
// Outputs:
//
//	json.RawMessage - The result, possibly JSON null
//	error - ErrClientNotReady, ErrClientStopped, *RemoteError,
//	        ErrIncompleteMessage or ErrRequestTimeout
func (c *RunnerClient) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := c.checkReady(); err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	ctx, span := startRequestSpan(ctx, method)
	start := time.Now()
	raw, err := c.corr.SendRequest(ctx, method, params)
	endRequestSpan(span, err)
	recordRequest(ctx, method, time.Since(start), outcomeOf(err))
	return raw, err
}

// Notify sends a notification.
func (c *RunnerClient) Notify(method string, params any) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	return c.corr.SendNotification(method, params)
}

func (c *RunnerClient) checkReady() error {
	switch c.State() {
	case StateReady:
		return nil
	case StateBooting:
		return ErrClientNotReady
	default:
		return ErrClientStopped
	}
}

// query runs a request and decodes a non-null result into T.
func query[T any](ctx context.Context, c *RunnerClient, method string, params any) *T {
	raw, err := c.Request(ctx, method, params)
	if err != nil {
		c.logFailure(method, err)
		return nil
	}
	if wire.IsNull(raw) {
		return nil
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		c.logger.Error("runner returned an unexpected result", "method", method, "error", err)
		return nil
	}
	return &out
}

func (c *RunnerClient) logFailure(method string, err error) {
	var remote *RemoteError
	switch {
	case errors.As(err, &remote):
		c.logger.Error("runner request failed", "method", method, "error", remote.Message)
	case errors.Is(err, ErrClientNotReady), errors.Is(err, ErrClientStopped):
		c.logger.Debug("runner request skipped", "method", method, "reason", err.Error())
	case errors.Is(err, ErrRequestTimeout):
		c.logger.Warn("runner request timed out", "method", method)
	default:
		c.logger.Error("runner channel failed", "method", method, "error", err)
	}
}

func outcomeOf(err error) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &remote):
		return "remote_error"
	case errors.Is(err, ErrRequestTimeout):
		return "timeout"
	default:
		return "channel_error"
	}
}

// Model returns schema information for a model class name.
func (c *RunnerClient) Model(ctx context.Context, name string) *wire.ModelInfo {
	return query[wire.ModelInfo](ctx, c, wire.MethodModel, wire.NameParams{Name: name})
}

// RouteLocation returns where a named route helper is defined.
func (c *RunnerClient) RouteLocation(ctx context.Context, name string) *wire.Location {
	return query[wire.Location](ctx, c, wire.MethodRouteLocation, wire.NameParams{Name: name})
}

// AssociationTargetLocation returns where the target model of an
// association is defined.
func (c *RunnerClient) AssociationTargetLocation(ctx context.Context, modelName, associationName string) *wire.Location {
	return query[wire.Location](ctx, c, wire.MethodAssociationTargetLocation, wire.AssociationParams{
		ModelName:       modelName,
		AssociationName: associationName,
	})
}

// RouteInfo returns the route that dispatches to controller#action.
func (c *RunnerClient) RouteInfo(ctx context.Context, controller, action string) *wire.RouteInfo {
	return query[wire.RouteInfo](ctx, c, wire.MethodRouteInfo, wire.RouteInfoParams{
		Controller: controller,
		Action:     action,
	})
}

// PendingMigrationsMessage returns a human-readable note about unapplied
// migrations, or "" when there are none.
func (c *RunnerClient) PendingMigrationsMessage(ctx context.Context) string {
	res := query[wire.PendingMigrations](ctx, c, wire.MethodPendingMigrations, nil)
	if res == nil {
		return ""
	}
	return res.Message
}

// RunMigrations applies pending migrations.
func (c *RunnerClient) RunMigrations(ctx context.Context) *wire.MigrationResult {
	return query[wire.MigrationResult](ctx, c, wire.MethodRunMigrations, nil)
}

// TriggerReload asks the subprocess to reload application code.
func (c *RunnerClient) TriggerReload() {
	if err := c.Notify(wire.MethodReload, nil); err != nil {
		c.logFailure(wire.MethodReload, err)
		return
	}
	c.logger.Debug("runner reload requested")
}

// RegisterServerAddon activates a server add-on compiled into the subprocess.
func (c *RunnerClient) RegisterServerAddon(name string) {
	if err := c.Notify(wire.MethodAddonRegister, wire.AddonParams{ServerAddonName: name}); err != nil {
		c.logFailure(wire.MethodAddonRegister, err)
	}
}

// DelegateRequest forwards requestName to a server add-on and returns its
// raw result, or nil.
func (c *RunnerClient) DelegateRequest(ctx context.Context, addonName, requestName string, params map[string]any) json.RawMessage {
	raw, err := c.Request(ctx, wire.MethodAddonDelegate, delegateParams(addonName, requestName, params))
	if err != nil {
		c.logFailure(wire.MethodAddonDelegate, err)
		return nil
	}
	if wire.IsNull(raw) {
		return nil
	}
	return raw
}

// DelegateNotification forwards a fire-and-forget message to a server add-on.
func (c *RunnerClient) DelegateNotification(addonName, requestName string, params map[string]any) {
	if err := c.Notify(wire.MethodAddonDelegate, delegateParams(addonName, requestName, params)); err != nil {
		c.logFailure(wire.MethodAddonDelegate, err)
	}
}

// delegateParams flattens the add-on envelope and caller params into one
// object. The envelope keys win on collision.
func delegateParams(addonName, requestName string, params map[string]any) map[string]any {
	out := make(map[string]any, len(params)+2)
	for k, v := range params {
		out[k] = v
	}
	out["server_addon_name"] = addonName
	out["request_name"] = requestName
	return out
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Shutdown asks the subprocess to exit, then stops it.
//
// Description:
//
//	Sends shutdown and waits for the acknowledgement within
//	Config.ShutdownGrace, closes the channel so in-flight requests fail,
//	and stops the process, force-killing after the grace period.
//	Termination problems are logged, not returned.
//
// Thread Safety:
//
//	Safe for concurrent use. Only the first call does anything.
func (c *RunnerClient) Shutdown(ctx context.Context) {
	c.shutdownOnce.Do(func() {
		c.stopping.Store(true)
		if c.State() == StateReady {
			ackCtx, cancel := context.WithTimeout(ctx, c.cfg.ShutdownGrace)
			if _, err := c.corr.SendRequest(ackCtx, wire.MethodShutdown, nil); err != nil {
				c.logger.Debug("runner did not acknowledge shutdown", "error", err)
			}
			cancel()
		}
		c.teardown()
		c.logger.Info("runner stopped", "forced", c.proc.Forced())
	})
}

// Stopped reports whether the client reached its terminal state.
func (c *RunnerClient) Stopped() bool {
	return c.State() == StateStopped
}

// State returns the current lifecycle state.
func (c *RunnerClient) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// RailsRoot is the application root reported in the handshake.
func (c *RunnerClient) RailsRoot() string {
	return c.root
}

// Pid returns the subprocess id.
func (c *RunnerClient) Pid() int {
	return c.proc.Pid()
}

// Queue returns the outgoing queue.
func (c *RunnerClient) Queue() *Queue {
	return c.queue
}

// setState moves to s unless the client is already Stopped.
func (c *RunnerClient) setState(s State) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state == StateStopped {
		return
	}
	c.state = s
}

// =============================================================================
// CONSTRUCTION WITH FALLBACK
// =============================================================================

// NewClient boots a RunnerClient, falling back to a NullClient.
//
// Description:
//
//	Never fails. A missing binary is logged as such; any other boot
//	failure is logged with its cause. Both return a NullClient.
func NewClient(ctx context.Context, cfg Config, logger *logging.Logger, queue *Queue) Client {
	if logger == nil {
		logger = logging.Discard()
	}
	c, err := Boot(ctx, cfg, logger, queue)
	if err == nil {
		return c
	}

	command := ""
	if len(cfg.Command) > 0 {
		command = cfg.Command[0]
	}
	if errors.Is(err, ErrBinaryNotFound) {
		recordFallback(ctx, "binary_not_found")
		logger.Warn("runner binary not found, falling back to null client", "command", command)
	} else {
		recordFallback(ctx, "boot_failed")
		logger.Error("runner failed to boot, falling back to null client", "command", command, "error", err)
	}
	return NewNullClient()
}
