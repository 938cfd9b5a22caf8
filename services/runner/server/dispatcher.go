// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server is the subprocess side of the runner protocol.
//
// A Dispatcher announces itself with the boot handshake, then reads framed
// requests from stdin, dispatches them by name and writes one response per
// request to stdout. Handler failures, including panics, become error
// responses. The loop only ends on shutdown, end of input, or a broken
// channel.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"

	"github.com/AleutianAI/AleutianRails/pkg/logging"
	"github.com/AleutianAI/AleutianRails/services/runner/wire"
)

// HandlerFunc answers a request. A nil result is sent as JSON null.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationFunc handles a notification. Errors are reported back to
// the client as log messages.
type NotificationFunc func(ctx context.Context, params json.RawMessage) error

// Dispatcher routes framed requests to handlers.
//
// Thread Safety:
//
//	Handle, HandleNotification, RegisterAddon and Log are safe for
//	concurrent use. Serve processes one message at a time.
type Dispatcher struct {
	reader *wire.Reader
	writer *wire.Writer
	root   string
	logger *logging.Logger

	mu            sync.RWMutex
	handlers      map[string]HandlerFunc
	notifications map[string]NotificationFunc
	addons        map[string]Addon
	active        map[string]bool
}

// New creates a dispatcher reading r and writing w. root is reported in
// the boot handshake.
func New(r io.Reader, w io.Writer, root string, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{
		reader:        wire.NewReader(r),
		writer:        wire.NewWriter(w),
		root:          root,
		logger:        logger,
		handlers:      make(map[string]HandlerFunc),
		notifications: make(map[string]NotificationFunc),
		addons:        make(map[string]Addon),
		active:        make(map[string]bool),
	}
}

// Handle installs a request handler, replacing any previous one.
func (d *Dispatcher) Handle(method string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = h
}

// HandleNotification installs a notification handler.
func (d *Dispatcher) HandleNotification(method string, h NotificationFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifications[method] = h
}

// SetMaxBody changes the largest request body Serve accepts.
func (d *Dispatcher) SetMaxBody(n int) {
	d.reader.SetMaxBody(n)
}

// Log sends a window/logMessage notification to the client.
func (d *Dispatcher) Log(logType int, message string) error {
	msg, err := wire.NewNotification(wire.MethodLogMessage, wire.LogParams{Type: logType, Message: message})
	if err != nil {
		return err
	}
	return d.writer.Write(msg)
}

// Serve writes the handshake and processes messages until shutdown.
//
// Description:
//
//	Returns nil on a shutdown message or when the input ends between
//	messages. Malformed and oversized requests are skipped. ctx is
//	checked between messages and is passed to handlers.
//
// Outputs:
//
//	error - Non-nil if the handshake cannot be written, the channel breaks
//	        mid-message, or ctx ends
func (d *Dispatcher) Serve(ctx context.Context) error {
	hello, err := wire.NewResult(nil, wire.Handshake{Message: wire.HandshakeOK, Root: d.root})
	if err != nil {
		return err
	}
	if err := d.writer.Write(hello); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}
	d.logger.Info("runner server ready", "root", d.root)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := d.reader.Read()
		if err != nil {
			switch {
			case errors.Is(err, wire.ErrInvalidMessage):
				d.logger.Warn("discarding malformed request", "error", err)
				continue
			case errors.Is(err, wire.ErrMessageTooLarge):
				d.logger.Warn("discarding oversized request", "error", err)
				if err := d.Log(wire.LogTypeError, "request discarded: "+err.Error()); err != nil {
					return fmt.Errorf("write log message: %w", err)
				}
				continue
			case errors.Is(err, wire.ErrIncompleteMessage) && errors.Is(err, io.EOF):
				d.logger.Info("input closed, stopping")
				return nil
			default:
				return fmt.Errorf("read request: %w", err)
			}
		}

		stop, err := d.dispatch(ctx, msg)
		if err != nil {
			return fmt.Errorf("write response: %w", err)
		}
		if stop {
			d.logger.Info("shutdown requested, stopping")
			return nil
		}
	}
}

// dispatch handles one message. It reports whether the loop should stop.
func (d *Dispatcher) dispatch(ctx context.Context, msg *wire.Message) (bool, error) {
	switch msg.Kind() {
	case wire.KindRequest:
		if msg.Method == wire.MethodShutdown {
			resp, _ := wire.NewResult(msg.ID, wire.HandshakeOK)
			return true, d.writer.Write(resp)
		}
		return false, d.writer.Write(d.respond(ctx, msg))

	case wire.KindNotification:
		if msg.Method == wire.MethodShutdown {
			return true, nil
		}
		if err := d.notify(ctx, msg); err != nil {
			d.logger.Error("notification failed", "method", msg.Method, "error", err)
			_ = d.Log(wire.LogTypeError, fmt.Sprintf("%s failed: %v", msg.Method, err))
		}
		return false, nil

	default:
		d.logger.Debug("ignoring response sent to server")
		return false, nil
	}
}

func (d *Dispatcher) respond(ctx context.Context, msg *wire.Message) *wire.Message {
	h := d.lookup(msg.Method)
	if h == nil {
		return wire.NewError(msg.ID, "unknown request: "+msg.Method)
	}

	result, err := d.safeCall(msg.Method, func() (any, error) { return h(ctx, msg.Params) })
	if err != nil {
		d.logger.Debug("request failed", "method", msg.Method, "error", err)
		return wire.NewError(msg.ID, err.Error())
	}
	resp, err := wire.NewResult(msg.ID, result)
	if err != nil {
		return wire.NewError(msg.ID, err.Error())
	}
	return resp
}

func (d *Dispatcher) notify(ctx context.Context, msg *wire.Message) error {
	d.mu.RLock()
	h, ok := d.notifications[msg.Method]
	d.mu.RUnlock()
	if !ok {
		if msg.Method == wire.MethodAddonDelegate {
			_, err := d.safeCall(msg.Method, func() (any, error) { return nil, d.delegateNotification(ctx, msg.Params) })
			return err
		}
		if msg.Method == wire.MethodAddonRegister {
			return d.activateAddon(msg.Params)
		}
		return fmt.Errorf("unknown notification: %s", msg.Method)
	}
	_, err := d.safeCall(msg.Method, func() (any, error) { return nil, h(ctx, msg.Params) })
	return err
}

func (d *Dispatcher) lookup(method string) HandlerFunc {
	d.mu.RLock()
	h, ok := d.handlers[method]
	d.mu.RUnlock()
	if ok {
		return h
	}
	if method == wire.MethodAddonDelegate {
		return d.delegateRequest
	}
	return nil
}

// safeCall converts a handler panic into an error. The stack goes to the
// log only.
func (d *Dispatcher) safeCall(method string, fn func() (any, error)) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked", "method", method, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
