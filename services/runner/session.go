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
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/AleutianRails/pkg/logging"
)

// BootFunc builds the client for a session. NewClient is the default.
type BootFunc func(ctx context.Context, cfg Config, logger *logging.Logger, queue *Queue) Client

type clientHolder struct {
	client Client
}

// Session owns the one runner client of an editor session.
//
// Description:
//
//	A Session starts out serving a NullClient so callers never wait on the
//	boot. The real client is booted in the background on first use and
//	swapped in exactly once. Shutdown tears down whichever client is
//	current, including one whose boot finishes after Shutdown was called.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Session struct {
	cfg    Config
	logger *logging.Logger
	queue  *Queue
	boot   BootFunc

	current   atomic.Pointer[clientHolder]
	startOnce sync.Once
	started   atomic.Bool
	ready     chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewSession creates a session. Nothing is spawned until Start or Client.
func NewSession(cfg Config, logger *logging.Logger) *Session {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Session{
		cfg:    cfg,
		logger: logger,
		queue:  NewQueue(cfg.QueueCapacity),
		boot:   NewClient,
		ready:  make(chan struct{}),
	}
	s.current.Store(&clientHolder{client: NewNullClient()})
	return s
}

// WithBootFunc replaces how the client is built. Call before Start.
func (s *Session) WithBootFunc(fn BootFunc) *Session {
	s.boot = fn
	return s
}

// WithQueue replaces the outgoing queue, so a caller can hand the same
// queue to a QueueSink before the session exists. Call before Start.
func (s *Session) WithQueue(queue *Queue) *Session {
	s.queue = queue
	return s
}

// Start begins booting in the background. Later calls do nothing.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.run(context.WithoutCancel(ctx))
	})
}

func (s *Session) run(ctx context.Context) {
	defer close(s.ready)

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	client := s.boot(ctx, s.cfg, s.logger, s.queue)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		client.Shutdown(ctx)
		return
	}
	s.current.Store(&clientHolder{client: client})
	s.mu.Unlock()
}

// Client returns the current client, starting the boot if needed. While
// booting it returns the NullClient.
func (s *Session) Client() Client {
	s.Start(context.Background())
	return s.current.Load().client
}

// Ready is closed once the boot finished, successfully or not.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// Wait blocks until the boot finished or ctx is done, then returns the
// current client.
func (s *Session) Wait(ctx context.Context) Client {
	s.Start(ctx)
	select {
	case <-s.ready:
	case <-ctx.Done():
	}
	return s.current.Load().client
}

// Queue is the outgoing queue shared by every client of the session.
func (s *Session) Queue() *Queue {
	return s.queue
}

// Shutdown stops the current client and any client still booting, then
// closes the queue. Idempotent.
func (s *Session) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	client := s.current.Load().client
	s.mu.Unlock()

	client.Shutdown(ctx)

	if s.started.Load() {
		select {
		case <-s.ready:
		case <-ctx.Done():
		}
	}
	s.queue.Close()
}
