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
	"io"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/AleutianRails/pkg/logging"
	"github.com/AleutianAI/AleutianRails/services/runner/wire"
)

// =============================================================================
// CORRELATOR
// =============================================================================

// Correlator pairs requests with responses over one framed channel.
//
// Description:
//
//	A single read loop owns the subprocess stdout. Responses are routed to
//	the waiting caller by id, so several requests may be in flight at once.
//	Notifications go to the outgoing queue. Id-less results go to the boot
//	handshake waiter. Responses nobody is waiting for are dropped.
//
// Thread Safety:
//
//	Safe for concurrent use. Run must be called from exactly one goroutine.
type Correlator struct {
	reader *wire.Reader
	writer *wire.Writer
	queue  *Queue
	logger *logging.Logger

	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan *wire.Message
	failErr   error

	boot chan *wire.Message

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewCorrelator creates a correlator reading from r (subprocess stdout)
// and writing to w (subprocess stdin). queue and logger may be nil.
func NewCorrelator(r io.Reader, w io.Writer, queue *Queue, logger *logging.Logger) *Correlator {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Correlator{
		reader:  wire.NewReader(r),
		writer:  wire.NewWriter(w),
		queue:   queue,
		logger:  logger,
		pending: make(map[int64]chan *wire.Message),
		boot:    make(chan *wire.Message, 1),
		done:    make(chan struct{}),
	}
}

// Run reads messages until the stream fails or Close is called.
//
// Description:
//
//	When the stream ends, every pending call fails with
//	ErrIncompleteMessage and Done is closed.
//
// Outputs:
//
//	error - The read error that ended the loop, nil after Close
func (c *Correlator) Run() error {
	for {
		msg, err := c.reader.Read()
		if err != nil {
			if errors.Is(err, wire.ErrInvalidMessage) || errors.Is(err, wire.ErrMessageTooLarge) {
				c.logger.Warn("discarding unreadable runner message", "error", err)
				continue
			}
			if c.closed.Load() {
				c.shutdown(ErrClientStopped)
				return nil
			}
			c.shutdown(err)
			return err
		}
		c.dispatch(msg)
	}
}

func (c *Correlator) dispatch(msg *wire.Message) {
	switch msg.Kind() {
	case wire.KindNotification, wire.KindRequest:
		if c.queue == nil || !c.queue.pushNotification(msg) {
			c.logger.Debug("dropping runner notification", "method", msg.Method)
		}
	case wire.KindResponse:
		if msg.ID == nil {
			select {
			case c.boot <- msg:
			default:
				c.logger.Debug("dropping unsolicited id-less response")
			}
			return
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[*msg.ID]
		if ok {
			delete(c.pending, *msg.ID)
		}
		c.pendingMu.Unlock()

		if !ok {
			c.logger.Debug("dropping response for unknown request", "id", *msg.ID)
			return
		}
		ch <- msg
	}
}

// AwaitBoot waits for the id-less handshake result the subprocess writes
// before it starts serving.
func (c *Correlator) AwaitBoot(ctx context.Context) (*wire.Message, error) {
	select {
	case msg := <-c.boot:
		return msg, nil
	case <-c.done:
		return nil, c.err()
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrRequestTimeout, ctx.Err())
	}
}

// SendRequest sends a request and waits for its response.
//
// Description:
//
//	Allocates the next id, registers a pending call, writes the request
//	and blocks until the matching response, channel failure, or ctx ends.
//	A timed-out id is abandoned: a late response for it is dropped.
//
// Inputs:
//
//	ctx - Bounds the wait
//	method - Request name
//	params - JSON-marshalable params, nil for {}
//
// Outputs:
//
//	json.RawMessage - The result, possibly JSON null
//	error - *RemoteError, ErrIncompleteMessage, ErrRequestTimeout, or a write error
//
// Thread Safety:
//
//	Safe for concurrent use.
func (c *Correlator) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrClientStopped
	}

	id := c.nextID.Add(1)
	req, err := wire.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan *wire.Message, 1)
	c.pendingMu.Lock()
	if c.failErr != nil {
		failErr := c.failErr
		c.pendingMu.Unlock()
		return nil, failErr
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.writer.Write(req); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("%w: write %s: %v", ErrIncompleteMessage, method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, c.err()
		}
		if resp.Error != nil {
			return nil, &RemoteError{Method: method, Message: resp.Error.Message}
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, fmt.Errorf("%w: %s: %v", ErrRequestTimeout, method, ctx.Err())
	}
}

// SendNotification writes a message that expects no reply.
func (c *Correlator) SendNotification(method string, params any) error {
	if c.closed.Load() {
		return ErrClientStopped
	}
	msg, err := wire.NewNotification(method, params)
	if err != nil {
		return err
	}
	if err := c.writer.Write(msg); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrIncompleteMessage, method, err)
	}
	return nil
}

// Pending returns the number of in-flight requests.
func (c *Correlator) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Done is closed once the read loop has stopped and pending calls failed.
func (c *Correlator) Done() <-chan struct{} {
	return c.done
}

// Close rejects new sends and fails every pending call. It does not close
// the underlying pipes. Idempotent.
func (c *Correlator) Close() {
	c.closed.Store(true)
	c.shutdown(ErrClientStopped)
}

func (c *Correlator) forget(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Correlator) shutdown(cause error) {
	c.closeOnce.Do(func() {
		failErr := ErrIncompleteMessage
		if cause != nil && !errors.Is(cause, ErrIncompleteMessage) {
			failErr = fmt.Errorf("%w: %w", ErrIncompleteMessage, cause)
		} else if cause != nil {
			failErr = cause
		}

		c.pendingMu.Lock()
		c.failErr = failErr
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
		close(c.done)
	})
}

func (c *Correlator) err() error {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.failErr != nil {
		return c.failErr
	}
	return ErrIncompleteMessage
}
