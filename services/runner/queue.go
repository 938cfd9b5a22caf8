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
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRails/services/runner/wire"
)

// DefaultQueueCapacity is used when a Queue is created with capacity <= 0.
const DefaultQueueCapacity = 1024

// Outgoing is an item the editor should surface, usually a log line
// produced by the subprocess.
type Outgoing struct {
	Time    time.Time
	Method  string
	Params  json.RawMessage
	Message string
	Type    int
}

// Queue is the outgoing queue shared between the correlator (producer)
// and the editor integration (consumer).
//
// Description:
//
//	A bounded FIFO. When full, Push drops the oldest entry so a slow
//	consumer can never block the read loop.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	items    []Outgoing
	capacity int
	dropped  int
	closed   bool
	signal   chan struct{}
	done     chan struct{}
}

// NewQueue creates a queue holding at most capacity items.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{capacity: capacity, signal: make(chan struct{}, 1), done: make(chan struct{})}
}

// Push appends an item. It returns false if the queue is closed.
func (q *Queue) Push(item Outgoing) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if item.Time.IsZero() {
		item.Time = time.Now()
	}
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// PushLog appends a log line.
func (q *Queue) PushLog(logType int, message string) bool {
	return q.Push(Outgoing{Method: wire.MethodLogMessage, Message: message, Type: logType})
}

// pushNotification routes a subprocess notification. window/logMessage
// params are unpacked so consumers can read Message and Type directly.
func (q *Queue) pushNotification(msg *wire.Message) bool {
	item := Outgoing{Method: msg.Method, Params: msg.Params}
	if msg.Method == wire.MethodLogMessage {
		var p wire.LogParams
		if err := json.Unmarshal(msg.Params, &p); err == nil {
			item.Message = p.Message
			item.Type = p.Type
		}
	}
	return q.Push(item)
}

// TryPop removes the oldest item without blocking.
func (q *Queue) TryPop() (Outgoing, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Outgoing{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Pop blocks until an item is available, the queue is closed and empty,
// or ctx is done.
//
// Outputs:
//
//	Outgoing - The oldest item
//	bool - False if the queue is closed and drained
//	error - ctx.Err() if the context ended first
func (q *Queue) Pop(ctx context.Context) (Outgoing, bool, error) {
	for {
		if item, ok := q.TryPop(); ok {
			return item, true, nil
		}
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Outgoing{}, false, nil
		}

		select {
		case <-ctx.Done():
			return Outgoing{}, false, ctx.Err()
		case <-q.signal:
		case <-q.done:
		}
	}
}

// Drain removes and returns everything queued.
func (q *Queue) Drain() []Outgoing {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many items were discarded because the queue was full.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close stops accepting items and wakes blocked consumers. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}
