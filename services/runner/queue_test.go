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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRails/services/runner/wire"
)

func TestQueue_FIFOAndBound(t *testing.T) {
	q := NewQueue(2)
	q.PushLog(wire.LogTypeInfo, "one")
	q.PushLog(wire.LogTypeInfo, "two")
	q.PushLog(wire.LogTypeWarning, "three")

	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 1, q.Dropped())

	first, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, "two", first.Message)
	assert.False(t, first.Time.IsZero())

	second, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, "three", second.Message)
	assert.Equal(t, wire.LogTypeWarning, second.Type)

	_, ok = q.TryPop()
	assert.False(t, ok)
}

func TestQueue_DefaultCapacity(t *testing.T) {
	q := NewQueue(0)
	for i := 0; i < DefaultQueueCapacity+5; i++ {
		q.PushLog(wire.LogTypeLog, "x")
	}
	assert.Equal(t, DefaultQueueCapacity, q.Len())
	assert.Equal(t, 5, q.Dropped())
}

func TestQueue_PushNotificationUnpacksLogMessage(t *testing.T) {
	q := NewQueue(4)
	msg, err := wire.NewNotification(wire.MethodLogMessage, wire.LogParams{Type: wire.LogTypeError, Message: "boom"})
	require.NoError(t, err)
	require.True(t, q.pushNotification(msg))

	other := &wire.Message{Method: "custom/event", Params: json.RawMessage(`{"a":1}`)}
	require.True(t, q.pushNotification(other))

	items := q.Drain()
	require.Len(t, items, 2)
	assert.Equal(t, "boom", items[0].Message)
	assert.Equal(t, wire.LogTypeError, items[0].Type)
	assert.Equal(t, "custom/event", items[1].Method)
	assert.JSONEq(t, `{"a":1}`, string(items[1].Params))
	assert.Zero(t, q.Len())
}

func TestQueue_PopWaitsForPush(t *testing.T) {
	q := NewQueue(4)
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.PushLog(wire.LogTypeInfo, "late")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	item, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "late", item.Message)
}

func TestQueue_PopContextCancelled(t *testing.T) {
	q := NewQueue(4)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok, err := q.Pop(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_CloseWakesAllWaiters(t *testing.T) {
	q := NewQueue(4)
	q.PushLog(wire.LogTypeInfo, "kept")

	var wg sync.WaitGroup
	results := make(chan bool, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := q.Pop(ctx)
			assert.NoError(t, err)
			results <- ok
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Close()
	q.Close()
	wg.Wait()
	close(results)

	delivered := 0
	for ok := range results {
		if ok {
			delivered++
		}
	}
	assert.Equal(t, 1, delivered, "only the queued item is delivered")
	assert.False(t, q.PushLog(wire.LogTypeInfo, "after close"))
}
