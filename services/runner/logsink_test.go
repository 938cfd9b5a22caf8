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
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRails/pkg/logging"
	"github.com/AleutianAI/AleutianRails/services/runner/wire"
)

func TestQueueSink_MirrorsEntries(t *testing.T) {
	queue := NewQueue(8)
	var out bytes.Buffer
	logger := logging.New(logging.Config{
		Level:  logging.LevelInfo,
		Quiet:  true,
		Output: &out,
		Sink:   NewQueueSink(queue),
	})

	logger.With("component", "watch").Warn("reload skipped", "reason", "busy")
	logger.Error("runner failed")
	logger.Debug("below level")

	items := queue.Drain()
	require.Len(t, items, 2)

	assert.Equal(t, wire.MethodLogMessage, items[0].Method)
	assert.Equal(t, wire.LogTypeWarning, items[0].Type)
	assert.Equal(t, "reload skipped component=watch reason=busy", items[0].Message)

	assert.Equal(t, wire.LogTypeError, items[1].Type)
	assert.Equal(t, "runner failed", items[1].Message)

	assert.Empty(t, out.String(), "quiet logger writes only to the sink")
}

func TestSession_WithQueue(t *testing.T) {
	queue := NewQueue(4)
	s := NewSession(DefaultConfig(), nil).WithQueue(queue)
	assert.Same(t, queue, s.Queue())
}
