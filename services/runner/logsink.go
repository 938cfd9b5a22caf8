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
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianRails/pkg/logging"
	"github.com/AleutianAI/AleutianRails/services/runner/wire"
)

// QueueSink is a logging.Sink that mirrors log entries into a Queue, so
// client-side diagnostics reach the same consumer as subprocess output.
//
// Thread Safety:
//
//	Safe for concurrent use.
type QueueSink struct {
	queue *Queue
}

var _ logging.Sink = (*QueueSink)(nil)

// NewQueueSink creates a sink writing to queue.
func NewQueueSink(queue *Queue) *QueueSink {
	return &QueueSink{queue: queue}
}

// Capture pushes entry as a log item. It never blocks.
func (s *QueueSink) Capture(entry logging.Entry) {
	s.queue.PushLog(logTypeFor(entry.Level), formatEntry(entry))
}

func logTypeFor(level logging.Level) int {
	switch level {
	case logging.LevelError:
		return wire.LogTypeError
	case logging.LevelWarn:
		return wire.LogTypeWarning
	case logging.LevelInfo:
		return wire.LogTypeInfo
	default:
		return wire.LogTypeLog
	}
}

// formatEntry renders "message k=v ..." with keys sorted.
func formatEntry(entry logging.Entry) string {
	if len(entry.Attrs) == 0 {
		return entry.Message
	}
	keys := make([]string, 0, len(entry.Attrs))
	for k := range entry.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(entry.Message)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Attrs[k])
	}
	return b.String()
}
