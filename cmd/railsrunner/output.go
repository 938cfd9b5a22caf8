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
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/AleutianRails/services/runner"
	"github.com/AleutianAI/AleutianRails/services/runner/wire"
)

// prettyOutput reports whether w is an interactive terminal and --json
// was not given.
func prettyOutput(w io.Writer) bool {
	if compactJSON {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// writeJSON prints v followed by a newline.
func writeJSON(w io.Writer, v any, pretty bool) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

var logTypeLabels = map[int]string{
	wire.LogTypeError:   "error",
	wire.LogTypeWarning: "warning",
	wire.LogTypeInfo:    "info",
	wire.LogTypeLog:     "log",
}

// formatOutgoing renders a queue item as one line.
func formatOutgoing(item runner.Outgoing) string {
	if item.Method != wire.MethodLogMessage {
		return fmt.Sprintf("[%s] %s", item.Method, string(item.Params))
	}
	label, ok := logTypeLabels[item.Type]
	if !ok {
		label = "log"
	}
	return fmt.Sprintf("[runner %s] %s", label, item.Message)
}

func printLogs(w io.Writer, items []runner.Outgoing) {
	for _, item := range items {
		fmt.Fprintln(w, formatOutgoing(item))
	}
}
