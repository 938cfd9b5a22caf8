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
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultPIDFile is where the application server records its PID,
// relative to the application root.
const DefaultPIDFile = "tmp/pids/server.pid"

// ServerStatus describes a separately running application server.
type ServerStatus struct {
	PIDFile string `json:"pid_file"`
	PID     int    `json:"pid"`
	Running bool   `json:"running"`
}

// PIDFilePath returns RAILSRUNNER_SERVER_PID_FILE when set, otherwise
// DefaultPIDFile under root.
func PIDFilePath(root string) string {
	if p := os.Getenv(EnvPIDFile); p != "" {
		return p
	}
	return filepath.Join(root, DefaultPIDFile)
}

// ServerRunning reports whether the application server for root is alive.
//
// Description:
//
//	Reads the PID file and probes the process with signal 0. A missing,
//	unreadable or malformed file means not running.
func ServerRunning(root string) ServerStatus {
	path := PIDFilePath(root)
	status := ServerStatus{PIDFile: path}

	pid := readPID(path)
	if pid <= 0 {
		return status
	}
	status.PID = pid
	status.Running = processExists(pid)
	return status
}

func readPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
