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
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRails/pkg/logging"
	"github.com/AleutianAI/AleutianRails/services/runner"
	"github.com/AleutianAI/AleutianRails/services/runner/wire"
)

// execute runs the root command with args and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("OTEL_METRICS_EXPORTER", "none")
	t.Setenv(runner.EnvTestMode, "1")

	compactJSON, timeout, configPath, metricsAddr = false, 0, "", ""

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"table=users", "limit=5", "deep={\"a\":[1,2]}", "flag=true", "empty="})
	require.NoError(t, err)

	assert.Equal(t, "users", params["table"])
	assert.Equal(t, float64(5), params["limit"])
	assert.Equal(t, map[string]any{"a": []any{float64(1), float64(2)}}, params["deep"])
	assert.Equal(t, true, params["flag"])
	assert.Equal(t, "", params["empty"])

	_, err = parseParams([]string{"novalue"})
	assert.ErrorContains(t, err, "want key=value")
	_, err = parseParams([]string{"=x"})
	assert.Error(t, err)
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, map[string]string{"path": "a<b>"}, false))
	assert.Equal(t, "{\"path\":\"a<b>\"}\n", buf.String())

	buf.Reset()
	require.NoError(t, writeJSON(&buf, map[string]int{"n": 1}, true))
	assert.Equal(t, "{\n  \"n\": 1\n}\n", buf.String())

	buf.Reset()
	var missing *wire.Location
	require.NoError(t, writeJSON(&buf, missing, false))
	assert.Equal(t, "null\n", buf.String())
}

func TestPrettyOutput_NotForBuffers(t *testing.T) {
	assert.False(t, prettyOutput(&bytes.Buffer{}))
}

func TestFormatOutgoing(t *testing.T) {
	tests := []struct {
		name string
		item runner.Outgoing
		want string
	}{
		{"error log", runner.Outgoing{Method: wire.MethodLogMessage, Type: wire.LogTypeError, Message: "reload failed"}, "[runner error] reload failed"},
		{"plain log", runner.Outgoing{Method: wire.MethodLogMessage, Type: wire.LogTypeLog, Message: "booting"}, "[runner log] booting"},
		{"unknown type", runner.Outgoing{Method: wire.MethodLogMessage, Type: 42, Message: "x"}, "[runner log] x"},
		{"other notification", runner.Outgoing{Method: "custom/event", Params: json.RawMessage(`{"a":1}`)}, `[custom/event] {"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatOutgoing(tt.item))
		})
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv(runner.EnvConfigPath, "")
	assert.Equal(t, "/flag.yaml", resolveConfigPath("/app", "/flag.yaml"))
	assert.Equal(t, filepath.Join("/app", runner.DefaultConfigFile), resolveConfigPath("/app", ""))

	t.Setenv(runner.EnvConfigPath, "/env.yaml")
	assert.Equal(t, "/env.yaml", resolveConfigPath("/app", ""))
}

func TestServerStatus(t *testing.T) {
	t.Setenv(runner.EnvPIDFile, "")
	root := t.TempDir()

	out, _, err := execute(t, "server-status", "--root", root)
	require.NoError(t, err)
	var status runner.ServerStatus
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.False(t, status.Running)
	assert.Equal(t, filepath.Join(root, runner.DefaultPIDFile), status.PIDFile)

	pidFile := filepath.Join(root, runner.DefaultPIDFile)
	require.NoError(t, os.MkdirAll(filepath.Dir(pidFile), 0o755))
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644))

	out, _, err = execute(t, "server-status", "--root", root)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.True(t, status.Running)
	assert.Equal(t, os.Getpid(), status.PID)
}

func TestQuery_BootFailureIsReported(t *testing.T) {
	root := t.TempDir()
	conf := "command: [\"railsrunner-no-such-binary\", \"start\"]\nstartup_timeout: 2s\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, runner.DefaultConfigFile), []byte(conf), 0o644))

	out, _, err := execute(t, "model", "User", "--root", root)
	require.Error(t, err)
	assert.ErrorIs(t, err, runner.ErrBinaryNotFound)
	assert.Contains(t, err.Error(), "boot runner")
	assert.Empty(t, out)
}

func TestInvalidConfigIsRejected(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, runner.DefaultConfigFile), []byte("command: []\n"), 0o644))

	_, _, err := execute(t, "migrations", "--root", root)
	assert.ErrorContains(t, err, "invalid config")
}

func TestDelegate_RejectsBadParams(t *testing.T) {
	_, _, err := execute(t, "delegate", "railsrunner-schema", "table", "oops", "--root", t.TempDir())
	assert.ErrorContains(t, err, "want key=value")
}

func TestNewLogConfig_TestModeIsQuiet(t *testing.T) {
	logLevel = "info"

	var out bytes.Buffer
	lc, err := newLogConfig(&out, true)
	require.NoError(t, err)
	logging.New(lc).Error("runner crashed")
	assert.Empty(t, out.String())

	lc, err = newLogConfig(&out, false)
	require.NoError(t, err)
	logging.New(lc).Error("runner crashed")
	assert.Contains(t, out.String(), "runner crashed")
}

func TestSetup_TestModeFromEnvQuietsLogger(t *testing.T) {
	t.Setenv(runner.EnvPIDFile, "")
	_, stderr, err := execute(t, "server-status", "--root", t.TempDir())
	require.NoError(t, err)

	assert.Empty(t, stderr)
	assert.True(t, cfg.TestMode)
	assert.True(t, logConfig.Quiet)
}

func TestWatchLogger_RoutesThroughQueue(t *testing.T) {
	logLevel = "info"
	var out bytes.Buffer
	lc, err := newLogConfig(&out, false)
	require.NoError(t, err)
	logConfig = lc
	logger = logging.New(lc)

	queue := runner.NewQueue(4)
	watchLogger(queue).Info("runner session ready", "state", "running")

	items := queue.Drain()
	require.Len(t, items, 1)
	assert.Equal(t, "[runner info] runner session ready state=running", formatOutgoing(items[0]))
	assert.Empty(t, out.String())

	logConfig.Quiet = true
	assert.Same(t, logger, watchLogger(queue))
}
