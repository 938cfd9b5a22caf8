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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianRails/pkg/logging"
)

// reapTimeout bounds the wait for a killed process to be reaped.
const reapTimeout = 2 * time.Second

// SpawnOptions describes how to start the runner subprocess.
type SpawnOptions struct {
	// Command is the argv. Command[0] is resolved on PATH.
	Command []string

	// Dir is the working directory. Empty inherits the parent's.
	Dir string

	// Env is the full environment. Nil inherits the parent's.
	Env []string

	// Logger receives lifecycle lines and stderr at debug level.
	Logger *logging.Logger

	// OnStderr is called for each stderr line.
	OnStderr func(line string)

	// ExitHook registers the process for force-kill on a terminating signal.
	ExitHook bool
}

// Process is a running runner subprocess.
//
// Description:
//
//	Owns the OS process and its pipes. A single reaper goroutine waits on
//	the process and closes Exited, so Alive never blocks.
//
// Thread Safety:
//
//	Safe for concurrent use. Stdout must be consumed by one goroutine.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	logger *logging.Logger

	exited  chan struct{}
	exitErr error

	stopOnce sync.Once
	stopErr  error
	forced   atomic.Bool
	tracked  bool
}

// Spawn starts the subprocess.
//
// Description:
//
//	Resolves Command[0], wires stdin, stdout and stderr, and starts the
//	process in its own process group so a forced stop also reaches its
//	children. Stdout is a plain OS pipe so output written just before exit
//	is still readable after the process is reaped.
//
// Outputs:
//
//	*Process - The running process
//	error - ErrBinaryNotFound, or ErrSpawnFailed wrapping the OS error
func Spawn(ctx context.Context, opts SpawnOptions) (*Process, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrSpawnFailed)
	}

	path, err := exec.LookPath(opts.Command[0])
	if err != nil {
		recordSpawn(ctx, false)
		return nil, fmt.Errorf("%w: %s", ErrBinaryNotFound, opts.Command[0])
	}

	cmd := exec.Command(path, opts.Command[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	cmd.SysProcAttr = sysProcAttr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		recordSpawn(ctx, false)
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawnFailed, err)
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		recordSpawn(ctx, false)
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailed, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		closeAll(stdoutR, stdoutW)
		recordSpawn(ctx, false)
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawnFailed, err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		recordSpawn(ctx, false)
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailed, path, err)
	}
	// The child holds its own copies of the write ends.
	closeAll(stdoutW, stderrW)
	recordSpawn(ctx, true)

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		logger: logger.With("pid", cmd.Process.Pid),
		exited: make(chan struct{}),
	}

	go p.drainStderr(stderrR, opts.OnStderr)
	go p.reap()

	if opts.ExitHook {
		p.tracked = true
		track(p)
	}

	p.logger.Info("runner process spawned", "command", path, "dir", opts.Dir)
	return p, nil
}

func (p *Process) reap() {
	err := p.cmd.Wait()
	p.exitErr = err
	close(p.exited)
	if p.tracked {
		untrack(p)
	}
	p.logger.Debug("runner process exited", "error", errString(err))
}

func (p *Process) drainStderr(r *os.File, onLine func(string)) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.logger.Debug("runner stderr", "line", line)
		if onLine != nil {
			onLine(line)
		}
	}
}

// Pid returns the OS process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Stdin is the subprocess's standard input.
func (p *Process) Stdin() io.Writer {
	return p.stdin
}

// Stdout is the subprocess's standard output.
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// Alive reports whether the process is still running. Never blocks.
func (p *Process) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Exited is closed after the process has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// ExitErr is the result of Wait. Only meaningful after Exited is closed.
func (p *Process) ExitErr() error {
	select {
	case <-p.exited:
		return p.exitErr
	default:
		return nil
	}
}

// Forced reports whether Stop had to force-kill the process.
func (p *Process) Forced() bool {
	return p.forced.Load()
}

// Stop terminates the process.
//
// Description:
//
//	Closes stdin as the polite signal and waits up to grace. If the process
//	is still alive it force-kills the process group, logs the kill, and
//	waits at most reapTimeout for the reaper. Stop never blocks longer than
//	grace plus reapTimeout.
//
// Outputs:
//
//	error - Non-nil only if the process survived the kill
//
// Thread Safety:
//
//	Safe for concurrent use. Later calls return the first result.
func (p *Process) Stop(grace time.Duration) error {
	p.stopOnce.Do(func() {
		p.stopErr = p.stop(grace)
	})
	return p.stopErr
}

func (p *Process) stop(grace time.Duration) error {
	defer p.stdout.Close()
	_ = p.stdin.Close()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.exited:
		return nil
	case <-timer.C:
	}

	p.forced.Store(true)
	recordForceKill(context.Background())
	p.logger.Warn("force killing runner process", "grace", grace.String())
	if err := killGroup(p.Pid()); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Error("kill runner process failed", "error", err)
	}

	select {
	case <-p.exited:
		return nil
	case <-time.After(reapTimeout):
		p.logger.Error("runner process did not exit after kill")
		return fmt.Errorf("runner process %d did not exit after kill", p.Pid())
	}
}

// Kill force-kills the process group immediately without waiting.
func (p *Process) Kill() error {
	if !p.Alive() {
		return nil
	}
	return killGroup(p.Pid())
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
