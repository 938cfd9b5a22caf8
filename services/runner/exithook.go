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
	"os/signal"
	"sync"
	"syscall"
)

// The exit hook force-kills tracked subprocesses when the host receives a
// terminating signal, then re-raises the signal. Processes that exit on
// their own are untracked by their reaper.
var (
	trackedMu   sync.Mutex
	tracked     = make(map[*Process]struct{})
	installHook sync.Once
)

func track(p *Process) {
	installHook.Do(installExitHook)
	trackedMu.Lock()
	tracked[p] = struct{}{}
	trackedMu.Unlock()
}

func untrack(p *Process) {
	trackedMu.Lock()
	delete(tracked, p)
	trackedMu.Unlock()
}

// KillTracked force-kills every subprocess registered with the exit hook.
// Hosts may call it from their own shutdown path.
func KillTracked() int {
	trackedMu.Lock()
	procs := make([]*Process, 0, len(tracked))
	for p := range tracked {
		procs = append(procs, p)
	}
	trackedMu.Unlock()

	for _, p := range procs {
		_ = p.Kill()
	}
	return len(procs)
}

func installExitHook() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		sig := <-sigCh
		KillTracked()
		// Once no channel is registered the runtime restores the default
		// action, so the re-raised signal terminates the host as it would have.
		signal.Stop(sigCh)
		if self, err := os.FindProcess(os.Getpid()); err == nil {
			_ = self.Signal(sig)
		}
	}()
}
