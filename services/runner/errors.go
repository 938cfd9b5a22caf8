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
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianRails/services/runner/wire"
)

// Sentinel errors for runner operations.
var (
	// ErrSpawnFailed indicates the runner subprocess could not be started.
	ErrSpawnFailed = errors.New("runner spawn failed")

	// ErrBinaryNotFound indicates the boot executable is not on PATH.
	// It wraps ErrSpawnFailed.
	ErrBinaryNotFound = fmt.Errorf("%w: binary not found", ErrSpawnFailed)

	// ErrHandshakeFailed indicates the subprocess started but never sent a
	// valid boot handshake.
	ErrHandshakeFailed = errors.New("runner handshake failed")

	// ErrIncompleteMessage indicates the channel was torn down before a
	// response arrived.
	ErrIncompleteMessage = wire.ErrIncompleteMessage

	// ErrRequestTimeout indicates a request outlived its context.
	ErrRequestTimeout = errors.New("runner request timeout")

	// ErrClientNotReady indicates an operation was attempted while booting.
	ErrClientNotReady = errors.New("runner client not ready")

	// ErrClientStopped indicates an operation was attempted after shutdown
	// or after the subprocess died.
	ErrClientStopped = errors.New("runner client stopped")
)

// RemoteError is a failure reported by the subprocess in a response's
// error field. It belongs to one request and does not affect the channel.
type RemoteError struct {
	// Method is the request that failed.
	Method string

	// Message is the text the subprocess sent.
	Message string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("runner error in %s: %s", e.Method, e.Message)
}
