// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runner is the editor-side client of the out-of-process Rails
// runner.
//
// # Overview
//
// Editor features need facts only the live application knows: model
// columns, route locations, association targets. Loading the
// application inside the editor process is unsafe, so the runner boots it
// as a subprocess and queries it over a framed request/response channel
// on the subprocess's stdin and stdout (see package wire).
//
// # Lifecycle
//
//	Booting ──handshake──▶ Ready ──shutdown / process death──▶ Stopped
//	   └──────spawn or handshake failure──────────────────────▶ Stopped
//
// Nothing leaves Stopped. When the subprocess cannot be started the
// editor gets a NullClient that answers nothing, so features degrade
// instead of failing.
//
// # Usage
//
//	session := runner.NewSession(cfg, logger)
//	defer session.Shutdown(context.Background())
//
//	info := session.Client().Model(ctx, "User") // nil until booted
//
// # Thread Safety
//
// Clients, sessions and queues are safe for concurrent use. Requests from
// several goroutines are multiplexed over the one channel by id.
package runner
