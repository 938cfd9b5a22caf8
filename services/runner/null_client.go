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
	"os"

	"github.com/AleutianAI/AleutianRails/services/runner/wire"
)

// NullClient stands in when no subprocess is available. Every query
// answers nil and every command is a no-op.
type NullClient struct {
	root string
}

var _ Client = (*NullClient)(nil)

// NewNullClient captures the current working directory as its root.
func NewNullClient() *NullClient {
	root, err := os.Getwd()
	if err != nil {
		root = "."
	}
	return &NullClient{root: root}
}

func (*NullClient) Model(context.Context, string) *wire.ModelInfo {
	return nil
}

func (*NullClient) RouteLocation(context.Context, string) *wire.Location {
	return nil
}

func (*NullClient) RouteInfo(context.Context, string, string) *wire.RouteInfo {
	return nil
}

func (*NullClient) PendingMigrationsMessage(context.Context) string {
	return ""
}

func (*NullClient) RunMigrations(context.Context) *wire.MigrationResult {
	return nil
}

func (*NullClient) TriggerReload() {}

func (*NullClient) RegisterServerAddon(string) {}

func (*NullClient) Shutdown(context.Context) {}

func (*NullClient) Stopped() bool {
	return true
}

func (*NullClient) State() State {
	return StateStopped
}

func (*NullClient) AssociationTargetLocation(context.Context, string, string) *wire.Location {
	return nil
}

func (*NullClient) DelegateRequest(context.Context, string, string, map[string]any) json.RawMessage {
	return nil
}

func (*NullClient) DelegateNotification(string, string, map[string]any) {}

// RailsRoot returns the working directory captured at construction.
func (n *NullClient) RailsRoot() string {
	return n.root
}
