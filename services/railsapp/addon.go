// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package railsapp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/AleutianRails/pkg/validation"
)

// SchemaAddonName is the server add-on name of SchemaAddon.
const SchemaAddonName = "railsrunner-schema"

// SchemaAddon exposes raw table introspection through add-on delegation.
//
// Requests:
//
//	tables              - {"tables": ["users", ...]}
//	table {"table": T}  - the model info shape for table T
//
// Notifications:
//
//	reload - re-reads the application manifest
type SchemaAddon struct {
	app *App
}

// NewSchemaAddon creates the add-on for app.
func NewSchemaAddon(app *App) *SchemaAddon {
	return &SchemaAddon{app: app}
}

// Name implements server.Addon.
func (s *SchemaAddon) Name() string {
	return SchemaAddonName
}

// Execute implements server.Addon.
func (s *SchemaAddon) Execute(ctx context.Context, request string, params json.RawMessage) (any, error) {
	switch request {
	case "tables":
		tables, err := listTables(ctx, s.app.db)
		if err != nil {
			return nil, err
		}
		if tables == nil {
			tables = []string{}
		}
		return map[string][]string{"tables": tables}, nil

	case "table":
		var p struct {
			Table string `json:"table"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := validation.ValidateTableName(p.Table); err != nil {
			return nil, err
		}
		exists, err := tableExists(ctx, s.app.db, p.Table)
		if err != nil || !exists {
			return nil, err
		}
		return describeTable(ctx, s.app.db, p.Table)

	default:
		return nil, fmt.Errorf("unknown %s request: %s", SchemaAddonName, request)
	}
}

// Notify implements server.Notifier.
func (s *SchemaAddon) Notify(_ context.Context, request string, _ json.RawMessage) error {
	if request != "reload" {
		return fmt.Errorf("unknown %s notification: %s", SchemaAddonName, request)
	}
	return s.app.Reload()
}
