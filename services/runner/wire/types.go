// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package wire

import (
	"encoding/json"
	"errors"
)

// =============================================================================
// REQUEST PARAMS
// =============================================================================

// NameParams is the params object of model and route_location.
type NameParams struct {
	Name string `json:"name"`
}

// AssociationParams is the params object of association_target_location.
type AssociationParams struct {
	ModelName       string `json:"model_name"`
	AssociationName string `json:"association_name"`
}

// RouteInfoParams is the params object of route_info.
type RouteInfoParams struct {
	Controller string `json:"controller"`
	Action     string `json:"action"`
}

// AddonParams identifies a server add-on in register and delegate messages.
type AddonParams struct {
	ServerAddonName string `json:"server_addon_name"`
	RequestName     string `json:"request_name,omitempty"`
}

// =============================================================================
// RESULTS
// =============================================================================

// Handshake is the id-less result the subprocess writes before serving.
type Handshake struct {
	Message string `json:"message"`
	Root    string `json:"root"`
}

// HandshakeOK is the Handshake.Message of a successful boot.
const HandshakeOK = "ok"

// ModelInfo is the result of model.
type ModelInfo struct {
	Columns     []Column `json:"columns"`
	PrimaryKeys []string `json:"primary_keys"`
	SchemaFile  string   `json:"schema_file,omitempty"`
	ForeignKeys []string `json:"foreign_keys,omitempty"`
	Indexes     []Index  `json:"indexes,omitempty"`
}

// Column is one persisted attribute. It travels as ["name", "type"].
type Column struct {
	Name string
	Type string
}

// MarshalJSON writes the column as a two-element array.
func (c Column) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{c.Name, c.Type})
}

// UnmarshalJSON reads ["name", "type", ...]. Extra elements are ignored.
func (c *Column) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) < 2 {
		return errors.New("column must have a name and a type")
	}
	if err := json.Unmarshal(parts[0], &c.Name); err != nil {
		return err
	}
	return json.Unmarshal(parts[1], &c.Type)
}

// Index describes a database index on a model's table.
type Index struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique"`
}

// Location is the result of route_location and association_target_location.
// Location has the form "/abs/path/file.rb:LINE".
type Location struct {
	Location string `json:"location"`
}

// RouteInfo is the result of route_info.
type RouteInfo struct {
	Verb           string `json:"verb"`
	Path           string `json:"path"`
	SourceLocation string `json:"source_location"`
}

// PendingMigrations is the result of pending_migrations_message.
type PendingMigrations struct {
	Message string `json:"pending_migrations_message"`
}

// MigrationResult is the result of run_migrations.
type MigrationResult struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}
