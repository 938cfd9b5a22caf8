// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package railsapp is the application runtime behind the runner server.
//
// An App answers introspection requests for one application root: models
// come from the manifest plus the development database schema, routes
// from the manifest, migrations from db/migrate. Register wires an App
// into a server.Dispatcher.
package railsapp

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/AleutianAI/AleutianRails/pkg/logging"
	"github.com/AleutianAI/AleutianRails/pkg/validation"
	"github.com/AleutianAI/AleutianRails/services/runner/server"
	"github.com/AleutianAI/AleutianRails/services/runner/wire"
)

var routeHelper = regexp.MustCompile(`^(.+)(_path|_url)$`)

// schemaFiles are checked in order for the model schema_file field.
var schemaFiles = []string{"db/schema.rb", "db/structure.sql"}

// App is an opened application root.
//
// Thread Safety:
//
//	Safe for concurrent use. Reload swaps the manifest under a lock.
type App struct {
	root   string
	logger *logging.Logger
	db     *sql.DB

	mu       sync.RWMutex
	manifest *Manifest
	reloads  int
}

// Open loads the manifest under root and opens its database.
//
// Description:
//
//	The database file is created if missing, matching a fresh
//	application that has not run any migrations yet.
//
// Inputs:
//
//	ctx - Bounds the initial connection check
//	root - Absolute application root
//	logger - Destination for diagnostics, nil discards
//
// Outputs:
//
//	*App - Ready to serve; call Close when done
//	error - Non-nil if the manifest is invalid or the database cannot open
func Open(ctx context.Context, root string, logger *logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	manifest, err := LoadManifest(abs)
	if err != nil {
		return nil, err
	}

	dbPath := manifest.Database
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(abs, dbPath)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	logger.Info("application loaded", "root", abs, "models", len(manifest.Models), "routes", len(manifest.Routes))
	return &App{root: abs, logger: logger, db: db, manifest: manifest}, nil
}

// Close releases the database.
func (a *App) Close() error {
	return a.db.Close()
}

// Root returns the absolute application root.
func (a *App) Root() string {
	return a.root
}

// Reload re-reads the manifest. On error the previous manifest stays.
func (a *App) Reload() error {
	m, err := LoadManifest(a.root)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.manifest = m
	a.reloads++
	a.mu.Unlock()
	a.logger.Info("application reloaded", "models", len(m.Models), "routes", len(m.Routes))
	return nil
}

// Reloads counts successful Reload calls.
func (a *App) Reloads() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.reloads
}

func (a *App) current() *Manifest {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.manifest
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Model describes a persisted model's table. Unknown and abstract models
// yield nil with no error. A model whose table is missing is an error.
func (a *App) Model(ctx context.Context, name string) (*wire.ModelInfo, error) {
	name, err := validation.SanitizeConstant(name)
	if err != nil {
		return nil, nil
	}
	model, ok := a.current().model(name)
	if !ok || model.Abstract {
		return nil, nil
	}

	table := model.TableName()
	if err := validation.ValidateTableName(table); err != nil {
		return nil, fmt.Errorf("model %s: %w", name, err)
	}
	exists, err := tableExists(ctx, a.db, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("table %q for %s does not exist", table, name)
	}

	info, err := describeTable(ctx, a.db, table)
	if err != nil {
		return nil, err
	}
	info.SchemaFile = a.schemaFile()
	return info, nil
}

func (a *App) schemaFile() string {
	for _, rel := range schemaFiles {
		p := filepath.Join(a.root, rel)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// RouteLocation resolves a route helper name such as "users_path" to the
// line that defines the route.
func (a *App) RouteLocation(name string) *wire.Location {
	m := routeHelper.FindStringSubmatch(name)
	if m == nil {
		return nil
	}
	for _, r := range a.current().Routes {
		if r.Name == m[1] && r.SourceLocation != "" {
			return &wire.Location{Location: a.abs(r.SourceLocation)}
		}
	}
	return nil
}

// AssociationTargetLocation resolves where the class an association points
// at is defined.
func (a *App) AssociationTargetLocation(modelName, associationName string) *wire.Location {
	manifest := a.current()
	model, ok := manifest.model(modelName)
	if !ok {
		return nil
	}
	for _, assoc := range model.Associations {
		if assoc.Name != associationName {
			continue
		}
		target, ok := manifest.model(assoc.TargetClass())
		if !ok {
			return nil
		}
		return &wire.Location{Location: a.abs(a.modelLocation(target))}
	}
	return nil
}

func (a *App) modelLocation(m *Model) string {
	if m.Location != "" {
		return m.Location
	}
	return "app/models/" + Underscore(m.Name) + ".rb:1"
}

// RouteInfo finds the route dispatching to controller#action.
func (a *App) RouteInfo(controller, action string) *wire.RouteInfo {
	want := ControllerPath(controller)
	for _, r := range a.current().Routes {
		if ControllerPath(r.Controller) == want && r.Action == action {
			info := &wire.RouteInfo{
				Verb: r.Verb,
				Path: strings.TrimSuffix(r.Path, "(.:format)"),
			}
			if r.SourceLocation != "" {
				info.SourceLocation = a.abs(r.SourceLocation)
			}
			return info
		}
	}
	return nil
}

// PendingMigrationsMessage describes unapplied migrations, "" when none.
func (a *App) PendingMigrationsMessage(ctx context.Context) (string, error) {
	pending, err := pendingMigrations(ctx, a.db, a.root)
	if err != nil {
		return "", err
	}
	return pendingMessage(pending), nil
}

// RunMigrations applies pending migrations in version order, stopping at
// the first failure. Status is 0 on success and 1 on failure.
func (a *App) RunMigrations(ctx context.Context) *wire.MigrationResult {
	pending, err := pendingMigrations(ctx, a.db, a.root)
	if err != nil {
		return &wire.MigrationResult{Message: err.Error(), Status: 1}
	}

	var b strings.Builder
	for _, m := range pending {
		if err := applyMigration(ctx, a.db, m); err != nil {
			a.logger.Error("migration failed", "version", m.Version, "error", err)
			fmt.Fprintf(&b, "== %s %s: failed\n%v\n", m.Version, Camelize(m.Name), err)
			return &wire.MigrationResult{Message: b.String(), Status: 1}
		}
		a.logger.Info("migration applied", "version", m.Version, "name", m.Name)
		fmt.Fprintf(&b, "== %s %s: migrated\n", m.Version, Camelize(m.Name))
	}
	return &wire.MigrationResult{Message: b.String(), Status: 0}
}

// abs joins a root-relative "file:line" location with the root.
func (a *App) abs(location string) string {
	if filepath.IsAbs(location) {
		return location
	}
	return filepath.Join(a.root, location)
}

// =============================================================================
// DISPATCH WIRING
// =============================================================================

// Register installs the application's request and notification handlers.
func (a *App) Register(d *server.Dispatcher) {
	d.Handle(wire.MethodModel, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p wire.NameParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		info, err := a.Model(ctx, p.Name)
		if err != nil || info == nil {
			return nil, err
		}
		return info, nil
	})
	d.Handle(wire.MethodRouteLocation, func(_ context.Context, params json.RawMessage) (any, error) {
		var p wire.NameParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if loc := a.RouteLocation(p.Name); loc != nil {
			return loc, nil
		}
		return nil, nil
	})
	d.Handle(wire.MethodAssociationTargetLocation, func(_ context.Context, params json.RawMessage) (any, error) {
		var p wire.AssociationParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if loc := a.AssociationTargetLocation(p.ModelName, p.AssociationName); loc != nil {
			return loc, nil
		}
		return nil, nil
	})
	d.Handle(wire.MethodRouteInfo, func(_ context.Context, params json.RawMessage) (any, error) {
		var p wire.RouteInfoParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if info := a.RouteInfo(p.Controller, p.Action); info != nil {
			return info, nil
		}
		return nil, nil
	})
	d.Handle(wire.MethodPendingMigrations, func(ctx context.Context, _ json.RawMessage) (any, error) {
		msg, err := a.PendingMigrationsMessage(ctx)
		if err != nil {
			return nil, err
		}
		return wire.PendingMigrations{Message: msg}, nil
	})
	d.Handle(wire.MethodRunMigrations, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return a.RunMigrations(ctx), nil
	})
	d.HandleNotification(wire.MethodReload, func(context.Context, json.RawMessage) error {
		return a.Reload()
	})
}

func decode(params json.RawMessage, v any) error {
	if len(params) == 0 || wire.IsNull(params) {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
