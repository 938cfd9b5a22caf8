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
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRails/services/runner/server"
	"github.com/AleutianAI/AleutianRails/services/runner/wire"
)

const testManifest = `
models:
  - name: ApplicationRecord
    abstract: true
  - name: User
    location: app/models/user.rb:1
    associations:
      - name: posts
      - name: statuses
  - name: Status
  - name: Post
    associations:
      - name: user
      - name: author
        class_name: User
  - name: Ghost
routes:
  - name: users
    verb: GET
    path: /users(.:format)
    controller: users
    action: index
    source_location: config/routes.rb:3
  - name: admin_user
    verb: GET
    path: /admin/users/:id(.:format)
    controller: admin/users
    action: show
    source_location: config/routes.rb:7
`

var testMigrations = map[string]string{
	"20240101000000_create_users.sql": `
CREATE TABLE users (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  first_name VARCHAR(255),
  age INTEGER,
  created_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX index_users_on_first_name ON users(first_name);
`,
	"20240102000000_create_posts.sql": `
CREATE TABLE posts (
  id INTEGER PRIMARY KEY,
  user_id INTEGER REFERENCES users(id),
  title TEXT
);
`,
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// newTestApp builds an application root with the manifest and migrations
// and opens it. Migrations are not applied.
func newTestApp(t *testing.T) (*App, string) {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, ManifestFile, testManifest)
	for name, body := range testMigrations {
		writeFile(t, root, filepath.Join(MigrationsDir, name), body)
	}

	app, err := Open(context.Background(), root, nil)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })
	return app, app.Root()
}

func migratedApp(t *testing.T) (*App, string) {
	t.Helper()
	app, root := newTestApp(t)
	res := app.RunMigrations(context.Background())
	require.Equal(t, 0, res.Status, res.Message)
	return app, root
}

func TestOpen_EmptyRoot(t *testing.T) {
	root := t.TempDir()
	app, err := Open(context.Background(), root, nil)
	require.NoError(t, err)
	defer app.Close()

	_, err = os.Stat(filepath.Join(root, DefaultDatabase))
	assert.NoError(t, err, "database file should be created")

	info, err := app.Model(context.Background(), "User")
	assert.NoError(t, err)
	assert.Nil(t, info)
}

func TestOpen_InvalidManifest(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, ManifestFile, "models:\n  - table: users\n")

	_, err := Open(context.Background(), root, nil)
	assert.ErrorContains(t, err, "invalid manifest")
}

func TestMigrations_PendingThenApplied(t *testing.T) {
	app, _ := newTestApp(t)
	ctx := context.Background()

	msg, err := app.PendingMigrationsMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg, "20240101000000_create_users")
	assert.Contains(t, msg, "20240102000000_create_posts")

	res := app.RunMigrations(ctx)
	assert.Equal(t, 0, res.Status)
	assert.Contains(t, res.Message, "20240101000000 CreateUsers: migrated")

	msg, err = app.PendingMigrationsMessage(ctx)
	require.NoError(t, err)
	assert.Empty(t, msg)

	res = app.RunMigrations(ctx)
	assert.Equal(t, 0, res.Status)
	assert.Empty(t, res.Message)
}

func TestMigrations_FailureStopsAndReports(t *testing.T) {
	app, root := migratedApp(t)
	writeFile(t, root, filepath.Join(MigrationsDir, "20240103000000_broken.sql"), "CREATE TABLE users (id INTEGER);")
	writeFile(t, root, filepath.Join(MigrationsDir, "20240104000000_later.sql"), "CREATE TABLE later (id INTEGER);")

	res := app.RunMigrations(context.Background())
	assert.Equal(t, 1, res.Status)
	assert.Contains(t, res.Message, "20240103000000 Broken: failed")

	msg, err := app.PendingMigrationsMessage(context.Background())
	require.NoError(t, err)
	assert.Contains(t, msg, "20240103000000_broken")
	assert.Contains(t, msg, "20240104000000_later")
}

func TestModel(t *testing.T) {
	app, root := migratedApp(t)
	ctx := context.Background()

	info, err := app.Model(ctx, "User")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, []wire.Column{
		{Name: "id", Type: "integer"},
		{Name: "first_name", Type: "string"},
		{Name: "age", Type: "integer"},
		{Name: "created_at", Type: "datetime"},
	}, info.Columns)
	assert.Equal(t, []string{"id"}, info.PrimaryKeys)
	assert.Empty(t, info.SchemaFile)
	require.Len(t, info.Indexes, 1)
	assert.Equal(t, wire.Index{Name: "index_users_on_first_name", Columns: []string{"first_name"}, Unique: true}, info.Indexes[0])

	post, err := app.Model(ctx, "Post")
	require.NoError(t, err)
	assert.Equal(t, []string{"user_id"}, post.ForeignKeys)

	writeFile(t, root, "db/schema.rb", "# schema\n")
	info, err = app.Model(ctx, "User")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "db/schema.rb"), info.SchemaFile)
}

func TestModel_NoValueCases(t *testing.T) {
	app, _ := migratedApp(t)
	ctx := context.Background()

	for _, name := range []string{"Nope", "ApplicationRecord", "", "User.destroy_all"} {
		info, err := app.Model(ctx, name)
		assert.NoError(t, err, name)
		assert.Nil(t, info, name)
	}

	_, err := app.Model(ctx, "Ghost")
	assert.ErrorContains(t, err, `table "ghosts" for Ghost does not exist`)

	info, err := app.Model(ctx, "::User")
	require.NoError(t, err)
	assert.NotNil(t, info, "top-level constant prefix is ignored")
}

func TestRouteLocation(t *testing.T) {
	app, root := newTestApp(t)

	loc := app.RouteLocation("users_path")
	require.NotNil(t, loc)
	assert.Equal(t, filepath.Join(root, "config/routes.rb:3"), loc.Location)

	loc = app.RouteLocation("admin_user_url")
	require.NotNil(t, loc)
	assert.Equal(t, filepath.Join(root, "config/routes.rb:7"), loc.Location)

	assert.Nil(t, app.RouteLocation("users"))
	assert.Nil(t, app.RouteLocation("missing_path"))
}

func TestAssociationTargetLocation(t *testing.T) {
	app, root := newTestApp(t)

	tests := []struct {
		model, assoc string
		want         string
	}{
		{"User", "posts", filepath.Join(root, "app/models/post.rb:1")},
		{"User", "statuses", filepath.Join(root, "app/models/status.rb:1")},
		{"Post", "user", filepath.Join(root, "app/models/user.rb:1")},
		{"Post", "author", filepath.Join(root, "app/models/user.rb:1")},
		{"User", "comments", ""},
		{"Nope", "posts", ""},
	}
	for _, tt := range tests {
		t.Run(tt.model+"."+tt.assoc, func(t *testing.T) {
			loc := app.AssociationTargetLocation(tt.model, tt.assoc)
			if tt.want == "" {
				assert.Nil(t, loc)
				return
			}
			require.NotNil(t, loc)
			assert.Equal(t, tt.want, loc.Location)
		})
	}
}

func TestRouteInfo(t *testing.T) {
	app, root := newTestApp(t)

	info := app.RouteInfo("UsersController", "index")
	require.NotNil(t, info)
	assert.Equal(t, wire.RouteInfo{Verb: "GET", Path: "/users", SourceLocation: filepath.Join(root, "config/routes.rb:3")}, *info)

	info = app.RouteInfo("Admin::UsersController", "show")
	require.NotNil(t, info)
	assert.Equal(t, "/admin/users/:id", info.Path)

	assert.Nil(t, app.RouteInfo("UsersController", "destroy"))
}

func TestReload(t *testing.T) {
	app, root := newTestApp(t)
	assert.Nil(t, app.RouteLocation("posts_path"))

	writeFile(t, root, ManifestFile, testManifest+`  - name: posts
    verb: GET
    path: /posts
    controller: posts
    action: index
    source_location: config/routes.rb:9
`)
	require.NoError(t, app.Reload())
	assert.Equal(t, 1, app.Reloads())
	assert.NotNil(t, app.RouteLocation("posts_path"))

	writeFile(t, root, ManifestFile, "models: [")
	assert.Error(t, app.Reload())
	assert.NotNil(t, app.RouteLocation("posts_path"), "previous manifest is kept")
}

func TestSchemaAddon(t *testing.T) {
	app, _ := migratedApp(t)
	addon := NewSchemaAddon(app)
	ctx := context.Background()

	res, err := addon.Execute(ctx, "tables", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"tables": {"posts", "schema_migrations", "users"}}, res)

	res, err = addon.Execute(ctx, "table", json.RawMessage(`{"table":"posts"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"user_id"}, res.(*wire.ModelInfo).ForeignKeys)

	res, err = addon.Execute(ctx, "table", json.RawMessage(`{"table":"nope"}`))
	assert.NoError(t, err)
	assert.Nil(t, res)

	_, err = addon.Execute(ctx, "table", json.RawMessage(`{"table":"users\"); DROP TABLE users; --"}`))
	assert.ErrorContains(t, err, "invalid table name")

	_, err = addon.Execute(ctx, "drop", nil)
	assert.ErrorContains(t, err, "unknown railsrunner-schema request: drop")

	assert.NoError(t, addon.Notify(ctx, "reload", nil))
	assert.Error(t, addon.Notify(ctx, "other", nil))
}

// serveAll runs a dispatcher over the given messages and returns every
// message it wrote, handshake first.
func serveAll(t *testing.T, app *App, msgs ...*wire.Message) []*wire.Message {
	t.Helper()
	var in, out bytes.Buffer
	w := wire.NewWriter(&in)
	for _, m := range msgs {
		require.NoError(t, w.Write(m))
	}

	d := server.New(&in, &out, app.Root(), nil)
	app.Register(d)
	d.RegisterAddon(NewSchemaAddon(app))
	require.NoError(t, d.Serve(context.Background()))

	var got []*wire.Message
	r := wire.NewReader(&out)
	for {
		m, err := r.Read()
		if err != nil {
			break
		}
		got = append(got, m)
	}
	return got
}

func request(t *testing.T, id int64, method string, params any) *wire.Message {
	t.Helper()
	m, err := wire.NewRequest(id, method, params)
	require.NoError(t, err)
	return m
}

func TestRegister_ServesOperations(t *testing.T) {
	app, root := migratedApp(t)

	register, err := wire.NewNotification(wire.MethodAddonRegister, wire.AddonParams{ServerAddonName: SchemaAddonName})
	require.NoError(t, err)

	got := serveAll(t, app,
		request(t, 1, wire.MethodModel, wire.NameParams{Name: "User"}),
		request(t, 2, wire.MethodModel, wire.NameParams{Name: "Nope"}),
		request(t, 3, wire.MethodRouteLocation, wire.NameParams{Name: "users_path"}),
		request(t, 4, wire.MethodAssociationTargetLocation, wire.AssociationParams{ModelName: "User", AssociationName: "posts"}),
		request(t, 5, wire.MethodRouteInfo, wire.RouteInfoParams{Controller: "UsersController", Action: "index"}),
		request(t, 6, wire.MethodPendingMigrations, nil),
		register,
		request(t, 7, wire.MethodAddonDelegate, map[string]any{"server_addon_name": SchemaAddonName, "request_name": "tables"}),
		request(t, 8, wire.MethodModel, wire.NameParams{Name: "Ghost"}),
	)
	require.Len(t, got, 9)

	var hello wire.Handshake
	require.NoError(t, json.Unmarshal(got[0].Result, &hello))
	assert.Equal(t, wire.Handshake{Message: "ok", Root: root}, hello)

	byID := make(map[int64]*wire.Message)
	for _, m := range got[1:] {
		require.NotNil(t, m.ID)
		byID[*m.ID] = m
	}

	var info wire.ModelInfo
	require.NoError(t, json.Unmarshal(byID[1].Result, &info))
	assert.Len(t, info.Columns, 4)

	assert.True(t, wire.IsNull(byID[2].Result))
	assert.Nil(t, byID[2].Error)

	assert.JSONEq(t, `{"location":"`+filepath.Join(root, "config/routes.rb:3")+`"}`, string(byID[3].Result))
	assert.JSONEq(t, `{"location":"`+filepath.Join(root, "app/models/post.rb:1")+`"}`, string(byID[4].Result))
	assert.JSONEq(t, `{"verb":"GET","path":"/users","source_location":"`+filepath.Join(root, "config/routes.rb:3")+`"}`, string(byID[5].Result))
	assert.JSONEq(t, `{"pending_migrations_message":""}`, string(byID[6].Result))
	assert.JSONEq(t, `{"tables":["posts","schema_migrations","users"]}`, string(byID[7].Result))

	require.NotNil(t, byID[8].Error)
	assert.Contains(t, byID[8].Error.Message, "does not exist")
}

func TestRegister_ReloadNotification(t *testing.T) {
	app, _ := newTestApp(t)

	reload, err := wire.NewNotification(wire.MethodReload, nil)
	require.NoError(t, err)
	serveAll(t, app, reload)

	assert.Equal(t, 1, app.Reloads())
}
