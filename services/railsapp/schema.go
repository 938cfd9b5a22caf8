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
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianRails/services/runner/wire"
)

// quoteIdent quotes an SQLite identifier for use in PRAGMA arguments.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// tableExists reports whether table is a user table.
func tableExists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// listTables returns user tables in name order.
func listTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

type pkColumn struct {
	name  string
	order int
}

// describeTable reads columns, primary keys, foreign keys and indexes.
func describeTable(ctx context.Context, db *sql.DB, table string) (*wire.ModelInfo, error) {
	info := &wire.ModelInfo{Columns: []wire.Column{}, PrimaryKeys: []string{}}

	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+quoteIdent(table)+")")
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	var pks []pkColumn
	for rows.Next() {
		var (
			cid      int
			name     string
			colType  string
			notNull  int
			defValue sql.NullString
			pk       int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defValue, &pk); err != nil {
			rows.Close()
			return nil, err
		}
		info.Columns = append(info.Columns, wire.Column{Name: name, Type: normalizeType(colType)})
		if pk > 0 {
			pks = append(pks, pkColumn{name: name, order: pk})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(pks, func(i, j int) bool { return pks[i].order < pks[j].order })
	for _, pk := range pks {
		info.PrimaryKeys = append(info.PrimaryKeys, pk.name)
	}

	if info.ForeignKeys, err = foreignKeys(ctx, db, table); err != nil {
		return nil, err
	}
	if info.Indexes, err = indexes(ctx, db, table); err != nil {
		return nil, err
	}
	return info, nil
}

func foreignKeys(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA foreign_key_list("+quoteIdent(table)+")")
	if err != nil {
		return nil, fmt.Errorf("foreign_key_list %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []string
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, col := range cols {
			if col == "from" {
				out = append(out, asString(values[i]))
			}
		}
	}
	return out, rows.Err()
}

func indexes(ctx context.Context, db *sql.DB, table string) ([]wire.Index, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA index_list("+quoteIdent(table)+")")
	if err != nil {
		return nil, fmt.Errorf("index_list %s: %w", table, err)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, err
	}

	var out []wire.Index
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			rows.Close()
			return nil, err
		}
		var idx wire.Index
		origin := ""
		for i, col := range cols {
			switch col {
			case "name":
				idx.Name = asString(values[i])
			case "unique":
				idx.Unique = asString(values[i]) == "1"
			case "origin":
				origin = asString(values[i])
			}
		}
		if origin == "pk" {
			continue
		}
		out = append(out, idx)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		columns, err := indexColumns(ctx, db, out[i].Name)
		if err != nil {
			return nil, err
		}
		out[i].Columns = columns
	}
	return out, nil
}

func indexColumns(ctx context.Context, db *sql.DB, index string) ([]string, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA index_info("+quoteIdent(index)+")")
	if err != nil {
		return nil, fmt.Errorf("index_info %s: %w", index, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var seqno, cid int
		var name sql.NullString
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, err
		}
		columns = append(columns, name.String)
	}
	return columns, rows.Err()
}

// normalizeType maps SQLite declared types onto the framework's column
// type names.
func normalizeType(declared string) string {
	t := strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	switch t {
	case "integer", "int", "bigint", "smallint":
		return "integer"
	case "varchar", "character varying", "char", "string":
		return "string"
	case "text", "clob":
		return "text"
	case "real", "double", "float", "double precision":
		return "float"
	case "decimal", "numeric":
		return "decimal"
	case "boolean", "bool":
		return "boolean"
	case "datetime", "timestamp":
		return "datetime"
	case "date":
		return "date"
	case "time":
		return "time"
	case "blob", "binary":
		return "binary"
	case "json", "jsonb":
		return "json"
	case "":
		return "string"
	default:
		return t
	}
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
