// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks names that end up in SQL statements or are
// resolved against the application.
//
// Table names are interpolated into PRAGMA statements, which do not accept
// bind parameters, so they are checked before use.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// tablePattern matches SQL table names as Rails generates them.
// Lowercase letters, digits and underscores, at most 64 characters.
var tablePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,63}$`)

// constantPattern matches a Ruby constant path such as Admin::User.
var constantPattern = regexp.MustCompile(`^[A-Z][A-Za-z0-9_]*(::[A-Z][A-Za-z0-9_]*)*$`)

// ValidateTableName validates a table name before it is used in a query.
//
// Valid names:
//   - 1-64 characters
//   - Lowercase letters a-z, digits 0-9 and underscores
//   - Not starting with a digit
//
// Example:
//
//	if err := validation.ValidateTableName(table); err != nil {
//	    return nil, err
//	}
//	// Safe to use in PRAGMA table_info
func ValidateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("table name cannot be empty")
	}
	if !tablePattern.MatchString(name) {
		return fmt.Errorf("invalid table name: %q", name)
	}
	return nil
}

// ValidateConstant validates a Ruby constant path like User or Admin::User.
func ValidateConstant(name string) error {
	if name == "" {
		return fmt.Errorf("constant name cannot be empty")
	}
	if !constantPattern.MatchString(name) {
		return fmt.Errorf("invalid constant name: %q", name)
	}
	return nil
}

// SanitizeConstant trims whitespace and a leading top-level "::", then
// validates the result.
//
//	name, err := validation.SanitizeConstant(" ::Admin::User ")
//	// name == "Admin::User"
func SanitizeConstant(name string) (string, error) {
	normalized := strings.TrimPrefix(strings.TrimSpace(name), "::")
	if err := ValidateConstant(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
