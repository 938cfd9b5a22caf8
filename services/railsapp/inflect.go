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
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"
)

// Underscore converts "Admin::UserProfile" to "admin/user_profile".
func Underscore(name string) string {
	parts := strings.Split(name, "::")
	for i, part := range parts {
		var b strings.Builder
		runes := []rune(part)
		for j, r := range runes {
			if unicode.IsUpper(r) {
				prevLower := j > 0 && (unicode.IsLower(runes[j-1]) || unicode.IsDigit(runes[j-1]))
				nextLower := j > 0 && j+1 < len(runes) && unicode.IsLower(runes[j+1]) && unicode.IsUpper(runes[j-1])
				if prevLower || nextLower {
					b.WriteByte('_')
				}
				b.WriteRune(unicode.ToLower(r))
				continue
			}
			b.WriteRune(r)
		}
		parts[i] = b.String()
	}
	return strings.Join(parts, "/")
}

// Camelize converts "user_profile" to "UserProfile" and "admin/user" to
// "Admin::User".
func Camelize(word string) string {
	segments := strings.Split(word, "/")
	for i, seg := range segments {
		var b strings.Builder
		for _, piece := range strings.Split(seg, "_") {
			if piece == "" {
				continue
			}
			runes := []rune(piece)
			runes[0] = unicode.ToUpper(runes[0])
			b.WriteString(string(runes))
		}
		segments[i] = b.String()
	}
	return strings.Join(segments, "::")
}

// Pluralize returns the plural of word using the Rails inflection rules,
// including irregular and uncountable words.
func Pluralize(word string) string {
	return inflection.Plural(word)
}

// Singularize returns the singular of word.
func Singularize(word string) string {
	return inflection.Singular(word)
}

// Tableize converts a model class name to its table name:
// "Admin::UserProfile" -> "admin_user_profiles".
func Tableize(className string) string {
	return Pluralize(strings.ReplaceAll(Underscore(className), "/", "_"))
}

// Classify converts an association or table name to a class name:
// "blog_posts" -> "BlogPost", "author" -> "Author".
func Classify(name string) string {
	return Camelize(Singularize(name))
}

// ControllerPath converts "Admin::UsersController" (or "admin/users") to
// the route requirement form "admin/users".
func ControllerPath(controller string) string {
	controller = strings.TrimSuffix(controller, "Controller")
	if strings.ContainsAny(controller, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		return Underscore(controller)
	}
	return controller
}
