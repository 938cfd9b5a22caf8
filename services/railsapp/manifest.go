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
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the manifest location relative to the application root.
const ManifestFile = "config/railsrunner_app.yaml"

// DefaultDatabase is used when the manifest does not name a database.
const DefaultDatabase = "db/development.sqlite3"

var manifestValidate = validator.New()

// Manifest describes what the application defines: its models, their
// associations, and its routes. Schema details come from the database.
type Manifest struct {
	Database string  `yaml:"database"`
	Models   []Model `yaml:"models" validate:"dive"`
	Routes   []Route `yaml:"routes" validate:"dive"`
}

// Model is one model class.
type Model struct {
	Name         string        `yaml:"name" validate:"required"`
	Table        string        `yaml:"table"`
	Location     string        `yaml:"location"`
	Abstract     bool          `yaml:"abstract"`
	Associations []Association `yaml:"associations" validate:"dive"`
}

// Association is a declared relation to another model.
type Association struct {
	Name      string `yaml:"name" validate:"required"`
	ClassName string `yaml:"class_name"`
}

// Route is one named route.
type Route struct {
	Name           string `yaml:"name"`
	Verb           string `yaml:"verb" validate:"required"`
	Path           string `yaml:"path" validate:"required"`
	Controller     string `yaml:"controller" validate:"required"`
	Action         string `yaml:"action" validate:"required"`
	SourceLocation string `yaml:"source_location"`
}

// LoadManifest reads and validates the manifest under root. A missing
// manifest yields an empty one.
func LoadManifest(root string) (*Manifest, error) {
	m := &Manifest{}
	data, err := os.ReadFile(filepath.Join(root, ManifestFile))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read manifest: %w", err)
	default:
		if err := yaml.Unmarshal(data, m); err != nil {
			return nil, fmt.Errorf("parse manifest: %w", err)
		}
	}

	if m.Database == "" {
		m.Database = DefaultDatabase
	}
	if err := manifestValidate.Struct(m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return m, nil
}

// model finds a model by class name.
func (m *Manifest) model(name string) (*Model, bool) {
	for i := range m.Models {
		if m.Models[i].Name == name {
			return &m.Models[i], true
		}
	}
	return nil, false
}

// TableName is the explicit table or the one inferred from the class name.
func (m *Model) TableName() string {
	if m.Table != "" {
		return m.Table
	}
	return Tableize(m.Name)
}

// TargetClass is the class an association points at.
func (a *Association) TargetClass() string {
	if a.ClassName != "" {
		return a.ClassName
	}
	return Classify(a.Name)
}
