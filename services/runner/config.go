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
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables read by LoadConfig and the exit hook.
const (
	// EnvTestMode set to a true value disables the exit hook and quiets logs.
	EnvTestMode = "RAILSRUNNER_TEST"

	// EnvConfigPath points at a YAML config file.
	EnvConfigPath = "RAILSRUNNER_CONFIG"

	// EnvCommand overrides the boot command, split on whitespace.
	EnvCommand = "RAILSRUNNER_COMMAND"

	// EnvPIDFile overrides where the app server writes its PID.
	EnvPIDFile = "RAILSRUNNER_SERVER_PID_FILE"

	// DefaultConfigFile is looked up in the application root.
	DefaultConfigFile = ".railsrunner.yaml"
)

var configValidate = validator.New()

// Config controls how the runner subprocess is booted and supervised.
//
// Durations are written as Go duration strings in YAML ("30s", "500ms").
type Config struct {
	// Command is the boot argv. Command[0] is resolved on PATH.
	Command []string `yaml:"command" validate:"required,min=1,dive,required"`

	// Dir is the subprocess working directory. Empty means the parent's.
	Dir string `yaml:"dir"`

	// Env is added to the parent's environment.
	Env map[string]string `yaml:"env"`

	// StartupTimeout bounds the wait for the boot handshake.
	StartupTimeout time.Duration `yaml:"startup_timeout" validate:"gt=0"`

	// RequestTimeout applies to operations whose context has no deadline.
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`

	// ShutdownGrace is how long Stop waits before force-killing.
	ShutdownGrace time.Duration `yaml:"shutdown_grace" validate:"gt=0"`

	// QueueCapacity bounds the outgoing queue.
	QueueCapacity int `yaml:"queue_capacity" validate:"gte=0"`

	// TestMode disables the process-exit hook and console logging.
	TestMode bool `yaml:"test_mode"`

	// Addons are server add-on names registered after boot.
	Addons []string `yaml:"addons" validate:"dive,required"`

	// Watch configures the reload watcher.
	Watch WatchConfig `yaml:"watch"`
}

// WatchConfig configures ReloadWatcher.
type WatchConfig struct {
	// Paths are watched relative to the application root.
	Paths []string `yaml:"paths"`

	// Debounce coalesces bursts of file events.
	Debounce time.Duration `yaml:"debounce" validate:"gte=0"`

	// MinInterval is the minimum time between two reloads.
	MinInterval time.Duration `yaml:"min_interval" validate:"gte=0"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Command:        []string{"railsrunner-server", "start"},
		StartupTimeout: 30 * time.Second,
		RequestTimeout: 10 * time.Second,
		ShutdownGrace:  1 * time.Second,
		QueueCapacity:  DefaultQueueCapacity,
		Watch: WatchConfig{
			Paths:       []string{"db", "config", "app/models"},
			Debounce:    200 * time.Millisecond,
			MinInterval: time.Second,
		},
	}
}

// LoadConfig builds a Config from defaults, an optional YAML file and the
// environment, then validates it.
//
// Description:
//
//	path may be empty, in which case RAILSRUNNER_CONFIG is used. A missing
//	file is not an error. Environment overrides win over the file.
//
// Outputs:
//
//	Config - The effective configuration (defaults on error)
//	error - Non-nil if the file cannot be parsed or validation fails
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return DefaultConfig(), fmt.Errorf("load config file: %w", err)
		}
	}

	loadConfigFromEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return DefaultConfig(), fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	return configValidate.Struct(c)
}

// Environ returns the parent's environment plus Env, in KEY=VALUE form.
func (c *Config) Environ() []string {
	env := os.Environ()
	for k, v := range c.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func loadConfigFromEnv(cfg *Config) {
	if TestModeFromEnv() {
		cfg.TestMode = true
	}
	if v := strings.Fields(os.Getenv(EnvCommand)); len(v) > 0 {
		cfg.Command = v
	}
}

// TestModeFromEnv reports whether RAILSRUNNER_TEST is set to a true value.
func TestModeFromEnv() bool {
	v, err := strconv.ParseBool(os.Getenv(EnvTestMode))
	return err == nil && v
}
