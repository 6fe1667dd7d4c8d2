// Huddle - Real-Time Group Location Sharing
// Copyright 2026 Huddle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/huddleshare/huddle

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/huddle/config.yaml",
	"/etc/huddle/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// envPrefix namespaces Huddle environment variables.
const envPrefix = "HUDDLE_"

// envMappings translates environment variable names (lowercased, prefix
// stripped) to koanf config paths. Only variables listed here are consumed;
// section names alone are ambiguous because both section and key names may
// contain underscores.
var envMappings = map[string]string{
	"server_host":                "server.host",
	"server_port":                "server.port",
	"server_read_header_timeout": "server.read_header_timeout",
	"server_shutdown_timeout":    "server.shutdown_timeout",

	"realtime_ttl":             "realtime.ttl",
	"realtime_max_connections": "realtime.max_connections",
	"realtime_send_buffer":     "realtime.send_buffer",
	"realtime_update_rate":     "realtime.update_rate",
	"realtime_update_burst":    "realtime.update_burst",

	"nats_enabled":        "nats.enabled",
	"nats_url":            "nats.url",
	"nats_embedded":       "nats.embedded",
	"nats_store_dir":      "nats.store_dir",
	"nats_kv_bucket":      "nats.kv_bucket",
	"nats_max_reconnects": "nats.max_reconnects",
	"nats_reconnect_wait": "nats.reconnect_wait",

	"fabric_driver":       "fabric.driver",
	"fabric_topic_prefix": "fabric.topic_prefix",

	"security_auth_mode":         "security.auth_mode",
	"security_jwt_secret":        "security.jwt_secret",
	"security_cors_origins":      "security.cors_origins",
	"security_rate_limit_reqs":   "security.rate_limit_reqs",
	"security_rate_limit_window": "security.rate_limit_window",

	"logging_level":  "logging.level",
	"logging_format": "logging.format",
	"logging_caller": "logging.caller",
}

// sliceFields are koanf paths holding []string values that environment
// variables supply as comma-separated strings.
var sliceFields = []string{
	"security.cors_origins",
}

// Load builds the configuration from layered sources, highest priority last:
//
//  1. Built-in defaults
//  2. YAML config file (optional; CONFIG_PATH or DefaultConfigPaths)
//  3. HUDDLE_* environment variables
//
// The result is validated before being returned.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first config file that exists, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps HUDDLE_SERVER_PORT -> server.port and so on.
// Unknown variables map to "" and are dropped by koanf.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	return envMappings[key]
}

// processSliceFields converts comma-separated string values loaded from the
// environment into string slices so unmarshaling into []string succeeds.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceFields {
		raw := k.Get(path)
		s, ok := raw.(string)
		if !ok {
			continue // already a slice (defaults or YAML)
		}
		parts := strings.Split(s, ",")
		values := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				values = append(values, trimmed)
			}
		}
		if err := k.Set(path, values); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}
