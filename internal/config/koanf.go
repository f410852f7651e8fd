// Garmin Relay - InReach Media Relay for Matrix and Email
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/garmin-relay

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
	"/etc/garmin-relay/config.yaml",
	"/etc/garmin-relay/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load builds the configuration from layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML file (if present)
//  3. Environment variables: override any setting
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

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

// sliceConfigPaths are config paths parsed as comma-separated slices when
// they arrive as strings from environment variables.
var sliceConfigPaths = []string{
	"messenger.media_exts",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf config paths.
// The legacy names from the original shell deployment (DB_PATH, ROOT_DIR,
// the SMTP_* family) are preserved so existing unit files keep working.
// Durations accept Go syntax ("1s", "500ms").
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Messenger storage
		"db_path":    "messenger.db_path",
		"root_dir":   "messenger.media_root",
		"media_exts": "messenger.media_exts",
		"tail_limit": "messenger.tail_limit",

		// Relay state
		"state_dir": "state.dir",

		// Detector
		"poll_interval":  "detector.poll_interval",
		"retry_cooldown": "detector.retry_cooldown",

		// Dispatch
		"forward_mode":         "dispatch.forward_mode",
		"dispatch_max_retries": "dispatch.max_retries",
		"dispatch_base_delay":  "dispatch.base_delay",
		"dispatch_max_delay":   "dispatch.max_delay",
		"http_timeout":         "dispatch.send_timeout",
		"dispatch_parallelism": "dispatch.parallelism",
		"delete_on_success":    "dispatch.delete_on_success",
		"delete_delay":         "dispatch.delete_delay",

		// Routing
		"caption_targeting": "routing.caption_targeting",
		"target_word_strip": "routing.strip_target_word",
		"catch_all_url":     "routing.catch_all_url",
		"catch_all_token":   "routing.catch_all_token",

		// SMTP
		"smtp_host":      "smtp.host",
		"smtp_port":      "smtp.port",
		"smtp_user":      "smtp.user",
		"smtp_pass":      "smtp.password",
		"smtp_from":      "smtp.from",
		"smtp_from_name": "smtp.from_name",
		"smtp_use_tls":   "smtp.use_tls",
		"max_attach_mb":  "smtp.max_attachment_mb",

		// Provisioning server
		"provision_bind":   "server.host",
		"provision_port":   "server.port",
		"provision_secret": "server.provision_secret",
		"server_timeout":   "server.timeout",
		"api_rate_limit":   "server.rate_limit_per_minute",

		// Logging
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}

	// Unmapped keys are skipped so random environment variables cannot
	// pollute the config.
	return ""
}
