// Garmin Relay - InReach Media Relay for Matrix and Email
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/garmin-relay

package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_PATH", "/tmp/messages.db")
	t.Setenv("ROOT_DIR", "/tmp/media")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Detector.PollInterval != time.Second {
		t.Errorf("poll interval = %v, want 1s", cfg.Detector.PollInterval)
	}
	if cfg.Detector.RetryCooldown != time.Minute {
		t.Errorf("retry cooldown = %v, want 1m", cfg.Detector.RetryCooldown)
	}
	if cfg.Server.RateLimitPerMinute != 60 {
		t.Errorf("rate limit = %d, want 60", cfg.Server.RateLimitPerMinute)
	}
	if cfg.Dispatch.ForwardMode != "base64" {
		t.Errorf("forward mode = %q, want base64", cfg.Dispatch.ForwardMode)
	}
	if !cfg.Dispatch.DeleteOnSuccess {
		t.Error("delete on success not defaulted on")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DB_PATH", "/tmp/messages.db")
	t.Setenv("ROOT_DIR", "/tmp/media")
	t.Setenv("RETRY_COOLDOWN", "5s")
	t.Setenv("API_RATE_LIMIT", "10")
	t.Setenv("POLL_INTERVAL", "250ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Detector.RetryCooldown != 5*time.Second {
		t.Errorf("retry cooldown = %v, want 5s", cfg.Detector.RetryCooldown)
	}
	if cfg.Server.RateLimitPerMinute != 10 {
		t.Errorf("rate limit = %d, want 10", cfg.Server.RateLimitPerMinute)
	}
	if cfg.Detector.PollInterval != 250*time.Millisecond {
		t.Errorf("poll interval = %v, want 250ms", cfg.Detector.PollInterval)
	}
}

func TestValidateRejectsBadKnobs(t *testing.T) {
	base := func() *Config {
		cfg := defaultConfig()
		cfg.Messenger.DBPath = "/tmp/messages.db"
		cfg.Messenger.MediaRoot = "/tmp/media"
		return cfg
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg := base()
	cfg.Detector.RetryCooldown = -time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("negative retry cooldown accepted")
	}

	cfg = base()
	cfg.Server.RateLimitPerMinute = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero rate limit accepted")
	}
}
