// Garmin Relay - InReach Media Relay for Matrix and Email
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/garmin-relay

// Package config loads and validates relay configuration from layered
// sources: built-in defaults, an optional YAML file, and environment
// variables (highest priority).
package config

import (
	"fmt"
	"os"
	"time"
)

// Config is the root configuration for the relay.
type Config struct {
	Messenger MessengerConfig `koanf:"messenger"`
	State     StateConfig     `koanf:"state"`
	Detector  DetectorConfig  `koanf:"detector"`
	Dispatch  DispatchConfig  `koanf:"dispatch"`
	Routing   RoutingConfig   `koanf:"routing"`
	SMTP      SMTPConfig      `koanf:"smtp"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// MessengerConfig describes how to observe the messaging app's storage.
type MessengerConfig struct {
	// DBPath is the messaging app's SQLite database, opened read-only.
	DBPath string `koanf:"db_path"`

	// MediaRoot is the directory under which media files are written, with
	// high/preview/low/audio quality subdirectories.
	MediaRoot string `koanf:"media_root"`

	// MediaExts are the file extensions probed when resolving an attachment
	// to an on-disk path.
	MediaExts []string `koanf:"media_exts"`

	// TailLimit bounds how many new messages one poll cycle reads.
	TailLimit int `koanf:"tail_limit"`
}

// StateConfig locates the relay's own durable state.
type StateConfig struct {
	// Dir holds the badger database (subscriptions, delivery ledger).
	Dir string `koanf:"dir"`
}

// DetectorConfig tunes the media event detector.
type DetectorConfig struct {
	// PollInterval drives the detection latency / external-store I/O
	// trade-off.
	PollInterval time.Duration `koanf:"poll_interval"`

	// RetryCooldown is the quiet period before an event with undelivered
	// destinations is re-dispatched, so a dead receiver is not hammered at
	// poll frequency.
	RetryCooldown time.Duration `koanf:"retry_cooldown"`
}

// DispatchConfig tunes delivery fan-out.
type DispatchConfig struct {
	// ForwardMode selects the webhook payload shape: "base64" inlines the
	// file, "file_url" sends a file:// reference for co-located receivers.
	ForwardMode string `koanf:"forward_mode"`

	MaxRetries  int           `koanf:"max_retries"`
	BaseDelay   time.Duration `koanf:"base_delay"`
	MaxDelay    time.Duration `koanf:"max_delay"`
	SendTimeout time.Duration `koanf:"send_timeout"`
	Parallelism int           `koanf:"parallelism"`

	// DeleteOnSuccess removes the source media file once every destination
	// has been delivered. DeleteDelay gives the messaging app time to
	// finish its own bookkeeping before the file disappears.
	DeleteOnSuccess bool          `koanf:"delete_on_success"`
	DeleteDelay     time.Duration `koanf:"delete_delay"`
}

// RoutingConfig tunes caption-based destination selection.
type RoutingConfig struct {
	// CaptionTargeting enables first-word subscription name matching.
	CaptionTargeting bool `koanf:"caption_targeting"`

	// StripTargetWord removes a matched name prefix from the forwarded
	// caption.
	StripTargetWord bool `koanf:"strip_target_word"`

	// CatchAllURL/CatchAllToken, when set, receive events from senders with
	// no active subscriptions instead of dropping them.
	CatchAllURL   string `koanf:"catch_all_url"`
	CatchAllToken string `koanf:"catch_all_token"`
}

// SMTPConfig carries credentials for the email delivery backend.
type SMTPConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	From     string `koanf:"from"`
	FromName string `koanf:"from_name"`
	UseTLS   bool   `koanf:"use_tls"`

	// MaxAttachmentMB skips files larger than this as a permanent delivery
	// failure (0 disables the cap).
	MaxAttachmentMB int `koanf:"max_attachment_mb"`
}

// ServerConfig configures the provisioning HTTP API.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`

	// ProvisionSecret is the operator bearer secret on POST /provision.
	// Empty leaves the endpoint open; the real trust anchor is the ack SMS.
	ProvisionSecret string `koanf:"provision_secret"`

	// RateLimitPerMinute caps API requests per client IP.
	RateLimitPerMinute int `koanf:"rate_limit_per_minute"`
}

// LoggingConfig configures the logging package.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all default values. These are applied
// first, then overridden by the config file and environment variables.
func defaultConfig() *Config {
	return &Config{
		Messenger: MessengerConfig{
			DBPath:    "",
			MediaRoot: "",
			MediaExts: []string{"avif", "jpg", "jpeg", "png", "ogg", "oga", "mp4", "m4a"},
			TailLimit: 200,
		},
		State: StateConfig{
			Dir: "/var/lib/garmin-relay",
		},
		Detector: DetectorConfig{
			PollInterval:  1 * time.Second,
			RetryCooldown: 1 * time.Minute,
		},
		Dispatch: DispatchConfig{
			ForwardMode:     "base64",
			MaxRetries:      3,
			BaseDelay:       1 * time.Second,
			MaxDelay:        10 * time.Second,
			SendTimeout:     15 * time.Second,
			Parallelism:     4,
			DeleteOnSuccess: true,
			DeleteDelay:     2 * time.Second,
		},
		Routing: RoutingConfig{
			CaptionTargeting: true,
			StripTargetWord:  true,
		},
		SMTP: SMTPConfig{
			Port:            587,
			UseTLS:          true,
			MaxAttachmentMB: 5,
		},
		Server: ServerConfig{
			Host:               "127.0.0.1",
			Port:               8788,
			Timeout:            30 * time.Second,
			RateLimitPerMinute: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for values the relay cannot run with.
func (c *Config) Validate() error {
	if c.Messenger.DBPath == "" {
		return fmt.Errorf("messenger.db_path is required")
	}
	if c.Messenger.MediaRoot == "" {
		return fmt.Errorf("messenger.media_root is required")
	}
	if c.Messenger.TailLimit <= 0 {
		return fmt.Errorf("messenger.tail_limit must be positive")
	}
	if c.State.Dir == "" {
		return fmt.Errorf("state.dir is required")
	}
	if c.Detector.PollInterval <= 0 {
		return fmt.Errorf("detector.poll_interval must be positive")
	}
	if c.Detector.RetryCooldown < 0 {
		return fmt.Errorf("detector.retry_cooldown must not be negative")
	}
	if c.Server.RateLimitPerMinute <= 0 {
		return fmt.Errorf("server.rate_limit_per_minute must be positive")
	}
	if c.Dispatch.SendTimeout <= 0 {
		return fmt.Errorf("dispatch.send_timeout must be positive")
	}
	if c.Dispatch.ForwardMode != "base64" && c.Dispatch.ForwardMode != "file_url" {
		return fmt.Errorf("dispatch.forward_mode must be base64 or file_url, got %q", c.Dispatch.ForwardMode)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Routing.CatchAllURL != "" && c.Routing.CatchAllToken == "" {
		return fmt.Errorf("routing.catch_all_token is required when routing.catch_all_url is set")
	}
	return nil
}

// EnsureStateDir creates the state directory if it does not exist.
func (c *Config) EnsureStateDir() error {
	return os.MkdirAll(c.State.Dir, 0o750)
}
