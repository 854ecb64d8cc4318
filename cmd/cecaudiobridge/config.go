package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the cecaudiobridge daemon.
//
// This is intentionally user-facing and stable-ish. Keep defaults and validation
// centralized so the rest of the code can assume a well-formed config.
//
// Design goals:
// - Make the config file the primary configuration surface.
// - Keep flags for small overrides and for environments where a file is awkward.
// - Enumerate every value up front and validate once at load time, so nothing
//   fails lazily at dispatch time because of a missing setting.
type Config struct {
	// Event feed polling configuration
	Events EventFeedConfig `yaml:"events"`

	// CEC bridge process configuration
	CEC CECConfig `yaml:"cec"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// EventFeedConfig describes the media-server event feed and how to interpret it.
//
// Field names and status codes are configurable because different media-server
// builds use different JSON conventions; nothing here is hard-coded in the
// event handler.
type EventFeedConfig struct {
	URL          string `yaml:"url"`
	SuccessCode  int    `yaml:"success_code"`
	NotFoundCode int    `yaml:"not_found_code"`

	// Top-level field holding the event list, and the per-event field holding
	// the integer notification code.
	EventsField       string `yaml:"events_field"`
	NotificationField string `yaml:"notification_field"`

	Codes NotificationCodes `yaml:"codes"`

	// Delay before a deferred power-down fires, in minutes.
	PowerOffDelayMins int `yaml:"power_off_delay_mins"`

	// Supervisor loop cadence.
	PollIntervalMS int `yaml:"poll_interval_ms"`
}

// NotificationCodes maps the five recognized playback notifications to the
// integer codes the media server emits for them.
type NotificationCodes struct {
	Stop           int `yaml:"stop"`
	Play           int `yaml:"play"`
	Pause          int `yaml:"pause"`
	ActiveDevice   int `yaml:"active_device"`
	InactiveDevice int `yaml:"inactive_device"`
}

// CECConfig describes the CEC bridge child process.
type CECConfig struct {
	Command           string `yaml:"command"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with the CLI defaults in main.go.
func DefaultConfig() Config {
	return Config{
		Events: EventFeedConfig{
			URL:               "",
			SuccessCode:       200,
			NotFoundCode:      404,
			EventsField:       "Events",
			NotificationField: "Notification",
			Codes: NotificationCodes{
				Stop:           0,
				Play:           1,
				Pause:          2,
				ActiveDevice:   3,
				InactiveDevice: 4,
			},
			PowerOffDelayMins: 10,
			PollIntervalMS:    2000,
		},
		CEC: CECConfig{
			Command:           "cec-client",
			RequestTimeoutSec: defaultRequestTimeoutSec,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file.
//
// Notes:
//   - The file must be valid YAML.
//   - Unknown fields are rejected (helps catch typos) via KnownFields(true).
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Ensure there's no trailing garbage (only whitespace/comments are allowed after the document).
	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides applies overrides from flags on top of a loaded config.
//
// Flags should pass pointers; each override is only applied if the pointer is
// non-nil (even if it points at a zero value). Keeping the override mechanism
// separate makes it easy to evolve flags without proliferating conditionals
// all over the code.
type FlagOverrides struct {
	EventsURL         *string
	PowerOffDelayMins *int
	PollIntervalMS    *int

	CECCommand           *string
	CECRequestTimeoutSec *int

	LogLevel *string
}

// Apply merges the overrides into cfg. If an override pointer is nil, it is ignored.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.EventsURL != nil {
		cfg.Events.URL = *o.EventsURL
	}
	if o.PowerOffDelayMins != nil {
		cfg.Events.PowerOffDelayMins = *o.PowerOffDelayMins
	}
	if o.PollIntervalMS != nil {
		cfg.Events.PollIntervalMS = *o.PollIntervalMS
	}
	if o.CECCommand != nil {
		cfg.CEC.Command = *o.CECCommand
	}
	if o.CECRequestTimeoutSec != nil {
		cfg.CEC.RequestTimeoutSec = *o.CECRequestTimeoutSec
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// This is intended to be called after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	// Event feed
	if c.Events.URL == "" {
		return errors.New("events.url must not be empty")
	}
	if c.Events.SuccessCode < 100 || c.Events.SuccessCode > 599 {
		return errors.New("events.success_code must be a valid HTTP status code")
	}
	if c.Events.NotFoundCode < 100 || c.Events.NotFoundCode > 599 {
		return errors.New("events.not_found_code must be a valid HTTP status code")
	}
	if c.Events.SuccessCode == c.Events.NotFoundCode {
		return errors.New("events.success_code and events.not_found_code must differ")
	}
	if c.Events.EventsField == "" {
		return errors.New("events.events_field must not be empty")
	}
	if c.Events.NotificationField == "" {
		return errors.New("events.notification_field must not be empty")
	}
	if c.Events.PowerOffDelayMins < 0 {
		return errors.New("events.power_off_delay_mins must be >= 0")
	}
	if c.Events.PollIntervalMS <= 0 {
		return errors.New("events.poll_interval_ms must be > 0")
	}

	// The code table must be unambiguous: one action per code.
	seen := make(map[int]string, 5)
	for _, entry := range []struct {
		name string
		code int
	}{
		{"stop", c.Events.Codes.Stop},
		{"play", c.Events.Codes.Play},
		{"pause", c.Events.Codes.Pause},
		{"active_device", c.Events.Codes.ActiveDevice},
		{"inactive_device", c.Events.Codes.InactiveDevice},
	} {
		if prev, dup := seen[entry.code]; dup {
			return fmt.Errorf("events.codes.%s and events.codes.%s share code %d", prev, entry.name, entry.code)
		}
		seen[entry.code] = entry.name
	}

	// CEC bridge
	if c.CEC.Command == "" {
		return errors.New("cec.command must not be empty")
	}
	if c.CEC.RequestTimeoutSec <= 0 {
		return errors.New("cec.request_timeout_sec must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return errors.New("logging.level must not be empty")
	}

	return nil
}

// PollInterval returns the supervisor loop cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Events.PollIntervalMS) * time.Millisecond
}

// RequestTimeout returns the CEC bridge request timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.CEC.RequestTimeoutSec) * time.Second
}
