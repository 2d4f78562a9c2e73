package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// DefaultConfigPath is the path to the canonical timer defaults file.
// This is the single source of truth for all default timer values.
const DefaultConfigPath = "config/timer.defaults.json"

// TimerConfig represents the lap-timer core's tunable options, read
// from a JSON file by LoadTimerConfig at startup.
type TimerConfig struct {
	AutoStartDetection        *bool   `json:"auto_start_detection,omitempty"`
	MaxTelemetryDataRetention *int    `json:"max_telemetry_data_retention,omitempty"`
	MinimumTimeBetweenEvents  *string `json:"minimum_time_between_events,omitempty"` // duration string like "5s"
	SessionTimeout            *string `json:"session_timeout,omitempty"`             // duration string like "15m"
	TrackPosition             *bool   `json:"track_position,omitempty"`
	DeviceID                  *string `json:"device_id,omitempty"`
	UserID                    *string `json:"user_id,omitempty"`
}

// Helper functions to create pointers
func ptrBool(v bool) *bool       { return &v }
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// EmptyTimerConfig returns a TimerConfig with all fields set to nil.
// Use LoadTimerConfig to load actual values from a defaults file.
func EmptyTimerConfig() *TimerConfig {
	return &TimerConfig{}
}

// LoadTimerConfig loads a TimerConfig from a JSON file. The file is
// validated to ensure it has a .json extension and is under the max
// file size. Fields omitted from the JSON file retain their default
// values, so partial configs are safe.
func LoadTimerConfig(path string) (*TimerConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTimerConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical timer defaults from
// DefaultConfigPath. It searches for the file in the current directory
// and common parent directories. Panics if the file cannot be loaded,
// intended for test setup.
func MustLoadDefaultConfig() *TimerConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTimerConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TimerConfig) Validate() error {
	if c.MaxTelemetryDataRetention != nil && *c.MaxTelemetryDataRetention < 2 {
		return fmt.Errorf("max_telemetry_data_retention must be >= 2, got %d", *c.MaxTelemetryDataRetention)
	}

	if c.MinimumTimeBetweenEvents != nil && *c.MinimumTimeBetweenEvents != "" {
		d, err := time.ParseDuration(*c.MinimumTimeBetweenEvents)
		if err != nil {
			return fmt.Errorf("invalid minimum_time_between_events '%s': %w", *c.MinimumTimeBetweenEvents, err)
		}
		if d < 0 {
			return fmt.Errorf("minimum_time_between_events must be non-negative, got %s", d)
		}
	}

	if c.SessionTimeout != nil && *c.SessionTimeout != "" {
		d, err := time.ParseDuration(*c.SessionTimeout)
		if err != nil {
			return fmt.Errorf("invalid session_timeout '%s': %w", *c.SessionTimeout, err)
		}
		if d < 0 {
			return fmt.Errorf("session_timeout must be non-negative, got %s", d)
		}
	}

	return nil
}

// GetAutoStartDetection returns auto_start_detection or its default.
func (c *TimerConfig) GetAutoStartDetection() bool {
	if c.AutoStartDetection == nil {
		return false
	}
	return *c.AutoStartDetection
}

// GetMaxTelemetryDataRetention returns max_telemetry_data_retention or
// its default.
func (c *TimerConfig) GetMaxTelemetryDataRetention() int {
	if c.MaxTelemetryDataRetention == nil {
		return 5
	}
	return *c.MaxTelemetryDataRetention
}

// GetMinimumTimeBetweenEvents parses and returns
// minimum_time_between_events or its default.
func (c *TimerConfig) GetMinimumTimeBetweenEvents() time.Duration {
	if c.MinimumTimeBetweenEvents == nil || *c.MinimumTimeBetweenEvents == "" {
		return 5 * time.Second
	}
	d, err := time.ParseDuration(*c.MinimumTimeBetweenEvents)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetSessionTimeout parses and returns session_timeout or its default.
func (c *TimerConfig) GetSessionTimeout() time.Duration {
	if c.SessionTimeout == nil || *c.SessionTimeout == "" {
		return 15 * time.Minute
	}
	d, err := time.ParseDuration(*c.SessionTimeout)
	if err != nil {
		return 15 * time.Minute
	}
	return d
}

// GetTrackPosition returns track_position or its default.
func (c *TimerConfig) GetTrackPosition() bool {
	if c.TrackPosition == nil {
		return false
	}
	return *c.TrackPosition
}

// GetDeviceID returns device_id, or a freshly generated id when blank.
func (c *TimerConfig) GetDeviceID() string {
	if c.DeviceID == nil || *c.DeviceID == "" {
		return uuid.New().String()
	}
	return *c.DeviceID
}

// GetUserID returns user_id, which is optional and may be empty.
func (c *TimerConfig) GetUserID() string {
	if c.UserID == nil {
		return ""
	}
	return *c.UserID
}
