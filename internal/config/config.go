// Package config loads the daemon configuration from a YAML file. A
// missing file is written out with defaults on first load.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// DataDir holds the preference file, the push key store and the local
	// databases.
	DataDir string `yaml:"data_dir"`
	// FetchCron is the missed-notification polling schedule.
	FetchCron string `yaml:"fetch_cron"`
	// ScheduleAhead caps materialized occurrences per repeating alarm.
	ScheduleAhead int `yaml:"schedule_ahead"`
	// MetricsListen enables the Prometheus endpoint when non-empty.
	MetricsListen string `yaml:"metrics_listen"`
	LogLevel      string `yaml:"log_level"`
	// Timezone overrides the device timezone for alarm scheduling.
	Timezone string `yaml:"timezone"`
}

func Default() *Config {
	return &Config{
		DataDir:       "data",
		FetchCron:     "*/15 * * * *",
		ScheduleAhead: 24,
		LogLevel:      "info",
	}
}

// Load reads the configuration at path. When the file does not exist, the
// defaults are written there and returned.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.Save(path); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.ScheduleAhead <= 0 {
		return nil, fmt.Errorf("schedule_ahead must be positive, got %d", cfg.ScheduleAhead)
	}
	return cfg, nil
}

func (c *Config) Save(path string) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Location resolves the configured timezone, defaulting to the device
// timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
