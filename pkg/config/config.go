// Package config handles configuration loading, validation, and
// persistence for the core's system config (spec §6).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Default config file locations, searched in order when no explicit path
// is given.
var configPaths = []string{
	"./config.yaml",
	"./config.yml",
	"./batteryhawk.yaml",
	"./batteryhawk.yml",
	"~/.config/batteryhawk/config.yaml",
	"/etc/batteryhawk/config.yaml",
}

// DiscoveryConfig controls periodic and startup scans.
type DiscoveryConfig struct {
	InitialScan        bool `yaml:"initial_scan" validate:"-"`
	PeriodicIntervalS  int  `yaml:"periodic_interval_s" validate:"min=0"`
	ScanDurationS      int  `yaml:"scan_duration_s" validate:"min=1"`
}

// BluetoothConfig controls the BLE adapter and connection pool.
type BluetoothConfig struct {
	MaxConcurrentConnections int    `yaml:"max_concurrent_connections" validate:"min=1"`
	ConnectionTimeoutS       int    `yaml:"connection_timeout_s" validate:"min=1"`
	Adapter                  string `yaml:"adapter" validate:"-"`
}

// MQTTConfig controls the MQTT resilience client.
type MQTTConfig struct {
	Enabled               bool   `yaml:"enabled" validate:"-"`
	Broker                string `yaml:"broker" validate:"required_if=Enabled true"`
	Port                  int    `yaml:"port" validate:"min=0,max=65535"`
	Username              string `yaml:"username" validate:"-"`
	Password              string `yaml:"password" validate:"-"`
	TopicPrefix           string `yaml:"topic_prefix" validate:"-"`
	MaxRetries            int    `yaml:"max_retries" validate:"min=0"`
	InitialRetryDelayS    int    `yaml:"initial_retry_delay_s" validate:"min=0"`
	MaxRetryDelayS        int    `yaml:"max_retry_delay_s" validate:"min=0"`
	BackoffMultiplier     float64 `yaml:"backoff_multiplier" validate:"min=1"`
	JitterFactor          float64 `yaml:"jitter_factor" validate:"min=0,max=1"`
	ConnectionTimeoutS    int    `yaml:"connection_timeout_s" validate:"min=1"`
	HealthCheckIntervalS  int    `yaml:"health_check_interval_s" validate:"min=1"`
	MessageQueueSize      int    `yaml:"message_queue_size" validate:"min=1"`
	MessageRetryLimit     int    `yaml:"message_retry_limit" validate:"min=0"`
}

// StorageConfig controls the sqlite-backed registry store.
type StorageConfig struct {
	Enabled bool   `yaml:"enabled" validate:"-"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	File  string `yaml:"file" validate:"-"`
}

// Config is the core's system configuration, encoding every key in
// spec §6.
type Config struct {
	Discovery DiscoveryConfig `yaml:"discovery"`
	Bluetooth BluetoothConfig `yaml:"bluetooth"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DiscoveryPeriodicInterval returns the periodic discovery interval as a
// time.Duration.
func (c Config) DiscoveryPeriodicInterval() time.Duration {
	return time.Duration(c.Discovery.PeriodicIntervalS) * time.Second
}

// DiscoveryScanDuration returns the per-scan duration as a time.Duration.
func (c Config) DiscoveryScanDuration() time.Duration {
	return time.Duration(c.Discovery.ScanDurationS) * time.Second
}

// ConnectionTimeout returns the BLE connect timeout as a time.Duration.
func (c Config) ConnectionTimeout() time.Duration {
	return time.Duration(c.Bluetooth.ConnectionTimeoutS) * time.Second
}

// Load reads configuration from path, or the first default path that
// exists, or returns DefaultConfig if none do.
func Load(path string) (*Config, error) {
	if path != "" {
		return loadFile(path)
	}

	for _, p := range configPaths {
		if len(p) > 0 && p[0] == '~' {
			home, err := os.UserHomeDir()
			if err == nil {
				p = filepath.Join(home, p[2:])
			}
		}
		if _, err := os.Stat(p); err == nil {
			return loadFile(p)
		}
	}

	return DefaultConfig(), nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cfg's struct tags.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config: validation failed: %w", err)
	}
	return nil
}

// Save writes cfg to path as YAML, creating parent directories as needed.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("config: mkdir %s: %w", dir, err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Discovery: DiscoveryConfig{
			InitialScan:       true,
			PeriodicIntervalS: int((12 * time.Hour).Seconds()),
			ScanDurationS:     10,
		},
		Bluetooth: BluetoothConfig{
			MaxConcurrentConnections: 1,
			ConnectionTimeoutS:       30,
			Adapter:                  "default",
		},
		MQTT: MQTTConfig{
			Enabled:              false,
			Port:                 1883,
			TopicPrefix:          "batteryhawk",
			MaxRetries:           3,
			InitialRetryDelayS:   1,
			MaxRetryDelayS:       60,
			BackoffMultiplier:    2,
			JitterFactor:         0.1,
			ConnectionTimeoutS:   10,
			HealthCheckIntervalS: 60,
			MessageQueueSize:     1000,
			MessageRetryLimit:    3,
		},
		Storage: StorageConfig{
			Enabled: true,
			Path:    "./batteryhawk.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
