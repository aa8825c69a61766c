// Package config loads and validates remora configuration.
//
// Configuration selects the remote backend and bounds transfers; it never
// describes anchor state, which lives in each anchor's control directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the complete remora configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (REMORA_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
//
// Remote Configuration Pattern:
// The Remote.Type field selects the backend and only the matching
// type-specific section is used, so a config file can carry both an s3
// and a memory section and switch between them with one field.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Transfer bounds remote calls and content downloads
	Transfer TransferConfig `mapstructure:"transfer"`

	// Remote specifies the remote store type and type-specific configuration
	Remote RemoteConfig `mapstructure:"remote"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
}

// TransferConfig bounds remote traffic.
type TransferConfig struct {
	// RatePerSecond is the sustained outbound remote call rate.
	// 0 disables limiting (only sensible against the memory remote).
	RatePerSecond uint `mapstructure:"rate_per_second"`

	// Burst is the rate limiter burst capacity. 0 defaults to the rate.
	Burst uint `mapstructure:"burst"`

	// SizeLimitMB skips fetching files larger than this many megabytes.
	// Negative means unlimited.
	SizeLimitMB float64 `mapstructure:"size_limit_mb"`
}

// RemoteConfig specifies remote store configuration.
//
// The Type field determines which client implementation is used.
// Only the corresponding type-specific configuration section is used.
type RemoteConfig struct {
	// Type specifies which remote client implementation to use
	// Valid values: s3, memory
	Type string `mapstructure:"type" validate:"required,oneof=s3 memory"`

	// S3 contains S3-specific configuration
	// Only used when Type = "s3"
	S3 S3Config `mapstructure:"s3"`
}

// S3Config configures the S3-backed remote client.
type S3Config struct {
	// Bucket is the bucket holding the object hierarchy
	Bucket string `mapstructure:"bucket"`

	// Prefix is the key prefix all objects live under (optional)
	Prefix string `mapstructure:"prefix"`

	// Region is the AWS region
	Region string `mapstructure:"region"`

	// Endpoint overrides the S3 endpoint (for MinIO and compatible stores)
	Endpoint string `mapstructure:"endpoint"`

	// AccessKeyID and SecretAccessKey are static credentials. Leave both
	// empty to use the ambient AWS credential chain.
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// UsePathStyle forces path-style addressing (required by MinIO)
	UsePathStyle bool `mapstructure:"use_path_style"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (REMORA_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the REMORA_ prefix and underscores.
	// Example: REMORA_TRANSFER_RATE_PER_SECOND=10
	v.SetEnvPrefix("REMORA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Viper only consults the environment for keys it knows about, so
	// every key gets a zero default; ApplyDefaults fills real values in.
	for _, key := range []string{
		"logging.level",
		"transfer.rate_per_second",
		"transfer.burst",
		"transfer.size_limit_mb",
		"remote.type",
		"remote.s3.bucket",
		"remote.s3.prefix",
		"remote.s3.region",
		"remote.s3.endpoint",
		"remote.s3.access_key_id",
		"remote.s3.secret_access_key",
		"remote.s3.use_path_style",
	} {
		v.SetDefault(key, nil)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/remora/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. A missing
// file is acceptable; defaults and environment carry the load.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to
// current directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "remora")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "remora")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
