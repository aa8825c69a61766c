package config

import "strings"

// Default transfer bounds. The rate matches what hierarchical object
// stores tolerate before throttling; the size limit keeps a casual fetch
// from pulling gigabytes through a placeholder.
const (
	DefaultRatePerSecond = 5
	DefaultSizeLimitMB   = 2.0
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and
// environment variables to fill in any missing values.
//
// Default Strategy:
//   - Zero values (0, "", false) are replaced with defaults
//   - Explicit values are preserved
//   - A negative SizeLimitMB is an explicit "unlimited" and is preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTransferDefaults(&cfg.Transfer)
	applyRemoteDefaults(&cfg.Remote)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)
}

// applyTransferDefaults sets transfer defaults.
func applyTransferDefaults(cfg *TransferConfig) {
	if cfg.RatePerSecond == 0 {
		cfg.RatePerSecond = DefaultRatePerSecond
	}
	if cfg.Burst == 0 {
		cfg.Burst = cfg.RatePerSecond
	}
	if cfg.SizeLimitMB == 0 {
		cfg.SizeLimitMB = DefaultSizeLimitMB
	}
}

// applyRemoteDefaults sets remote store defaults.
func applyRemoteDefaults(cfg *RemoteConfig) {
	if cfg.Type == "" {
		cfg.Type = "s3"
	}
	if cfg.Type == "s3" && cfg.S3.Region == "" {
		cfg.S3.Region = "us-east-1"
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
