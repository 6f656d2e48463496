package config

import (
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "") are replaced with defaults
//   - Explicit values are preserved
//   - Boolean feature items are not part of Settings; their defaults live
//     at the GetBool call sites
func ApplyDefaults(cfg *Settings) {
	applyLoggingDefaults(&cfg.Logging)
	applyMountDefaults(&cfg.Mount)
	applyWatchdogDefaults(&cfg.Watchdog)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyMountDefaults sets mount helper defaults.
func applyMountDefaults(cfg *MountConfig) {
	if cfg.StateFileDir == "" {
		cfg.StateFileDir = "/var/run/efs"
	}
	if cfg.StunnelCAFile == "" {
		cfg.StunnelCAFile = "/etc/amazon/efs/efs-utils.crt"
	}
	if cfg.PortRangeLowerBound == 0 {
		cfg.PortRangeLowerBound = 20049
	}
	if cfg.PortRangeUpperBound == 0 {
		cfg.PortRangeUpperBound = 21049
	}
	if cfg.MetadataRetryCount == 0 {
		cfg.MetadataRetryCount = 3
	}
	if cfg.MetadataRetryBackoff == 0 {
		cfg.MetadataRetryBackoff = 200 * time.Millisecond
	}
	if cfg.MetadataTimeout == 0 {
		cfg.MetadataTimeout = 1 * time.Second
	}
	if cfg.MetadataTokenTTL == 0 {
		cfg.MetadataTokenTTL = 6 * time.Hour
	}
	if cfg.MetadataRequestsPerSecond == 0 {
		cfg.MetadataRequestsPerSecond = 10
	}
	if cfg.SDKMaxAttempts == 0 {
		cfg.SDKMaxAttempts = 3
	}
}

// applyWatchdogDefaults sets tunnel supervision defaults.
func applyWatchdogDefaults(cfg *WatchdogConfig) {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 5 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	if cfg.UnhealthyThreshold == 0 {
		cfg.UnhealthyThreshold = 3
	}
	if cfg.MaxRestarts == 0 {
		cfg.MaxRestarts = 5
	}
	if cfg.RestartBackoff == 0 {
		cfg.RestartBackoff = 1 * time.Second
	}
	if cfg.RestartBackoffMax == 0 {
		cfg.RestartBackoffMax = 30 * time.Second
	}
	if cfg.CredentialRefreshWindow == 0 {
		cfg.CredentialRefreshWindow = 5 * time.Minute
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9108
	}
}

// GetDefaultConfig returns a Config with no sections and every default applied.
//
// Every GetBool lookup on it warns and returns the supplied default.
func GetDefaultConfig() *Config {
	cfg := &Config{sections: map[string]map[string]any{}}
	ApplyDefaults(&cfg.Settings)
	return cfg
}
