package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultConfigPath is where the mount helper and the watchdog look for
// their shared configuration file when none is given on the command line.
const DefaultConfigPath = "/etc/amazon/efs/efs-utils.toml"

// Config is the configuration shared by the mount helper and the watchdog.
//
// It exposes two views of the same file:
//   - Sections: the raw named sections of items, queried with an explicit
//     default through GetBool/GetString/GetInt/GetDuration. A missing
//     section or item is never an error; it yields the default and a warning.
//   - Settings: the typed tunables (timeouts, retry budgets, ports), decoded
//     with defaults applied and validated once at load time.
//
// A Config is read once at process start and is immutable afterwards, so it
// is safe to share between goroutines without locking.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (EFSMOUNT_<SECTION>_<ITEM>)
//  2. Configuration file (TOML, INI-style [section] tables)
//  3. Default values
type Config struct {
	sections map[string]map[string]any

	// Settings holds the typed, defaulted and validated tunables.
	Settings Settings
}

// Settings contains all typed configuration.
type Settings struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" json:"logging"`

	// Mount contains mount helper tunables
	Mount MountConfig `mapstructure:"mount" json:"mount"`

	// Watchdog contains tunnel supervision tunables
	Watchdog WatchdogConfig `mapstructure:"mount-watchdog" json:"mount-watchdog"`

	// Metrics controls the Prometheus endpoint of the watchdog
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" json:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" json:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" json:"output" validate:"required"`
}

// MountConfig contains the typed items of the [mount] section.
type MountConfig struct {
	// Region is the region used when the mount options do not name one
	Region string `mapstructure:"region" json:"region,omitempty"`

	// StateFileDir holds tunnel configs, handoff records and watchdog history
	StateFileDir string `mapstructure:"state_file_dir" json:"state_file_dir" validate:"required,startswith=/"`

	// StunnelCAFile is the CA bundle used to verify the server certificate
	StunnelCAFile string `mapstructure:"stunnel_cafile" json:"stunnel_cafile"`

	// PortRangeLowerBound and PortRangeUpperBound bound the local TLS port
	PortRangeLowerBound int `mapstructure:"port_range_lower_bound" json:"port_range_lower_bound" validate:"gt=0,lte=65535"`
	PortRangeUpperBound int `mapstructure:"port_range_upper_bound" json:"port_range_upper_bound" validate:"gtfield=PortRangeLowerBound,lte=65535"`

	// MetadataRetryCount is the number of retries for metadata requests
	MetadataRetryCount int `mapstructure:"metadata_retry_count" json:"metadata_retry_count" validate:"gte=0,lte=10"`

	// MetadataRetryBackoff is the delay before the first retry; it doubles
	// on every subsequent retry
	MetadataRetryBackoff time.Duration `mapstructure:"metadata_retry_backoff" json:"metadata_retry_backoff" validate:"gt=0,lte=10s"`

	// MetadataTimeout bounds a single metadata HTTP attempt
	MetadataTimeout time.Duration `mapstructure:"metadata_timeout" json:"metadata_timeout" validate:"gt=0,lte=1m"`

	// MetadataTokenTTL is the lifetime requested for metadata tokens
	MetadataTokenTTL time.Duration `mapstructure:"metadata_token_ttl" json:"metadata_token_ttl" validate:"gte=1s,lte=6h"`

	// MetadataRequestsPerSecond rate-limits outbound metadata requests
	MetadataRequestsPerSecond uint `mapstructure:"metadata_requests_per_second" json:"metadata_requests_per_second" validate:"gt=0"`

	// SDKMaxAttempts is the retryer budget of SDK service clients
	SDKMaxAttempts int `mapstructure:"sdk_max_attempts" json:"sdk_max_attempts" validate:"gt=0,lte=10"`
}

// WatchdogConfig contains the typed items of the [mount-watchdog] section.
type WatchdogConfig struct {
	// PollInterval is how often the state directory is scanned
	PollInterval time.Duration `mapstructure:"poll_interval" json:"poll_interval" validate:"gt=0"`

	// HealthCheckInterval is the period of the tunnel health probe
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" json:"health_check_interval" validate:"gt=0"`

	// ProbeTimeout bounds a single health probe
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" json:"probe_timeout" validate:"gt=0"`

	// StartupTimeout bounds how long a new tunnel may take to accept connections
	StartupTimeout time.Duration `mapstructure:"startup_timeout" json:"startup_timeout" validate:"gt=0"`

	// UnhealthyThreshold is the number of consecutive failed probes that
	// triggers a restart
	UnhealthyThreshold int `mapstructure:"unhealthy_threshold" json:"unhealthy_threshold" validate:"gt=0,lte=100"`

	// MaxRestarts is the restart budget of one tunnel
	MaxRestarts int `mapstructure:"max_restarts" json:"max_restarts" validate:"gt=0,lte=1000"`

	// RestartBackoff is the delay before the first restart; it doubles up
	// to RestartBackoffMax
	RestartBackoff    time.Duration `mapstructure:"restart_backoff" json:"restart_backoff" validate:"gt=0"`
	RestartBackoffMax time.Duration `mapstructure:"restart_backoff_max" json:"restart_backoff_max" validate:"gtefield=RestartBackoff"`

	// CredentialRefreshWindow re-resolves credentials that expire within it
	CredentialRefreshWindow time.Duration `mapstructure:"credential_refresh_window" json:"credential_refresh_window" validate:"gte=0"`
}

// MetricsConfig controls the metrics endpoint.
type MetricsConfig struct {
	// Enabled turns on Prometheus metrics collection
	Enabled bool `mapstructure:"enabled" json:"enabled"`

	// Port is the HTTP port of the /metrics endpoint
	Port int `mapstructure:"port" json:"port" validate:"omitempty,gt=0,lte=65535"`
}

// Load loads configuration from file, environment, and defaults.
//
// A missing configuration file is not an error: every lookup then falls
// back to its default.
//
// Parameters:
//   - configPath: Path to config file (empty string uses DefaultConfigPath)
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

	return FromSections(sectionsFrom(v.AllSettings()))
}

// FromSections builds a Config from already parsed sections.
//
// Section and item names are matched case-insensitively.
func FromSections(sections map[string]map[string]any) (*Config, error) {
	normalized := make(map[string]map[string]any, len(sections))
	for name, items := range sections {
		section := make(map[string]any, len(items))
		for item, value := range items {
			section[strings.ToLower(item)] = value
		}
		normalized[strings.ToLower(name)] = section
	}

	cfg := &Config{sections: normalized}
	if err := decodeSettings(normalized, &cfg.Settings); err != nil {
		return nil, err
	}

	ApplyDefaults(&cfg.Settings)

	if err := Validate(&cfg.Settings); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the EFSMOUNT_ prefix; dots and dashes
	// become underscores. Example: EFSMOUNT_MOUNT_WATCHDOG_MAX_RESTARTS=3
	v.SetEnvPrefix("EFSMOUNT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for section, items := range knownItems {
		for _, item := range items {
			_ = v.BindEnv(section + "." + item)
		}
	}

	if configPath == "" {
		configPath = DefaultConfigPath
	}
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// sectionsFrom keeps the table-valued top-level keys of a viper settings map.
func sectionsFrom(all map[string]any) map[string]map[string]any {
	sections := make(map[string]map[string]any)
	for name, value := range all {
		if items, ok := value.(map[string]any); ok {
			sections[name] = items
		}
	}
	return sections
}

// decodeSettings decodes raw sections into typed settings.
//
// Weak typing lets "true" and "5" written as strings decode into bool and
// int fields, and durations accept Go duration strings ("30s").
func decodeSettings(sections map[string]map[string]any, settings *Settings) error {
	raw := make(map[string]any, len(sections))
	for name, items := range sections {
		raw[name] = items
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           settings,
		TagName:          "mapstructure",
	})
	if err != nil {
		return fmt.Errorf("failed to create config decoder: %w", err)
	}

	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}

	return nil
}
