package config

import (
	"strings"
	"time"

	"github.com/marmos91/efsmount/internal/logger"
	"github.com/spf13/cast"
)

// Section names.
const (
	SectionMount    = "mount"
	SectionWatchdog = "mount-watchdog"
	SectionMetrics  = "metrics"
	SectionLogging  = "logging"
)

// Boolean feature items. They are read through GetBool so that an absent
// item is reported to the operator instead of being silently defaulted.
const (
	ItemDisableFetchEC2MetadataToken = "disable_fetch_ec2_metadata_token"
	ItemFallbackToMountTargetIP      = "fall_back_to_mount_target_ip_address_enabled"
	ItemFIPSModeEnabled              = "fips_mode_enabled"
	ItemAWSSDKEnabled                = "aws_sdk_enabled"
	ItemStunnelDebugEnabled          = "stunnel_debug_enabled"
	ItemStunnelCheckCertHostname     = "stunnel_check_cert_hostname"
	ItemStunnelCheckCertValidity     = "stunnel_check_cert_validity"
	ItemWatchdogEnabled              = "enabled"
	ItemRPCProbeEnabled              = "rpc_probe_enabled"
)

// knownItems lists every recognized item per section. Each one can be
// overridden from the environment.
var knownItems = map[string][]string{
	SectionMount: {
		"region", "state_file_dir", "stunnel_cafile",
		"port_range_lower_bound", "port_range_upper_bound",
		"metadata_retry_count", "metadata_retry_backoff", "metadata_timeout",
		"metadata_token_ttl", "metadata_requests_per_second", "sdk_max_attempts",
		ItemDisableFetchEC2MetadataToken, ItemFallbackToMountTargetIP,
		ItemFIPSModeEnabled, ItemAWSSDKEnabled, ItemStunnelDebugEnabled,
		ItemStunnelCheckCertHostname, ItemStunnelCheckCertValidity,
	},
	SectionWatchdog: {
		ItemWatchdogEnabled, "poll_interval", "health_check_interval",
		"probe_timeout", "startup_timeout", "unhealthy_threshold",
		"max_restarts", "restart_backoff", "restart_backoff_max",
		"credential_refresh_window", ItemRPCProbeEnabled,
	},
	SectionMetrics: {"enabled", "port"},
	SectionLogging: {"level", "format", "output"},
}

// LookupOption tunes a single item lookup.
type LookupOption func(*lookupOptions)

type lookupOptions struct {
	emitWarning bool
}

// WithoutWarning suppresses the absence warning. The returned value is the
// same either way.
func WithoutWarning() LookupOption {
	return func(o *lookupOptions) {
		o.emitWarning = false
	}
}

// HasSection reports whether the named section exists.
func (c *Config) HasSection(section string) bool {
	_, ok := c.sections[strings.ToLower(section)]
	return ok
}

// HasItem reports whether the item exists within the named section.
func (c *Config) HasItem(section, item string) bool {
	items, ok := c.sections[strings.ToLower(section)]
	if !ok {
		return false
	}
	_, ok = items[strings.ToLower(item)]
	return ok
}

// lookup returns the raw value of an item, warning when the section or the
// item is absent.
func (c *Config) lookup(section, item string, def any, opts []LookupOption) (any, bool) {
	o := lookupOptions{emitWarning: true}
	for _, opt := range opts {
		opt(&o)
	}

	items, ok := c.sections[strings.ToLower(section)]
	if !ok {
		if o.emitWarning {
			logger.Warn("config file does not have section %q, using default value %v for item %q",
				section, def, item)
		}
		return nil, false
	}

	value, ok := items[strings.ToLower(item)]
	if !ok {
		if o.emitWarning {
			logger.Warn("config file does not have %q item in section %q, using default value %v",
				item, section, def)
		}
		return nil, false
	}

	return value, true
}

// GetBool returns a boolean item, or def when the section or item is absent
// or the value cannot be parsed as a boolean.
//
// Parameters:
//   - section: Section name (case-insensitive)
//   - item: Item name (case-insensitive)
//   - def: Value returned when the item cannot be resolved
//   - opts: WithoutWarning() to suppress the absence warning
func (c *Config) GetBool(section, item string, def bool, opts ...LookupOption) bool {
	value, ok := c.lookup(section, item, def, opts)
	if !ok {
		return def
	}

	parsed, err := cast.ToBoolE(value)
	if err != nil {
		logger.Warn("config item %q in section %q has invalid boolean value %v, using default value %v",
			item, section, value, def)
		return def
	}
	return parsed
}

// GetString returns a string item, or def when absent.
func (c *Config) GetString(section, item, def string, opts ...LookupOption) string {
	value, ok := c.lookup(section, item, def, opts)
	if !ok {
		return def
	}

	parsed, err := cast.ToStringE(value)
	if err != nil {
		return def
	}
	return parsed
}

// GetInt returns an integer item, or def when absent or malformed.
func (c *Config) GetInt(section, item string, def int, opts ...LookupOption) int {
	value, ok := c.lookup(section, item, def, opts)
	if !ok {
		return def
	}

	parsed, err := cast.ToIntE(value)
	if err != nil {
		logger.Warn("config item %q in section %q has invalid integer value %v, using default value %d",
			item, section, value, def)
		return def
	}
	return parsed
}

// GetDuration returns a duration item ("30s", "5m"), or def when absent or
// malformed.
func (c *Config) GetDuration(section, item string, def time.Duration, opts ...LookupOption) time.Duration {
	value, ok := c.lookup(section, item, def, opts)
	if !ok {
		return def
	}

	parsed, err := cast.ToDurationE(value)
	if err != nil {
		logger.Warn("config item %q in section %q has invalid duration value %v, using default value %s",
			item, section, value, def)
		return def
	}
	return parsed
}

// FetchEC2MetadataTokenDisabled reports whether metadata token fetching is
// turned off. Token fetching is enabled unless configured otherwise.
func (c *Config) FetchEC2MetadataTokenDisabled() bool {
	return c.GetBool(SectionMount, ItemDisableFetchEC2MetadataToken, false)
}

// FIPSModeEnabled reports whether FIPS endpoints and FIPS tunnels are required.
func (c *Config) FIPSModeEnabled() bool {
	return c.GetBool(SectionMount, ItemFIPSModeEnabled, false)
}

// FallbackToMountTargetIPEnabled reports whether a failed DNS lookup may
// be recovered through the mount target API.
func (c *Config) FallbackToMountTargetIPEnabled() bool {
	return c.GetBool(SectionMount, ItemFallbackToMountTargetIP, true)
}

// AWSSDKEnabled reports whether the SDK credential provider may be used.
func (c *Config) AWSSDKEnabled() bool {
	return c.GetBool(SectionMount, ItemAWSSDKEnabled, true, WithoutWarning())
}
