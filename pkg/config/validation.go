package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance. Fields are reported by
// their configuration item names rather than their Go names.
var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
}

// Validate validates the configuration using struct tags and custom rules.
//
// Struct tags cover single items; validateCustomRules covers rules that
// span sections.
//
// Returns an error naming the first offending item.
func Validate(cfg *Settings) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	return validateCustomRules(cfg)
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Settings) error {
	// A tunnel must be able to start before a probe may declare it dead
	if cfg.Watchdog.ProbeTimeout > cfg.Watchdog.StartupTimeout {
		return fmt.Errorf("[%s] probe_timeout (%s) exceeds startup_timeout (%s)",
			SectionWatchdog, cfg.Watchdog.ProbeTimeout, cfg.Watchdog.StartupTimeout)
	}

	if cfg.Metrics.Enabled {
		lower, upper := cfg.Mount.PortRangeLowerBound, cfg.Mount.PortRangeUpperBound
		if cfg.Metrics.Port >= lower && cfg.Metrics.Port <= upper {
			return fmt.Errorf("[%s] port %d overlaps the tunnel port range %d-%d",
				SectionMetrics, cfg.Metrics.Port, lower, upper)
		}
	}

	return nil
}

// formatValidationError renders the first validator error as
// "[section] item: ...".
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) || len(validationErrs) == 0 {
		return err
	}

	e := validationErrs[0]
	// Namespace is "Settings.<section>.<item>"
	parts := strings.SplitN(e.Namespace(), ".", 3)
	field := e.Namespace()
	if len(parts) == 3 {
		field = fmt.Sprintf("[%s] %s", parts[1], parts[2])
	}

	if e.Param() != "" {
		return fmt.Errorf("%s: value %v fails the '%s=%s' rule", field, e.Value(), e.Tag(), e.Param())
	}
	return fmt.Errorf("%s: value %v fails the '%s' rule", field, e.Value(), e.Tag())
}
