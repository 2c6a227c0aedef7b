// conf/validate.go

package conf

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	if err := validateSentinelHubSettings(&settings.SentinelHub); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validatePipelineSettings(&settings.Pipeline); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateOutputSettings(&settings.Output); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if settings.Sentry.Enabled && settings.Sentry.DSN == "" {
		ve.Errors = append(ve.Errors, "sentry is enabled but no DSN is configured")
	}

	if settings.Metrics.Pushgateway != "" {
		if _, err := url.ParseRequestURI(settings.Metrics.Pushgateway); err != nil {
			ve.Errors = append(ve.Errors, fmt.Sprintf("invalid metrics pushgateway URL: %v", err))
		}
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

// validateSentinelHubSettings checks connection parameters. Credentials are
// not required here: commands that never reach the provider must still load.
func validateSentinelHubSettings(settings *SentinelHubSettings) error {
	var errs []string

	if settings.BaseURL != "" {
		if _, err := url.ParseRequestURI(settings.BaseURL); err != nil {
			errs = append(errs, fmt.Sprintf("invalid sentinelhub base URL: %v", err))
		}
	}
	if settings.RateLimit < 0 {
		errs = append(errs, "sentinelhub rate limit must not be negative")
	}
	if settings.MaxRetries < 1 {
		errs = append(errs, "sentinelhub max retries must be at least 1")
	}
	if settings.Timeout < 0 {
		errs = append(errs, "sentinelhub timeout must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("sentinelhub settings errors: %v", errs)
	}
	return nil
}

func validatePipelineSettings(settings *PipelineSettings) error {
	var errs []string

	if settings.Resolution <= 0 {
		errs = append(errs, "resolution must be greater than 0")
	}
	if settings.MaxTilePx < 1 {
		errs = append(errs, "maxtilepx must be at least 1")
	}
	if settings.Workers < 1 {
		errs = append(errs, "workers must be at least 1")
	}
	if settings.GracePeriod < 0 {
		errs = append(errs, "grace period must not be negative")
	}
	if settings.TileTimeout < 0 {
		errs = append(errs, "tile timeout must not be negative")
	}
	if settings.LookbackDays < 1 {
		errs = append(errs, "lookbackdays must be at least 1")
	}
	if settings.WorkDir == "" {
		errs = append(errs, "workdir must be set")
	}
	if settings.OutputDir == "" {
		errs = append(errs, "outputdir must be set")
	}

	switch strings.ToUpper(settings.Band) {
	case "", "VV", "VH":
	default:
		errs = append(errs, fmt.Sprintf("band must be VV, VH or empty, got %q", settings.Band))
	}

	switch strings.ToUpper(settings.Speckle.Type) {
	case "", "NONE":
	case "LEE":
		if settings.Speckle.WindowX < 1 || settings.Speckle.WindowY < 1 {
			errs = append(errs, "speckle filter window must be at least 1x1")
		}
	default:
		errs = append(errs, fmt.Sprintf("speckle type must be LEE or NONE, got %q", settings.Speckle.Type))
	}

	switch strings.ToLower(settings.Compression) {
	case "", "none", "deflate":
	default:
		errs = append(errs, fmt.Sprintf("compression must be none or deflate, got %q", settings.Compression))
	}

	if len(errs) > 0 {
		return fmt.Errorf("pipeline settings errors: %v", errs)
	}
	return nil
}

// validateOutputSettings allows at most one metadata store.
func validateOutputSettings(settings *OutputSettings) error {
	var enabled []string
	if settings.SQLite.Enabled {
		enabled = append(enabled, "sqlite")
		if settings.SQLite.Path == "" {
			return fmt.Errorf("sqlite output is enabled but no path is configured")
		}
	}
	if settings.MySQL.Enabled {
		enabled = append(enabled, "mysql")
	}
	if settings.Postgres.Enabled {
		enabled = append(enabled, "postgres")
	}
	if len(enabled) > 1 {
		return fmt.Errorf("only one output database can be enabled, got %s", strings.Join(enabled, ", "))
	}
	return nil
}
