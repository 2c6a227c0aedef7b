// env.go - Environment variable configuration and validation
package conf

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envBinding holds metadata for environment variable bindings (internal use)
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns all environment variable bindings with validation
func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "FROSTY_DEBUG", validateEnvBool},

		// Sentinel Hub credentials are normally supplied through the environment
		{"sentinelhub.clientid", "FROSTY_SENTINELHUB_CLIENTID", nil},
		{"sentinelhub.clientsecret", "FROSTY_SENTINELHUB_CLIENTSECRET", nil},
		{"sentinelhub.baseurl", "FROSTY_SENTINELHUB_BASEURL", validateEnvURL},
		{"sentinelhub.ratelimit", "FROSTY_SENTINELHUB_RATELIMIT", validateEnvNonNegativeFloat},

		// Pipeline
		{"pipeline.workers", "FROSTY_PIPELINE_WORKERS", validateEnvPositiveInt},
		{"pipeline.resolution", "FROSTY_PIPELINE_RESOLUTION", validateEnvPositiveFloat},
		{"pipeline.graceperiod", "FROSTY_PIPELINE_GRACEPERIOD", validateEnvDuration},
		{"pipeline.workdir", "FROSTY_PIPELINE_WORKDIR", nil},
		{"pipeline.outputdir", "FROSTY_PIPELINE_OUTPUTDIR", nil},
		{"pipeline.band", "FROSTY_PIPELINE_BAND", validateEnvBand},

		// Database secrets
		{"output.mysql.password", "FROSTY_OUTPUT_MYSQL_PASSWORD", nil},
		{"output.postgres.password", "FROSTY_OUTPUT_POSTGRES_PASSWORD", nil},

		{"sentry.dsn", "FROSTY_SENTRY_DSN", validateEnvURL},
		{"metrics.pushgateway", "FROSTY_METRICS_PUSHGATEWAY", validateEnvURL},
	}
}

// bindEnvVars sets up environment variable bindings with validation (internal)
func bindEnvVars() error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := viper.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate != nil {
			if envValue := os.Getenv(binding.EnvVar); envValue != "" {
				if err := binding.Validate(envValue); err != nil {
					warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", binding.EnvVar, envValue, err))
				}
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}
	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("invalid boolean value '%s': must be true/false, 1/0, t/f, TRUE/FALSE, T/F", value)
	}
	return nil
}

func validateEnvPositiveInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid integer: %w", err)
	}
	if n < 1 {
		return fmt.Errorf("must be at least 1, got %d", n)
	}
	return nil
}

func validateEnvPositiveFloat(value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid number: %w", err)
	}
	if f <= 0 {
		return fmt.Errorf("must be greater than 0, got %g", f)
	}
	return nil
}

func validateEnvNonNegativeFloat(value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid number: %w", err)
	}
	if f < 0 {
		return fmt.Errorf("must not be negative, got %g", f)
	}
	return nil
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	if d < 0 {
		return fmt.Errorf("must not be negative, got %s", d)
	}
	return nil
}

func validateEnvBand(value string) error {
	switch strings.ToUpper(value) {
	case "VV", "VH":
		return nil
	}
	return fmt.Errorf("band must be VV or VH, got '%s'", value)
}

func validateEnvURL(value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("URL must include scheme and host, got '%s'", value)
	}
	return nil
}
