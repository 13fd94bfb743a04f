// env.go - environment variable configuration and validation
package conf

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// envBinding holds metadata for environment variable bindings
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "EQCUTIL_DEBUG", validateEnvBool},
		{"logging.default_level", "EQCUTIL_LOG_LEVEL", validateEnvLogLevel},

		{"database.type", "EQCUTIL_DATABASE_TYPE", validateEnvDatabaseType},
		{"database.sqlite.path", "EQCUTIL_DATABASE_SQLITE_PATH", nil},
		{"database.mysql.host", "EQCUTIL_DATABASE_MYSQL_HOST", nil},
		{"database.mysql.port", "EQCUTIL_DATABASE_MYSQL_PORT", validateEnvPort},
		{"database.mysql.username", "EQCUTIL_DATABASE_MYSQL_USERNAME", nil},
		{"database.mysql.password", "EQCUTIL_DATABASE_MYSQL_PASSWORD", nil},
		{"database.mysql.database", "EQCUTIL_DATABASE_MYSQL_DATABASE", nil},

		{"wavebank.basepath", "EQCUTIL_WAVEBANK_BASEPATH", nil},
		{"wavebank.maxdiskusage", "EQCUTIL_WAVEBANK_MAXDISKUSAGE", validateEnvPercent},

		{"cluster.corrthresh", "EQCUTIL_CLUSTER_CORRTHRESH", validateEnvUnitInterval},
		{"cluster.cores", "EQCUTIL_CLUSTER_CORES", validateEnvNonNegativeInt},

		{"server.port", "EQCUTIL_SERVER_PORT", validateEnvPort},

		{"mqtt.enabled", "EQCUTIL_MQTT_ENABLED", validateEnvBool},
		{"mqtt.broker", "EQCUTIL_MQTT_BROKER", nil},
		{"mqtt.username", "EQCUTIL_MQTT_USERNAME", nil},
		{"mqtt.password", "EQCUTIL_MQTT_PASSWORD", nil},

		{"archive.enabled", "EQCUTIL_ARCHIVE_ENABLED", validateEnvBool},
		{"archive.endpoint", "EQCUTIL_ARCHIVE_ENDPOINT", nil},
		{"archive.bucket", "EQCUTIL_ARCHIVE_BUCKET", nil},
		{"archive.accesskey", "EQCUTIL_ARCHIVE_ACCESSKEY", nil},
		{"archive.secretkey", "EQCUTIL_ARCHIVE_SECRETKEY", nil},

		{"telemetry.sentry.enabled", "EQCUTIL_SENTRY_ENABLED", validateEnvBool},
		{"telemetry.sentry.dsn", "EQCUTIL_SENTRY_DSN", nil},
	}
}

// bindEnvVars sets up environment variable bindings with validation
func bindEnvVars() error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := viper.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate != nil {
			if envValue := os.Getenv(binding.EnvVar); envValue != "" {
				if err := binding.Validate(envValue); err != nil {
					warnings = append(warnings, fmt.Sprintf("invalid %s value '%s': %v", binding.EnvVar, envValue, err))
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
		return fmt.Errorf("must be true/false, 1/0, t/f")
	}
	return nil
}

func validateEnvLogLevel(value string) error {
	switch strings.ToLower(value) {
	case "trace", "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("must be one of trace, debug, info, warn, error")
}

func validateEnvDatabaseType(value string) error {
	switch value {
	case "sqlite", "mysql":
		return nil
	}
	return fmt.Errorf("must be sqlite or mysql")
}

func validateEnvPort(value string) error {
	port, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid port: %w", err)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

func validateEnvPercent(value string) error {
	pct, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid percentage: %w", err)
	}
	if pct < 0 || pct > 100 {
		return fmt.Errorf("must be between 0 and 100, got %g", pct)
	}
	return nil
}

func validateEnvUnitInterval(value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid number: %w", err)
	}
	if f <= 0 || f > 1 {
		return fmt.Errorf("must be in (0, 1], got %g", f)
	}
	return nil
}

func validateEnvNonNegativeInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid integer: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("must not be negative, got %d", n)
	}
	return nil
}
