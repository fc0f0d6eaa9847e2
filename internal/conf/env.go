// env.go - environment variable configuration and validation
package conf

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

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
		{"broker.uri", "IOTALERTS_BROKER_URI", validateEnvBrokerURI},
		{"broker.username", "IOTALERTS_BROKER_USERNAME", nil},
		{"broker.password", "IOTALERTS_BROKER_PASSWORD", nil},
		{"broker.clientid", "IOTALERTS_BROKER_CLIENTID", nil},
		{"broker.qos", "IOTALERTS_BROKER_QOS", validateEnvQoS},
		{"broker.reconnectinterval", "IOTALERTS_BROKER_RECONNECT_INTERVAL", validateEnvDuration},

		{"database.type", "IOTALERTS_DATABASE_TYPE", validateEnvDatabaseType},
		{"database.path", "IOTALERTS_DATABASE_PATH", nil},
		{"database.dsn", "IOTALERTS_DATABASE_DSN", nil},

		{"state.path", "IOTALERTS_STATE_PATH", nil},

		{"telemetry.enabled", "IOTALERTS_TELEMETRY_ENABLED", validateEnvBool},
		{"telemetry.listen", "IOTALERTS_TELEMETRY_LISTEN", nil},

		{"sentry.enabled", "IOTALERTS_SENTRY_ENABLED", validateEnvBool},
		{"sentry.dsn", "IOTALERTS_SENTRY_DSN", nil},

		{"logging.default_level", "IOTALERTS_LOG_LEVEL", validateEnvLogLevel},
	}
}

// bindEnvVars binds each variable and validates values that are set
func bindEnvVars() error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := viper.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate == nil {
			continue
		}
		if value := os.Getenv(binding.EnvVar); value != "" {
			if err := binding.Validate(value); err != nil {
				warnings = append(warnings, fmt.Sprintf("invalid %s value %q: %v", binding.EnvVar, value, err))
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
		return fmt.Errorf("must be true or false")
	}
	return nil
}

func validateEnvQoS(value string) error {
	qos, err := strconv.Atoi(value)
	if err != nil || qos < 0 || qos > 2 {
		return fmt.Errorf("must be 0, 1 or 2")
	}
	return nil
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("must be a duration such as 500ms or 2s")
	}
	if d < 0 {
		return fmt.Errorf("must not be negative")
	}
	return nil
}

func validateEnvBrokerURI(value string) error {
	return ValidateBrokerURI(value)
}

func validateEnvDatabaseType(value string) error {
	switch strings.ToLower(value) {
	case "sqlite", "mysql":
		return nil
	default:
		return fmt.Errorf("must be sqlite or mysql")
	}
}

func validateEnvLogLevel(value string) error {
	switch strings.ToLower(value) {
	case "trace", "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("must be one of trace, debug, info, warn, error")
	}
}

// configureEnvironmentVariables sets up environment variable support for Viper
func configureEnvironmentVariables() error {
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return bindEnvVars()
}
