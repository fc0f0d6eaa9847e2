// Package conf loads and validates iotalerts configuration.
package conf

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/tphakala/iotalerts/internal/errors"
	"github.com/tphakala/iotalerts/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

// Settings contains all configuration options for iotalerts.
type Settings struct {
	Debug bool // true to enable debug mode

	Main struct {
		Name string // name of this monitor instance, used in push titles
	}

	Broker       BrokerSettings
	Database     DatabaseSettings
	State        StateSettings
	Telemetry    TelemetrySettings
	Sentry       SentrySettings
	Notification NotificationSettings
	Logging      logger.LoggingConfig
}

// BrokerSettings contains MQTT connection settings. URI and credentials are
// used when no broker has been saved yet.
type BrokerSettings struct {
	URI               string        // broker URI (tcp://host:port, ssl://host:port, ws://host:port)
	Username          string        // broker username
	Password          string        // broker password
	ClientID          string        // MQTT client id, generated when empty
	QoS               int           // QoS used for subscriptions (0-2)
	Topics            []string      // topics subscribed after the first connect to a broker
	ConnectTimeout    time.Duration // upper bound for a connect handshake
	ReconnectInterval time.Duration // minimum time between reconnect attempts, 0 retries immediately
	QueueSize         int           // inbound message buffer
	StoreRetries      int           // attempts to persist an alert before reporting failure
}

// DatabaseSettings selects the alert store backend.
type DatabaseSettings struct {
	Type string // sqlite or mysql
	Path string // sqlite file path, ":memory:" for a transient store
	DSN  string // mysql DSN (user:pass@tcp(host:3306)/db?parseTime=true)
}

// StateSettings contains the location of the durable broker settings file.
type StateSettings struct {
	Path string
}

// TelemetrySettings contains settings for the HTTP status and metrics endpoint.
type TelemetrySettings struct {
	Enabled bool   // true to enable Prometheus compatible telemetry endpoint
	Listen  string // IP address and port to listen on
}

// SentrySettings contains settings for error reporting.
type SentrySettings struct {
	Enabled bool
	DSN     string
}

// NotificationSettings controls how eligible alerts are surfaced.
type NotificationSettings struct {
	Log  bool // log eligible alerts at warn level
	Push PushSettings
}

// PushSettings configures shoutrrr push delivery.
type PushSettings struct {
	Enabled bool
	URLs    []string      // shoutrrr service URLs (ntfy://, telegram://, pushover://, ...)
	Timeout time.Duration // per-delivery timeout
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment variables. When
// configFile is empty the default config paths are searched and a default
// file is created if none exists.
func Load(configFile string) (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	if err := initViper(configFile); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal_config").
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

func initViper(configFile string) error {
	viper.SetConfigType("yaml")
	setDefaultConfig()

	if err := configureEnvironmentVariables(); err != nil {
		GetLogger().Warn("environment configuration issues", logger.Error(err))
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
		return nil
	}

	viper.SetConfigName("config")
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return err
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return createDefaultConfig(configPaths[0])
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}
	return nil
}

// createDefaultConfig writes the embedded default config into dir
func createDefaultConfig(dir string) error {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		return fmt.Errorf("error reading embedded config: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	GetLogger().Info("created default config file", logger.String("path", configPath))
	return viper.ReadInConfig()
}

// GetSettings returns the most recently loaded settings
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}
