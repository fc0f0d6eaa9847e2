// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Default values shared with the embedded config.yaml.
const (
	DefaultQoS               = 1
	DefaultReconnectInterval = time.Second
	DefaultConnectTimeout    = 30 * time.Second
	DefaultQueueSize         = 256
	DefaultStoreRetries      = 3
	DefaultTelemetryListen   = "127.0.0.1:8090"
	DefaultDatabasePath      = "iotalerts.db"
	DefaultStatePath         = "broker.yaml"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "iotalerts")

	viper.SetDefault("broker.uri", "")
	viper.SetDefault("broker.username", "")
	viper.SetDefault("broker.password", "")
	viper.SetDefault("broker.clientid", "")
	viper.SetDefault("broker.qos", DefaultQoS)
	viper.SetDefault("broker.topics", []string{})
	viper.SetDefault("broker.connecttimeout", DefaultConnectTimeout)
	viper.SetDefault("broker.reconnectinterval", DefaultReconnectInterval)
	viper.SetDefault("broker.queuesize", DefaultQueueSize)
	viper.SetDefault("broker.storeretries", DefaultStoreRetries)

	viper.SetDefault("database.type", "sqlite")
	viper.SetDefault("database.path", DefaultDatabasePath)
	viper.SetDefault("database.dsn", "")

	viper.SetDefault("state.path", DefaultStatePath)

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.listen", DefaultTelemetryListen)

	viper.SetDefault("sentry.enabled", false)
	viper.SetDefault("sentry.dsn", "")

	viper.SetDefault("notification.log", true)
	viper.SetDefault("notification.push.enabled", false)
	viper.SetDefault("notification.push.urls", []string{})
	viper.SetDefault("notification.push.timeout", 10*time.Second)

	viper.SetDefault("logging.default_level", "info")
	viper.SetDefault("logging.timezone", "Local")
	viper.SetDefault("logging.console.enabled", true)
	viper.SetDefault("logging.console.level", "info")
	viper.SetDefault("logging.file_output.enabled", false)
	viper.SetDefault("logging.file_output.path", "logs/iotalerts.log")
	viper.SetDefault("logging.file_output.level", "info")
	viper.SetDefault("logging.file_output.max_size", 50)
	viper.SetDefault("logging.file_output.max_age", 30)
	viper.SetDefault("logging.file_output.max_rotated_files", 5)
}
