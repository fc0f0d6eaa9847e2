// conf/validate.go

package conf

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

var supportedSchemes = map[string]bool{
	"tcp": true, "ssl": true, "tls": true,
	"mqtt": true, "mqtts": true,
	"ws": true, "wss": true,
}

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %v", ve.Errors)
}

// ValidateSettings validates settings and fills derived values such as a
// generated client id.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	if err := validateBrokerSettings(&settings.Broker); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	if err := validateDatabaseSettings(&settings.Database); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	if err := validateTelemetrySettings(&settings.Telemetry); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	if settings.Sentry.Enabled && settings.Sentry.DSN == "" {
		ve.Errors = append(ve.Errors, "sentry.dsn is required when sentry is enabled")
	}
	if settings.Notification.Push.Enabled && len(settings.Notification.Push.URLs) == 0 {
		ve.Errors = append(ve.Errors, "notification.push.urls must contain at least one URL when push is enabled")
	}
	if settings.State.Path == "" {
		settings.State.Path = DefaultStatePath
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateBrokerSettings(b *BrokerSettings) error {
	var errs []string

	if b.URI != "" {
		if err := ValidateBrokerURI(b.URI); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if b.QoS < 0 || b.QoS > 2 {
		errs = append(errs, fmt.Sprintf("broker.qos must be 0, 1 or 2, got %d", b.QoS))
	}
	if b.ReconnectInterval < 0 {
		errs = append(errs, "broker.reconnectinterval must not be negative")
	}
	if b.ConnectTimeout <= 0 {
		b.ConnectTimeout = DefaultConnectTimeout
	}
	if b.QueueSize <= 0 {
		b.QueueSize = DefaultQueueSize
	}
	if b.StoreRetries <= 0 {
		b.StoreRetries = DefaultStoreRetries
	}
	for _, topic := range b.Topics {
		if strings.TrimSpace(topic) == "" {
			errs = append(errs, "broker.topics must not contain empty topics")
			break
		}
	}
	if b.ClientID == "" {
		b.ClientID = "iotalerts-" + uuid.NewString()[:8]
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabaseSettings(d *DatabaseSettings) error {
	d.Type = strings.ToLower(d.Type)
	switch d.Type {
	case "", "sqlite":
		d.Type = "sqlite"
		if d.Path == "" {
			d.Path = DefaultDatabasePath
		}
	case "mysql":
		if d.DSN == "" {
			return fmt.Errorf("database.dsn is required for mysql")
		}
	default:
		return fmt.Errorf("database.type must be sqlite or mysql, got %q", d.Type)
	}
	return nil
}

func validateTelemetrySettings(t *TelemetrySettings) error {
	if !t.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(t.Listen); err != nil {
		return fmt.Errorf("telemetry.listen %q is not a host:port address: %w", t.Listen, err)
	}
	return nil
}

// ValidateBrokerURI checks that uri names a host and a supported scheme.
func ValidateBrokerURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid broker URI %q: %w", uri, err)
	}
	if !supportedSchemes[u.Scheme] {
		return fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("broker URI %q has no host", uri)
	}
	return nil
}
