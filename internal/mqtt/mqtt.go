// mqtt.go: Package mqtt owns the broker session lifecycle and the inbound
// alert pipeline.
package mqtt

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/tphakala/iotalerts/internal/errors"
	"github.com/tphakala/iotalerts/internal/logger"
)

// State is the connectivity phase of a Manager.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	ConnectionLost
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ConnectionLost:
		return "connection_lost"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Endpoint identifies a broker and the credentials used for it.
type Endpoint struct {
	URI      string
	Username string
	Password string
}

// SameBroker reports whether e and other address the same broker. Only the
// URI is compared; credentials may change without invalidating
// subscriptions.
func (e Endpoint) SameBroker(other Endpoint) bool {
	return sameBrokerURI(e.URI, other.URI)
}

// Redacted returns the URI without credentials, for logs and errors.
func (e Endpoint) Redacted() string {
	return logger.RedactBrokerURI(e.URI)
}

func sameBrokerURI(a, b string) bool {
	a, b = normalizeURI(a), normalizeURI(b)
	return a != "" && a == b
}

func normalizeURI(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimRight(raw, "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.User = nil
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}

// Config tunes a Manager.
type Config struct {
	// QoS used for resubscribing ledger topics.
	QoS byte
	// ReconnectInterval paces implicit reconnect attempts. Zero retries
	// immediately.
	ReconnectInterval time.Duration
	// QueueSize bounds the inbound message queue. A full queue applies
	// backpressure to the transport.
	QueueSize int
	// StoreRetries is how many times a failed alert write is attempted.
	StoreRetries int
	// CloseTimeout caps how long Close waits for the transport.
	CloseTimeout time.Duration
}

// DefaultConfig returns a Config with reasonable default values
func DefaultConfig() Config {
	return Config{
		QoS:               1,
		ReconnectInterval: time.Second,
		QueueSize:         256,
		StoreRetries:      3,
		CloseTimeout:      2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QoS > 2 {
		c.QoS = d.QoS
	}
	if c.ReconnectInterval < 0 {
		c.ReconnectInterval = 0
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.StoreRetries <= 0 {
		c.StoreRetries = d.StoreRetries
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = d.CloseTimeout
	}
	return c
}

// Sentinel errors. Errors returned by the Manager wrap these.
var (
	ErrInvalidState     = errors.NewStd("operation not valid in the current connection state")
	ErrAlreadyConnected = errors.NewStd("already connected to this broker")
	ErrNotConnected     = errors.NewStd("not connected to a broker")
	ErrSessionChanged   = errors.NewStd("session ended before the broker acknowledged")
	ErrClosed           = errors.NewStd("connection manager is closed")
)

// GetLogger returns the mqtt module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("mqtt")
}

func stateError(sentinel error, operation string, state State) error {
	return errors.New(fmt.Errorf("cannot %s while %s: %w", operation, state, sentinel)).
		Component("mqtt").
		Category(errors.CategoryState).
		Context("operation", operation).
		Context("state", state.String()).
		Build()
}

func connectionError(err error, ep Endpoint) error {
	return errors.New(fmt.Errorf("failed to connect to %s: %w", ep.Redacted(), err)).
		Component("mqtt").
		Category(errors.CategoryMQTTConnection).
		Context("broker", ep.Redacted()).
		Build()
}

func subscriptionError(err error, operation, topic string) error {
	return errors.New(fmt.Errorf("failed to %s %q: %w", operation, topic, err)).
		Component("mqtt").
		Category(errors.CategoryMQTTSubscribe).
		Context("operation", operation).
		Context("topic", topic).
		Build()
}

func ledgerError(err error, operation string) error {
	return errors.New(fmt.Errorf("topic ledger %s failed: %w", operation, err)).
		Component("mqtt").
		Category(errors.CategoryDatabase).
		Context("operation", operation).
		Build()
}

// validateTopicFilter checks the MQTT topic filter rules: non-empty, no NUL,
// '#' only as the final level and '+' only as a whole level.
func validateTopicFilter(topic string) error {
	if topic == "" {
		return errors.ValidationError("topic must not be empty")
	}
	if len(topic) > 65535 {
		return errors.ValidationError("topic exceeds 65535 bytes")
	}
	if strings.ContainsRune(topic, 0) {
		return errors.ValidationError("topic must not contain NUL")
	}
	levels := strings.Split(topic, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") && (level != "#" || i != len(levels)-1) {
			return errors.ValidationError("'#' must be the last topic level on its own")
		}
		if strings.Contains(level, "+") && level != "+" {
			return errors.ValidationError("'+' must occupy a whole topic level")
		}
	}
	return nil
}
