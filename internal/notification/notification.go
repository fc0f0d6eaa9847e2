// Package notification delivers user-facing notifications for alerts that
// the ingest pipeline marks eligible.
package notification

import (
	"context"
	"strings"

	"github.com/tphakala/iotalerts/internal/alerts"
	"github.com/tphakala/iotalerts/internal/conf"
	"github.com/tphakala/iotalerts/internal/datastore/entities"
	"github.com/tphakala/iotalerts/internal/errors"
	"github.com/tphakala/iotalerts/internal/logger"
)

// Notifier raises a notification for one alert.
type Notifier interface {
	Notify(ctx context.Context, alert entities.Alert) error
}

// GetLogger returns the notification module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("notification")
}

// LogNotifier writes eligible alerts to the log.
type LogNotifier struct {
	log logger.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: GetLogger()}
}

func (n *LogNotifier) Notify(_ context.Context, alert entities.Alert) error {
	fields := []logger.Field{
		logger.Uint64("id", uint64(alert.ID)),
		logger.String("topic", alert.Topic),
		logger.String("severity", alert.Severity.String()),
		logger.String("message", alert.Message),
		logger.Time("timestamp", alert.Timestamp),
	}
	if alert.Severity >= alerts.SeverityWarning {
		n.log.Warn("alert", fields...)
	} else {
		n.log.Info("alert", fields...)
	}
	return nil
}

// Multi fans an alert out to every notifier. All are attempted; their
// failures are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, alert entities.Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New builds the notifier described by settings. It returns nil when every
// channel is disabled.
func New(settings conf.NotificationSettings, instance string) (Notifier, error) {
	var multi Multi
	if settings.Log {
		multi = append(multi, NewLogNotifier())
	}
	if settings.Push.Enabled {
		push, err := NewPushNotifier(settings.Push, instance)
		if err != nil {
			return nil, err
		}
		multi = append(multi, push)
	}

	switch len(multi) {
	case 0:
		return nil, nil
	case 1:
		return multi[0], nil
	default:
		return multi, nil
	}
}

// Title formats the push title for alert, for example
// "[garage] CRITICAL: home/door".
func Title(instance string, alert entities.Alert) string {
	var b strings.Builder
	if instance = strings.TrimSpace(instance); instance != "" {
		b.WriteString("[")
		b.WriteString(instance)
		b.WriteString("] ")
	}
	b.WriteString(strings.ToUpper(alert.Severity.String()))
	b.WriteString(": ")
	b.WriteString(alert.Topic)
	return b.String()
}
