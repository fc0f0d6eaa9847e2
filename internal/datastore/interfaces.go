// Package datastore persists the alert history and the topic subscription
// ledger.
package datastore

import (
	"context"
	"time"

	"github.com/tphakala/iotalerts/internal/alerts"
	"github.com/tphakala/iotalerts/internal/datastore/entities"
)

// MaxAlertsPerTopic is the retention cap per topic. Inserting beyond it
// evicts the lowest id for that topic.
const MaxAlertsPerTopic = 10

// AlertStore is the bounded per-topic alert history.
type AlertStore interface {
	// RecordAlert inserts alert, evicting the oldest rows of its topic so
	// that at most MaxAlertsPerTopic remain. The assigned ID is written back.
	RecordAlert(ctx context.Context, alert *entities.Alert) error
	// RemoveAlert deletes by identity. Absent ids are not an error.
	RemoveAlert(ctx context.Context, id uint) error
	// RemoveTopicHistory deletes every alert whose topic matches the MQTT
	// topic filter.
	RemoveTopicHistory(ctx context.Context, filter string) error
	// Acknowledge marks one alert as acknowledged.
	Acknowledge(ctx context.Context, id uint) error
	// AcknowledgeByTimestamp marks every alert recorded at ts. Alerts on
	// different topics sharing a timestamp are acknowledged together.
	AcknowledgeByTimestamp(ctx context.Context, ts time.Time) (int64, error)
	// LatestSeverity returns the severity of the most recent alert of topic
	// or alerts.SeverityNone.
	LatestSeverity(ctx context.Context, topic string) (alerts.Severity, error)
	// AllAlerts returns every alert in insertion order.
	AllAlerts(ctx context.Context) ([]entities.Alert, error)
	// Watch streams the full alert list now and after every change until
	// ctx is done. Consumers that fall behind only see the newest list.
	Watch(ctx context.Context) <-chan []entities.Alert
}

// TopicLedger is the durable set of subscribed topics.
type TopicLedger interface {
	AddTopic(ctx context.Context, topic string) error
	RemoveTopic(ctx context.Context, topic string) error
	Clear(ctx context.Context) error
	ListTopics(ctx context.Context) ([]string, error)
}
