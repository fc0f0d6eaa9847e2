// Package entities contains GORM models that map directly to database tables.
package entities

import (
	"time"

	"github.com/tphakala/iotalerts/internal/alerts"
)

// Alert is one received alert message. Maps to the 'alerts' table.
// Retention order is ID (insertion order), not Timestamp.
type Alert struct {
	ID           uint            `gorm:"primaryKey;index:idx_alerts_topic_id,priority:2" json:"id"`
	Topic        string          `gorm:"size:255;not null;index:idx_alerts_topic_id,priority:1" json:"topic"`
	Timestamp    time.Time       `gorm:"not null;index" json:"timestamp"`
	Severity     alerts.Severity `gorm:"not null" json:"severity"`
	Message      string          `gorm:"type:text" json:"message"`
	Acknowledged bool            `gorm:"not null;default:false" json:"acknowledged"`
}

// TableName ensures GORM uses the 'alerts' table name.
func (Alert) TableName() string {
	return "alerts"
}

// Topic is one entry of the subscription ledger. Maps to the 'topics' table.
type Topic struct {
	Topic string `gorm:"primaryKey;size:255"`
}

// TableName ensures GORM uses the 'topics' table name.
func (Topic) TableName() string {
	return "topics"
}
