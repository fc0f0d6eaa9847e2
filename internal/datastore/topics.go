package datastore

import (
	"context"
	"strings"

	"gorm.io/gorm/clause"

	"github.com/tphakala/iotalerts/internal/datastore/entities"
	"github.com/tphakala/iotalerts/internal/logger"
)

// AddTopic records topic in the ledger. Adding a present topic is a no-op.
func (s *Store) AddTopic(ctx context.Context, topic string) error {
	if strings.TrimSpace(topic) == "" {
		return validationError("topic is required", "topic", topic)
	}
	err := s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&entities.Topic{Topic: topic}).Error
	if err != nil {
		return dbError(err, "add_topic", "", "topic", topic)
	}
	return nil
}

// RemoveTopic drops topic from the ledger. Absent topics are ignored.
func (s *Store) RemoveTopic(ctx context.Context, topic string) error {
	if err := s.DB.WithContext(ctx).Where("topic = ?", topic).Delete(&entities.Topic{}).Error; err != nil {
		return dbError(err, "remove_topic", "", "topic", topic)
	}
	return nil
}

// Clear empties the ledger.
func (s *Store) Clear(ctx context.Context) error {
	result := s.DB.WithContext(ctx).Where("1 = 1").Delete(&entities.Topic{})
	if result.Error != nil {
		return dbError(result.Error, "clear_topics", "high")
	}
	GetLogger().Debug("topic ledger cleared", logger.Int64("rows", result.RowsAffected))
	return nil
}

// ListTopics returns the ledger in lexical order.
func (s *Store) ListTopics(ctx context.Context) ([]string, error) {
	var topics []string
	if err := s.DB.WithContext(ctx).Model(&entities.Topic{}).Order("topic ASC").Pluck("topic", &topics).Error; err != nil {
		return nil, dbError(err, "list_topics", "")
	}
	return topics, nil
}

// IsWildcardFilter reports whether filter contains an MQTT wildcard level.
func IsWildcardFilter(filter string) bool {
	return strings.ContainsAny(filter, "+#")
}

// MatchTopicFilter reports whether topic matches the MQTT topic filter.
// Topics starting with '$' are not matched by a leading wildcard.
func MatchTopicFilter(filter, topic string) bool {
	if filter == topic {
		return true
	}
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, level := range fl {
		if level == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if level != "+" && level != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
