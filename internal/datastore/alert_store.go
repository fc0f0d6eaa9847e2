package datastore

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tphakala/iotalerts/internal/alerts"
	"github.com/tphakala/iotalerts/internal/datastore/entities"
	"github.com/tphakala/iotalerts/internal/errors"
	"github.com/tphakala/iotalerts/internal/logger"
)

// normalizeTimestamp stores instants in UTC at millisecond precision so
// values read back compare equal to the ones written on every backend.
func normalizeTimestamp(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Millisecond)
}

// RecordAlert inserts alert and trims the topic to MaxAlertsPerTopic in
// one transaction.
func (s *Store) RecordAlert(ctx context.Context, alert *entities.Alert) error {
	if alert == nil {
		return validationError("alert is required", "alert", nil)
	}
	if strings.TrimSpace(alert.Topic) == "" {
		return validationError("alert topic is required", "topic", alert.Topic)
	}
	if !alert.Severity.Valid() {
		return validationError("alert severity out of range", "severity", int(alert.Severity))
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	alert.Timestamp = normalizeTimestamp(alert.Timestamp)
	alert.ID = 0

	unlock := s.locks.lock(alert.Topic)
	defer unlock()

	start := time.Now()
	var evicted int
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&entities.Alert{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("topic = ?", alert.Topic).
			Count(&count).Error; err != nil {
			return err
		}

		for count >= MaxAlertsPerTopic {
			var oldest entities.Alert
			if err := tx.Where("topic = ?", alert.Topic).
				Order("id ASC").
				Limit(1).
				Take(&oldest).Error; err != nil {
				return err
			}
			if err := tx.Delete(&entities.Alert{}, oldest.ID).Error; err != nil {
				return err
			}
			count--
			evicted++
		}

		return tx.Create(alert).Error
	})

	s.severities.invalidate(alert.Topic)

	if err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "record_alert").
			Context("topic", alert.Topic).
			Timing("record_alert", time.Since(start)).
			Build()
	}

	GetLogger().Debug("alert recorded",
		logger.String("topic", alert.Topic),
		logger.Uint64("id", uint64(alert.ID)),
		logger.String("severity", alert.Severity.String()),
		logger.Int("evicted", evicted))

	s.publish(ctx)
	return nil
}

// RemoveAlert deletes one alert by id.
func (s *Store) RemoveAlert(ctx context.Context, id uint) error {
	var existing entities.Alert
	err := s.DB.WithContext(ctx).Select("id", "topic").Take(&existing, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return dbError(err, "remove_alert", "", "id", id)
	}

	unlock := s.locks.lock(existing.Topic)
	result := s.DB.WithContext(ctx).Delete(&entities.Alert{}, id)
	s.severities.invalidate(existing.Topic)
	unlock()

	if result.Error != nil {
		return dbError(result.Error, "remove_alert", "", "id", id)
	}
	if result.RowsAffected > 0 {
		s.publish(ctx)
	}
	return nil
}

// RemoveTopicHistory deletes every alert whose topic matches filter. A
// filter without wildcards matches only itself; '+' and '#' follow MQTT
// topic filter rules.
func (s *Store) RemoveTopicHistory(ctx context.Context, filter string) error {
	topics := []string{filter}
	if IsWildcardFilter(filter) {
		var stored []string
		if err := s.DB.WithContext(ctx).Model(&entities.Alert{}).Distinct("topic").Pluck("topic", &stored).Error; err != nil {
			return dbError(err, "remove_topic_history", "", "topic", filter)
		}
		topics = topics[:0]
		for _, topic := range stored {
			if MatchTopicFilter(filter, topic) {
				topics = append(topics, topic)
			}
		}
	}

	var removed int64
	for _, topic := range topics {
		unlock := s.locks.lock(topic)
		result := s.DB.WithContext(ctx).Where("topic = ?", topic).Delete(&entities.Alert{})
		s.severities.invalidate(topic)
		unlock()

		if result.Error != nil {
			if removed > 0 {
				s.publish(ctx)
			}
			return dbError(result.Error, "remove_topic_history", "", "topic", topic)
		}
		removed += result.RowsAffected
	}
	if removed > 0 {
		GetLogger().Debug("topic history removed",
			logger.String("filter", filter),
			logger.Int("topics", len(topics)),
			logger.Int64("rows", removed))
		s.publish(ctx)
	}
	return nil
}

// Acknowledge marks the alert with id as acknowledged. Acknowledging twice
// is not an error.
func (s *Store) Acknowledge(ctx context.Context, id uint) error {
	result := s.DB.WithContext(ctx).
		Model(&entities.Alert{}).
		Where("id = ?", id).
		Update("acknowledged", true)
	if result.Error != nil {
		return dbError(result.Error, "acknowledge", "", "id", id)
	}

	if result.RowsAffected == 0 {
		// MySQL reports changed rows, so an already acknowledged alert also
		// lands here.
		var n int64
		if err := s.DB.WithContext(ctx).Model(&entities.Alert{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return dbError(err, "acknowledge", "", "id", id)
		}
		if n == 0 {
			return notFoundError(ErrAlertNotFound, "acknowledge", id)
		}
		return nil
	}

	s.publish(ctx)
	return nil
}

// AcknowledgeByTimestamp marks every alert recorded at ts and returns how
// many rows changed.
func (s *Store) AcknowledgeByTimestamp(ctx context.Context, ts time.Time) (int64, error) {
	result := s.DB.WithContext(ctx).
		Model(&entities.Alert{}).
		Where("timestamp = ? AND acknowledged = ?", normalizeTimestamp(ts), false).
		Update("acknowledged", true)
	if result.Error != nil {
		return 0, dbError(result.Error, "acknowledge_by_timestamp", "", "timestamp", ts)
	}
	if result.RowsAffected > 0 {
		s.publish(ctx)
	}
	return result.RowsAffected, nil
}

// LatestSeverity returns the severity of the newest alert on topic. Ties
// on timestamp resolve to the later insert.
func (s *Store) LatestSeverity(ctx context.Context, topic string) (alerts.Severity, error) {
	if sev, ok := s.severities.get(topic); ok {
		return sev, nil
	}

	unlock := s.locks.lock(topic)
	defer unlock()

	if sev, ok := s.severities.get(topic); ok {
		return sev, nil
	}

	var latest entities.Alert
	err := s.DB.WithContext(ctx).
		Select("id", "severity").
		Where("topic = ?", topic).
		Order("timestamp DESC").
		Order("id DESC").
		Limit(1).
		Take(&latest).Error

	sev := latest.Severity
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		sev = alerts.SeverityNone
	case err != nil:
		return alerts.SeverityNone, dbError(err, "latest_severity", "", "topic", topic)
	}

	s.severities.set(topic, sev)
	return sev, nil
}

// AllAlerts returns the full history ordered by id.
func (s *Store) AllAlerts(ctx context.Context) ([]entities.Alert, error) {
	var list []entities.Alert
	if err := s.DB.WithContext(ctx).Order("id ASC").Find(&list).Error; err != nil {
		return nil, dbError(err, "all_alerts", "")
	}
	for i := range list {
		list[i].Timestamp = list[i].Timestamp.UTC()
	}
	return list, nil
}
