package mqtt

import (
	"context"
	"time"

	"github.com/tphakala/iotalerts/internal/alerts"
	"github.com/tphakala/iotalerts/internal/datastore/entities"
	"github.com/tphakala/iotalerts/internal/errors"
	"github.com/tphakala/iotalerts/internal/logger"
)

type inbound struct {
	topic    string
	payload  []byte
	received time.Time
}

// storeRetryDelay is the base delay between alert write attempts.
const storeRetryDelay = 100 * time.Millisecond

// MessageArrived queues an inbound message for the ingest worker. A full
// queue blocks the transport rather than dropping the message. Messages that
// arrive after a disconnect are dropped.
func (m *Manager) MessageArrived(topic string, payload []byte) {
	if !m.accepting() {
		m.metrics.IncrementMessagesDropped()
		m.log.Debug("dropping message received while disconnected",
			logger.String("topic", topic),
			logger.Int("bytes", len(payload)))
		return
	}

	msg := inbound{
		topic:    topic,
		payload:  append([]byte(nil), payload...),
		received: time.Now(),
	}

	select {
	case m.inbox <- msg:
		return
	default:
	}

	m.log.Warn("ingest queue full, applying backpressure",
		logger.String("topic", topic),
		logger.Int("queue_size", cap(m.inbox)))
	select {
	case m.inbox <- msg:
	case <-m.lifetime.Done():
		m.failures.ReportFailure(topic, payload, ErrClosed)
	}
}

// accepting reports whether inbound messages belong to a live session. Close
// keeps accepting so in-flight deliveries are drained.
func (m *Manager) accepting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed || m.state != Disconnected
}

func (m *Manager) ingestLoop() {
	defer m.wg.Done()
	for {
		select {
		case msg := <-m.inbox:
			m.ingest(msg)
		case <-m.lifetime.Done():
			m.drainInbox()
			return
		}
	}
}

// drainInbox processes what is already queued so a shutdown does not lose
// received alerts.
func (m *Manager) drainInbox() {
	for {
		select {
		case msg := <-m.inbox:
			m.ingest(msg)
		default:
			return
		}
	}
}

// ingest runs decode, classify, record, notify for one message. The alert
// is recorded whether or not it is eligible for notification.
func (m *Manager) ingest(msg inbound) {
	ctx := context.WithoutCancel(m.lifetime)
	m.metrics.ObserveMessage(len(msg.payload))

	payload, err := alerts.DecodePayload(msg.payload)
	if err != nil {
		m.metrics.IncrementDecodeErrors()
		m.failures.ReportFailure(msg.topic, msg.payload, err)
		return
	}

	prior, err := m.store.LatestSeverity(ctx, msg.topic)
	if err != nil {
		// Without a prior severity the alert is treated as the first one on
		// its topic and always notifies.
		m.log.Warn("latest severity lookup failed",
			logger.String("topic", msg.topic),
			logger.Error(err))
		prior = alerts.SeverityNone
	}
	eligible := alerts.IsEligible(prior, payload.Severity)

	alert := &entities.Alert{
		Topic:     msg.topic,
		Timestamp: msg.received,
		Severity:  payload.Severity,
		Message:   payload.Message,
	}
	if err := m.recordWithRetry(ctx, alert); err != nil {
		m.metrics.IncrementStorageErrors()
		m.failures.ReportFailure(msg.topic, msg.payload, err)
	} else {
		m.metrics.IncrementAlertsRecorded()
	}

	if !eligible {
		m.metrics.IncrementAlertsSuppressed()
		m.log.Debug("alert recorded without notification",
			logger.String("topic", msg.topic),
			logger.String("prior", prior.String()),
			logger.String("severity", payload.Severity.String()))
		return
	}

	m.metrics.IncrementAlertsNotified(payload.Severity.String())
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, *alert); err != nil {
		m.log.Error("notification failed",
			logger.String("topic", msg.topic),
			logger.Error(err))
	}
}

func (m *Manager) recordWithRetry(ctx context.Context, alert *entities.Alert) error {
	var err error
	for attempt := 1; attempt <= m.config.StoreRetries; attempt++ {
		if err = m.store.RecordAlert(ctx, alert); err == nil {
			return nil
		}
		m.log.Warn("alert write failed",
			logger.String("topic", alert.Topic),
			logger.Int("attempt", attempt),
			logger.Error(err))
		if attempt == m.config.StoreRetries {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * storeRetryDelay):
		case <-m.lifetime.Done():
		}
	}
	return errors.New(err).
		Component("mqtt").
		Category(errors.CategoryDatabase).
		Context("operation", "record_alert").
		Context("topic", alert.Topic).
		Context("attempts", m.config.StoreRetries).
		Build()
}

// reportingFailureSink logs the failure. Errors not yet built through the
// errors package are built here so the telemetry hooks see them.
type reportingFailureSink struct{}

func (reportingFailureSink) ReportFailure(topic string, payload []byte, err error) {
	var ee *errors.EnhancedError
	if !errors.As(err, &ee) {
		ee = errors.New(err).
			Component("mqtt").
			Context("topic", topic).
			Context("payload_size", len(payload)).
			Build()
	}
	GetLogger().Warn("inbound message rejected",
		logger.String("topic", topic),
		logger.Int("payload_size", len(payload)),
		logger.String("category", ee.GetCategory()),
		logger.Error(err))
}
