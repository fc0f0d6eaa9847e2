// Package metrics provides custom Prometheus metrics for the iotalerts daemon.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MQTTMetrics contains all Prometheus metrics related to the broker session
// and alert ingestion. A nil *MQTTMetrics is valid and records nothing.
type MQTTMetrics struct {
	ConnectionStatus  prometheus.Gauge
	ConnectionState   prometheus.Gauge
	MessagesReceived  prometheus.Counter
	AlertsRecorded    prometheus.Counter
	AlertsNotified    *prometheus.CounterVec
	AlertsSuppressed  prometheus.Counter
	DecodeErrors      prometheus.Counter
	MessagesDropped   prometheus.Counter
	StorageErrors     prometheus.Counter
	ReconnectAttempts prometheus.Counter
	LastConnectTime   prometheus.Gauge
	MessageSize       prometheus.Histogram
	OperationDuration *prometheus.HistogramVec
	Operations        *prometheus.CounterVec
}

// NewMQTTMetrics creates and registers MQTT metrics on registry.
func NewMQTTMetrics(registry *prometheus.Registry) (*MQTTMetrics, error) {
	m := &MQTTMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register MQTT metrics: %w", err)
	}
	return m, nil
}

func (m *MQTTMetrics) initMetrics() {
	m.ConnectionStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mqtt_connection_status",
		Help: "Current MQTT connection status (1 for connected, 0 for disconnected)",
	})

	m.ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mqtt_connection_state",
		Help: "Connection manager state (0 disconnected, 1 connecting, 2 connected, 3 connection lost, 4 reconnecting)",
	})

	m.MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_messages_received_total",
		Help: "Total number of inbound MQTT messages",
	})

	m.AlertsRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "alerts_recorded_total",
		Help: "Total number of alerts written to history",
	})

	m.AlertsNotified = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_notified_total",
		Help: "Total number of alerts that raised a notification, by severity",
	}, []string{"severity"})

	m.AlertsSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "alerts_suppressed_total",
		Help: "Total number of alerts recorded without a notification",
	})

	m.DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "alerts_decode_errors_total",
		Help: "Total number of inbound payloads that could not be decoded",
	})

	m.MessagesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_messages_dropped_total",
		Help: "Total number of inbound messages dropped with no active session",
	})

	m.StorageErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "alerts_storage_errors_total",
		Help: "Total number of alerts that could not be stored after retries",
	})

	m.ReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_reconnect_attempts_total",
		Help: "Total number of MQTT reconnection attempts",
	})

	m.LastConnectTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mqtt_last_connect_time_seconds",
		Help: "Timestamp of the last successful MQTT connection",
	})

	m.MessageSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mqtt_message_size_bytes",
		Help:    "Size of inbound MQTT messages in bytes",
		Buckets: prometheus.ExponentialBuckets(BucketStart64B, BucketFactor2, BucketCount10),
	})

	m.OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mqtt_operation_duration_seconds",
		Help:    "Time from request to broker acknowledgement",
		Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount12),
	}, []string{"operation"})

	m.Operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mqtt_operations_total",
		Help: "Broker operations by outcome",
	}, []string{"operation", "status"})
}

// UpdateConnectionStatus updates the connection gauge and last connect time.
func (m *MQTTMetrics) UpdateConnectionStatus(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.ConnectionStatus.Set(1)
		m.LastConnectTime.SetToCurrentTime()
	} else {
		m.ConnectionStatus.Set(0)
	}
}

// SetState records the numeric connection manager state.
func (m *MQTTMetrics) SetState(state int) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(state))
}

// ObserveMessage counts an inbound message and its size.
func (m *MQTTMetrics) ObserveMessage(sizeBytes int) {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
	m.MessageSize.Observe(float64(sizeBytes))
}

// IncrementAlertsRecorded counts a stored alert.
func (m *MQTTMetrics) IncrementAlertsRecorded() {
	if m == nil {
		return
	}
	m.AlertsRecorded.Inc()
}

// IncrementAlertsNotified counts a notification for severity.
func (m *MQTTMetrics) IncrementAlertsNotified(severity string) {
	if m == nil {
		return
	}
	m.AlertsNotified.WithLabelValues(severity).Inc()
}

// IncrementAlertsSuppressed counts an alert muted by the eligibility rule.
func (m *MQTTMetrics) IncrementAlertsSuppressed() {
	if m == nil {
		return
	}
	m.AlertsSuppressed.Inc()
}

// IncrementDecodeErrors counts a malformed payload.
func (m *MQTTMetrics) IncrementDecodeErrors() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

// IncrementMessagesDropped counts a message that arrived after disconnect.
func (m *MQTTMetrics) IncrementMessagesDropped() {
	if m == nil {
		return
	}
	m.MessagesDropped.Inc()
}

// IncrementStorageErrors counts an alert that could not be persisted.
func (m *MQTTMetrics) IncrementStorageErrors() {
	if m == nil {
		return
	}
	m.StorageErrors.Inc()
}

// IncrementReconnectAttempts increments the count of MQTT reconnection attempts.
func (m *MQTTMetrics) IncrementReconnectAttempts() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// ObserveOperation records the outcome and latency of a broker operation.
func (m *MQTTMetrics) ObserveOperation(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.Operations.WithLabelValues(operation, status).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// Collect implements the prometheus.Collector interface.
func (m *MQTTMetrics) Collect(ch chan<- prometheus.Metric) {
	m.ConnectionStatus.Collect(ch)
	m.ConnectionState.Collect(ch)
	m.MessagesReceived.Collect(ch)
	m.AlertsRecorded.Collect(ch)
	m.AlertsNotified.Collect(ch)
	m.AlertsSuppressed.Collect(ch)
	m.DecodeErrors.Collect(ch)
	m.MessagesDropped.Collect(ch)
	m.StorageErrors.Collect(ch)
	m.ReconnectAttempts.Collect(ch)
	m.LastConnectTime.Collect(ch)
	m.MessageSize.Collect(ch)
	m.OperationDuration.Collect(ch)
	m.Operations.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *MQTTMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.ConnectionStatus.Describe(ch)
	m.ConnectionState.Describe(ch)
	m.MessagesReceived.Describe(ch)
	m.AlertsRecorded.Describe(ch)
	m.AlertsNotified.Describe(ch)
	m.AlertsSuppressed.Describe(ch)
	m.DecodeErrors.Describe(ch)
	m.MessagesDropped.Describe(ch)
	m.StorageErrors.Describe(ch)
	m.ReconnectAttempts.Describe(ch)
	m.LastConnectTime.Describe(ch)
	m.MessageSize.Describe(ch)
	m.OperationDuration.Describe(ch)
	m.Operations.Describe(ch)
}
