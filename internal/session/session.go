// Package session relays user intents to the connection manager and
// publishes their outcomes and the connectivity phase for front ends.
package session

import (
	"context"
	"time"

	"github.com/tphakala/iotalerts/internal/conf"
	"github.com/tphakala/iotalerts/internal/datastore"
	"github.com/tphakala/iotalerts/internal/logger"
	"github.com/tphakala/iotalerts/internal/mqtt"
)

// Operation names reported in outcomes.
const (
	OpConnect     = "connect"
	OpDisconnect  = "disconnect"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpDelete      = "delete_alert"
	OpAcknowledge = "acknowledge"
	OpResume      = "resume"
)

const outcomeBuffer = 64

// Connection is the connection manager surface used by the coordinator.
// *mqtt.Manager implements it.
type Connection interface {
	Connect(ctx context.Context, ep mqtt.Endpoint) error
	Disconnect(ctx context.Context) error
	Subscribe(ctx context.Context, topic string, qos byte) error
	Unsubscribe(ctx context.Context, topic string) error
	State() mqtt.State
	Endpoint() mqtt.Endpoint
	AddStateListener(fn func(mqtt.State)) (remove func())
}

// SettingsStore is the durable last-broker record. *conf.FileBrokerStore
// implements it.
type SettingsStore interface {
	Load() (conf.BrokerRecord, bool, error)
	Save(rec conf.BrokerRecord) error
	Clear() error
}

// Outcome is the result of one relayed operation.
type Outcome struct {
	Operation string
	Topic     string
	AlertID   uint
	Err       error
	At        time.Time
}

// Status is a snapshot of the session for display.
type Status struct {
	Phase  mqtt.State `json:"-"`
	State  string     `json:"state"`
	Broker string     `json:"broker,omitempty"`
	Topics []string   `json:"topics"`
}

// Coordinator forwards intents and relays results. It holds no session
// state of its own.
type Coordinator struct {
	conn     Connection
	ledger   datastore.TopicLedger
	alerts   datastore.AlertStore
	settings SettingsStore
	qos      byte
	outcomes chan Outcome
	log      logger.Logger
}

// New returns a Coordinator. settings may be nil, in which case nothing is
// persisted.
func New(conn Connection, ledger datastore.TopicLedger, alerts datastore.AlertStore, settings SettingsStore, qos byte) *Coordinator {
	return &Coordinator{
		conn:     conn,
		ledger:   ledger,
		alerts:   alerts,
		settings: settings,
		qos:      qos,
		outcomes: make(chan Outcome, outcomeBuffer),
		log:      logger.Global().Module("session"),
	}
}

// Outcomes delivers operation results. A reader that falls behind loses
// the oldest outcomes.
func (c *Coordinator) Outcomes() <-chan Outcome {
	return c.outcomes
}

// AddPhaseListener calls fn on every connectivity phase change.
func (c *Coordinator) AddPhaseListener(fn func(mqtt.State)) (remove func()) {
	return c.conn.AddStateListener(fn)
}

// Phase returns the current connectivity phase.
func (c *Coordinator) Phase() mqtt.State {
	return c.conn.State()
}

// Connect connects to uri and, on success, saves it as the last broker.
func (c *Coordinator) Connect(ctx context.Context, uri, username, password string) error {
	ep := mqtt.Endpoint{URI: uri, Username: username, Password: password}
	err := c.conn.Connect(ctx, ep)
	if err == nil {
		c.saveBroker(ep)
	}
	c.emit(Outcome{Operation: OpConnect, Err: err})
	return err
}

// Disconnect ends the session and, on success, forgets the last broker.
func (c *Coordinator) Disconnect(ctx context.Context) error {
	err := c.conn.Disconnect(ctx)
	if err == nil && c.settings != nil {
		if clearErr := c.settings.Clear(); clearErr != nil {
			c.log.Warn("failed to clear saved broker", logger.Error(clearErr))
		}
	}
	c.emit(Outcome{Operation: OpDisconnect, Err: err})
	return err
}

// Subscribe subscribes to a topic filter at the configured QoS.
func (c *Coordinator) Subscribe(ctx context.Context, topic string) error {
	err := c.conn.Subscribe(ctx, topic, c.qos)
	c.emit(Outcome{Operation: OpSubscribe, Topic: topic, Err: err})
	return err
}

// Unsubscribe also drops the alert history of every topic the filter matches.
func (c *Coordinator) Unsubscribe(ctx context.Context, topic string) error {
	err := c.conn.Unsubscribe(ctx, topic)
	c.emit(Outcome{Operation: OpUnsubscribe, Topic: topic, Err: err})
	return err
}

// DeleteAlert removes one stored alert by id.
func (c *Coordinator) DeleteAlert(ctx context.Context, id uint) error {
	err := c.alerts.RemoveAlert(ctx, id)
	c.emit(Outcome{Operation: OpDelete, AlertID: id, Err: err})
	return err
}

// Acknowledge marks a stored alert as acknowledged.
func (c *Coordinator) Acknowledge(ctx context.Context, id uint) error {
	err := c.alerts.Acknowledge(ctx, id)
	c.emit(Outcome{Operation: OpAcknowledge, AlertID: id, Err: err})
	return err
}

// Resume reconnects to the saved broker after a restart. It reports false
// when no broker is saved.
func (c *Coordinator) Resume(ctx context.Context) (bool, error) {
	if c.settings == nil {
		return false, nil
	}
	rec, ok, err := c.settings.Load()
	if err != nil {
		c.emit(Outcome{Operation: OpResume, Err: err})
		return false, err
	}
	if !ok {
		return false, nil
	}

	c.log.Info("resuming saved broker session", logger.String("broker", logger.RedactBrokerURI(rec.URI)))
	err = c.conn.Connect(ctx, mqtt.Endpoint{URI: rec.URI, Username: rec.Username, Password: rec.Password})
	c.emit(Outcome{Operation: OpResume, Err: err})
	return true, err
}

// Status returns the phase, broker and subscribed topics.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	phase := c.conn.State()
	st := Status{Phase: phase, State: phase.String(), Topics: []string{}}
	if phase != mqtt.Disconnected {
		st.Broker = c.conn.Endpoint().Redacted()
	}
	topics, err := c.ledger.ListTopics(ctx)
	if err != nil {
		return st, err
	}
	if topics != nil {
		st.Topics = topics
	}
	return st, nil
}

func (c *Coordinator) saveBroker(ep mqtt.Endpoint) {
	if c.settings == nil {
		return
	}
	rec := conf.BrokerRecord{URI: ep.URI, Username: ep.Username, Password: ep.Password}
	if err := c.settings.Save(rec); err != nil {
		c.log.Warn("failed to save broker settings",
			logger.String("broker", ep.Redacted()),
			logger.Error(err))
	}
}

// emit publishes o without blocking, discarding the oldest outcome when the
// buffer is full.
func (c *Coordinator) emit(o Outcome) {
	o.At = time.Now()
	for {
		select {
		case c.outcomes <- o:
			return
		default:
		}
		select {
		case <-c.outcomes:
		default:
		}
	}
}
