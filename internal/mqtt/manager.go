package mqtt

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tphakala/iotalerts/internal/datastore"
	"github.com/tphakala/iotalerts/internal/datastore/entities"
	"github.com/tphakala/iotalerts/internal/errors"
	"github.com/tphakala/iotalerts/internal/logger"
	"github.com/tphakala/iotalerts/internal/observability/metrics"
)

// Notifier raises the user-facing notification for an eligible alert.
type Notifier interface {
	Notify(ctx context.Context, alert entities.Alert) error
}

// FailureSink receives inbound messages that could not be processed.
type FailureSink interface {
	ReportFailure(topic string, payload []byte, err error)
}

// BrokerHistory knows the broker used by the previous process run.
type BrokerHistory interface {
	LastBrokerURI() string
}

// Dependencies are the collaborators of a Manager. Transport, Ledger and
// Store are required.
type Dependencies struct {
	Transport Transport
	Ledger    datastore.TopicLedger
	Store     datastore.AlertStore
	Notifier  Notifier
	Failures  FailureSink
	History   BrokerHistory
	Metrics   *metrics.MQTTMetrics
}

type stateListener struct {
	id int
	fn func(State)
}

// Manager owns one broker session: explicit connect and disconnect,
// subscriptions mirrored in the topic ledger, implicit reconnect after
// connection loss, and the inbound alert pipeline.
//
// Every operation yields exactly one outcome. The broker acknowledgement is
// applied even when the caller's context ends first; the caller then gets
// ctx.Err().
type Manager struct {
	transport Transport
	ledger    datastore.TopicLedger
	store     datastore.AlertStore
	notifier  Notifier
	failures  FailureSink
	history   BrokerHistory
	metrics   *metrics.MQTTMetrics
	config    Config
	log       logger.Logger
	limiter   *rate.Limiter

	// lifetime is cancelled by Close.
	lifetime context.Context
	shutdown context.CancelFunc

	// mu guards the session state below.
	mu               sync.Mutex
	state            State
	attemptReconnect bool
	current          Endpoint
	lastGood         *Endpoint
	generation       uint64
	lostWhileSetup   bool
	lostWhileRetry   bool
	reconnectCancel  context.CancelFunc
	closed           bool
	listeners        []stateListener
	nextListener     int
	transitions      []State

	// ledgerMu serializes ledger clear and repopulate against subscribe and
	// unsubscribe acknowledgements. Lock order: ledgerMu before mu.
	ledgerMu sync.Mutex

	transitionSignal chan struct{}
	inbox            chan inbound
	wg               sync.WaitGroup
}

var _ EventHandler = (*Manager)(nil)

// NewManager wires a Manager to its collaborators and starts its workers.
// The transport's event handler is set to the Manager.
func NewManager(deps Dependencies, cfg Config) (*Manager, error) {
	if deps.Transport == nil || deps.Ledger == nil || deps.Store == nil {
		return nil, errors.Newf("transport, ledger and store are required").
			Component("mqtt").
			Category(errors.CategoryConfiguration).
			Build()
	}
	cfg = cfg.withDefaults()

	m := &Manager{
		transport:        deps.Transport,
		ledger:           deps.Ledger,
		store:            deps.Store,
		notifier:         deps.Notifier,
		failures:         deps.Failures,
		history:          deps.History,
		metrics:          deps.Metrics,
		config:           cfg,
		log:              GetLogger(),
		state:            Disconnected,
		transitionSignal: make(chan struct{}, 1),
		inbox:            make(chan inbound, cfg.QueueSize),
	}
	if m.failures == nil {
		m.failures = reportingFailureSink{}
	}
	if cfg.ReconnectInterval > 0 {
		m.limiter = rate.NewLimiter(rate.Every(cfg.ReconnectInterval), 1)
	}
	m.lifetime, m.shutdown = context.WithCancel(context.Background())

	m.metrics.SetState(int(Disconnected))
	m.metrics.UpdateConnectionStatus(false)

	deps.Transport.SetHandler(m)

	m.wg.Add(2)
	go m.dispatchTransitions()
	go m.ingestLoop()

	return m, nil
}

// State returns the current connectivity phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Endpoint returns the broker of the current or most recent session.
func (m *Manager) Endpoint() Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// AddStateListener registers fn to be called, in order, for every state
// transition. Calls happen on a dedicated goroutine. The returned function
// removes the listener.
func (m *Manager) AddStateListener(fn func(State)) (remove func()) {
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners = append(m.listeners, stateListener{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		m.listeners = slices.DeleteFunc(m.listeners, func(l stateListener) bool { return l.id == id })
		m.mu.Unlock()
	}
}

// setStateLocked records a transition. Caller holds mu.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	prev := m.state
	m.state = s
	m.metrics.SetState(int(s))
	m.log.Debug("state transition",
		logger.String("from", prev.String()),
		logger.String("to", s.String()))

	m.transitions = append(m.transitions, s)
	select {
	case m.transitionSignal <- struct{}{}:
	default:
	}
}

func (m *Manager) dispatchTransitions() {
	defer m.wg.Done()
	for {
		select {
		case <-m.transitionSignal:
			m.flushTransitions()
		case <-m.lifetime.Done():
			m.flushTransitions()
			return
		}
	}
}

func (m *Manager) flushTransitions() {
	m.mu.Lock()
	batch := m.transitions
	m.transitions = nil
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	for _, s := range batch {
		for _, l := range listeners {
			l.fn(s)
		}
	}
}

// await waits for tok in the background and applies complete to its
// outcome exactly once. The caller receives that result or ctx.Err().
func (m *Manager) await(ctx context.Context, operation string, tok Token, complete func(error) error) error {
	start := time.Now()
	result := make(chan error, 1)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-tok.Done():
		case <-m.lifetime.Done():
			result <- ErrClosed
			return
		}
		err := complete(tok.Error())
		m.metrics.ObserveOperation(operation, time.Since(start), err)
		result <- err
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect opens a session to ep. It is valid only while Disconnected. When
// ep is the broker of the previous session the ledger topics are
// resubscribed; otherwise the ledger is cleared before the session is
// reported Connected.
func (m *Manager) Connect(ctx context.Context, ep Endpoint) error {
	ep.URI = strings.TrimSpace(ep.URI)
	if ep.URI == "" {
		return errors.ValidationError("broker URI must not be empty")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == Connected && m.current.SameBroker(ep) {
		s := m.state
		m.mu.Unlock()
		return stateError(ErrAlreadyConnected, "connect", s)
	}
	if m.state != Disconnected {
		s := m.state
		m.mu.Unlock()
		return stateError(ErrInvalidState, "connect", s)
	}
	m.generation++
	gen := m.generation
	m.attemptReconnect = true
	m.lostWhileSetup = false
	m.current = ep
	m.setStateLocked(Connecting)
	m.mu.Unlock()

	m.log.Info("connecting to broker", logger.String("broker", ep.Redacted()))
	tok := m.transport.Connect(ep)
	return m.await(ctx, metrics.OpConnect, tok, func(err error) error {
		return m.completeConnect(gen, ep, err)
	})
}

func (m *Manager) completeConnect(gen uint64, ep Endpoint, err error) error {
	m.mu.Lock()
	if gen != m.generation || m.state != Connecting {
		m.mu.Unlock()
		return ErrSessionChanged
	}
	if err != nil {
		m.attemptReconnect = false
		m.setStateLocked(Disconnected)
		m.mu.Unlock()
		m.log.Warn("broker connect failed",
			logger.String("broker", ep.Redacted()),
			logger.Error(err))
		return connectionError(err, ep)
	}
	same := m.isPreviousBrokerLocked(ep)
	m.mu.Unlock()

	m.ledgerMu.Lock()
	var ledgerErr error
	if same {
		m.resubscribeLedger()
	} else if ledgerErr = m.ledger.Clear(m.lifetime); ledgerErr == nil {
		m.log.Info("broker changed, topic ledger cleared", logger.String("broker", ep.Redacted()))
	}

	m.mu.Lock()
	if gen != m.generation || m.state != Connecting {
		m.mu.Unlock()
		m.ledgerMu.Unlock()
		return ErrSessionChanged
	}
	if ledgerErr != nil {
		// A stale ledger must not survive into a session on another broker.
		m.attemptReconnect = false
		m.setStateLocked(Disconnected)
		m.mu.Unlock()
		m.ledgerMu.Unlock()
		m.transport.Disconnect()
		return ledgerError(ledgerErr, "clear")
	}

	good := ep
	m.lastGood = &good
	m.setStateLocked(Connected)
	m.metrics.UpdateConnectionStatus(true)
	if m.lostWhileSetup {
		m.lostWhileSetup = false
		m.beginReconnectLocked(errors.NewStd("connection lost during session setup"))
	}
	m.mu.Unlock()
	m.ledgerMu.Unlock()

	m.log.Info("connected to broker",
		logger.String("broker", ep.Redacted()),
		logger.Bool("resubscribed", same))
	return nil
}

// isPreviousBrokerLocked compares ep with the last good endpoint of this
// process, falling back to the broker history of a previous run.
func (m *Manager) isPreviousBrokerLocked(ep Endpoint) bool {
	if m.lastGood != nil {
		return m.lastGood.SameBroker(ep)
	}
	if m.history != nil {
		return sameBrokerURI(m.history.LastBrokerURI(), ep.URI)
	}
	return false
}

// resubscribeLedger re-issues a subscribe for every ledger topic without
// waiting for acknowledgements. Caller holds ledgerMu.
func (m *Manager) resubscribeLedger() {
	topics, err := m.ledger.ListTopics(m.lifetime)
	if err != nil {
		m.log.Error("failed to read topic ledger for resubscribe", logger.Error(err))
		return
	}
	for _, topic := range topics {
		tok := m.transport.Subscribe(topic, m.config.QoS)
		m.log.Debug("resubscribing", logger.String("topic", topic))
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			select {
			case <-tok.Done():
				if err := tok.Error(); err != nil {
					m.log.Warn("resubscribe failed", logger.String("topic", topic), logger.Error(err))
				}
			case <-m.lifetime.Done():
			}
		}()
	}
}

// Subscribe subscribes to topic and, once the broker acknowledges, adds it
// to the ledger. Valid only while Connected.
func (m *Manager) Subscribe(ctx context.Context, topic string, qos byte) error {
	if err := validateTopicFilter(topic); err != nil {
		return err
	}
	if qos > 2 {
		return errors.ValidationError("qos must be 0, 1 or 2")
	}

	gen, err := m.requireConnected("subscribe")
	if err != nil {
		return err
	}

	tok := m.transport.Subscribe(topic, qos)
	return m.await(ctx, metrics.OpSubscribe, tok, func(err error) error {
		if err != nil {
			return subscriptionError(err, "subscribe", topic)
		}

		m.ledgerMu.Lock()
		defer m.ledgerMu.Unlock()
		if !m.isGeneration(gen) {
			return subscriptionError(ErrSessionChanged, "subscribe", topic)
		}
		if err := m.ledger.AddTopic(m.lifetime, topic); err != nil {
			return ledgerError(err, "add")
		}
		m.log.Info("subscribed", logger.String("topic", topic), logger.Int("qos", int(qos)))
		return nil
	})
}

// Unsubscribe unsubscribes from topic and, once acknowledged, removes it
// from the ledger and purges its alert history. Valid only while Connected.
func (m *Manager) Unsubscribe(ctx context.Context, topic string) error {
	if err := validateTopicFilter(topic); err != nil {
		return err
	}
	if _, err := m.requireConnected("unsubscribe"); err != nil {
		return err
	}

	tok := m.transport.Unsubscribe(topic)
	return m.await(ctx, metrics.OpUnsubscribe, tok, func(err error) error {
		if err != nil {
			return subscriptionError(err, "unsubscribe", topic)
		}

		m.ledgerMu.Lock()
		defer m.ledgerMu.Unlock()
		if err := m.ledger.RemoveTopic(m.lifetime, topic); err != nil {
			return ledgerError(err, "remove")
		}
		if err := m.store.RemoveTopicHistory(m.lifetime, topic); err != nil {
			return err
		}
		m.log.Info("unsubscribed", logger.String("topic", topic))
		return nil
	})
}

func (m *Manager) requireConnected(operation string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	if m.state != Connected {
		sentinel := ErrInvalidState
		if m.state == Disconnected {
			sentinel = ErrNotConnected
		}
		return 0, stateError(sentinel, operation, m.state)
	}
	return m.generation, nil
}

func (m *Manager) isGeneration(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation == gen && !m.closed
}

// Disconnect ends the session. The reconnect intent is cleared before the
// transport is asked to disconnect so a racing connection loss cannot
// restart the session. On acknowledgement the ledger is cleared. On failure
// the intent and phase are restored.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	switch m.state {
	case Connected, Reconnecting, ConnectionLost:
	case Disconnected:
		m.mu.Unlock()
		return stateError(ErrNotConnected, "disconnect", Disconnected)
	default:
		s := m.state
		m.mu.Unlock()
		return stateError(ErrInvalidState, "disconnect", s)
	}
	prev := m.state
	gen := m.generation
	m.attemptReconnect = false
	m.stopReconnectLocked()
	m.mu.Unlock()

	m.log.Info("disconnecting from broker", logger.String("broker", m.Endpoint().Redacted()))
	tok := m.transport.Disconnect()
	return m.await(ctx, metrics.OpDisconnect, tok, func(err error) error {
		return m.completeDisconnect(gen, prev, err)
	})
}

func (m *Manager) completeDisconnect(gen uint64, prev State, err error) error {
	m.ledgerMu.Lock()
	defer m.ledgerMu.Unlock()

	m.mu.Lock()
	if gen != m.generation || m.closed {
		m.mu.Unlock()
		return ErrSessionChanged
	}
	if err != nil {
		m.attemptReconnect = true
		switch m.state {
		case ConnectionLost:
			if m.lastGood != nil {
				m.setStateLocked(Reconnecting)
				m.startReconnectLocked()
			}
		case Reconnecting:
			// The retry loop was stopped when the disconnect began.
			m.startReconnectLocked()
		}
		m.mu.Unlock()
		m.log.Warn("broker disconnect failed",
			logger.String("previous_state", prev.String()),
			logger.Error(err))
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTConnection).
			Context("operation", "disconnect").
			Build()
	}
	m.generation++
	m.mu.Unlock()

	clearErr := m.ledger.Clear(m.lifetime)

	m.mu.Lock()
	m.setStateLocked(Disconnected)
	m.metrics.UpdateConnectionStatus(false)
	m.mu.Unlock()

	if clearErr != nil {
		return ledgerError(clearErr, "clear")
	}
	m.log.Info("disconnected from broker")
	return nil
}

// ConnectionLost handles a transport connection-loss event. It never
// blocks on I/O.
func (m *Manager) ConnectionLost(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case Connecting:
		m.lostWhileSetup = true
		return
	case Reconnecting:
		// An attempt may have succeeded on a link that is already gone.
		m.lostWhileRetry = true
		return
	case Connected:
	default:
		return
	}

	m.metrics.UpdateConnectionStatus(false)
	m.beginReconnectLocked(cause)
}

// beginReconnectLocked moves a Connected session into the reconnect path,
// or parks it in ConnectionLost when a disconnect is in progress.
func (m *Manager) beginReconnectLocked(cause error) {
	m.setStateLocked(ConnectionLost)
	m.log.Warn("connection to broker lost",
		logger.String("broker", m.current.Redacted()),
		logger.Error(cause))

	if !m.attemptReconnect || m.closed || m.lastGood == nil {
		return
	}
	m.setStateLocked(Reconnecting)
	m.startReconnectLocked()
}

// Close stops the workers and reconnect loop and drops the transport
// connection. The ledger is left intact so subscriptions resume after a
// restart.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.attemptReconnect = false
	m.stopReconnectLocked()
	m.generation++
	active := m.state != Disconnected
	m.setStateLocked(Disconnected)
	m.mu.Unlock()

	var err error
	if active {
		tok := m.transport.Disconnect()
		select {
		case <-tok.Done():
			err = tok.Error()
		case <-time.After(m.config.CloseTimeout):
			m.log.Warn("transport disconnect timed out during close")
		}
	}
	m.metrics.UpdateConnectionStatus(false)

	m.shutdown()
	m.wg.Wait()
	return err
}
