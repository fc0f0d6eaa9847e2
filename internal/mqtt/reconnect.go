package mqtt

import (
	"context"
	"time"

	"github.com/tphakala/iotalerts/internal/logger"
	"github.com/tphakala/iotalerts/internal/observability/metrics"
)

// startReconnectLocked launches the retry loop for the current generation.
// Caller holds mu and the state is Reconnecting.
func (m *Manager) startReconnectLocked() {
	m.stopReconnectLocked()
	ctx, cancel := context.WithCancel(m.lifetime)
	m.reconnectCancel = cancel
	gen := m.generation
	ep := *m.lastGood

	m.wg.Add(1)
	go m.reconnectLoop(ctx, gen, ep)
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnectCancel != nil {
		m.reconnectCancel()
		m.reconnectCancel = nil
	}
}

// shouldReconnect is checked before every attempt and after every
// successful one. Clearing attemptReconnect under mu therefore
// happens-before any later acknowledgement is applied.
func (m *Manager) shouldReconnect(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attemptReconnect && !m.closed && m.generation == gen && m.state == Reconnecting
}

// reconnectLoop retries ep until it succeeds or the reconnect intent is
// withdrawn. Failures are logged and never surfaced to callers.
func (m *Manager) reconnectLoop(ctx context.Context, gen uint64, ep Endpoint) {
	defer m.wg.Done()

	for attempt := 1; ; attempt++ {
		if !m.shouldReconnect(gen) {
			return
		}
		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				return
			}
			if !m.shouldReconnect(gen) {
				return
			}
		}

		m.mu.Lock()
		m.lostWhileRetry = false
		m.mu.Unlock()

		m.metrics.IncrementReconnectAttempts()
		start := time.Now()
		tok := m.transport.Connect(ep)

		select {
		case <-tok.Done():
		case <-ctx.Done():
			m.abandonAttempt(tok)
			return
		}

		err := tok.Error()
		m.metrics.ObserveOperation(metrics.OpReconnect, time.Since(start), err)
		if err != nil {
			m.log.Debug("reconnect attempt failed",
				logger.Int("attempt", attempt),
				logger.String("broker", ep.Redacted()),
				logger.Error(err))
			continue
		}

		switch m.completeReconnect(gen) {
		case reconnected:
			m.log.Info("reconnected to broker",
				logger.String("broker", ep.Redacted()),
				logger.Int("attempts", attempt))
			return
		case reconnectLost:
			m.log.Debug("connection lost again before reconnect completed",
				logger.Int("attempt", attempt),
				logger.String("broker", ep.Redacted()))
			continue
		}

		// The intent was withdrawn while the attempt was in flight.
		m.transport.Disconnect()
		return
	}
}

type reconnectResult int

const (
	reconnected reconnectResult = iota
	reconnectLost
	reconnectWithdrawn
)

// completeReconnect resubscribes the ledger and marks the session Connected
// if the reconnect is still wanted and the link did not drop meanwhile.
func (m *Manager) completeReconnect(gen uint64) reconnectResult {
	m.ledgerMu.Lock()
	defer m.ledgerMu.Unlock()

	if !m.shouldReconnect(gen) {
		return reconnectWithdrawn
	}
	if m.takeLostWhileRetry() {
		return reconnectLost
	}
	m.resubscribeLedger()

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.attemptReconnect || m.closed || m.generation != gen || m.state != Reconnecting {
		return reconnectWithdrawn
	}
	if m.lostWhileRetry {
		m.lostWhileRetry = false
		return reconnectLost
	}
	m.reconnectCancel = nil
	m.setStateLocked(Connected)
	m.metrics.UpdateConnectionStatus(true)
	return reconnected
}

func (m *Manager) takeLostWhileRetry() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	lost := m.lostWhileRetry
	m.lostWhileRetry = false
	return lost
}

// abandonAttempt tears down a connection that completes after its loop was
// stopped, unless a newer session has taken over the transport.
func (m *Manager) abandonAttempt(tok Token) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-tok.Done():
		case <-m.lifetime.Done():
			return
		}
		if tok.Error() != nil {
			return
		}
		m.mu.Lock()
		superseded := m.state == Connecting || m.state == Connected
		m.mu.Unlock()
		if !superseded {
			m.transport.Disconnect()
		}
	}()
}
