package monitor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/iotalerts/internal/buildinfo"
	"github.com/tphakala/iotalerts/internal/conf"
	"github.com/tphakala/iotalerts/internal/mqtt"
)

type doneToken struct {
	done chan struct{}
	err  error
}

func completed(err error) *doneToken {
	t := &doneToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *doneToken) Done() <-chan struct{} { return t.done }
func (t *doneToken) Error() error          { return t.err }

// stubTransport accepts every request.
type stubTransport struct {
	mu         sync.Mutex
	handler    mqtt.EventHandler
	connected  bool
	connects   []mqtt.Endpoint
	subscribes []string
}

func (s *stubTransport) SetHandler(h mqtt.EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *stubTransport) Connect(ep mqtt.Endpoint) mqtt.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects = append(s.connects, ep)
	s.connected = true
	return completed(nil)
}

func (s *stubTransport) Subscribe(topic string, _ byte) mqtt.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribes = append(s.subscribes, topic)
	return completed(nil)
}

func (s *stubTransport) Unsubscribe(string) mqtt.Token { return completed(nil) }

func (s *stubTransport) Disconnect() mqtt.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return completed(nil)
}

func (s *stubTransport) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *stubTransport) snapshot() ([]mqtt.Endpoint, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mqtt.Endpoint(nil), s.connects...), append([]string(nil), s.subscribes...)
}

func testSettings(t *testing.T) *conf.Settings {
	t.Helper()
	s := &conf.Settings{}
	s.Main.Name = "test"
	s.Broker = conf.BrokerSettings{
		URI:               "tcp://broker.local:1883",
		Username:          "sensor",
		Password:          "secret",
		QoS:               1,
		Topics:            []string{"home/door", "home/temp"},
		ReconnectInterval: 10 * time.Millisecond,
	}
	s.Database.Type = "sqlite"
	s.State.Path = filepath.Join(t.TempDir(), "broker.yaml")
	s.Notification.Log = true
	return s
}

// runUntil runs the daemon until cond holds, then stops and closes it.
func runUntil(t *testing.T, d *Daemon, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	require.NoError(t, d.Close())
}

func TestDaemon_FirstRunSubscribesConfiguredTopics(t *testing.T) {
	settings := testSettings(t)
	transport := &stubTransport{}
	d, err := newDaemon(settings, buildinfo.NewContext("1.0.0", ""), transport)
	require.NoError(t, err)

	runUntil(t, d, func() bool {
		_, subs := transport.snapshot()
		return len(subs) == 2
	})

	connects, subs := transport.snapshot()
	require.Len(t, connects, 1)
	assert.Equal(t, "tcp://broker.local:1883", connects[0].URI)
	assert.ElementsMatch(t, []string{"home/door", "home/temp"}, subs)

	rec, ok, err := conf.NewFileBrokerStore(settings.State.Path).Load()
	require.NoError(t, err)
	require.True(t, ok, "successful connect saves the broker")
	assert.Equal(t, "sensor", rec.Username)
}

func TestDaemon_ResumesSavedBroker(t *testing.T) {
	settings := testSettings(t)
	require.NoError(t, conf.NewFileBrokerStore(settings.State.Path).Save(conf.BrokerRecord{
		URI: "tcp://saved.local:1883", Username: "u", Password: "p",
	}))

	transport := &stubTransport{}
	d, err := newDaemon(settings, nil, transport)
	require.NoError(t, err)

	runUntil(t, d, func() bool {
		connects, _ := transport.snapshot()
		return len(connects) == 1
	})

	connects, _ := transport.snapshot()
	assert.Equal(t, mqtt.Endpoint{URI: "tcp://saved.local:1883", Username: "u", Password: "p"}, connects[0])
}

func TestDaemon_NoBrokerIdles(t *testing.T) {
	settings := testSettings(t)
	settings.Broker.URI = ""
	settings.Telemetry.Enabled = true
	settings.Telemetry.Listen = "127.0.0.1:0"

	transport := &stubTransport{}
	d, err := newDaemon(settings, nil, transport)
	require.NoError(t, err)
	require.NotNil(t, d.endpoint)

	runUntil(t, d, func() bool { return true })
	connects, _ := transport.snapshot()
	assert.Empty(t, connects)
	assert.Equal(t, mqtt.Disconnected, d.Coordinator().Phase())
}

func TestDaemon_InvalidPushSettings(t *testing.T) {
	settings := testSettings(t)
	settings.Notification.Push.Enabled = true

	_, err := newDaemon(settings, nil, &stubTransport{})
	require.Error(t, err)
}

func TestManagerConfig(t *testing.T) {
	t.Parallel()
	cfg := managerConfig(conf.BrokerSettings{QoS: 2, ReconnectInterval: time.Minute, QueueSize: 8, StoreRetries: 4})
	assert.Equal(t, mqtt.Config{QoS: 2, ReconnectInterval: time.Minute, QueueSize: 8, StoreRetries: 4}, cfg)
}
