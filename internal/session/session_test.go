package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/iotalerts/internal/alerts"
	"github.com/tphakala/iotalerts/internal/conf"
	"github.com/tphakala/iotalerts/internal/datastore"
	"github.com/tphakala/iotalerts/internal/datastore/entities"
	"github.com/tphakala/iotalerts/internal/errors"
	"github.com/tphakala/iotalerts/internal/mqtt"
)

// fakeConn is a Connection that mirrors subscriptions into a ledger.
type fakeConn struct {
	mu         sync.Mutex
	state      mqtt.State
	endpoint   mqtt.Endpoint
	ledger     datastore.TopicLedger
	connectErr error
	disconnErr error
	qos        []byte
	listeners  []func(mqtt.State)
}

func (f *fakeConn) setState(s mqtt.State) {
	f.state = s
	for _, l := range f.listeners {
		l(s)
	}
}

func (f *fakeConn) Connect(_ context.Context, ep mqtt.Endpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.endpoint = ep
	f.setState(mqtt.Connected)
	return nil
}

func (f *fakeConn) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disconnErr != nil {
		return f.disconnErr
	}
	f.setState(mqtt.Disconnected)
	return f.ledger.Clear(ctx)
}

func (f *fakeConn) Subscribe(ctx context.Context, topic string, qos byte) error {
	f.mu.Lock()
	f.qos = append(f.qos, qos)
	f.mu.Unlock()
	return f.ledger.AddTopic(ctx, topic)
}

func (f *fakeConn) Unsubscribe(ctx context.Context, topic string) error {
	return f.ledger.RemoveTopic(ctx, topic)
}

func (f *fakeConn) State() mqtt.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) Endpoint() mqtt.Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endpoint
}

func (f *fakeConn) AddStateListener(fn func(mqtt.State)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
	return func() {}
}

type fixture struct {
	coord    *Coordinator
	conn     *fakeConn
	store    *datastore.Store
	settings *conf.FileBrokerStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := datastore.Open(conf.DatabaseSettings{Type: "sqlite"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	conn := &fakeConn{ledger: store}
	settings := conf.NewFileBrokerStore(filepath.Join(t.TempDir(), "broker.yaml"))
	return &fixture{
		coord:    New(conn, store, store, settings, 1),
		conn:     conn,
		store:    store,
		settings: settings,
	}
}

func nextOutcome(t *testing.T, c *Coordinator) Outcome {
	t.Helper()
	select {
	case o := <-c.Outcomes():
		return o
	case <-time.After(time.Second):
		t.Fatal("no outcome")
		return Outcome{}
	}
}

func TestCoordinator_ConnectSavesBroker(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	require.NoError(t, f.coord.Connect(ctx, "tcp://broker:1883", "sensor", "secret"))
	o := nextOutcome(t, f.coord)
	assert.Equal(t, OpConnect, o.Operation)
	assert.NoError(t, o.Err)
	assert.False(t, o.At.IsZero())

	rec, ok, err := f.settings.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tcp://broker:1883", rec.URI)
	assert.Equal(t, "sensor", rec.Username)
	assert.Equal(t, "secret", rec.Password)
}

func TestCoordinator_ConnectFailureKeepsSettings(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	require.NoError(t, f.settings.Save(conf.BrokerRecord{URI: "tcp://old:1883"}))
	f.conn.connectErr = errors.NewStd("refused")

	require.Error(t, f.coord.Connect(ctx, "tcp://new:1883", "", ""))
	o := nextOutcome(t, f.coord)
	require.Error(t, o.Err)

	assert.Equal(t, "tcp://old:1883", f.settings.LastBrokerURI())
}

func TestCoordinator_DisconnectClearsSettings(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	require.NoError(t, f.coord.Connect(ctx, "tcp://broker:1883", "", ""))
	require.NoError(t, f.coord.Subscribe(ctx, "temp"))
	require.NoError(t, f.coord.Disconnect(ctx))

	assert.Empty(t, f.settings.LastBrokerURI())
	st, err := f.coord.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "disconnected", st.State)
	assert.Empty(t, st.Broker)
	assert.Empty(t, st.Topics)
}

func TestCoordinator_DisconnectFailureKeepsSettings(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	require.NoError(t, f.coord.Connect(ctx, "tcp://broker:1883", "", ""))
	f.conn.disconnErr = errors.NewStd("busy")
	require.Error(t, f.coord.Disconnect(ctx))
	assert.Equal(t, "tcp://broker:1883", f.settings.LastBrokerURI())
}

func TestCoordinator_SubscribeUsesConfiguredQoS(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	require.NoError(t, f.coord.Connect(ctx, "tcp://user:pw@broker:1883", "", ""))
	require.NoError(t, f.coord.Subscribe(ctx, "door"))
	assert.Equal(t, []byte{1}, f.conn.qos)

	st, err := f.coord.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, mqtt.Connected, st.Phase)
	assert.Equal(t, []string{"door"}, st.Topics)
	assert.NotContains(t, st.Broker, "pw")

	<-f.coord.Outcomes()
	o := nextOutcome(t, f.coord)
	assert.Equal(t, OpSubscribe, o.Operation)
	assert.Equal(t, "door", o.Topic)
}

func TestCoordinator_AlertActions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	a := &entities.Alert{Topic: "door", Severity: alerts.SeverityCritical, Message: "open"}
	require.NoError(t, f.store.RecordAlert(ctx, a))

	require.NoError(t, f.coord.Acknowledge(ctx, a.ID))
	list, err := f.store.AllAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Acknowledged)

	err = f.coord.Acknowledge(ctx, a.ID+100)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	require.NoError(t, f.coord.DeleteAlert(ctx, a.ID))
	require.NoError(t, f.coord.DeleteAlert(ctx, a.ID), "deleting an absent alert is not an error")
	list, err = f.store.AllAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	ops := []string{}
	for range 4 {
		o := nextOutcome(t, f.coord)
		ops = append(ops, o.Operation)
	}
	assert.Equal(t, []string{OpAcknowledge, OpAcknowledge, OpDelete, OpDelete}, ops)
}

func TestCoordinator_Resume(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	resumed, err := f.coord.Resume(ctx)
	require.NoError(t, err)
	assert.False(t, resumed, "nothing saved")
	assert.Equal(t, mqtt.Disconnected, f.coord.Phase())

	require.NoError(t, f.settings.Save(conf.BrokerRecord{URI: "tcp://broker:1883", Username: "u", Password: "p"}))
	resumed, err = f.coord.Resume(ctx)
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, mqtt.Endpoint{URI: "tcp://broker:1883", Username: "u", Password: "p"}, f.conn.Endpoint())
}

func TestCoordinator_PhaseListener(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var phases []mqtt.State
	f.coord.AddPhaseListener(func(s mqtt.State) { phases = append(phases, s) })

	require.NoError(t, f.coord.Connect(t.Context(), "tcp://broker:1883", "", ""))
	require.NoError(t, f.coord.Disconnect(t.Context()))
	assert.Equal(t, []mqtt.State{mqtt.Connected, mqtt.Disconnected}, phases)
}

func TestCoordinator_OutcomesDropOldest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for i := range outcomeBuffer + 5 {
		f.coord.emit(Outcome{Operation: OpDelete, AlertID: uint(i)})
	}
	first := nextOutcome(t, f.coord)
	assert.Equal(t, uint(5), first.AlertID)
	assert.Len(t, f.coord.Outcomes(), outcomeBuffer-1)
}

func TestCoordinator_NilSettings(t *testing.T) {
	t.Parallel()
	store, err := datastore.Open(conf.DatabaseSettings{Type: "sqlite"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	c := New(&fakeConn{ledger: store}, store, store, nil, 0)
	resumed, err := c.Resume(context.Background())
	require.NoError(t, err)
	assert.False(t, resumed)
	require.NoError(t, c.Connect(context.Background(), "tcp://broker:1883", "", ""))
	require.NoError(t, c.Disconnect(context.Background()))
}
