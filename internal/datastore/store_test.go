package datastore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/iotalerts/internal/alerts"
	"github.com/tphakala/iotalerts/internal/conf"
	"github.com/tphakala/iotalerts/internal/datastore/entities"
	"github.com/tphakala/iotalerts/internal/errors"
)

// newTestStore opens an isolated in-memory SQLite store.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(conf.DatabaseSettings{Type: "sqlite"})
	require.NoError(t, err, "failed to open in-memory store")
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newAlert(topic string, sev alerts.Severity, ts time.Time) *entities.Alert {
	return &entities.Alert{Topic: topic, Severity: sev, Message: "m", Timestamp: ts}
}

func idsOf(list []entities.Alert) []uint {
	ids := make([]uint, 0, len(list))
	for i := range list {
		ids = append(ids, list[i].ID)
	}
	return ids
}

func TestRecordAlert_AssignsIDAndNormalizesTimestamp(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	loc := time.FixedZone("EET", 2*3600)
	ts := time.Date(2025, 3, 1, 12, 30, 0, 123456789, loc)
	a := newAlert("home/door", alerts.SeverityWarning, ts)

	require.NoError(t, store.RecordAlert(ctx, a))
	assert.NotZero(t, a.ID)

	all, err := store.AllAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "home/door", all[0].Topic)
	assert.Equal(t, alerts.SeverityWarning, all[0].Severity)
	assert.False(t, all[0].Acknowledged)
	assert.True(t, ts.Truncate(time.Millisecond).Equal(all[0].Timestamp))
	assert.Equal(t, time.UTC, all[0].Timestamp.Location())
}

func TestRecordAlert_Validation(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		alert *entities.Alert
	}{
		{"nil alert", nil},
		{"empty topic", newAlert("  ", alerts.SeverityNormal, time.Now())},
		{"severity too high", newAlert("t", alerts.Severity(3), time.Now())},
		{"severity none", newAlert("t", alerts.SeverityNone, time.Now())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.RecordAlert(ctx, tt.alert)
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
		})
	}

	all, err := store.AllAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRecordAlert_EvictsOldestBeyondCap(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	var ids []uint
	for i := range MaxAlertsPerTopic + 1 {
		a := newAlert("sensor/1", alerts.SeverityNormal, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, store.RecordAlert(ctx, a))
		ids = append(ids, a.ID)
	}

	all, err := store.AllAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, all, MaxAlertsPerTopic)
	assert.Equal(t, ids[1:], idsOf(all), "the first inserted alert should be evicted")
}

func TestRecordAlert_CapIsPerTopic(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	for i := range 25 {
		topic := fmt.Sprintf("t/%d", i%3)
		require.NoError(t, store.RecordAlert(ctx, newAlert(topic, alerts.SeverityWarning, time.Now())))
	}

	all, err := store.AllAlerts(ctx)
	require.NoError(t, err)

	perTopic := map[string]int{}
	for i := range all {
		perTopic[all[i].Topic]++
	}
	// 25 inserts over 3 topics: 9, 8, 8 before capping
	assert.Equal(t, map[string]int{"t/0": 9, "t/1": 8, "t/2": 8}, perTopic)

	for i := range 10 {
		require.NoError(t, store.RecordAlert(ctx, newAlert("t/0", alerts.SeverityWarning, time.Now().Add(time.Duration(i)))))
	}
	all, err = store.AllAlerts(ctx)
	require.NoError(t, err)
	perTopic = map[string]int{}
	for i := range all {
		perTopic[all[i].Topic]++
	}
	assert.Equal(t, MaxAlertsPerTopic, perTopic["t/0"])
	assert.Equal(t, 8, perTopic["t/1"], "other topics must not be evicted")
}

func TestRecordAlert_EvictionUsesIDNotTimestamp(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	// Timestamps run backwards so the first insert has the newest time.
	var first uint
	for i := range MaxAlertsPerTopic {
		a := newAlert("x", alerts.SeverityNormal, base.Add(-time.Duration(i)*time.Minute))
		require.NoError(t, store.RecordAlert(ctx, a))
		if i == 0 {
			first = a.ID
		}
	}
	require.NoError(t, store.RecordAlert(ctx, newAlert("x", alerts.SeverityNormal, base.Add(-time.Hour))))

	all, err := store.AllAlerts(ctx)
	require.NoError(t, err)
	assert.NotContains(t, idsOf(all), first)
}

func TestRecordAlert_ConcurrentSameTopicHoldsCap(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 5 {
				assert.NoError(t, store.RecordAlert(ctx, newAlert("busy", alerts.SeverityCritical, time.Now())))
			}
		})
	}
	wg.Wait()

	all, err := store.AllAlerts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, MaxAlertsPerTopic)
}

func TestRemoveAlert(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	a := newAlert("t", alerts.SeverityWarning, time.Now())
	b := newAlert("t", alerts.SeverityNormal, time.Now())
	require.NoError(t, store.RecordAlert(ctx, a))
	require.NoError(t, store.RecordAlert(ctx, b))

	require.NoError(t, store.RemoveAlert(ctx, a.ID))
	require.NoError(t, store.RemoveAlert(ctx, a.ID), "removing an absent id is not an error")
	require.NoError(t, store.RemoveAlert(ctx, 9999))

	all, err := store.AllAlerts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint{b.ID}, idsOf(all))
}

func TestRemoveTopicHistory(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordAlert(ctx, newAlert("a", alerts.SeverityWarning, time.Now())))
	require.NoError(t, store.RecordAlert(ctx, newAlert("a", alerts.SeverityCritical, time.Now())))
	keep := newAlert("b", alerts.SeverityNormal, time.Now())
	require.NoError(t, store.RecordAlert(ctx, keep))

	require.NoError(t, store.RemoveTopicHistory(ctx, "a"))
	require.NoError(t, store.RemoveTopicHistory(ctx, "a"))

	all, err := store.AllAlerts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint{keep.ID}, idsOf(all))

	sev, err := store.LatestSeverity(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, alerts.SeverityNone, sev)
}

func TestRemoveTopicHistory_WildcardFilter(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	for _, topic := range []string{"home/door", "home/garage/door", "home", "office/door"} {
		require.NoError(t, store.RecordAlert(ctx, newAlert(topic, alerts.SeverityCritical, time.Now())))
	}

	require.NoError(t, store.RemoveTopicHistory(ctx, "+/door"))
	all, err := store.AllAlerts(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"home/garage/door", "home"}, topicsOf(all))

	require.NoError(t, store.RemoveTopicHistory(ctx, "home/#"))
	all, err = store.AllAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	sev, err := store.LatestSeverity(ctx, "home/garage/door")
	require.NoError(t, err)
	assert.Equal(t, alerts.SeverityNone, sev, "cached severity is dropped with the history")
}

func TestMatchTopicFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"home/door", "home/door", true},
		{"home/door", "home/doors", false},
		{"home/+", "home/door", true},
		{"home/+", "home/garage/door", false},
		{"home/+/door", "home/garage/door", true},
		{"home/#", "home", true},
		{"home/#", "home/garage/door", true},
		{"home/#", "office/door", false},
		{"#", "anything/at/all", true},
		{"#", "$SYS/broker/uptime", false},
		{"+/uptime", "$SYS/uptime", false},
		{"+", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.filter+" "+tt.topic, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, MatchTopicFilter(tt.filter, tt.topic))
		})
	}
}

func TestAcknowledge(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	a := newAlert("t", alerts.SeverityCritical, time.Now())
	require.NoError(t, store.RecordAlert(ctx, a))

	require.NoError(t, store.Acknowledge(ctx, a.ID))
	require.NoError(t, store.Acknowledge(ctx, a.ID), "acknowledging twice is not an error")

	all, err := store.AllAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Acknowledged)

	err = store.Acknowledge(ctx, a.ID+100)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestAcknowledgeByTimestamp(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	shared := time.Date(2025, 6, 1, 8, 0, 0, 500_000_000, time.UTC)
	other := shared.Add(time.Second)

	require.NoError(t, store.RecordAlert(ctx, newAlert("a", alerts.SeverityWarning, shared)))
	require.NoError(t, store.RecordAlert(ctx, newAlert("b", alerts.SeverityWarning, shared)))
	require.NoError(t, store.RecordAlert(ctx, newAlert("a", alerts.SeverityCritical, other)))

	n, err := store.AcknowledgeByTimestamp(ctx, shared.In(time.FixedZone("X", -5*3600)))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "alerts sharing a timestamp across topics are acknowledged together")

	n, err = store.AcknowledgeByTimestamp(ctx, shared)
	require.NoError(t, err)
	assert.Zero(t, n)

	all, err := store.AllAlerts(ctx)
	require.NoError(t, err)
	acked := 0
	for i := range all {
		if all[i].Acknowledged {
			acked++
		}
	}
	assert.Equal(t, 2, acked)
}

func TestLatestSeverity(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	sev, err := store.LatestSeverity(ctx, "none")
	require.NoError(t, err)
	assert.Equal(t, alerts.SeverityNone, sev)

	require.NoError(t, store.RecordAlert(ctx, newAlert("t", alerts.SeverityCritical, base.Add(time.Minute))))
	// Older timestamp inserted later does not become the latest.
	require.NoError(t, store.RecordAlert(ctx, newAlert("t", alerts.SeverityNormal, base)))

	sev, err = store.LatestSeverity(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, alerts.SeverityCritical, sev)

	// Equal timestamps resolve to the later insert.
	require.NoError(t, store.RecordAlert(ctx, newAlert("t", alerts.SeverityWarning, base.Add(time.Minute))))
	sev, err = store.LatestSeverity(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, alerts.SeverityWarning, sev)
}

func TestLatestSeverity_CacheInvalidatedOnWrites(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	sev, err := store.LatestSeverity(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, alerts.SeverityNone, sev)

	cached, ok := store.severities.get("c")
	require.True(t, ok, "a miss should populate the cache")
	assert.Equal(t, alerts.SeverityNone, cached)

	a := newAlert("c", alerts.SeverityWarning, time.Now())
	require.NoError(t, store.RecordAlert(ctx, a))
	_, ok = store.severities.get("c")
	assert.False(t, ok, "RecordAlert should invalidate the topic entry")

	sev, err = store.LatestSeverity(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, alerts.SeverityWarning, sev)

	require.NoError(t, store.RemoveAlert(ctx, a.ID))
	sev, err = store.LatestSeverity(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, alerts.SeverityNone, sev)
}

func TestTopicLedger(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	topics, err := store.ListTopics(ctx)
	require.NoError(t, err)
	assert.Empty(t, topics)

	require.NoError(t, store.AddTopic(ctx, "b/2"))
	require.NoError(t, store.AddTopic(ctx, "a/1"))
	require.NoError(t, store.AddTopic(ctx, "b/2"), "adding twice is a no-op")
	require.Error(t, store.AddTopic(ctx, ""))

	topics, err = store.ListTopics(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "b/2"}, topics)

	require.NoError(t, store.RemoveTopic(ctx, "a/1"))
	require.NoError(t, store.RemoveTopic(ctx, "missing"))
	topics, err = store.ListTopics(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b/2"}, topics)

	require.NoError(t, store.Clear(ctx))
	require.NoError(t, store.Clear(ctx))
	topics, err = store.ListTopics(ctx)
	require.NoError(t, err)
	assert.Empty(t, topics)
}

func TestWatch(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, store.RecordAlert(ctx, newAlert("w", alerts.SeverityNormal, time.Now())))

	ch := store.Watch(ctx)
	select {
	case list := <-ch:
		assert.Len(t, list, 1, "first snapshot reflects current contents")
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot")
	}

	require.NoError(t, store.RecordAlert(ctx, newAlert("w", alerts.SeverityWarning, time.Now())))
	require.NoError(t, store.RecordAlert(ctx, newAlert("w", alerts.SeverityCritical, time.Now())))

	// Both changes were published while nobody read; only the newest stays.
	select {
	case list := <-ch:
		assert.Len(t, list, 3)
	case <-time.After(2 * time.Second):
		t.Fatal("no update snapshot")
	}
	select {
	case list := <-ch:
		t.Fatalf("unexpected extra snapshot of %d alerts", len(list))
	default:
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, 2*time.Second, 10*time.Millisecond, "channel should close after cancel")
}

func TestWatch_ClosedByStoreClose(t *testing.T) {
	t.Parallel()
	store, err := Open(conf.DatabaseSettings{Type: "sqlite"})
	require.NoError(t, err)

	ch := store.Watch(context.Background())
	<-ch
	require.NoError(t, store.Close())

	_, open := <-ch
	assert.False(t, open)

	after := store.Watch(context.Background())
	_, open = <-after
	assert.False(t, open, "watching a closed store yields a closed channel")
}

func TestOpen_SQLiteFilePersists(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "alerts.db")
	ctx := context.Background()

	store, err := Open(conf.DatabaseSettings{Type: "sqlite", Path: path})
	require.NoError(t, err)
	require.NoError(t, store.AddTopic(ctx, "persist/me"))
	require.NoError(t, store.RecordAlert(ctx, newAlert("persist/me", alerts.SeverityCritical, time.Now())))
	require.NoError(t, store.Close())

	store, err = Open(conf.DatabaseSettings{Type: "sqlite", Path: path})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	topics, err := store.ListTopics(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"persist/me"}, topics)

	sev, err := store.LatestSeverity(ctx, "persist/me")
	require.NoError(t, err)
	assert.Equal(t, alerts.SeverityCritical, sev)
}

func TestOpen_Errors(t *testing.T) {
	t.Parallel()

	_, err := Open(conf.DatabaseSettings{Type: "postgres"})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	_, err = Open(conf.DatabaseSettings{Type: "mysql"})
	require.Error(t, err, "mysql without a dsn")

	_, err = NewStore(nil)
	require.Error(t, err)
}

func topicsOf(list []entities.Alert) []string {
	topics := make([]string, 0, len(list))
	for _, a := range list {
		topics = append(topics, a.Topic)
	}
	return topics
}
