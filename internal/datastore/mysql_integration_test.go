//go:build integration

// Run with: go test -tags=integration ./internal/datastore/...
// Requires a Docker-compatible runtime for testcontainers.
package datastore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/tphakala/iotalerts/internal/alerts"
	"github.com/tphakala/iotalerts/internal/conf"
)

func startMySQL(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcmysql.Run(ctx, "mysql:8.0",
		tcmysql.WithDatabase("iotalerts_test"),
		tcmysql.WithUsername("iotalerts"),
		tcmysql.WithPassword("iotalerts"),
	)
	if err != nil {
		t.Skipf("Skipping MySQL test: container unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})

	dsn, err := container.ConnectionString(ctx, "parseTime=true", "loc=UTC")
	require.NoError(t, err)

	store, err := Open(conf.DatabaseSettings{Type: "mysql", DSN: dsn})
	require.NoError(t, err, "failed to open mysql store")
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestMySQL_RetentionAndAcknowledge(t *testing.T) {
	store := startMySQL(t)
	ctx := context.Background()
	base := time.Date(2025, 2, 2, 10, 0, 0, 250_000_000, time.UTC)

	var ids []uint
	for i := range MaxAlertsPerTopic + 1 {
		a := newAlert("dock/bay", alerts.SeverityWarning, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, store.RecordAlert(ctx, a))
		ids = append(ids, a.ID)
	}

	all, err := store.AllAlerts(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids[1:], idsOf(all))

	// A second acknowledge changes no rows on MySQL and must still succeed.
	require.NoError(t, store.Acknowledge(ctx, ids[5]))
	require.NoError(t, store.Acknowledge(ctx, ids[5]))

	n, err := store.AcknowledgeByTimestamp(ctx, base.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	sev, err := store.LatestSeverity(ctx, "dock/bay")
	require.NoError(t, err)
	assert.Equal(t, alerts.SeverityWarning, sev)
}

func TestMySQL_ConcurrentRecordHoldsCap(t *testing.T) {
	store := startMySQL(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 6 {
		wg.Go(func() {
			for range 4 {
				assert.NoError(t, store.RecordAlert(ctx, newAlert("hot", alerts.SeverityCritical, time.Now())))
			}
		})
	}
	wg.Wait()

	all, err := store.AllAlerts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, MaxAlertsPerTopic)
}

func TestMySQL_TopicLedger(t *testing.T) {
	store := startMySQL(t)
	ctx := context.Background()

	require.NoError(t, store.AddTopic(ctx, "z"))
	require.NoError(t, store.AddTopic(ctx, "z"))
	require.NoError(t, store.AddTopic(ctx, "a"))

	topics, err := store.ListTopics(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "z"}, topics)

	require.NoError(t, store.Clear(ctx))
	topics, err = store.ListTopics(ctx)
	require.NoError(t, err)
	assert.Empty(t, topics)
}
