package alerts

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alertpkg "github.com/tphakala/iotalerts/internal/alerts"
	"github.com/tphakala/iotalerts/internal/conf"
	"github.com/tphakala/iotalerts/internal/datastore"
	"github.com/tphakala/iotalerts/internal/datastore/entities"
)

func seed(t *testing.T) (*conf.Settings, []entities.Alert) {
	t.Helper()
	settings := &conf.Settings{}
	settings.Database = conf.DatabaseSettings{Type: "sqlite", Path: filepath.Join(t.TempDir(), "alerts.db")}

	store, err := datastore.Open(settings.Database)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ts := time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC)
	for _, a := range []entities.Alert{
		{Topic: "home/door", Timestamp: ts, Severity: alertpkg.SeverityCritical, Message: "forced"},
		{Topic: "home/temp", Timestamp: ts, Severity: alertpkg.SeverityWarning, Message: "hot"},
		{Topic: "home/door", Timestamp: ts.Add(time.Minute), Severity: alertpkg.SeverityNormal, Message: "closed"},
	} {
		require.NoError(t, store.RecordAlert(context.Background(), &a))
	}
	list, err := store.AllAlerts(context.Background())
	require.NoError(t, err)
	return settings, list
}

func run(t *testing.T, settings *conf.Settings, args ...string) (string, error) {
	t.Helper()
	cmd := Command(settings)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func reload(t *testing.T, settings *conf.Settings) []entities.Alert {
	t.Helper()
	store, err := datastore.Open(settings.Database)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	list, err := store.AllAlerts(context.Background())
	require.NoError(t, err)
	return list
}

func TestList(t *testing.T) {
	settings, _ := seed(t)

	out, err := run(t, settings, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "forced")
	assert.Contains(t, out, "hot")
	assert.Contains(t, out, "critical")

	out, err = run(t, settings, "list", "--topic", "home/temp")
	require.NoError(t, err)
	assert.Contains(t, out, "hot")
	assert.NotContains(t, out, "forced")
}

func TestAckByID(t *testing.T) {
	settings, list := seed(t)

	out, err := run(t, settings, "ack", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "acknowledged alert 1")
	assert.True(t, reload(t, settings)[0].Acknowledged)
	assert.Equal(t, list[0].ID, uint(1))

	_, err = run(t, settings, "ack", "99")
	require.Error(t, err)
}

func TestAckByTimestamp(t *testing.T) {
	settings, _ := seed(t)

	out, err := run(t, settings, "ack", "--at", "2026-05-01T08:30:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "acknowledged 2 alert(s)")

	got := reload(t, settings)
	assert.True(t, got[0].Acknowledged)
	assert.True(t, got[1].Acknowledged)
	assert.False(t, got[2].Acknowledged)
}

func TestAckArgumentValidation(t *testing.T) {
	settings, _ := seed(t)

	_, err := run(t, settings, "ack")
	require.Error(t, err)
	_, err = run(t, settings, "ack", "1", "--at", "2026-05-01T08:30:00Z")
	require.Error(t, err)
	_, err = run(t, settings, "ack", "--at", "yesterday")
	require.Error(t, err)
}

func TestDelete(t *testing.T) {
	settings, _ := seed(t)

	_, err := run(t, settings, "delete", "2")
	require.NoError(t, err)
	got := reload(t, settings)
	require.Len(t, got, 2)
	for _, a := range got {
		assert.NotEqual(t, uint(2), a.ID)
	}

	_, err = run(t, settings, "delete", "abc")
	require.Error(t, err)
}
