package logger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleLogger_LevelFiltering(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	log := NewSlogLogger(buf, LogLevelWarn, nil)

	log.Debug("hidden debug")
	log.Info("hidden info")
	log.Warn("visible warn")
	log.Error("visible error", Error(errors.New("boom")))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "visible warn")
	assert.Contains(t, out, "error=boom")
	assert.NotContains(t, out, "time=")
}

func TestModuleLogger_ModuleScoping(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	root := NewSlogLogger(buf, LogLevelDebug, nil)

	root.Module("mqtt").Module("ingest").Info("message queued", String("topic", "door"))

	out := buf.String()
	assert.Contains(t, out, "module=mqtt.ingest")
	assert.Contains(t, out, "topic=door")
}

func TestModuleLogger_WithFieldsAreImmutable(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	base := NewSlogLogger(buf, LogLevelInfo, nil).With(String("broker", "tcp://a:1883"))
	child := base.With(Int("attempt", 3))

	base.Info("base")
	assert.NotContains(t, buf.String(), "attempt=3")

	buf.Reset()
	child.Info("child", Bool("retry", true), Duration("wait", 1500*time.Millisecond))
	out := buf.String()
	assert.Contains(t, out, "broker=tcp://a:1883")
	assert.Contains(t, out, "attempt=3")
	assert.Contains(t, out, "retry=true")
	assert.Contains(t, out, "wait=1.5s")
}

func TestModuleLogger_WithContextTraceID(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	log := NewSlogLogger(buf, LogLevelInfo, nil)

	log.WithContext(WithTraceID(context.Background(), "abc-123")).Info("traced")
	assert.Contains(t, buf.String(), "trace_id=abc-123")

	buf.Reset()
	log.WithContext(context.Background()).Info("untraced")
	assert.NotContains(t, buf.String(), "trace_id")
}

func TestModuleLogger_TraceLevel(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	log := NewSlogLogger(buf, LogLevelTrace, nil)
	log.Log(LogLevelTrace, "very detailed")
	assert.Contains(t, buf.String(), "level=TRACE")
}

func TestCentralLogger_FileOutput(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "test.log")
	cl, err := NewCentralLogger(&LoggingConfig{
		DefaultLevel: "debug",
		Timezone:     "UTC",
		Console:      &ConsoleOutput{Enabled: false},
		FileOutput:   &FileOutput{Enabled: true, Path: path, Level: "debug"},
		ModuleLevels: map[string]string{"datastore": "error"},
	})
	require.NoError(t, err)

	cl.Module("mqtt").Info("connected", String("broker", "tcp://localhost:1883"), Int("qos", 1))
	cl.Module("datastore").Info("suppressed by module level")
	require.NoError(t, cl.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var records []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "INFO", rec["level"])
	assert.Equal(t, "connected", rec["msg"])
	assert.Equal(t, "mqtt", rec["module"])
	assert.Equal(t, "tcp://localhost:1883", rec["broker"])
	assert.InDelta(t, 1, rec["qos"], 0)

	ts, ok := rec["time"].(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339, ts)
	assert.NoError(t, err)
}

func TestNewCentralLogger_Errors(t *testing.T) {
	t.Parallel()

	_, err := NewCentralLogger(nil)
	require.Error(t, err)

	_, err = NewCentralLogger(&LoggingConfig{Timezone: "Not/AZone"})
	require.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"trace", "TRACE"},
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"bogus", "INFO"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, levelName(parseLogLevel(tt.in)))
		})
	}
}
