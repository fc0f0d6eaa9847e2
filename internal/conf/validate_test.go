package conf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateBrokerURI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		uri     string
		wantErr bool
	}{
		{"tcp://localhost:1883", false},
		{"ssl://broker.example.com:8883", false},
		{"ws://broker:9001/mqtt", false},
		{"mqtts://broker:8883", false},
		{"http://broker:80", true},
		{"tcp://", true},
		{"localhost:1883", true},
		{"::bad::", true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			t.Parallel()
			err := ValidateBrokerURI(tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateSettings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{name: "valid defaults", mutate: func(*Settings) {}},
		{
			name:    "mysql without dsn",
			mutate:  func(s *Settings) { s.Database.Type = "MySQL" },
			wantErr: "database.dsn is required",
		},
		{
			name:    "unknown database",
			mutate:  func(s *Settings) { s.Database.Type = "postgres" },
			wantErr: "database.type must be sqlite or mysql",
		},
		{
			name:    "negative reconnect interval",
			mutate:  func(s *Settings) { s.Broker.ReconnectInterval = -1 },
			wantErr: "must not be negative",
		},
		{
			name:    "empty topic",
			mutate:  func(s *Settings) { s.Broker.Topics = []string{"temp", " "} },
			wantErr: "empty topics",
		},
		{
			name:    "telemetry bad listen",
			mutate:  func(s *Settings) { s.Telemetry = TelemetrySettings{Enabled: true, Listen: "8090"} },
			wantErr: "telemetry.listen",
		},
		{
			name:    "sentry without dsn",
			mutate:  func(s *Settings) { s.Sentry.Enabled = true },
			wantErr: "sentry.dsn",
		},
		{
			name:    "push without urls",
			mutate:  func(s *Settings) { s.Notification.Push.Enabled = true },
			wantErr: "notification.push.urls",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := &Settings{}
			s.Database.Type = "sqlite"
			s.Broker.QoS = 1
			tt.mutate(s)

			err := ValidateSettings(s)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.NotEmpty(t, s.Broker.ClientID)
				assert.Equal(t, DefaultDatabasePath, s.Database.Path)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateEnv(t *testing.T) {
	t.Parallel()

	assert.NoError(t, validateEnvQoS("0"))
	assert.Error(t, validateEnvQoS("3"))
	assert.NoError(t, validateEnvDuration("500ms"))
	assert.Error(t, validateEnvDuration("-1s"))
	assert.Error(t, validateEnvDuration("soon"))
	assert.NoError(t, validateEnvBool("true"))
	assert.Error(t, validateEnvBool("maybe"))
	assert.NoError(t, validateEnvDatabaseType("MYSQL"))
	assert.Error(t, validateEnvDatabaseType("redis"))
	assert.NoError(t, validateEnvLogLevel("warning"))
	assert.Error(t, validateEnvLogLevel("loud"))
}
