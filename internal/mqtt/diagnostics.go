// diagnostics.go provides a staged broker connectivity check
package mqtt

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/tphakala/iotalerts/internal/logger"
)

// TestResult represents the result of one diagnostics stage
type TestResult struct {
	Success    bool   `json:"success"`
	Stage      string `json:"stage"`
	Message    string `json:"message"`
	Error      string `json:"error,omitempty"`
	IsProgress bool   `json:"isProgress,omitempty"`
	State      string `json:"state,omitempty"` // running, completed, failed, timeout
	Timestamp  string `json:"timestamp,omitempty"`
}

// TestStage represents a stage in the diagnostics process
type TestStage int

const (
	DNSResolution TestStage = iota
	TCPConnection
	MQTTConnection
	MessageRoundTrip
)

// String returns the string representation of a test stage
func (s TestStage) String() string {
	switch s {
	case DNSResolution:
		return "DNS Resolution"
	case TCPConnection:
		return "TCP Connection"
	case MQTTConnection:
		return "MQTT Connection"
	case MessageRoundTrip:
		return "Message Round Trip"
	default:
		return "Unknown Stage"
	}
}

// Timeout constants for the diagnostics stages
const (
	dnsTimeout       = 5 * time.Second
	tcpTimeout       = 5 * time.Second
	mqttTimeout      = 10 * time.Second
	roundTripTimeout = 5 * time.Second
)

// diagnosticsTopicPrefix is where the round trip stage publishes.
const diagnosticsTopicPrefix = "iotalerts/diagnostics/"

type networkTest func(context.Context) error

// runNetworkTest executes a network test with a deadline
func runNetworkTest(ctx context.Context, stage TestStage, test networkTest) TestResult {
	resultChan := make(chan error, 1)
	go func() {
		resultChan <- test(ctx)
	}()

	select {
	case <-ctx.Done():
		return TestResult{
			Success: false,
			Stage:   stage.String(),
			Error:   "operation timeout",
			Message: fmt.Sprintf("%s operation timed out", stage),
			State:   "timeout",
		}
	case err := <-resultChan:
		if err != nil {
			return TestResult{
				Success: false,
				Stage:   stage.String(),
				Error:   err.Error(),
				Message: fmt.Sprintf("Failed to perform %s", stage),
			}
		}
	}

	return TestResult{
		Success: true,
		Stage:   stage.String(),
		Message: fmt.Sprintf("Successfully completed %s", stage),
	}
}

// RunDiagnostics checks ep stage by stage: DNS (skipped for IP literals),
// TCP, MQTT connect and a publish/subscribe round trip on a private topic.
// It uses its own client and never touches a running session. Each stage
// sends a progress result followed by its outcome; resultChan is closed
// when the run ends. It reports whether every stage passed.
func RunDiagnostics(ctx context.Context, ep Endpoint, resultChan chan<- TestResult) bool {
	defer close(resultChan)
	log := GetLogger().With(logger.String("broker", ep.Redacted()))

	send := func(result TestResult) {
		switch {
		case result.State != "":
		case result.IsProgress:
			result.State = "running"
		case result.Success:
			result.State = "completed"
		default:
			result.State = "failed"
		}
		result.Timestamp = time.Now().Format(time.RFC3339)

		if result.Success {
			log.Debug("diagnostics stage", logger.String("stage", result.Stage), logger.String("state", result.State))
		} else {
			log.Warn("diagnostics stage failed", logger.String("stage", result.Stage), logger.String("error", result.Error))
		}

		select {
		case resultChan <- result:
			return
		default:
		}
		select {
		case <-ctx.Done():
		case resultChan <- result:
		}
	}

	if err := ctx.Err(); err != nil {
		send(TestResult{Stage: "Test Setup", Message: "Test cancelled", Error: err.Error(), State: "timeout"})
		return false
	}

	host, hostPort, err := brokerAddress(ep.URI)
	if err != nil {
		send(TestResult{Stage: "Test Setup", Message: "Invalid broker URI", Error: err.Error()})
		return false
	}

	runStage := func(stage TestStage, timeout time.Duration, test networkTest) bool {
		send(TestResult{
			Success:    true,
			Stage:      stage.String(),
			Message:    fmt.Sprintf("Running %s test...", stage),
			IsProgress: true,
		})
		stageCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		result := runNetworkTest(stageCtx, stage, test)
		send(result)
		return result.Success
	}

	if net.ParseIP(host) == nil {
		if !runStage(DNSResolution, dnsTimeout, func(ctx context.Context) error {
			_, err := net.DefaultResolver.LookupHost(ctx, host)
			return err
		}) {
			return false
		}
	}

	if !runStage(TCPConnection, tcpTimeout, func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", hostPort)
		if err != nil {
			return err
		}
		return conn.Close()
	}) {
		return false
	}

	received := make(chan struct{}, 1)
	var client paho.Client
	if !runStage(MQTTConnection, mqttTimeout, func(ctx context.Context) error {
		opts := paho.NewClientOptions().
			AddBroker(ep.URI).
			SetClientID("iotalerts-diag-" + uuid.NewString()[:8]).
			SetUsername(ep.Username).
			SetPassword(ep.Password).
			SetCleanSession(true).
			SetAutoReconnect(false).
			SetConnectTimeout(mqttTimeout)
		client = paho.NewClient(opts)
		return waitToken(ctx, client.Connect())
	}) {
		return false
	}
	defer client.Disconnect(100)

	topic := diagnosticsTopicPrefix + uuid.NewString()
	return runStage(MessageRoundTrip, roundTripTimeout, func(ctx context.Context) error {
		if err := waitToken(ctx, client.Subscribe(topic, 1, func(_ paho.Client, _ paho.Message) {
			select {
			case received <- struct{}{}:
			default:
			}
		})); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		defer client.Unsubscribe(topic)

		if err := waitToken(ctx, client.Publish(topic, 1, false, `{"alert":0,"message":"iotalerts diagnostics"}`)); err != nil {
			return fmt.Errorf("publish: %w", err)
		}

		select {
		case <-received:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("test message not received: %w", ctx.Err())
		}
	})
}

func waitToken(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// brokerAddress returns the host and dialable host:port of a broker URI,
// filling in the scheme's default port.
func brokerAddress(uri string) (host, hostPort string, err error) {
	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return "", "", fmt.Errorf("invalid broker URL: %w", err)
	}
	host = u.Hostname()
	if host == "" {
		return "", "", fmt.Errorf("broker URL %q has no host", logger.RedactBrokerURI(uri))
	}
	port := u.Port()
	if port == "" {
		port = defaultPort(u.Scheme)
	}
	return host, net.JoinHostPort(host, port), nil
}

func defaultPort(scheme string) string {
	switch strings.ToLower(scheme) {
	case "ssl", "tls", "mqtts", "tcps":
		return "8883"
	case "ws":
		return "80"
	case "wss":
		return "443"
	default:
		return "1883"
	}
}
