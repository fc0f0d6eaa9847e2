package mqtt

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/tphakala/iotalerts/internal/logger"
)

// PahoTransport adapts paho.mqtt.golang to Transport. Each Connect builds a
// fresh client so an endpoint change never reuses stale options. Automatic
// reconnect is disabled; the Manager owns that policy.
type PahoTransport struct {
	clientID          string
	connectTimeout    time.Duration
	disconnectQuiesce uint

	mu      sync.Mutex
	client  paho.Client
	handler EventHandler
}

var _ Transport = (*PahoTransport)(nil)

// NewPahoTransport returns a transport that connects with clientID.
func NewPahoTransport(clientID string, connectTimeout time.Duration) *PahoTransport {
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	return &PahoTransport{
		clientID:          clientID,
		connectTimeout:    connectTimeout,
		disconnectQuiesce: 250,
	}
}

// SetHandler installs the receiver of connection-lost and message events.
func (p *PahoTransport) SetHandler(h EventHandler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *PahoTransport) currentHandler() EventHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler
}

func (p *PahoTransport) currentClient() paho.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

// Connect resolves the broker host, then dials it on a new client.
func (p *PahoTransport) Connect(ep Endpoint) Token {
	tok := newAsyncToken()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.connectTimeout)
		defer cancel()
		if err := resolveBroker(ctx, ep.URI); err != nil {
			tok.complete(err)
			return
		}

		opts := paho.NewClientOptions()
		opts.AddBroker(ep.URI)
		opts.SetClientID(p.clientID)
		opts.SetUsername(ep.Username)
		opts.SetPassword(ep.Password)
		opts.SetCleanSession(true)
		opts.SetAutoReconnect(false)
		opts.SetConnectRetry(false)
		opts.SetConnectTimeout(p.connectTimeout)
		opts.SetConnectionLostHandler(func(c paho.Client, err error) {
			if p.currentClient() != c {
				return
			}
			if h := p.currentHandler(); h != nil {
				h.ConnectionLost(err)
			}
		})
		opts.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
			if h := p.currentHandler(); h != nil {
				h.MessageArrived(msg.Topic(), msg.Payload())
			}
		})

		client := paho.NewClient(opts)

		p.mu.Lock()
		previous := p.client
		p.client = client
		p.mu.Unlock()
		if previous != nil && previous.IsConnectionOpen() {
			previous.Disconnect(0)
		}

		ct := client.Connect()
		<-ct.Done()
		if err := ct.Error(); err != nil {
			tok.complete(err)
			return
		}
		GetLogger().Debug("transport connected", logger.String("broker", ep.Redacted()))
		tok.complete(nil)
	}()

	return tok
}

// Subscribe routes matching messages to the handler's MessageArrived.
func (p *PahoTransport) Subscribe(topic string, qos byte) Token {
	client := p.currentClient()
	if client == nil || !client.IsConnectionOpen() {
		return completedToken(ErrNotConnected)
	}
	return client.Subscribe(topic, qos, nil)
}

func (p *PahoTransport) Unsubscribe(topic string) Token {
	client := p.currentClient()
	if client == nil || !client.IsConnectionOpen() {
		return completedToken(ErrNotConnected)
	}
	return client.Unsubscribe(topic)
}

// Disconnect closes the current connection. It succeeds when there is
// nothing to close.
func (p *PahoTransport) Disconnect() Token {
	client := p.currentClient()
	tok := newAsyncToken()
	if client == nil {
		tok.complete(nil)
		return tok
	}
	go func() {
		if client.IsConnectionOpen() {
			client.Disconnect(p.disconnectQuiesce)
		}
		tok.complete(nil)
	}()
	return tok
}

func (p *PahoTransport) IsConnected() bool {
	client := p.currentClient()
	return client != nil && client.IsConnectionOpen()
}

// resolveBroker fails fast on an unresolvable host instead of waiting for
// the connect timeout.
func resolveBroker(ctx context.Context, uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid broker URL: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("broker URL %q has no host", logger.RedactBrokerURI(uri))
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
		if dnsErr, ok := err.(*net.DNSError); ok {
			return dnsErr
		}
		return fmt.Errorf("failed to resolve hostname %s: %w", host, err)
	}
	return nil
}
