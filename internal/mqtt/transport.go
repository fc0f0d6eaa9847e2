package mqtt

import "sync"

// Token is the eventual result of an asynchronous broker operation. Done is
// closed exactly once, after which Error returns the outcome.
// paho.mqtt.golang tokens satisfy this interface.
type Token interface {
	Done() <-chan struct{}
	Error() error
}

// EventHandler receives unsolicited transport events. Implementations must
// not block for long; the transport may deliver on its network goroutine.
type EventHandler interface {
	ConnectionLost(cause error)
	MessageArrived(topic string, payload []byte)
}

// Transport is the broker client used by the Manager.
type Transport interface {
	Connect(ep Endpoint) Token
	Subscribe(topic string, qos byte) Token
	Unsubscribe(topic string) Token
	Disconnect() Token
	IsConnected() bool
	SetHandler(h EventHandler)
}

// asyncToken is a Token completed by the code that created it.
type asyncToken struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newAsyncToken() *asyncToken {
	return &asyncToken{done: make(chan struct{})}
}

// completedToken returns a Token that is already done with err.
func completedToken(err error) *asyncToken {
	t := newAsyncToken()
	t.complete(err)
	return t
}

func (t *asyncToken) complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

func (t *asyncToken) Done() <-chan struct{} { return t.done }

func (t *asyncToken) Error() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}
