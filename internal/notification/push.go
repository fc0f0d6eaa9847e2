package notification

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/tphakala/iotalerts/internal/conf"
	"github.com/tphakala/iotalerts/internal/datastore/entities"
	"github.com/tphakala/iotalerts/internal/errors"
	"github.com/tphakala/iotalerts/internal/logger"
)

const defaultPushTimeout = 10 * time.Second

// Sender delivers a rendered push. shoutrrr's ServiceRouter satisfies it.
type Sender interface {
	Send(message string, params *stypes.Params) []error
}

// PushNotifier sends eligible alerts through shoutrrr. The title carries
// the severity; the body carries the message and the acknowledge hint.
type PushNotifier struct {
	sender   Sender
	instance string
	timeout  time.Duration
	breaker  *CircuitBreaker
	log      logger.Logger
}

// NewPushNotifier validates the shoutrrr URLs and builds a router for them.
func NewPushNotifier(settings conf.PushSettings, instance string) (*PushNotifier, error) {
	if len(settings.URLs) == 0 {
		return nil, errors.Newf("push notification requires at least one URL").
			Component("notification").
			Category(errors.CategoryConfiguration).
			Build()
	}

	router, err := shoutrrr.CreateSender(settings.URLs...)
	if err != nil {
		return nil, errors.New(fmt.Errorf("invalid push URL: %s", logger.RedactSensitiveData(err.Error()))).
			Component("notification").
			Category(errors.CategoryConfiguration).
			Context("url_count", len(settings.URLs)).
			Build()
	}
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = defaultPushTimeout
	}
	router.Timeout = timeout
	router.SetLogger(log.New(io.Discard, "", 0))

	return NewPushNotifierWithSender(router, instance, timeout), nil
}

// NewPushNotifierWithSender wraps an existing Sender.
func NewPushNotifierWithSender(sender Sender, instance string, timeout time.Duration) *PushNotifier {
	if timeout <= 0 {
		timeout = defaultPushTimeout
	}
	return &PushNotifier{
		sender:   sender,
		instance: instance,
		timeout:  timeout,
		breaker:  NewCircuitBreaker("push", DefaultCircuitBreakerConfig()),
		log:      GetLogger(),
	}
}

func (p *PushNotifier) Notify(ctx context.Context, alert entities.Alert) error {
	params := stypes.Params{}
	params.SetTitle(Title(p.instance, alert))
	body := Body(alert)

	err := p.breaker.Call(ctx, func(ctx context.Context) error {
		return p.send(ctx, body, &params)
	})
	if err != nil {
		return errors.New(err).
			Component("notification").
			Category(errors.CategoryNotification).
			Context("topic", alert.Topic).
			Context("severity", alert.Severity.String()).
			Build()
	}
	p.log.Debug("push sent",
		logger.String("topic", alert.Topic),
		logger.String("severity", alert.Severity.String()))
	return nil
}

// send runs the blocking router call under the notifier timeout. The router
// enforces its own timeout; ctx only releases the caller early.
func (p *PushNotifier) send(ctx context.Context, body string, params *stypes.Params) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- firstError(p.sender.Send(body, params))
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("push delivery failed: %s", logger.RedactSensitiveData(err.Error()))
		}
	}
	return nil
}

// Body renders the push body for alert.
func Body(alert entities.Alert) string {
	var b strings.Builder
	if alert.Message != "" {
		b.WriteString(alert.Message)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Received %s", alert.Timestamp.UTC().Format(time.RFC3339))
	if alert.ID != 0 {
		fmt.Fprintf(&b, "\nAcknowledge: iotalerts alerts ack %d", alert.ID)
	}
	return b.String()
}
