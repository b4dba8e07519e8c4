package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	eventsExchangeType = "topic"
	publishTimeout     = 10 * time.Second
	publishAttempts    = 3
)

// Publisher is the subset of *amqp.Channel the notifier needs.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier publishes job events to a topic exchange with routing key job.<kind>.
type AMQPNotifier struct {
	ch       Publisher
	exchange string
	appID    string
}

func NewAMQPNotifier(ch Publisher, exchange string) *AMQPNotifier {
	return &AMQPNotifier{ch: ch, exchange: exchange, appID: "reelforge-worker"}
}

// DialAMQP connects to the broker, declares the durable events exchange and
// returns a notifier plus a closer for the connection.
func DialAMQP(url, exchange string) (*AMQPNotifier, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("amqp open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange,
		eventsExchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("amqp declare exchange %q: %w", exchange, err)
	}
	closer := func() error {
		return errors.Join(ch.Close(), conn.Close())
	}
	return NewAMQPNotifier(ch, exchange), closer, nil
}

// RoutingKey returns the topic used for an event kind.
func RoutingKey(kind EventKind) string {
	return "job." + string(kind)
}

func (n *AMQPNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.ch == nil {
		return errors.New("amqp notifier: channel not initialized")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("amqp notifier: marshal event for job %s: %w", event.JobID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    fmt.Sprintf("%s:%s:%d", event.JobID, event.Kind, event.Attempt),
		Timestamp:    event.OccurredAt,
		AppId:        n.appID,
		Body:         body,
	}
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		err = n.ch.PublishWithContext(ctx, n.exchange, RoutingKey(event.Kind), false, false, msg)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || attempt == publishAttempts {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}
	return fmt.Errorf("amqp notifier: publish %s for job %s: %w", event.Kind, event.JobID, err)
}
