package mq

import (
	"errors"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

const (
	// ExchangeName 所有 delivery.* 事件发布到这个 topic exchange
	ExchangeName = "events"
	ExchangeKind = amqp091.ExchangeTopic

	connectionName = "deliverybot"
	heartbeat      = 10 * time.Second
)

var ErrNoURL = errors.New("mq url not configured")

// dialConfig names the connection so it is recognisable in the broker UI.
func dialConfig() amqp091.Config {
	props := amqp091.NewConnectionProperties()
	props.SetClientConnectionName(connectionName)
	return amqp091.Config{
		Heartbeat:  heartbeat,
		Locale:     "en_US",
		Properties: props,
	}
}

// NewConnection dials RabbitMQ. Errors name host and vhost, never the
// credentials in url.
func NewConnection(url string) (*amqp091.Connection, error) {
	if url == "" {
		return nil, ErrNoURL
	}
	uri, err := amqp091.ParseURI(url)
	if err != nil {
		return nil, fmt.Errorf("invalid mq url: %w", err)
	}

	conn, err := amqp091.DialConfig(url, dialConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ at %s:%d/%s: %w", uri.Host, uri.Port, uri.Vhost, err)
	}
	return conn, nil
}

// DeclareExchange declares the durable, non-internal events exchange.
func DeclareExchange(ch *amqp091.Channel) error {
	if err := ch.ExchangeDeclare(ExchangeName, ExchangeKind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", ExchangeName, err)
	}
	return nil
}
