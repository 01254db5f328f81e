package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rabbitmq/amqp091-go"

	"deliverybot/pkg/trace"
)

type Publisher struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	mu      sync.Mutex // amqp channels are not safe for concurrent publish
}

func NewPublisher(url string) (*Publisher, error) {
	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := DeclareExchange(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Publisher{
		conn:    conn,
		channel: ch,
	}, nil
}

func (p *Publisher) Close() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// IsConnected checks if the publisher connection is still alive
func (p *Publisher) IsConnected() bool {
	return p.conn != nil && p.channel != nil && !p.conn.IsClosed()
}

// Publish publishes payload as JSON with the given routing key.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload any) error {
	msg, err := NewMessage(ctx, payload)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.PublishWithContext(ctx, ExchangeName, routingKey, false, false, msg)
}

// NewMessage builds a persistent JSON publishing carrying the context trace id.
func NewMessage(ctx context.Context, payload any) (amqp091.Publishing, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return amqp091.Publishing{}, fmt.Errorf("marshal payload: %w", err)
	}

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp091.Persistent,
	}
	if traceID := trace.FromContext(ctx); traceID != "" {
		msg.Headers = amqp091.Table{trace.HeaderName(): traceID}
		msg.CorrelationId = traceID
	}
	return msg, nil
}
