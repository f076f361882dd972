package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rabbitmq/amqp091-go"
)

type ClickPublisher interface {
	Publish(ctx context.Context, ev ClickEvent) error
}

// DeclareClickQueue declares the durable click queue shared by the API and
// the analytics worker.
func DeclareClickQueue(ch *amqp091.Channel, name string) (amqp091.Queue, error) {
	q, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return amqp091.Queue{}, fmt.Errorf("declare queue %q: %w", name, err)
	}
	return q, nil
}

// AMQPPublisher publishes click events to a RabbitMQ queue through the
// default exchange.
type AMQPPublisher struct {
	mu    sync.Mutex
	ch    *amqp091.Channel
	queue string
}

func NewAMQPPublisher(ch *amqp091.Channel, queue string) *AMQPPublisher {
	return &AMQPPublisher{ch: ch, queue: queue}
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev ClickEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal click event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    ev.Timestamp,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish click event: %w", err)
	}
	return nil
}
