package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fleetlink/relay/module/core/domain"
	"github.com/fleetlink/relay/module/core/internal/repository/publisher"
)

var _ publisher.EventPublisher = (*EventPublisher)(nil)

const exchangeName = "relay.events"

// EventPublisher moves fanout messages between relay processes over one
// fanout exchange. Every process consumes from its own exclusive
// auto-delete queue, so each message reaches every process exactly once
// and queues vanish with their process.
type EventPublisher struct {
	ch    *amqp.Channel
	queue string
}

func NewEventPublisher(conn *amqp.Connection, processID string) (*EventPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchangeName, "fanout", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	queue := exchangeName + "." + processID
	if _, err := ch.QueueDeclare(queue, false, true, true, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(queue, "", exchangeName, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue: %w", err)
	}

	return &EventPublisher{ch: ch, queue: queue}, nil
}

func (p *EventPublisher) Publish(ctx context.Context, msg *domain.FanoutMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal fanout message: %w", err)
	}

	return p.ch.PublishWithContext(ctx, exchangeName, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

func (p *EventPublisher) Subscribe(handler func(msg *domain.FanoutMessage)) error {
	msgs, err := p.ch.Consume(p.queue, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	go func() {
		for d := range msgs {
			var msg domain.FanoutMessage
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				log.Printf("rabbitmq: invalid fanout message: %v", err)
				continue
			}
			handler(&msg)
		}
		log.Printf("rabbitmq: fanout consumer closed, replay disabled")
	}()
	return nil
}
