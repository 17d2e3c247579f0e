package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeOutboxEnqueued MessageType = "outbox.enqueued"
	MessageTypeJobQueued      MessageType = "job.queued"
	MessageTypeJobEvent       MessageType = "job.event"
)

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// OutboxEnqueuedPayload — payload нотификации о новых outbox-билетах.
// Несёт только сигнал «есть работа»: dispatcher перечитывает состояние
// из Postgres, поэтому потеря сообщения не теряет работу.
type OutboxEnqueuedPayload struct {
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// JobQueuedPayload — payload для сообщения о новом job'е в очереди.
type JobQueuedPayload struct {
	JobID uuid.UUID `json:"job_id"`
	Topic string    `json:"topic"`
}

// JobEventPayload — payload события прогресса job'а.
type JobEventPayload struct {
	JobID     uuid.UUID      `json:"job_id"`
	Seq       int            `json:"seq"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data,omitempty"`
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
}

// NotifyOutboxEnqueued публикует нотификацию о новых билетах в outbox.
// Потребитель: Dispatcher (быстрый путь вместо ожидания poll-тика).
func (p *Publisher) NotifyOutboxEnqueued(ctx context.Context) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeOutboxEnqueued,
		Payload:   OutboxEnqueuedPayload{EnqueuedAt: time.Now()},
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeOutbox, RoutingKeyEnqueued, msg)
}

// PublishJobQueued публикует событие о новом job'е в очереди.
// Потребитель: Job Worker.
func (p *Publisher) PublishJobQueued(ctx context.Context, jobID uuid.UUID, topic string) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeJobQueued,
		Payload:   JobQueuedPayload{JobID: jobID, Topic: topic},
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeJobs, RoutingKeyJobQueued, msg)
}

// PublishJobEvent публикует событие прогресса job'а для подписчиков.
func (p *Publisher) PublishJobEvent(ctx context.Context, payload JobEventPayload) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeJobEvent,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeJobs, RoutingKeyJobEvent, msg)
}

// PublishJSON публикует произвольный JSON payload.
func (p *Publisher) PublishJSON(ctx context.Context, exchange Exchange, routingKey RoutingKey, msgType MessageType, payload any) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, exchange, routingKey, msg)
}
