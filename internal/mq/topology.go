package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeOutbox Exchange = "conveyor.outbox"
	ExchangeJobs   Exchange = "conveyor.jobs"
	ExchangeDLQ    Exchange = "conveyor.dlq"
)

// Queues — имена очередей.
const (
	QueueOutboxEnqueued Queue = "outbox.enqueued"
	QueueJobsQueued     Queue = "jobs.queued"
	QueueJobsEvents     Queue = "jobs.events"
	QueueDLQMessages    Queue = "dlq.messages"
)

// Routing keys.
const (
	RoutingKeyEnqueued    RoutingKey = "enqueued"
	RoutingKeyJobQueued   RoutingKey = "queued"
	RoutingKeyJobEvent    RoutingKey = "event"
	RoutingKeyDLQMessages RoutingKey = "messages"
)

func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		// 1. Создаём exchanges
		if err := declareExchanges(ch); err != nil {
			return err
		}

		// 2. Создаём queues
		if err := declareQueues(ch); err != nil {
			return err
		}

		// 3. Привязываем queues к exchanges
		if err := bindQueues(ch); err != nil {
			return err
		}

		return nil
	})
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeOutbox, "direct"},
		{ExchangeJobs, "direct"},
		{ExchangeDLQ, "direct"},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	return nil
}

// declareQueues создаёт очереди.
func declareQueues(ch *amqp.Channel) error {
	// Аргументы для очередей с DLQ
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQMessages),
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		// outbox.enqueued — nudge-сигнал для dispatcher'а, source of truth
		// остаётся в Postgres, поэтому DLQ не нужен
		{QueueOutboxEnqueued, nil},

		// jobs.queued — nudge-сигнал для job worker'а, с DLQ для
		// нечитаемых сообщений
		{QueueJobsQueued, dlqArgs},

		// jobs.events — поток событий прогресса для подписчиков
		{QueueJobsEvents, nil},

		// dlq.messages — сама DLQ очередь
		{QueueDLQMessages, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	return nil
}

// bindQueues привязывает очереди к обменникам.
func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueOutboxEnqueued, RoutingKeyEnqueued, ExchangeOutbox},
		{QueueJobsQueued, RoutingKeyJobQueued, ExchangeJobs},
		{QueueJobsEvents, RoutingKeyJobEvent, ExchangeJobs},
		{QueueDLQMessages, RoutingKeyDLQMessages, ExchangeDLQ},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Conveyor RabbitMQ Topology:

    conveyor.outbox (direct)
    └── outbox.enqueued [routing: enqueued]
            Consumer: Dispatcher (nudge)

    conveyor.jobs (direct)
    ├── jobs.queued [routing: queued]
    │       Consumer: Job Worker (nudge)
    │       DLQ: dlq.messages
    └── jobs.events [routing: event]
            Consumer: progress subscribers

    conveyor.dlq (direct)
    └── dlq.messages [routing: messages]
            Manual processing
  `
}
