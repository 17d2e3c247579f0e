// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Очереди здесь — быстрый путь, а не source of truth: состояние outbox
// и jobs живёт в Postgres, сообщения лишь будят потребителей раньше
// очередного poll-тика. Потеря сообщения не теряет работу.
//
// Структура:
//   - connection.go — управление соединением с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений в очереди
//   - consumer.go   — потребление сообщений из очередей
//
// Типы сообщений:
//   - outbox.enqueued — в outbox появились новые билеты
//   - job.queued      — новый job поставлен в очередь
//   - job.event       — событие прогресса job'а
//
// Exchanges:
//   - conveyor.outbox — нотификации outbox
//   - conveyor.jobs   — события jobs
//   - conveyor.dlq    — dead letter queue
package mq
