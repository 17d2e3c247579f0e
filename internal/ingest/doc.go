// Package ingest реализует приём внешних событий: дедупликацию по
// idempotency key, сопоставление триггеров и транзакционное порождение
// executions вместе с outbox-тикетами (transactional outbox).
package ingest
