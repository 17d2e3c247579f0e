// Package outbox реализует надёжную доставку работы из транзакционного
// outbox: dispatcher с lease-захватом batch'ей, экспоненциальный backoff
// с jitter, per-tenant admission control и reaper для записей,
// брошенных упавшими воркерами.
//
// Корректность построена на БД (claim + условные мутации по lease_owner);
// MQ-nudge лишь снижает задержку доставки.
package outbox
