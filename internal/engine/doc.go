// Package engine выполняет executions: возобновляемый обход
// зафиксированной версии графа workflow под DB-lease, с exactly-once
// side effects через детерминированный реестр и crash-retry через
// outbox-тикеты.
package engine
