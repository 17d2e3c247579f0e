// Package domain содержит основные доменные типы pipeline:
// Event, OutboxItem, Execution, StepRun, SideEffectLog, Job, JobEvent
// и снимки workflow-графов.
//
// Типы не зависят от способа хранения и не содержат бизнес-логики,
// кроме переходов собственного состояния (MarkXxx) и простых проверок.
// Поля lease (lease_owner, lease_expires_at) мутируются только через
// internal/lease и обусловленные SQL-операции в internal/repo —
// прямые записи в эти поля из других компонентов запрещены.
package domain
