package domain

// EventStatus — статус обработки события.
//
// Жизненный цикл:
//
//	NEW → DISPATCHED → PROCESSING → DONE
//	                              ↘ FAILED
type EventStatus string

const (
	// EventStatusNew — событие принято, но executions ещё не созданы.
	EventStatusNew EventStatus = "NEW"

	// EventStatusDispatched — executions и outbox-записи созданы.
	EventStatusDispatched EventStatus = "DISPATCHED"

	// EventStatusProcessing — хотя бы один execution в работе.
	EventStatusProcessing EventStatus = "PROCESSING"

	// EventStatusDone — все executions завершены.
	EventStatusDone EventStatus = "DONE"

	// EventStatusFailed — обработка события завершилась ошибкой.
	EventStatusFailed EventStatus = "FAILED"
)

// OutboxStatus — статус outbox-записи.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → DONE
//	        ↘ RETRY → RUNNING → ...
//	                ↘ DLQ
//	(или) → CANCELLED (до захвата)
type OutboxStatus string

const (
	// OutboxStatusPending — запись ожидает первого захвата.
	OutboxStatusPending OutboxStatus = "PENDING"

	// OutboxStatusRunning — запись захвачена воркером (lease активен).
	OutboxStatusRunning OutboxStatus = "RUNNING"

	// OutboxStatusRetry — обработка упала, запланирована повторная попытка.
	OutboxStatusRetry OutboxStatus = "RETRY"

	// OutboxStatusDLQ — попытки исчерпаны, запись ждёт ручного разбора.
	OutboxStatusDLQ OutboxStatus = "DLQ"

	// OutboxStatusDone — запись успешно обработана.
	OutboxStatusDone OutboxStatus = "DONE"

	// OutboxStatusCancelled — запись отменена до обработки.
	OutboxStatusCancelled OutboxStatus = "CANCELLED"
)

// IsTerminal возвращает true, если статус финальный.
func (s OutboxStatus) IsTerminal() bool {
	switch s {
	case OutboxStatusDone, OutboxStatusDLQ, OutboxStatusCancelled:
		return true
	default:
		return false
	}
}

// ExecutionStatus — статус выполнения execution.
//
// Жизненный цикл:
//
//	QUEUED → RUNNING → SUCCESS
//	                 ↘ FAILED
//	                 ↘ QUEUED (crash-retry через outbox, пока attempt <= max_retries)
//	(или) → CANCELED (из QUEUED или RUNNING)
type ExecutionStatus string

const (
	// ExecutionStatusQueued — execution создан или ожидает retry.
	ExecutionStatusQueued ExecutionStatus = "QUEUED"

	// ExecutionStatusRunning — execution выполняется воркером.
	ExecutionStatusRunning ExecutionStatus = "RUNNING"

	// ExecutionStatusSuccess — все шаги завершены успешно.
	ExecutionStatusSuccess ExecutionStatus = "SUCCESS"

	// ExecutionStatusFailed — execution провален окончательно (retry исчерпаны).
	ExecutionStatusFailed ExecutionStatus = "FAILED"

	// ExecutionStatusCanceled — execution отменён.
	ExecutionStatusCanceled ExecutionStatus = "CANCELED"
)

// IsTerminal возвращает true, если статус финальный.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusSuccess, ExecutionStatusFailed, ExecutionStatusCanceled:
		return true
	default:
		return false
	}
}

// JobStatus — статус ad-hoc задания.
//
// Жизненный цикл:
//
//	CREATED → QUEUED → RUNNING → SUCCEEDED
//	                           ↘ FAILED (permanent-ошибка)
//	                           ↘ RETRY_SCHEDULED → QUEUED
//	                           ↘ DLQ (попытки исчерпаны)
//	(или) → CANCELED (до финального статуса)
type JobStatus string

const (
	// JobStatusCreated — job создан, но ещё не поставлен в очередь.
	JobStatusCreated JobStatus = "CREATED"

	// JobStatusQueued — job ожидает воркера.
	JobStatusQueued JobStatus = "QUEUED"

	// JobStatusRunning — job выполняется (lease активен).
	JobStatusRunning JobStatus = "RUNNING"

	// JobStatusRetryScheduled — запланирована повторная попытка.
	JobStatusRetryScheduled JobStatus = "RETRY_SCHEDULED"

	// JobStatusSucceeded — job успешно завершён.
	JobStatusSucceeded JobStatus = "SUCCEEDED"

	// JobStatusFailed — job провален permanent-ошибкой (retry не выполняется).
	JobStatusFailed JobStatus = "FAILED"

	// JobStatusDLQ — попытки исчерпаны, job ждёт ручного разбора.
	JobStatusDLQ JobStatus = "DLQ"

	// JobStatusCanceled — job отменён.
	JobStatusCanceled JobStatus = "CANCELED"
)

// IsTerminal возвращает true, если статус финальный.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusDLQ, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// StepRunStatus — статус выполнения шага внутри execution.
type StepRunStatus string

const (
	// StepRunStatusRunning — шаг выполняется.
	StepRunStatusRunning StepRunStatus = "RUNNING"

	// StepRunStatusSuccess — шаг выполнен; повторно не выполняется никогда.
	StepRunStatusSuccess StepRunStatus = "SUCCESS"

	// StepRunStatusFailed — шаг упал; retry перезаписывает эту же строку.
	StepRunStatusFailed StepRunStatus = "FAILED"
)

// JobEventType — тип события в потоке JobEvent.
type JobEventType string

const (
	// JobEventTypeProgress — прогресс выполнения.
	JobEventTypeProgress JobEventType = "progress"

	// JobEventTypeLog — строка лога от handler'а.
	JobEventTypeLog JobEventType = "log"

	// JobEventTypeArtifact — ссылка на созданный артефакт.
	JobEventTypeArtifact JobEventType = "artifact"

	// JobEventTypeFinal — финальный статус job.
	JobEventTypeFinal JobEventType = "final"

	// JobEventTypeError — ошибка попытки (retry или терминальная).
	JobEventTypeError JobEventType = "error"
)
