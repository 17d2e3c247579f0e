package domain

import (
	"time"

	"github.com/google/uuid"
)

// Execution — один запуск одной automation для одного события.
//
// Инвариант уникальности: не более одного execution на
// (tenant, automation, event) — событие не может породить дубликаты
// запусков одной automation, даже если ingest или matching повторились.
//
// WorkflowVersion фиксируется при создании и никогда не следует за
// «живой» версией automation: параллельное редактирование workflow
// не меняет семантику уже идущего запуска.
type Execution struct {
	// ID — уникальный идентификатор execution.
	ID uuid.UUID `json:"id"`

	// TenantID — владелец.
	TenantID string `json:"tenant_id"`

	// EventID — событие, породившее запуск.
	EventID uuid.UUID `json:"event_id"`

	// AutomationID — automation, которая выполняется.
	AutomationID uuid.UUID `json:"automation_id"`

	// WorkflowVersion — зафиксированная версия графа workflow.
	WorkflowVersion int `json:"workflow_version"`

	// CorrelationID — сквозной идентификатор трассировки (наследуется от события).
	CorrelationID uuid.UUID `json:"correlation_id"`

	// Status — текущий статус.
	Status ExecutionStatus `json:"status"`

	// Attempt — номер crash-retry попытки (начиная с 1).
	Attempt int `json:"attempt"`

	// Context — мутабельный JSON для трассы ошибок и переменных выполнения.
	Context map[string]any `json:"context,omitempty"`

	// LeaseOwner — воркер, владеющий execution.
	LeaseOwner string `json:"lease_owner,omitempty"`

	// LeaseExpiresAt — время истечения lease.
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	// HeartbeatAt — время последнего heartbeat владельца.
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`

	// StartedAt — время первого перехода в RUNNING.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время финального перехода.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`
}

// NewExecution создаёт QUEUED execution для события и automation.
func NewExecution(ev *Event, automationID uuid.UUID, workflowVersion int) *Execution {
	return &Execution{
		ID:              uuid.New(),
		TenantID:        ev.TenantID,
		EventID:         ev.ID,
		AutomationID:    automationID,
		WorkflowVersion: workflowVersion,
		CorrelationID:   ev.CorrelationID,
		Status:          ExecutionStatusQueued,
		Attempt:         1,
		Context:         make(map[string]any),
		CreatedAt:       time.Now(),
	}
}

// IsFinished возвращает true, если execution завершён.
func (e *Execution) IsFinished() bool {
	return e.Status.IsTerminal()
}

// MarkRunning переводит execution в RUNNING.
func (e *Execution) MarkRunning() {
	e.Status = ExecutionStatusRunning
	if e.StartedAt == nil {
		now := time.Now()
		e.StartedAt = &now
	}
}

// MarkSuccess переводит execution в SUCCESS.
func (e *Execution) MarkSuccess() {
	now := time.Now()
	e.Status = ExecutionStatusSuccess
	e.FinishedAt = &now
}

// MarkFailed переводит execution в FAILED, сохраняя ошибку в context.
func (e *Execution) MarkFailed(lastError, stack string) {
	now := time.Now()
	e.Status = ExecutionStatusFailed
	e.FinishedAt = &now
	e.SetLastError(lastError, stack)
}

// MarkQueuedForRetry возвращает execution в QUEUED перед outbox-retry.
func (e *Execution) MarkQueuedForRetry(lastError string) {
	e.Status = ExecutionStatusQueued
	e.SetLastError(lastError, "")
}

// SetLastError пишет последнюю ошибку в context.
func (e *Execution) SetLastError(lastError, stack string) {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context["last_error"] = lastError
	if stack != "" {
		e.Context["traceback"] = stack
	}
}

// StepRun — один выполненный узел графа внутри execution.
//
// Уникален по (execution, node_key): retry обновляет ту же строку,
// а не добавляет новую. Шаг в статусе SUCCESS никогда не выполняется
// повторно — его присутствие означает «сделано» и делает обход графа
// возобновляемым после краша.
type StepRun struct {
	// ID — уникальный идентификатор.
	ID uuid.UUID `json:"id"`

	// ExecutionID — родительский execution.
	ExecutionID uuid.UUID `json:"execution_id"`

	// NodeKey — идентификатор узла в графе workflow.
	NodeKey string `json:"node_key"`

	// Status — текущий статус шага.
	Status StepRunStatus `json:"status"`

	// Attempt — номер попытки выполнения шага.
	Attempt int `json:"attempt"`

	// InputData — входные данные шага.
	InputData map[string]any `json:"input_data,omitempty"`

	// OutputData — результат выполнения.
	OutputData map[string]any `json:"output_data,omitempty"`

	// ErrorData — данные ошибки при неудаче.
	ErrorData map[string]any `json:"error_data,omitempty"`

	// StartedAt — время начала выполнения.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt — время завершения.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// MarkSuccess фиксирует успешный результат шага.
func (s *StepRun) MarkSuccess(output map[string]any) {
	now := time.Now()
	s.Status = StepRunStatusSuccess
	s.OutputData = output
	s.ErrorData = nil
	s.FinishedAt = &now
}

// MarkFailed фиксирует ошибку шага.
func (s *StepRun) MarkFailed(errMsg string) {
	now := time.Now()
	s.Status = StepRunStatusFailed
	s.ErrorData = map[string]any{"message": errMsg}
	s.FinishedAt = &now
}

// SideEffectLog — реестр внешних side effects для exactly-once гарантии.
//
// Key — детерминированный hash (execution, node, action, аргументы);
// уникален в рамках tenant. Первый писатель выигрывает, конкурентные
// писатели читают результат победителя вместо ошибки.
type SideEffectLog struct {
	// ID — уникальный идентификатор.
	ID uuid.UUID `json:"id"`

	// TenantID — владелец.
	TenantID string `json:"tenant_id"`

	// Key — детерминированный ключ дедупликации.
	Key string `json:"key"`

	// ExternalID — внешняя ссылка (Stripe charge ID, message TS и т.п.).
	ExternalID string `json:"external_id"`

	// ResponsePayload — закэшированный ответ для replay.
	ResponsePayload map[string]any `json:"response_payload,omitempty"`

	// CreatedAt — время записи.
	CreatedAt time.Time `json:"created_at"`
}
