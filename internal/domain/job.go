package domain

import (
	"time"

	"github.com/google/uuid"
)

// Default значения для jobs.
const (
	DefaultJobMaxAttempts = 3
	DefaultJobPriority    = 10
)

// Job — каноническая единица ad-hoc работы.
//
// Параллельный, более простой жизненный цикл рядом с Execution:
// без графа шагов, но с теми же lease/retry/DLQ механизмами.
// Используется для асинхронных API-задач (экспорт, синхронизация коннектора).
type Job struct {
	// ID — уникальный идентификатор job.
	ID uuid.UUID `json:"id"`

	// TenantID — владелец.
	TenantID string `json:"tenant_id"`

	// Topic — маршрут обработки, например "export.csv" или "connector.sync".
	Topic string `json:"topic"`

	// Status — текущий статус.
	Status JobStatus `json:"status"`

	// Priority — приоритет: меньше — раньше.
	Priority int `json:"priority"`

	// Payload — входные данные handler'а.
	Payload map[string]any `json:"payload,omitempty"`

	// Attempts — количество выполненных попыток.
	Attempts int `json:"attempts"`

	// MaxAttempts — бюджет попыток до DLQ.
	MaxAttempts int `json:"max_attempts"`

	// NextAttemptAt — время, раньше которого retry не выполняется.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	// LeaseOwner — воркер, владеющий job.
	LeaseOwner string `json:"lease_owner,omitempty"`

	// LeaseExpiresAt — время истечения lease.
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	// HeartbeatAt — время последнего heartbeat.
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`

	// ResultSummary — результат успешного выполнения.
	ResultSummary map[string]any `json:"result_summary,omitempty"`

	// ErrorRedacted — данные последней ошибки (без секретов).
	ErrorRedacted map[string]any `json:"error_redacted,omitempty"`

	// CorrelationID — сквозной идентификатор трассировки.
	CorrelationID uuid.UUID `json:"correlation_id"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последней мутации.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewJob создаёт job в статусе CREATED.
func NewJob(tenantID, topic string, payload map[string]any) *Job {
	now := time.Now()
	return &Job{
		ID:            uuid.New(),
		TenantID:      tenantID,
		Topic:         topic,
		Status:        JobStatusCreated,
		Priority:      DefaultJobPriority,
		Payload:       payload,
		MaxAttempts:   DefaultJobMaxAttempts,
		CorrelationID: uuid.New(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsFinished возвращает true, если job завершён.
func (j *Job) IsFinished() bool {
	return j.Status.IsTerminal()
}

// AttemptsExhausted возвращает true, если бюджет попыток исчерпан.
func (j *Job) AttemptsExhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

// MarkQueued переводит job в QUEUED.
func (j *Job) MarkQueued() {
	j.Status = JobStatusQueued
	j.NextAttemptAt = nil
}

// MarkRunning переводит job в RUNNING и очищает прошлые результаты.
func (j *Job) MarkRunning() {
	j.Status = JobStatusRunning
	j.ResultSummary = nil
	j.ErrorRedacted = nil
}

// MarkSucceeded фиксирует успешный результат и снимает lease.
func (j *Job) MarkSucceeded(result map[string]any) {
	j.Status = JobStatusSucceeded
	j.ResultSummary = result
	j.clearLease()
}

// MarkFailed фиксирует терминальную ошибку и снимает lease.
func (j *Job) MarkFailed(errData map[string]any) {
	j.Status = JobStatusFailed
	j.ErrorRedacted = errData
	j.clearLease()
}

// MarkDLQ переводит job в DLQ и снимает lease.
func (j *Job) MarkDLQ(errData map[string]any) {
	j.Status = JobStatusDLQ
	j.ErrorRedacted = errData
	j.clearLease()
}

// MarkCanceled отменяет job и снимает lease.
func (j *Job) MarkCanceled() {
	j.Status = JobStatusCanceled
	j.NextAttemptAt = nil
	j.clearLease()
}

// MarkRetryScheduled планирует повторную попытку и снимает lease.
func (j *Job) MarkRetryScheduled(nextAttemptAt time.Time, errData map[string]any) {
	j.Status = JobStatusRetryScheduled
	j.NextAttemptAt = &nextAttemptAt
	j.ErrorRedacted = errData
	j.clearLease()
}

func (j *Job) clearLease() {
	j.LeaseOwner = ""
	j.LeaseExpiresAt = nil
}

// JobEvent — запись append-only потока прогресса job.
//
// Seq монотонно растёт в рамках одного job; после вставки запись
// не мутируется. Потребители (SSE) переподключаются с курсором last_seq
// и запрашивают seq > last_seq — без пропусков и дубликатов.
type JobEvent struct {
	// ID — уникальный идентификатор записи.
	ID uuid.UUID `json:"id"`

	// JobID — родительский job.
	JobID uuid.UUID `json:"job_id"`

	// Seq — монотонный номер в рамках job (с 1).
	Seq int `json:"seq"`

	// Type — тип события.
	Type JobEventType `json:"type"`

	// Data — произвольные данные события.
	Data map[string]any `json:"data,omitempty"`

	// CreatedAt — время записи.
	CreatedAt time.Time `json:"created_at"`
}
