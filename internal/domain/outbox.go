package domain

import (
	"time"

	"github.com/google/uuid"
)

// Виды outbox-записей.
const (
	// OutboxKindExecutionQueued — тикет на выполнение execution.
	// Payload: {"execution_id": "<uuid>"}.
	OutboxKindExecutionQueued = "execution.queued"

	// OutboxKindWebhook — тикет на доставку исходящего webhook.
	OutboxKindWebhook = "webhook"
)

// Default значения для outbox-записей.
const (
	DefaultOutboxPriority    = 100
	DefaultOutboxMaxAttempts = 15
)

// OutboxItem — долговечный тикет «сделай эту работу».
//
// Записывается в одной транзакции с бизнес-фактом, который его породил
// (transactional outbox), и гарантирует at-least-once доставку работы.
// Смысл payload для outbox не важен: это непрозрачный JSON, интерпретируемый
// обработчиком по Kind.
//
// Мутировать захваченную запись имеет право только владелец lease;
// все mark-операции в repo обусловлены lease_owner = self.
type OutboxItem struct {
	// ID — уникальный идентификатор записи.
	ID uuid.UUID `json:"id"`

	// TenantID — владелец работы (для admission control и метрик).
	TenantID string `json:"tenant_id"`

	// Kind — вид работы, определяет обработчик.
	Kind string `json:"kind"`

	// Payload — непрозрачные данные для обработчика.
	Payload map[string]any `json:"payload,omitempty"`

	// Status — текущий статус.
	Status OutboxStatus `json:"status"`

	// Priority — приоритет захвата: меньше — раньше.
	Priority int `json:"priority"`

	// AttemptCount — количество выполненных попыток.
	AttemptCount int `json:"attempt_count"`

	// MaxAttempts — бюджет попыток до DLQ.
	MaxAttempts int `json:"max_attempts"`

	// NextAttemptAt — запись не захватывается раньше этого времени.
	NextAttemptAt time.Time `json:"next_attempt_at"`

	// LeaseOwner — идентификатор воркера, владеющего записью.
	LeaseOwner string `json:"lease_owner,omitempty"`

	// LeaseExpiresAt — время истечения lease. После него запись может
	// забрать другой воркер или вернуть в RETRY reaper.
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	// LastErrorCode — код последней ошибки (для триажа).
	LastErrorCode string `json:"last_error_code,omitempty"`

	// LastErrorMessage — сообщение последней ошибки.
	LastErrorMessage string `json:"last_error_message,omitempty"`

	// CreatedAt — время создания записи.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последней мутации.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewOutboxItem создаёт PENDING-запись с дефолтными priority и бюджетом попыток.
func NewOutboxItem(tenantID, kind string, payload map[string]any) *OutboxItem {
	now := time.Now()
	return &OutboxItem{
		ID:            uuid.New(),
		TenantID:      tenantID,
		Kind:          kind,
		Payload:       payload,
		Status:        OutboxStatusPending,
		Priority:      DefaultOutboxPriority,
		MaxAttempts:   DefaultOutboxMaxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// AttemptsExhausted возвращает true, если бюджет попыток исчерпан.
func (i *OutboxItem) AttemptsExhausted() bool {
	return i.AttemptCount >= i.MaxAttempts
}

// ExecutionID извлекает execution_id из payload записи kind=execution.queued.
func (i *OutboxItem) ExecutionID() (uuid.UUID, bool) {
	raw, ok := i.Payload["execution_id"].(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
