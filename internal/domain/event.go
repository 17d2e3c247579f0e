package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event — неизменяемый факт, принятый системой.
//
// Event создаётся ровно один раз Ingestor'ом и после этого не мутируется,
// кроме Status и ProcessedAt. Payload хранится как есть; PayloadHash
// позволяет дёшево сравнивать события с одинаковым содержимым.
type Event struct {
	// ID — уникальный идентификатор события.
	ID uuid.UUID `json:"id"`

	// TenantID — владелец события.
	TenantID string `json:"tenant_id"`

	// EventType — тип события, например "order.created".
	EventType string `json:"event_type"`

	// Source — источник: "webhook", "api", "schedule", "admin".
	Source string `json:"source"`

	// Payload — полезная нагрузка события.
	Payload map[string]any `json:"payload,omitempty"`

	// PayloadHash — sha256 канонического JSON payload.
	PayloadHash string `json:"payload_hash"`

	// IdempotencyKey — ключ дедупликации, уникален в рамках tenant+source.
	// Пустая строка — ключ не задан, дедупликация не выполняется.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// CorrelationID — сквозной идентификатор для трассировки.
	CorrelationID uuid.UUID `json:"correlation_id"`

	// Status — статус обработки.
	Status EventStatus `json:"status"`

	// OccurredAt — время возникновения факта у источника.
	OccurredAt time.Time `json:"occurred_at"`

	// ProcessedAt — время завершения обработки. Nil, пока не завершена.
	ProcessedAt *time.Time `json:"processed_at,omitempty"`

	// CreatedAt — время записи в БД.
	CreatedAt time.Time `json:"created_at"`
}

// HashPayload вычисляет sha256 канонического JSON представления payload.
// encoding/json сортирует ключи map, поэтому результат детерминирован.
func HashPayload(payload map[string]any) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		// map[string]any с JSON-совместимыми значениями не может не сериализоваться;
		// несериализуемые значения отфильтровываются на границе API.
		raw = []byte("{}")
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// MarkProcessed переводит событие в финальный статус.
func (e *Event) MarkProcessed(status EventStatus) {
	now := time.Now()
	e.Status = status
	e.ProcessedAt = &now
}
