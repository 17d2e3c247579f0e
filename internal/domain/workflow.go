package domain

import (
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Automation — автоматизация: триггеры + версионированный граф workflow.
//
// Авторинг automations (CRUD, редактор графа) — внешняя подсистема;
// здесь только то, что нужно pipeline'у: сопоставление триггеров
// и разрешение зафиксированной версии графа.
type Automation struct {
	// ID — уникальный идентификатор.
	ID uuid.UUID `json:"id"`

	// TenantID — владелец.
	TenantID string `json:"tenant_id"`

	// Name — человекочитаемое имя.
	Name string `json:"name"`

	// IsActive — неактивные automations не запускаются.
	IsActive bool `json:"is_active"`

	// HeadVersion — текущая «живая» версия workflow.
	// Фиксируется в Execution.WorkflowVersion при создании запуска.
	HeadVersion int `json:"head_version"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`
}

// Trigger — подписка automation на тип события.
type Trigger struct {
	// ID — уникальный идентификатор.
	ID uuid.UUID `json:"id"`

	// AutomationID — automation, которую запускает триггер.
	AutomationID uuid.UUID `json:"automation_id"`

	// TenantID — владелец.
	TenantID string `json:"tenant_id"`

	// EventType — тип события для точного сопоставления.
	EventType string `json:"event_type"`

	// FilterConfig — дополнительный фильтр: равенство ключ-значение
	// по payload события. Пустой фильтр пропускает всё.
	// Контракт rule-движка — булев: matched / not matched.
	FilterConfig map[string]any `json:"filter_config,omitempty"`

	// Priority — приоритет порождаемой outbox-записи.
	Priority int `json:"priority"`

	// IsActive — неактивные триггеры игнорируются.
	IsActive bool `json:"is_active"`
}

// Matches проверяет, подходит ли payload события под фильтр триггера.
// Значения приходят из JSONB и бывают вложенными map/slice, поэтому
// сравнение глубокое: оператор == на таких значениях паникует.
func (t *Trigger) Matches(payload map[string]any) bool {
	for k, v := range t.FilterConfig {
		if !reflect.DeepEqual(payload[k], v) {
			return false
		}
	}
	return true
}

// WorkflowVersion — неизменяемый снимок графа workflow.
//
// Граф — упорядоченный список узлов; выполнение идёт по порядку списка,
// узлы со StepRun в статусе SUCCESS пропускаются.
type WorkflowVersion struct {
	// AutomationID — родительская automation.
	AutomationID uuid.UUID `json:"automation_id"`

	// Version — номер версии (с 1).
	Version int `json:"version"`

	// Nodes — узлы графа в порядке выполнения.
	Nodes []NodeDef `json:"nodes"`

	// CreatedAt — время публикации версии.
	CreatedAt time.Time `json:"created_at"`
}

// NodeDef — определение узла графа.
type NodeDef struct {
	// Key — идентификатор узла, уникален в рамках версии.
	Key string `json:"key"`

	// Action — тип действия: "http", "log", "noop", ...
	// Разрешается через engine.Registry; неизвестный тип — ошибка шага.
	Action string `json:"action"`

	// Config — конфигурация действия.
	Config map[string]any `json:"config,omitempty"`
}
