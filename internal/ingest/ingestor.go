package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Store — персистентный слой ingest'а.
type Store interface {
	// IngestAtomic пишет event, executions и outbox-записи в одной
	// транзакции. Конфликт уникальности — repo.ErrAlreadyExists.
	IngestAtomic(ctx context.Context, ev *domain.Event, execs []*domain.Execution, items []*domain.OutboxItem) error

	// GetByIdempotencyKey возвращает event-победитель по ключу.
	GetByIdempotencyKey(ctx context.Context, tenantID, source, key string) (*domain.Event, error)
}

// TriggerSource отдаёт активные триггеры tenant'а для типа события
// вместе с head-версиями их automations.
type TriggerSource interface {
	ListActiveTriggers(ctx context.Context, tenantID, eventType string) ([]domain.Trigger, map[uuid.UUID]int, error)
}

// Notifier будит dispatcher после успешного commit'а (fast path).
// Сбой уведомления не влияет на результат ingest'а: polling подберёт.
type Notifier interface {
	NotifyOutboxEnqueued(ctx context.Context) error
}

// Request — входные данные одного события.
type Request struct {
	TenantID  string
	EventType string
	Source    string
	Payload   map[string]any

	// IdempotencyKey — ключ дедупликации в рамках (tenant, source).
	// Пустой ключ отключает дедупликацию: каждый вызов — новое событие.
	IdempotencyKey string

	// OccurredAt — время события у источника (default: now).
	OccurredAt time.Time
}

// Ingestor принимает внешние события и атомарно порождает работу.
//
// Контракт exactly-once enqueue: событие, его executions и outbox-тикеты
// сохраняются в одной транзакции; повторный вызов с тем же
// idempotency key возвращает событие-победитель и не создаёт ничего нового.
type Ingestor struct {
	store    Store
	triggers TriggerSource
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// Config — конфигурация Ingestor.
type Config struct {
	Store    Store
	Triggers TriggerSource

	// Notifier — опциональный MQ fast path.
	Notifier Notifier

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Ingestor.
func New(cfg Config) *Ingestor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		store:    cfg.Store,
		triggers: cfg.Triggers,
		notifier: cfg.Notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Ingest принимает событие. Возвращает событие-победитель и признак
// того, что оно создано этим вызовом (false — дубликат по ключу).
func (i *Ingestor) Ingest(ctx context.Context, req Request) (*domain.Event, bool, error) {
	if req.TenantID == "" || req.EventType == "" || req.Source == "" {
		return nil, false, ErrInvalidRequest
	}

	// Быстрая проверка дубликата до каких-либо вставок.
	if req.IdempotencyKey != "" {
		existing, err := i.store.GetByIdempotencyKey(ctx, req.TenantID, req.Source, req.IdempotencyKey)
		if err == nil {
			telemetry.EventsDeduplicated.Inc()
			return existing, false, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, false, fmt.Errorf("idempotency pre-check: %w", err)
		}
	}

	ev := i.buildEvent(req)
	logger := telemetry.WithCorrelationID(
		telemetry.WithTenant(i.logger, ev.TenantID),
		ev.CorrelationID.String(),
	)

	execs, items, err := i.matchTriggers(ctx, ev)
	if err != nil {
		return nil, false, err
	}

	// Событие, породившее работу, рождается сразу DISPATCHED; дальше
	// его статус двигает engine. Без совпавших триггеров остаётся NEW.
	if len(execs) > 0 {
		ev.Status = domain.EventStatusDispatched
	}

	if err := i.store.IngestAtomic(ctx, ev, execs, items); err != nil {
		// Гонка двух ingest'ов с одним ключом: проигравший читает победителя.
		if errors.Is(err, repo.ErrAlreadyExists) && req.IdempotencyKey != "" {
			existing, readErr := i.store.GetByIdempotencyKey(ctx, req.TenantID, req.Source, req.IdempotencyKey)
			if readErr != nil {
				return nil, false, fmt.Errorf("read back after conflict: %w", readErr)
			}
			telemetry.EventsDeduplicated.Inc()
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("ingest event: %w", err)
	}

	telemetry.EventsIngested.Inc()
	logger.Info("event ingested",
		"event_id", ev.ID,
		"event_type", ev.EventType,
		"executions", len(execs),
	)

	if i.notifier != nil && len(items) > 0 {
		if err := i.notifier.NotifyOutboxEnqueued(ctx); err != nil {
			logger.Warn("failed to notify dispatcher", "error", err)
		}
	}
	return ev, true, nil
}

// buildEvent собирает доменное событие из запроса.
func (i *Ingestor) buildEvent(req Request) *domain.Event {
	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = i.now()
	}
	return &domain.Event{
		ID:             uuid.New(),
		TenantID:       req.TenantID,
		EventType:      req.EventType,
		Source:         req.Source,
		Payload:        req.Payload,
		PayloadHash:    domain.HashPayload(req.Payload),
		IdempotencyKey: req.IdempotencyKey,
		CorrelationID:  uuid.New(),
		Status:         domain.EventStatusNew,
		OccurredAt:     occurredAt,
		CreatedAt:      i.now(),
	}
}

// matchTriggers сопоставляет событие с активными триггерами и порождает
// executions и outbox-тикеты.
//
// Не более одного execution на automation: несколько сработавших
// триггеров одной automation дают один запуск (выигрывает триггер
// с меньшим priority). Версия workflow фиксируется здесь.
func (i *Ingestor) matchTriggers(ctx context.Context, ev *domain.Event) ([]*domain.Execution, []*domain.OutboxItem, error) {
	triggers, headVersions, err := i.triggers.ListActiveTriggers(ctx, ev.TenantID, ev.EventType)
	if err != nil {
		return nil, nil, fmt.Errorf("list triggers: %w", err)
	}

	var execs []*domain.Execution
	var items []*domain.OutboxItem
	matched := make(map[uuid.UUID]bool)

	for idx := range triggers {
		trig := &triggers[idx]
		if !trig.Matches(ev.Payload) {
			continue
		}
		if matched[trig.AutomationID] {
			continue
		}
		matched[trig.AutomationID] = true

		exec := domain.NewExecution(ev, trig.AutomationID, headVersions[trig.AutomationID])
		execs = append(execs, exec)

		item := domain.NewOutboxItem(ev.TenantID, domain.OutboxKindExecutionQueued, map[string]any{
			"execution_id": exec.ID.String(),
		})
		item.Priority = trig.Priority
		items = append(items, item)
	}
	return execs, items, nil
}
