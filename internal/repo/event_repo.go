package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conveyor/internal/domain"
)

// EventRepo — репозиторий для работы с events.
type EventRepo struct {
	pool *pgxpool.Pool
}

// NewEventRepo создаёт новый EventRepo.
func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

const eventColumns = `id, tenant_id, event_type, source, payload, payload_hash,
       idempotency_key, correlation_id, status, occurred_at, processed_at, created_at`

// GetByID возвращает event по ID.
func (r *EventRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = $1`
	return scanEvent(r.pool.QueryRow(ctx, query, id))
}

// GetByIdempotencyKey возвращает event по ключу идемпотентности
// в рамках tenant+source.
func (r *EventRepo) GetByIdempotencyKey(ctx context.Context, tenantID, source, key string) (*domain.Event, error) {
	query := `SELECT ` + eventColumns + `
		FROM events
		WHERE tenant_id = $1 AND source = $2 AND idempotency_key = $3`
	return scanEvent(r.pool.QueryRow(ctx, query, tenantID, source, key))
}

// UpdateStatus обновляет статус обработки события.
func (r *EventRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.EventStatus, processedAt *time.Time) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE events SET status = $2, processed_at = $3 WHERE id = $1
	`, id, status, processedAt)
	if err != nil {
		return fmt.Errorf("update event status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IngestAtomic пишет event, его executions и outbox-записи в одной транзакции:
// либо сохраняется всё, либо ничего. Конфликт уникальности (дубликат
// idempotency_key или повторный execution для той же пары automation+event)
// возвращается как ErrAlreadyExists — вызывающий читает победителя.
func (r *EventRepo) IngestAtomic(ctx context.Context, ev *domain.Event, execs []*domain.Execution, items []*domain.OutboxItem) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // no-op после commit

	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO events (id, tenant_id, event_type, source, payload, payload_hash,
		                    idempotency_key, correlation_id, status, occurred_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		ev.ID, ev.TenantID, ev.EventType, ev.Source, payloadJSON, ev.PayloadHash,
		nullString(ev.IdempotencyKey), ev.CorrelationID, ev.Status, ev.OccurredAt, ev.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert event: %w", err)
	}

	for _, exec := range execs {
		ctxJSON, err := json.Marshal(exec.Context)
		if err != nil {
			return fmt.Errorf("marshal execution context: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO executions (id, tenant_id, event_id, automation_id, workflow_version,
			                        correlation_id, status, attempt, context, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			exec.ID, exec.TenantID, exec.EventID, exec.AutomationID, exec.WorkflowVersion,
			exec.CorrelationID, exec.Status, exec.Attempt, ctxJSON, exec.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("insert execution: %w", err)
		}
	}

	for _, item := range items {
		if err := insertOutboxItem(ctx, tx, item); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ingest: %w", err)
	}
	return nil
}

// --- Helpers ---

func scanEvent(row pgx.Row) (*domain.Event, error) {
	var ev domain.Event
	var payloadJSON []byte
	var idempotencyKey *string

	err := row.Scan(
		&ev.ID,
		&ev.TenantID,
		&ev.EventType,
		&ev.Source,
		&payloadJSON,
		&ev.PayloadHash,
		&idempotencyKey,
		&ev.CorrelationID,
		&ev.Status,
		&ev.OccurredAt,
		&ev.ProcessedAt,
		&ev.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}

	if payloadJSON != nil {
		if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if idempotencyKey != nil {
		ev.IdempotencyKey = *idempotencyKey
	}
	return &ev, nil
}
