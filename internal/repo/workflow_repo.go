package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conveyor/internal/domain"
)

// WorkflowRepo — репозиторий automations, триггеров и версий workflow.
// Авторинг живёт снаружи; здесь только чтение для matching и выполнения.
type WorkflowRepo struct {
	pool *pgxpool.Pool
}

// NewWorkflowRepo создаёт новый WorkflowRepo.
func NewWorkflowRepo(pool *pgxpool.Pool) *WorkflowRepo {
	return &WorkflowRepo{pool: pool}
}

// GetAutomation возвращает automation по ID.
func (r *WorkflowRepo) GetAutomation(ctx context.Context, id uuid.UUID) (*domain.Automation, error) {
	var a domain.Automation
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, is_active, head_version, created_at
		FROM automations WHERE id = $1
	`, id).Scan(&a.ID, &a.TenantID, &a.Name, &a.IsActive, &a.HeadVersion, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan automation: %w", err)
	}
	return &a, nil
}

// GetVersion возвращает зафиксированную версию графа workflow.
// Отсутствующая версия — ErrNotFound: execution с такой привязкой
// падает как невосстановимый.
func (r *WorkflowRepo) GetVersion(ctx context.Context, automationID uuid.UUID, version int) (*domain.WorkflowVersion, error) {
	var wv domain.WorkflowVersion
	var nodesJSON []byte
	err := r.pool.QueryRow(ctx, `
		SELECT automation_id, version, nodes, created_at
		FROM workflow_versions
		WHERE automation_id = $1 AND version = $2
	`, automationID, version).Scan(&wv.AutomationID, &wv.Version, &nodesJSON, &wv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow version: %w", err)
	}

	if err := json.Unmarshal(nodesJSON, &wv.Nodes); err != nil {
		return nil, fmt.Errorf("unmarshal workflow nodes: %w", err)
	}
	return &wv, nil
}

// ListActiveTriggers возвращает активные триггеры tenant'а для типа
// события, вместе с активностью и head-версией их automations.
// Триггеры неактивных automations отфильтрованы на уровне запроса.
func (r *WorkflowRepo) ListActiveTriggers(ctx context.Context, tenantID, eventType string) ([]domain.Trigger, map[uuid.UUID]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT t.id, t.automation_id, t.tenant_id, t.event_type, t.filter_config,
		       t.priority, t.is_active, a.head_version
		FROM triggers t
		JOIN automations a ON a.id = t.automation_id
		WHERE t.tenant_id = $1 AND t.event_type = $2 AND t.is_active AND a.is_active
		ORDER BY t.priority, t.id
	`, tenantID, eventType)
	if err != nil {
		return nil, nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	var triggers []domain.Trigger
	headVersions := make(map[uuid.UUID]int)
	for rows.Next() {
		var t domain.Trigger
		var filterJSON []byte
		var headVersion int
		err := rows.Scan(&t.ID, &t.AutomationID, &t.TenantID, &t.EventType,
			&filterJSON, &t.Priority, &t.IsActive, &headVersion)
		if err != nil {
			return nil, nil, fmt.Errorf("scan trigger: %w", err)
		}
		if filterJSON != nil {
			if err := json.Unmarshal(filterJSON, &t.FilterConfig); err != nil {
				return nil, nil, fmt.Errorf("unmarshal trigger filter: %w", err)
			}
		}
		triggers = append(triggers, t)
		headVersions[t.AutomationID] = headVersion
	}
	return triggers, headVersions, rows.Err()
}
