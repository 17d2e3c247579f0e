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

// SideEffectRepo — репозиторий реестра side effects.
type SideEffectRepo struct {
	pool *pgxpool.Pool
}

// NewSideEffectRepo создаёт новый SideEffectRepo.
func NewSideEffectRepo(pool *pgxpool.Pool) *SideEffectRepo {
	return &SideEffectRepo{pool: pool}
}

const sideEffectColumns = `id, tenant_id, key, external_id, response_payload, created_at`

// Get возвращает запись по ключу дедупликации в рамках tenant.
func (r *SideEffectRepo) Get(ctx context.Context, tenantID, key string) (*domain.SideEffectLog, error) {
	query := `SELECT ` + sideEffectColumns + `
		FROM side_effect_log
		WHERE tenant_id = $1 AND key = $2`
	row := r.pool.QueryRow(ctx, query, tenantID, key)
	return scanSideEffect(row)
}

// Record пишет результат выполненного side effect. Первый писатель
// выигрывает: конфликт уникальности по (tenant, key) — не ошибка,
// возвращается уже записанный результат победителя.
func (r *SideEffectRepo) Record(ctx context.Context, log *domain.SideEffectLog) (*domain.SideEffectLog, error) {
	respJSON, err := json.Marshal(log.ResponsePayload)
	if err != nil {
		return nil, fmt.Errorf("marshal side effect response: %w", err)
	}

	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO side_effect_log (id, tenant_id, key, external_id, response_payload)
		VALUES ($1, $2, $3, $4, $5)
	`, log.ID, log.TenantID, log.Key, log.ExternalID, respJSON)
	if err != nil {
		if isUniqueViolation(err) {
			return r.Get(ctx, log.TenantID, log.Key)
		}
		return nil, fmt.Errorf("insert side effect: %w", err)
	}
	return log, nil
}

func scanSideEffect(row pgx.Row) (*domain.SideEffectLog, error) {
	var log domain.SideEffectLog
	var respJSON []byte

	err := row.Scan(
		&log.ID,
		&log.TenantID,
		&log.Key,
		&log.ExternalID,
		&respJSON,
		&log.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan side effect: %w", err)
	}

	if respJSON != nil {
		if err := json.Unmarshal(respJSON, &log.ResponsePayload); err != nil {
			return nil, fmt.Errorf("unmarshal side effect response: %w", err)
		}
	}
	return &log, nil
}
