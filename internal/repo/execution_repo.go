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

// ExecutionRepo — репозиторий для работы с executions.
// Реализует lease-операции поверх строк executions: владение строкой
// подтверждается условием в WHERE, а не блокировкой приложения.
type ExecutionRepo struct {
	pool *pgxpool.Pool
}

// NewExecutionRepo создаёт новый ExecutionRepo.
func NewExecutionRepo(pool *pgxpool.Pool) *ExecutionRepo {
	return &ExecutionRepo{pool: pool}
}

const executionColumns = `id, tenant_id, event_id, automation_id, workflow_version,
       correlation_id, status, attempt, context, lease_owner, lease_expires_at,
       heartbeat_at, started_at, finished_at, created_at`

// Get возвращает execution по ID.
func (r *ExecutionRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1`
	return scanExecution(r.pool.QueryRow(ctx, query, id))
}

// Update сохраняет мутабельные поля execution: статус, попытку,
// context и таймстемпы. Lease-поля меняются только lease-операциями,
// но сам write обусловлен lease_owner = owner: потерявший lease воркер
// получает ErrLeaseLost вместо перезаписи чужого состояния.
func (r *ExecutionRepo) Update(ctx context.Context, exec *domain.Execution, owner string) error {
	ctxJSON, err := json.Marshal(exec.Context)
	if err != nil {
		return fmt.Errorf("marshal execution context: %w", err)
	}

	result, err := r.pool.Exec(ctx, `
		UPDATE executions
		SET status = $3, attempt = $4, context = $5,
		    started_at = $6, finished_at = $7
		WHERE id = $1
		  AND (lease_owner = $2 OR (lease_owner IS NULL AND $2 = ''))
	`, exec.ID, owner, exec.Status, exec.Attempt, ctxJSON, exec.StartedAt, exec.FinishedAt)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ListStale возвращает RUNNING executions с истёкшим lease —
// кандидатов для reaper'а.
func (r *ExecutionRepo) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.Execution, error) {
	query := `SELECT ` + executionColumns + `
		FROM executions
		WHERE status = 'RUNNING' AND lease_expires_at < $1
		ORDER BY lease_expires_at
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale executions: %w", err)
	}
	defer rows.Close()

	var execs []domain.Execution
	for rows.Next() {
		exec, err := scanExecutionFromRows(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, *exec)
	}
	return execs, rows.Err()
}

// --- Lease-операции (lease.Store) ---

// AcquireLease пытается захватить execution для owner до expiresAt.
// Захват успешен, если lease свободен, истёк или уже принадлежит
// owner'у (реентерабельность после частичного сбоя).
func (r *ExecutionRepo) AcquireLease(ctx context.Context, id uuid.UUID, owner string, expiresAt, now time.Time) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE executions
		SET lease_owner = $2, lease_expires_at = $3, heartbeat_at = $4
		WHERE id = $1
		  AND (lease_owner IS NULL OR lease_expires_at < $4 OR lease_owner = $2)
	`, id, owner, expiresAt, now)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ExtendLease продлевает lease, только если он всё ещё принадлежит owner.
func (r *ExecutionRepo) ExtendLease(ctx context.Context, id uuid.UUID, owner string, expiresAt, now time.Time) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE executions
		SET lease_expires_at = $3, heartbeat_at = $4
		WHERE id = $1 AND lease_owner = $2
	`, id, owner, expiresAt, now)
	if err != nil {
		return false, fmt.Errorf("extend lease: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ReleaseLease снимает lease, если он принадлежит owner. Чужой или уже
// снятый lease — no-op: release идемпотентен.
func (r *ExecutionRepo) ReleaseLease(ctx context.Context, id uuid.UUID, owner string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE executions
		SET lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND lease_owner = $2
	`, id, owner)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// --- Helpers ---

type executionScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row pgx.Row) (*domain.Execution, error) {
	exec, err := scanExecutionTarget(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return exec, err
}

func scanExecutionFromRows(rows pgx.Rows) (*domain.Execution, error) {
	return scanExecutionTarget(rows)
}

func scanExecutionTarget(s executionScanner) (*domain.Execution, error) {
	var exec domain.Execution
	var ctxJSON []byte
	var leaseOwner *string

	err := s.Scan(
		&exec.ID,
		&exec.TenantID,
		&exec.EventID,
		&exec.AutomationID,
		&exec.WorkflowVersion,
		&exec.CorrelationID,
		&exec.Status,
		&exec.Attempt,
		&ctxJSON,
		&leaseOwner,
		&exec.LeaseExpiresAt,
		&exec.HeartbeatAt,
		&exec.StartedAt,
		&exec.FinishedAt,
		&exec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}

	if ctxJSON != nil {
		if err := json.Unmarshal(ctxJSON, &exec.Context); err != nil {
			return nil, fmt.Errorf("unmarshal execution context: %w", err)
		}
	}
	if leaseOwner != nil {
		exec.LeaseOwner = *leaseOwner
	}
	return &exec, nil
}
