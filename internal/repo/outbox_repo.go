package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conveyor/internal/domain"
)

// execer — общий интерфейс pool и tx для вставок.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const outboxColumns = `id, tenant_id, kind, payload, status, priority, attempt_count,
       max_attempts, next_attempt_at, lease_owner, lease_expires_at,
       last_error_code, last_error_message, created_at, updated_at`

// OutboxRepo — базовый репозиторий outbox-записей: enqueue и все
// mark-операции. Захват (claim) реализуют две стратегии ниже.
//
// Каждая mark-операция обусловлена lease_owner = self: украденный или
// пережатый reaper'ом lease не может быть «дозавершён» прежним
// владельцем, ожившим после краша.
type OutboxRepo struct {
	pool *pgxpool.Pool
}

// NewOutboxRepo создаёт новый OutboxRepo.
func NewOutboxRepo(pool *pgxpool.Pool) *OutboxRepo {
	return &OutboxRepo{pool: pool}
}

// Enqueue вставляет новую outbox-запись.
func (r *OutboxRepo) Enqueue(ctx context.Context, item *domain.OutboxItem) error {
	return insertOutboxItem(ctx, r.pool, item)
}

// insertOutboxItem — общая вставка для Enqueue и транзакционного ingest.
func insertOutboxItem(ctx context.Context, db execer, item *domain.OutboxItem) error {
	payloadJSON, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}

	_, err = db.Exec(ctx, `
		INSERT INTO outbox_items (id, tenant_id, kind, payload, status, priority,
		                          attempt_count, max_attempts, next_attempt_at,
		                          last_error_code, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		item.ID, item.TenantID, item.Kind, payloadJSON, item.Status, item.Priority,
		item.AttemptCount, item.MaxAttempts, item.NextAttemptAt,
		nullString(item.LastErrorCode), item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox item: %w", err)
	}
	return nil
}

// GetByID возвращает запись по ID.
func (r *OutboxRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.OutboxItem, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_items WHERE id = $1`
	items, err := scanOutboxRows(r.pool.Query(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return &items[0], nil
}

// MarkDone переводит запись в DONE. Обусловлено владением lease.
func (r *OutboxRepo) MarkDone(ctx context.Context, id uuid.UUID, owner string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE outbox_items
		SET status = 'DONE', lease_owner = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND lease_owner = $2
	`, id, owner)
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// MarkRetry планирует повторную попытку: атомарно инкрементирует
// attempt_count, снимает lease и назначает next_attempt_at.
func (r *OutboxRepo) MarkRetry(ctx context.Context, id uuid.UUID, owner string, nextAttemptAt time.Time, errCode, errMsg string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE outbox_items
		SET status = 'RETRY', lease_owner = NULL, lease_expires_at = NULL,
		    next_attempt_at = $3, attempt_count = attempt_count + 1,
		    last_error_code = $4, last_error_message = $5, updated_at = now()
		WHERE id = $1 AND lease_owner = $2
	`, id, owner, nextAttemptAt, nullString(errCode), nullString(errMsg))
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// MarkDLQ переводит запись в DLQ с сохранением последней ошибки.
func (r *OutboxRepo) MarkDLQ(ctx context.Context, id uuid.UUID, owner string, errCode, errMsg string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE outbox_items
		SET status = 'DLQ', lease_owner = NULL, lease_expires_at = NULL,
		    last_error_code = $3, last_error_message = $4, updated_at = now()
		WHERE id = $1 AND lease_owner = $2
	`, id, owner, nullString(errCode), nullString(errMsg))
	if err != nil {
		return fmt.Errorf("mark dlq: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release возвращает захваченную запись в PENDING без инкремента попыток.
// Используется admission control: отказ по квоте — не ошибка обработки.
func (r *OutboxRepo) Release(ctx context.Context, id uuid.UUID, owner string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE outbox_items
		SET status = 'PENDING', lease_owner = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND lease_owner = $2
	`, id, owner)
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReapStale возвращает в RETRY записи RUNNING, чей lease истёк раньше
// cutoff. Пишет код ошибки с прежним владельцем для форензики.
// Использует skip-locked, безопасен при конкурентных dispatcher'ах.
func (r *OutboxRepo) ReapStale(ctx context.Context, cutoff time.Time, limit int, nextAttemptAt time.Time) ([]domain.OutboxItem, error) {
	query := `
		WITH stale AS (
			SELECT id, lease_owner
			FROM outbox_items
			WHERE status = 'RUNNING' AND lease_expires_at < $1
			ORDER BY lease_expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_items o
		SET status = 'RETRY', lease_owner = NULL, lease_expires_at = NULL,
		    next_attempt_at = $3,
		    last_error_code = 'REAPED:stale_lease:' || COALESCE(stale.lease_owner, ''),
		    updated_at = now()
		FROM stale
		WHERE o.id = stale.id
		RETURNING ` + qualifyOutboxColumns("o") + `
	`
	return scanOutboxRows(r.pool.Query(ctx, query, cutoff, limit, nextAttemptAt))
}

// StaleCount возвращает количество записей, которые забрал бы reaper.
// Дешёвый запрос для мониторинга, состояния не меняет.
func (r *OutboxRepo) StaleCount(ctx context.Context, cutoff time.Time) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM outbox_items
		WHERE status = 'RUNNING' AND lease_expires_at < $1
	`, cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("stale count: %w", err)
	}
	return count, nil
}

// Cancel отменяет незахваченную запись (PENDING или RETRY).
func (r *OutboxRepo) Cancel(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE outbox_items
		SET status = 'CANCELLED', updated_at = now()
		WHERE id = $1 AND status IN ('PENDING', 'RETRY')
	`, id)
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDLQ возвращает записи в DLQ для ручного разбора.
func (r *OutboxRepo) ListDLQ(ctx context.Context, tenantID string, limit int) ([]domain.OutboxItem, error) {
	query := `SELECT ` + outboxColumns + `
		FROM outbox_items
		WHERE status = 'DLQ' AND ($1::text IS NULL OR tenant_id = $1)
		ORDER BY updated_at DESC
		LIMIT $2`
	return scanOutboxRows(r.pool.Query(ctx, query, nullString(tenantID), limit))
}

// RequeueDLQ возвращает DLQ-запись в PENDING со сброшенным счётчиком попыток.
// Ручная операция оператора после устранения причины.
func (r *OutboxRepo) RequeueDLQ(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE outbox_items
		SET status = 'PENDING', attempt_count = 0, next_attempt_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'DLQ'
	`, id)
	if err != nil {
		return fmt.Errorf("requeue dlq: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Claim-стратегии ---

// SkipLockedOutboxRepo — стратегия для БД с поддержкой FOR UPDATE SKIP
// LOCKED (Postgres): выборка и захват в одной транзакции, конкурентные
// claimers пропускают заблокированные строки, а не ждут их.
//
// Годная к захвату запись: PENDING/RETRY с наступившим next_attempt_at,
// либо RUNNING с истёкшим lease (брошенная крашем).
type SkipLockedOutboxRepo struct {
	*OutboxRepo
	leaseDuration time.Duration
}

// NewSkipLockedOutboxRepo создаёт skip-locked стратегию.
func NewSkipLockedOutboxRepo(pool *pgxpool.Pool, leaseDuration time.Duration) *SkipLockedOutboxRepo {
	return &SkipLockedOutboxRepo{
		OutboxRepo:    NewOutboxRepo(pool),
		leaseDuration: leaseDuration,
	}
}

// ClaimBatch захватывает до limit записей для owner.
// Порядок: priority ASC, затем старейшие по next_attempt_at/created_at.
func (r *SkipLockedOutboxRepo) ClaimBatch(ctx context.Context, owner string, limit int, now time.Time) ([]domain.OutboxItem, error) {
	query := `
		WITH candidates AS (
			SELECT id
			FROM outbox_items
			WHERE (status IN ('PENDING', 'RETRY') AND next_attempt_at <= $2)
			   OR (status = 'RUNNING' AND lease_expires_at < $2)
			ORDER BY priority, next_attempt_at, created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_items o
		SET status = 'RUNNING', lease_owner = $1, lease_expires_at = $4, updated_at = $2
		FROM candidates c
		WHERE o.id = c.id
		RETURNING ` + qualifyOutboxColumns("o") + `
	`
	return scanOutboxRows(r.pool.Query(ctx, query, owner, now, limit, now.Add(r.leaseDuration)))
}

// OptimisticOutboxRepo — стратегия для БД без SKIP LOCKED: выборка
// кандидатов без блокировки, условный update и контрольное чтение того,
// что реально досталось owner'у. Проигравшие строки молча уходят
// конкурентам — это не ошибка.
type OptimisticOutboxRepo struct {
	*OutboxRepo
	leaseDuration time.Duration
}

// NewOptimisticOutboxRepo создаёт optimistic-стратегию.
func NewOptimisticOutboxRepo(pool *pgxpool.Pool, leaseDuration time.Duration) *OptimisticOutboxRepo {
	return &OptimisticOutboxRepo{
		OutboxRepo:    NewOutboxRepo(pool),
		leaseDuration: leaseDuration,
	}
}

// ClaimBatch захватывает до limit записей для owner (optimistic).
func (r *OptimisticOutboxRepo) ClaimBatch(ctx context.Context, owner string, limit int, now time.Time) ([]domain.OutboxItem, error) {
	// 1. Кандидаты без блокировки.
	rows, err := r.pool.Query(ctx, `
		SELECT id
		FROM outbox_items
		WHERE ((status IN ('PENDING', 'RETRY') AND next_attempt_at <= $1)
		    OR (status = 'RUNNING' AND lease_expires_at < $1))
		ORDER BY priority, next_attempt_at, created_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	defer rows.Close()

	var candidates []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan candidate id: %w", err)
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// 2. Условный захват: выигрывают только строки, чей lease всё ещё
	// свободен или истёк.
	_, err = r.pool.Exec(ctx, `
		UPDATE outbox_items
		SET status = 'RUNNING', lease_owner = $1, lease_expires_at = $3, updated_at = $2
		WHERE id = ANY($4)
		  AND (lease_owner IS NULL OR lease_expires_at < $2)
		  AND status IN ('PENDING', 'RETRY', 'RUNNING')
	`, owner, now, now.Add(r.leaseDuration), candidates)
	if err != nil {
		return nil, fmt.Errorf("claim update: %w", err)
	}

	// 3. Контрольное чтение: что мы реально выиграли.
	query := `SELECT ` + outboxColumns + `
		FROM outbox_items
		WHERE id = ANY($1) AND lease_owner = $2 AND status = 'RUNNING'
		ORDER BY priority, next_attempt_at, created_at`
	return scanOutboxRows(r.pool.Query(ctx, query, candidates, owner))
}

// --- Helpers ---

// qualifyOutboxColumns префиксует список колонок алиасом таблицы.
func qualifyOutboxColumns(alias string) string {
	return alias + `.id, ` + alias + `.tenant_id, ` + alias + `.kind, ` + alias + `.payload, ` +
		alias + `.status, ` + alias + `.priority, ` + alias + `.attempt_count, ` +
		alias + `.max_attempts, ` + alias + `.next_attempt_at, ` + alias + `.lease_owner, ` +
		alias + `.lease_expires_at, ` + alias + `.last_error_code, ` + alias + `.last_error_message, ` +
		alias + `.created_at, ` + alias + `.updated_at`
}

func scanOutboxRows(rows pgx.Rows, err error) ([]domain.OutboxItem, error) {
	if err != nil {
		return nil, fmt.Errorf("query outbox items: %w", err)
	}
	defer rows.Close()

	var items []domain.OutboxItem
	for rows.Next() {
		var item domain.OutboxItem
		var payloadJSON []byte
		var leaseOwner, errCode, errMsg *string

		err := rows.Scan(
			&item.ID,
			&item.TenantID,
			&item.Kind,
			&payloadJSON,
			&item.Status,
			&item.Priority,
			&item.AttemptCount,
			&item.MaxAttempts,
			&item.NextAttemptAt,
			&leaseOwner,
			&item.LeaseExpiresAt,
			&errCode,
			&errMsg,
			&item.CreatedAt,
			&item.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan outbox item: %w", err)
		}

		if payloadJSON != nil {
			if err := json.Unmarshal(payloadJSON, &item.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal outbox payload: %w", err)
			}
		}
		if leaseOwner != nil {
			item.LeaseOwner = *leaseOwner
		}
		if errCode != nil {
			item.LastErrorCode = *errCode
		}
		if errMsg != nil {
			item.LastErrorMessage = *errMsg
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
