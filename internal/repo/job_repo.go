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

// JobRepo — репозиторий для работы с jobs и их потоком событий.
type JobRepo struct {
	pool *pgxpool.Pool
}

// NewJobRepo создаёт новый JobRepo.
func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

const jobColumns = `id, tenant_id, topic, status, priority, payload, attempts,
       max_attempts, next_attempt_at, lease_owner, lease_expires_at, heartbeat_at,
       result_summary, error_redacted, correlation_id, created_at, updated_at`

// Create вставляет новый job.
func (r *JobRepo) Create(ctx context.Context, job *domain.Job) error {
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO jobs (id, tenant_id, topic, status, priority, payload,
		                  attempts, max_attempts, correlation_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		job.ID, job.TenantID, job.Topic, job.Status, job.Priority, payloadJSON,
		job.Attempts, job.MaxAttempts, job.CorrelationID, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get возвращает job по ID.
func (r *JobRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// Update сохраняет мутабельные поля job, включая lease-колонки
// (терминальные и retry-переходы снимают lease тем же write'ом).
// Запись обусловлена lease_owner = owner: если lease за это время
// перехвачен другим воркером, апдейт теряет гонку и возвращает
// ErrLeaseLost — поздний владелец не должен затирать состояние нового.
// Для строк без lease (например, отмена QUEUED job'а) owner = "".
func (r *JobRepo) Update(ctx context.Context, job *domain.Job, owner string) error {
	resultJSON, err := json.Marshal(job.ResultSummary)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}
	errJSON, err := json.Marshal(job.ErrorRedacted)
	if err != nil {
		return fmt.Errorf("marshal job error: %w", err)
	}

	result, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $3, attempts = $4, next_attempt_at = $5,
		    lease_owner = $6, lease_expires_at = $7,
		    result_summary = $8, error_redacted = $9, updated_at = now()
		WHERE id = $1
		  AND (lease_owner = $2 OR (lease_owner IS NULL AND $2 = ''))
	`, job.ID, owner, job.Status, job.Attempts, job.NextAttemptAt,
		nullString(job.LeaseOwner), job.LeaseExpiresAt, resultJSON, errJSON)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ClaimBatch атомарно захватывает до limit QUEUED jobs для owner:
// переводит их в RUNNING с lease. Конкурентные воркеры пропускают
// заблокированные строки.
func (r *JobRepo) ClaimBatch(ctx context.Context, owner string, limit int, leaseDuration time.Duration, now time.Time) ([]domain.Job, error) {
	query := `
		WITH candidates AS (
			SELECT id
			FROM jobs
			WHERE status = 'QUEUED'
			ORDER BY priority, created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j
		SET status = 'RUNNING', lease_owner = $1, lease_expires_at = $4,
		    heartbeat_at = $2, updated_at = $2
		FROM candidates c
		WHERE j.id = c.id
		RETURNING ` + qualifyJobColumns("j")
	rows, err := r.pool.Query(ctx, query, owner, now, limit, now.Add(leaseDuration))
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// RequeueDue возвращает в QUEUED jobs со статусом RETRY_SCHEDULED,
// чьё время повтора наступило. Возвращает количество.
func (r *JobRepo) RequeueDue(ctx context.Context, now time.Time) (int, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'QUEUED', next_attempt_at = NULL, updated_at = $1
		WHERE status = 'RETRY_SCHEDULED' AND next_attempt_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("requeue due jobs: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// ReapStale возвращает в QUEUED RUNNING jobs с истёкшим lease.
func (r *JobRepo) ReapStale(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	result, err := r.pool.Exec(ctx, `
		WITH stale AS (
			SELECT id
			FROM jobs
			WHERE status = 'RUNNING' AND lease_expires_at < $1
			ORDER BY lease_expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j
		SET status = 'QUEUED', lease_owner = NULL, lease_expires_at = NULL, updated_at = now()
		FROM stale
		WHERE j.id = stale.id
	`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("reap stale jobs: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// --- Lease-операции (lease.Store) ---

// AcquireLease пытается захватить job для owner до expiresAt.
func (r *JobRepo) AcquireLease(ctx context.Context, id uuid.UUID, owner string, expiresAt, now time.Time) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET lease_owner = $2, lease_expires_at = $3, heartbeat_at = $4, updated_at = $4
		WHERE id = $1
		  AND (lease_owner IS NULL OR lease_expires_at < $4 OR lease_owner = $2)
	`, id, owner, expiresAt, now)
	if err != nil {
		return false, fmt.Errorf("acquire job lease: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ExtendLease продлевает lease, только если он принадлежит owner.
func (r *JobRepo) ExtendLease(ctx context.Context, id uuid.UUID, owner string, expiresAt, now time.Time) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET lease_expires_at = $3, heartbeat_at = $4, updated_at = $4
		WHERE id = $1 AND lease_owner = $2
	`, id, owner, expiresAt, now)
	if err != nil {
		return false, fmt.Errorf("extend job lease: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ReleaseLease снимает lease, если он принадлежит owner (идемпотентно).
func (r *JobRepo) ReleaseLease(ctx context.Context, id uuid.UUID, owner string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET lease_owner = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND lease_owner = $2
	`, id, owner)
	if err != nil {
		return fmt.Errorf("release job lease: %w", err)
	}
	return nil
}

// --- Поток событий job ---

// AppendEvent добавляет запись в поток событий job со следующим seq.
// Гонка двух писателей за один seq решается уникальным ограничением
// (job_id, seq): проигравший повторяет вставку со свежим номером.
func (r *JobRepo) AppendEvent(ctx context.Context, jobID uuid.UUID, eventType domain.JobEventType, data map[string]any) (*domain.JobEvent, error) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal job event data: %w", err)
	}

	for attempt := 0; attempt < 5; attempt++ {
		ev := &domain.JobEvent{
			ID:    uuid.New(),
			JobID: jobID,
			Type:  eventType,
			Data:  data,
		}
		err := r.pool.QueryRow(ctx, `
			INSERT INTO job_events (id, job_id, seq, type, data)
			SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4
			FROM job_events WHERE job_id = $2
			RETURNING seq, created_at
		`, ev.ID, jobID, eventType, dataJSON).Scan(&ev.Seq, &ev.CreatedAt)
		if err == nil {
			return ev, nil
		}
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("append job event: %w", err)
		}
	}
	return nil, fmt.Errorf("append job event: seq contention for job %s", jobID)
}

// ListEventsSince возвращает события job с seq > afterSeq в порядке seq.
// Курсорная пагинация для SSE-переподключений.
func (r *JobRepo) ListEventsSince(ctx context.Context, jobID uuid.UUID, afterSeq int) ([]domain.JobEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, job_id, seq, type, data, created_at
		FROM job_events
		WHERE job_id = $1 AND seq > $2
		ORDER BY seq
	`, jobID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()

	var events []domain.JobEvent
	for rows.Next() {
		var ev domain.JobEvent
		var dataJSON []byte
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Seq, &ev.Type, &dataJSON, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		if dataJSON != nil {
			if err := json.Unmarshal(dataJSON, &ev.Data); err != nil {
				return nil, fmt.Errorf("unmarshal job event data: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Helpers ---

func qualifyJobColumns(alias string) string {
	return alias + `.id, ` + alias + `.tenant_id, ` + alias + `.topic, ` + alias + `.status, ` +
		alias + `.priority, ` + alias + `.payload, ` + alias + `.attempts, ` +
		alias + `.max_attempts, ` + alias + `.next_attempt_at, ` + alias + `.lease_owner, ` +
		alias + `.lease_expires_at, ` + alias + `.heartbeat_at, ` + alias + `.result_summary, ` +
		alias + `.error_redacted, ` + alias + `.correlation_id, ` + alias + `.created_at, ` +
		alias + `.updated_at`
}

func scanJob(s executionScanner) (*domain.Job, error) {
	var job domain.Job
	var payloadJSON, resultJSON, errJSON []byte
	var leaseOwner *string

	err := s.Scan(
		&job.ID,
		&job.TenantID,
		&job.Topic,
		&job.Status,
		&job.Priority,
		&payloadJSON,
		&job.Attempts,
		&job.MaxAttempts,
		&job.NextAttemptAt,
		&leaseOwner,
		&job.LeaseExpiresAt,
		&job.HeartbeatAt,
		&resultJSON,
		&errJSON,
		&job.CorrelationID,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	for _, pair := range []struct {
		raw []byte
		dst *map[string]any
	}{
		{payloadJSON, &job.Payload},
		{resultJSON, &job.ResultSummary},
		{errJSON, &job.ErrorRedacted},
	} {
		if pair.raw == nil {
			continue
		}
		if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
			return nil, fmt.Errorf("unmarshal job data: %w", err)
		}
	}
	if leaseOwner != nil {
		job.LeaseOwner = *leaseOwner
	}
	return &job, nil
}
