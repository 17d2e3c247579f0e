package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
)

// Store — контракт хранилища outbox-записей. Реализуется двумя
// claim-стратегиями в internal/repo: skip-locked (Postgres) и
// optimistic compare-and-update (для БД без SKIP LOCKED).
//
// Гарантия обеих стратегий: одна запись достаётся не более чем одному
// owner'у на время lease. Мутации захваченной записи обусловлены
// владением и возвращают repo.ErrLeaseLost при его потере.
type Store interface {
	// Enqueue вставляет новую запись.
	Enqueue(ctx context.Context, item *domain.OutboxItem) error

	// ClaimBatch захватывает до limit готовых записей для owner.
	// Готовые: PENDING/RETRY с наступившим next_attempt_at либо
	// RUNNING с истёкшим lease.
	ClaimBatch(ctx context.Context, owner string, limit int, now time.Time) ([]domain.OutboxItem, error)

	// MarkDone завершает запись успешно.
	MarkDone(ctx context.Context, id uuid.UUID, owner string) error

	// MarkRetry планирует повтор: attempt_count+1, next_attempt_at.
	MarkRetry(ctx context.Context, id uuid.UUID, owner string, nextAttemptAt time.Time, errCode, errMsg string) error

	// MarkDLQ переводит запись в DLQ.
	MarkDLQ(ctx context.Context, id uuid.UUID, owner string, errCode, errMsg string) error

	// Release возвращает запись в PENDING без инкремента попыток.
	Release(ctx context.Context, id uuid.UUID, owner string) error

	// ReapStale возвращает протухшие RUNNING записи в RETRY.
	ReapStale(ctx context.Context, cutoff time.Time, limit int, nextAttemptAt time.Time) ([]domain.OutboxItem, error)

	// StaleCount возвращает количество протухших RUNNING записей.
	StaleCount(ctx context.Context, cutoff time.Time) (int, error)
}
