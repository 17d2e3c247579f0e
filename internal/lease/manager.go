package lease

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store — персистентный слой lease-операций. Реализуется репозиториями
// поверх строк executions и jobs: условие владения проверяется в WHERE
// самого UPDATE, отдельного хранилища блокировок нет.
type Store interface {
	// AcquireLease пытается захватить запись для owner до expiresAt.
	// false без ошибки — lease держит другой живой владелец.
	AcquireLease(ctx context.Context, id uuid.UUID, owner string, expiresAt, now time.Time) (bool, error)

	// ExtendLease продлевает lease, только если он принадлежит owner.
	ExtendLease(ctx context.Context, id uuid.UUID, owner string, expiresAt, now time.Time) (bool, error)

	// ReleaseLease снимает lease владельца (идемпотентно).
	ReleaseLease(ctx context.Context, id uuid.UUID, owner string) error
}

// Manager — захват и поддержание lease одним воркером.
//
// Протокол:
//   - Acquire перед началом работы; false — запись занята, отступить;
//   - Heartbeat во время долгой работы, период заметно меньше TTL;
//   - Release при завершении; после краша lease просто истекает,
//     и запись подбирает reaper или следующий claim.
type Manager struct {
	store Store
	owner string
	ttl   time.Duration
	now   func() time.Time
}

// NewManager создаёт Manager для воркера owner с заданным TTL.
func NewManager(store Store, owner string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Manager{
		store: store,
		owner: owner,
		ttl:   ttl,
		now:   time.Now,
	}
}

// Owner возвращает идентификатор владельца.
func (m *Manager) Owner() string {
	return m.owner
}

// Acquire пытается захватить lease на запись id.
func (m *Manager) Acquire(ctx context.Context, id uuid.UUID) (bool, error) {
	now := m.now()
	return m.store.AcquireLease(ctx, id, m.owner, now.Add(m.ttl), now)
}

// Heartbeat продлевает lease. false — lease потерян, работу надо
// прекратить: запись уже могла достаться другому воркеру.
func (m *Manager) Heartbeat(ctx context.Context, id uuid.UUID) (bool, error) {
	now := m.now()
	return m.store.ExtendLease(ctx, id, m.owner, now.Add(m.ttl), now)
}

// Release снимает lease с записи id.
func (m *Manager) Release(ctx context.Context, id uuid.UUID) error {
	return m.store.ReleaseLease(ctx, id, m.owner)
}
