package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
)

// SideEffectStore — персистентный реестр side effects.
type SideEffectStore interface {
	// Get возвращает запись по ключу или repo.ErrNotFound.
	Get(ctx context.Context, tenantID, key string) (*domain.SideEffectLog, error)

	// Record пишет результат. Первый писатель выигрывает: при конфликте
	// возвращается запись победителя.
	Record(ctx context.Context, log *domain.SideEffectLog) (*domain.SideEffectLog, error)
}

// Ledger — exactly-once фасад над реестром side effects.
//
// Ключ детерминирован от (execution, node, action, аргументы):
// повторный прогон того же шага с теми же аргументами попадает в ту же
// запись и получает закэшированный ответ вместо второго внешнего вызова.
type Ledger struct {
	store SideEffectStore
}

// NewLedger создаёт Ledger.
func NewLedger(store SideEffectStore) *Ledger {
	return &Ledger{store: store}
}

// ComputeKey вычисляет детерминированный ключ дедупликации.
// Аргументы канонизируются через json.Marshal: ключи map сериализуются
// в отсортированном порядке, одинаковые аргументы дают одинаковый hash.
func ComputeKey(executionID uuid.UUID, nodeKey, action string, args map[string]any) (string, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshal side effect args: %w", err)
	}
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%s:%s:%s", executionID, nodeKey, action, argsJSON))
	return hex.EncodeToString(sum[:]), nil
}

// Check возвращает запись по ключу, если side effect уже выполнялся.
func (l *Ledger) Check(ctx context.Context, tenantID, key string) (*domain.SideEffectLog, error) {
	return l.store.Get(ctx, tenantID, key)
}

// Record фиксирует выполненный side effect. Возвращает запись-победителя:
// при гонке это может быть результат другого воркера.
func (l *Ledger) Record(ctx context.Context, tenantID, key, externalID string, response map[string]any) (*domain.SideEffectLog, error) {
	return l.store.Record(ctx, &domain.SideEffectLog{
		ID:              uuid.New(),
		TenantID:        tenantID,
		Key:             key,
		ExternalID:      externalID,
		ResponsePayload: response,
	})
}
