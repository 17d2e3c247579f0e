package outbox

import "sync"

// Throughput ограничивает количество одновременно обрабатываемых
// записей на tenant. Отказ в допуске — не ошибка: запись возвращается
// в PENDING без инкремента попыток и будет захвачена позже.
//
// Лимит 0 отключает ограничение.
type Throughput struct {
	limit int

	mu       sync.Mutex
	inFlight map[string]int
}

// NewThroughput создаёт контроллер с лимитом на tenant.
func NewThroughput(perTenantLimit int) *Throughput {
	return &Throughput{
		limit:    perTenantLimit,
		inFlight: make(map[string]int),
	}
}

// Admit пытается занять слот tenant'а. false — лимит исчерпан.
func (t *Throughput) Admit(tenantID string) bool {
	if t.limit <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inFlight[tenantID] >= t.limit {
		return false
	}
	t.inFlight[tenantID]++
	return true
}

// Done освобождает слот tenant'а.
func (t *Throughput) Done(tenantID string) {
	if t.limit <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inFlight[tenantID] > 0 {
		t.inFlight[tenantID]--
	}
	if t.inFlight[tenantID] == 0 {
		delete(t.inFlight, tenantID)
	}
}

// InFlight возвращает текущее количество записей tenant'а в обработке.
func (t *Throughput) InFlight(tenantID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight[tenantID]
}
