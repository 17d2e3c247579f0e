package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
)

var errFakeLeaseLost = errors.New("lease lost")

// fakeStore — in-memory Store с той же семантикой claim и условных
// мутаций, что и SQL-стратегии.
type fakeStore struct {
	mu    sync.Mutex
	items map[uuid.UUID]*domain.OutboxItem

	// transitions считает терминальные переходы по каждой записи.
	transitions map[uuid.UUID]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		items:       make(map[uuid.UUID]*domain.OutboxItem),
		transitions: make(map[uuid.UUID]int),
	}
}

func (s *fakeStore) Enqueue(_ context.Context, item *domain.OutboxItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	s.items[item.ID] = &cp
	return nil
}

func (s *fakeStore) ClaimBatch(_ context.Context, owner string, limit int, now time.Time) ([]domain.OutboxItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []*domain.OutboxItem
	for _, item := range s.items {
		ready := (item.Status == domain.OutboxStatusPending || item.Status == domain.OutboxStatusRetry) &&
			!item.NextAttemptAt.After(now)
		expired := item.Status == domain.OutboxStatusRunning &&
			item.LeaseExpiresAt != nil && item.LeaseExpiresAt.Before(now)
		if ready || expired {
			eligible = append(eligible, item)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		return eligible[i].NextAttemptAt.Before(eligible[j].NextAttemptAt)
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	claimed := make([]domain.OutboxItem, 0, len(eligible))
	expiry := now.Add(time.Minute)
	for _, item := range eligible {
		item.Status = domain.OutboxStatusRunning
		item.LeaseOwner = owner
		item.LeaseExpiresAt = &expiry
		claimed = append(claimed, *item)
	}
	return claimed, nil
}

func (s *fakeStore) mutate(id uuid.UUID, owner string, fn func(*domain.OutboxItem)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok || item.LeaseOwner != owner {
		return errFakeLeaseLost
	}
	fn(item)
	item.LeaseOwner = ""
	item.LeaseExpiresAt = nil
	s.transitions[id]++
	return nil
}

func (s *fakeStore) MarkDone(_ context.Context, id uuid.UUID, owner string) error {
	return s.mutate(id, owner, func(item *domain.OutboxItem) {
		item.Status = domain.OutboxStatusDone
	})
}

func (s *fakeStore) MarkRetry(_ context.Context, id uuid.UUID, owner string, nextAttemptAt time.Time, errCode, errMsg string) error {
	return s.mutate(id, owner, func(item *domain.OutboxItem) {
		item.Status = domain.OutboxStatusRetry
		item.NextAttemptAt = nextAttemptAt
		item.AttemptCount++
		item.LastErrorCode = errCode
		item.LastErrorMessage = errMsg
	})
}

func (s *fakeStore) MarkDLQ(_ context.Context, id uuid.UUID, owner string, errCode, errMsg string) error {
	return s.mutate(id, owner, func(item *domain.OutboxItem) {
		item.Status = domain.OutboxStatusDLQ
		item.LastErrorCode = errCode
		item.LastErrorMessage = errMsg
	})
}

func (s *fakeStore) Release(_ context.Context, id uuid.UUID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok || item.LeaseOwner != owner {
		return errFakeLeaseLost
	}
	item.Status = domain.OutboxStatusPending
	item.LeaseOwner = ""
	item.LeaseExpiresAt = nil
	return nil
}

func (s *fakeStore) ReapStale(_ context.Context, cutoff time.Time, limit int, nextAttemptAt time.Time) ([]domain.OutboxItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reaped []domain.OutboxItem
	for _, item := range s.items {
		if len(reaped) >= limit {
			break
		}
		if item.Status == domain.OutboxStatusRunning &&
			item.LeaseExpiresAt != nil && item.LeaseExpiresAt.Before(cutoff) {
			item.Status = domain.OutboxStatusRetry
			item.NextAttemptAt = nextAttemptAt
			item.LastErrorCode = "REAPED:stale_lease:" + item.LeaseOwner
			item.LeaseOwner = ""
			item.LeaseExpiresAt = nil
			reaped = append(reaped, *item)
		}
	}
	return reaped, nil
}

func (s *fakeStore) StaleCount(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, item := range s.items {
		if item.Status == domain.OutboxStatusRunning &&
			item.LeaseExpiresAt != nil && item.LeaseExpiresAt.Before(cutoff) {
			count++
		}
	}
	return count, nil
}

func (s *fakeStore) get(id uuid.UUID) domain.OutboxItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.items[id]
}

func testItem(tenantID string) *domain.OutboxItem {
	return domain.NewOutboxItem(tenantID, domain.OutboxKindExecutionQueued, map[string]any{
		"execution_id": uuid.New().String(),
	})
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDispatcher(store Store, process ProcessFunc, maxInFlight int) *Dispatcher {
	return New(Config{
		Store:                store,
		Process:              process,
		Owner:                "dispatcher-test",
		Backoff:              NewBackoffWithSource(DefaultMaxDelay, 0, rand.NewSource(1)),
		MaxInFlightPerTenant: maxInFlight,
		Logger:               quietLogger(),
	})
}

func TestDispatcherMarksDoneOnSuccess(t *testing.T) {
	store := newFakeStore()
	item := testItem("tenant-a")
	if err := store.Enqueue(context.Background(), item); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	d := newTestDispatcher(store, func(context.Context, *domain.OutboxItem) error {
		return nil
	}, 0)
	d.Tick(context.Background())

	got := store.get(item.ID)
	if got.Status != domain.OutboxStatusDone {
		t.Errorf("status = %v, want DONE", got.Status)
	}
	if store.transitions[item.ID] != 1 {
		t.Errorf("transitions = %d, want exactly 1", store.transitions[item.ID])
	}
}

func TestDispatcherRetryOnError(t *testing.T) {
	store := newFakeStore()
	item := testItem("tenant-a")
	if err := store.Enqueue(context.Background(), item); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	d := newTestDispatcher(store, func(context.Context, *domain.OutboxItem) error {
		return errors.New("provider unavailable")
	}, 0)
	start := time.Now()
	d.Tick(context.Background())

	got := store.get(item.ID)
	if got.Status != domain.OutboxStatusRetry {
		t.Fatalf("status = %v, want RETRY", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", got.AttemptCount)
	}
	if got.LastErrorMessage != "provider unavailable" {
		t.Errorf("last_error_message = %q", got.LastErrorMessage)
	}
	if !got.NextAttemptAt.After(start) {
		t.Errorf("next_attempt_at = %v, want in the future", got.NextAttemptAt)
	}
}

func TestDispatcherDLQWhenAttemptsExhausted(t *testing.T) {
	store := newFakeStore()
	item := testItem("tenant-a")
	item.MaxAttempts = 3
	item.AttemptCount = 3
	if err := store.Enqueue(context.Background(), item); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	d := newTestDispatcher(store, func(context.Context, *domain.OutboxItem) error {
		return errors.New("still failing")
	}, 0)
	d.Tick(context.Background())

	got := store.get(item.ID)
	if got.Status != domain.OutboxStatusDLQ {
		t.Fatalf("status = %v, want DLQ", got.Status)
	}
	if store.transitions[item.ID] != 1 {
		t.Errorf("transitions = %d, want exactly 1", store.transitions[item.ID])
	}
}

func TestDispatcherRetriesFullBudgetBeforeDLQ(t *testing.T) {
	store := newFakeStore()
	item := testItem("tenant-a")
	item.MaxAttempts = 3
	if err := store.Enqueue(context.Background(), item); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	d := newTestDispatcher(store, func(context.Context, *domain.OutboxItem) error {
		return errors.New("provider down")
	}, 0)

	// Отказы 1..max_attempts дают RETRY, DLQ — только на следующем.
	for failure := 1; failure <= 3; failure++ {
		d.Tick(context.Background())
		got := store.get(item.ID)
		if got.Status != domain.OutboxStatusRetry {
			t.Fatalf("failure %d: status = %v, want RETRY", failure, got.Status)
		}
		if got.AttemptCount != failure {
			t.Fatalf("failure %d: attempt_count = %d, want %d", failure, got.AttemptCount, failure)
		}

		// Делаем запись снова готовой к захвату.
		store.mu.Lock()
		store.items[item.ID].NextAttemptAt = time.Now().Add(-time.Second)
		store.mu.Unlock()
	}

	d.Tick(context.Background())
	got := store.get(item.ID)
	if got.Status != domain.OutboxStatusDLQ {
		t.Fatalf("failure 4: status = %v, want DLQ", got.Status)
	}
	if got.AttemptCount != 3 {
		t.Errorf("attempt_count = %d, want 3 (DLQ does not count as an attempt)", got.AttemptCount)
	}
}

func TestDispatcherPanicSchedulesRetry(t *testing.T) {
	store := newFakeStore()
	item := testItem("tenant-a")
	if err := store.Enqueue(context.Background(), item); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	d := newTestDispatcher(store, func(context.Context, *domain.OutboxItem) error {
		panic("handler bug")
	}, 0)
	d.Tick(context.Background())

	got := store.get(item.ID)
	if got.Status != domain.OutboxStatusRetry {
		t.Fatalf("status after panic = %v, want RETRY", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", got.AttemptCount)
	}
}

func TestDispatcherThrottledItemReleasedWithoutAttempt(t *testing.T) {
	store := newFakeStore()
	item := testItem("tenant-a")
	if err := store.Enqueue(context.Background(), item); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	processed := 0
	d := newTestDispatcher(store, func(context.Context, *domain.OutboxItem) error {
		processed++
		return nil
	}, 1)
	// Слот tenant'а занят другой записью в обработке.
	d.throughput.Admit("tenant-a")

	d.Tick(context.Background())

	if processed != 0 {
		t.Fatalf("processed = %d, want 0 for throttled item", processed)
	}
	got := store.get(item.ID)
	if got.Status != domain.OutboxStatusPending {
		t.Errorf("status = %v, want PENDING after release", got.Status)
	}
	if got.AttemptCount != 0 {
		t.Errorf("attempt_count = %d, want 0 (release is not an attempt)", got.AttemptCount)
	}
}

func TestDispatcherProcessesInPriorityOrder(t *testing.T) {
	store := newFakeStore()
	low := testItem("tenant-a")
	low.Priority = 200
	high := testItem("tenant-a")
	high.Priority = 10
	for _, item := range []*domain.OutboxItem{low, high} {
		if err := store.Enqueue(context.Background(), item); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	var order []uuid.UUID
	d := newTestDispatcher(store, func(_ context.Context, item *domain.OutboxItem) error {
		order = append(order, item.ID)
		return nil
	}, 0)
	d.Tick(context.Background())

	if len(order) != 2 {
		t.Fatalf("processed %d items, want 2", len(order))
	}
	if order[0] != high.ID {
		t.Errorf("first processed = %v, want high-priority item %v", order[0], high.ID)
	}
}

func TestClaimBatchExclusiveBetweenOwners(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 50; i++ {
		if err := store.Enqueue(context.Background(), testItem("tenant-a")); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	seen := make(map[uuid.UUID]string)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, owner := range []string{"worker-1", "worker-2", "worker-3"} {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			items, err := store.ClaimBatch(context.Background(), owner, 50, time.Now())
			if err != nil {
				t.Errorf("ClaimBatch(%s) error = %v", owner, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, item := range items {
				if prev, dup := seen[item.ID]; dup {
					t.Errorf("item %v claimed by both %s and %s", item.ID, prev, owner)
				}
				seen[item.ID] = owner
			}
		}(owner)
	}
	wg.Wait()

	if len(seen) != 50 {
		t.Errorf("claimed %d distinct items, want 50", len(seen))
	}
}
