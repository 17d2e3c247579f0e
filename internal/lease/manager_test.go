package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// memStore — in-memory реализация Store с теми же условиями владения,
// что и SQL-репозитории.
type memStore struct {
	mu     sync.Mutex
	owners map[uuid.UUID]string
	expiry map[uuid.UUID]time.Time
}

func newMemStore() *memStore {
	return &memStore{
		owners: make(map[uuid.UUID]string),
		expiry: make(map[uuid.UUID]time.Time),
	}
}

func (s *memStore) AcquireLease(_ context.Context, id uuid.UUID, owner string, expiresAt, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, held := s.owners[id]
	if held && cur != owner && s.expiry[id].After(now) {
		return false, nil
	}
	s.owners[id] = owner
	s.expiry[id] = expiresAt
	return true, nil
}

func (s *memStore) ExtendLease(_ context.Context, id uuid.UUID, owner string, expiresAt, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owners[id] != owner {
		return false, nil
	}
	s.expiry[id] = expiresAt
	return true, nil
}

func (s *memStore) ReleaseLease(_ context.Context, id uuid.UUID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owners[id] == owner {
		delete(s.owners, id)
		delete(s.expiry, id)
	}
	return nil
}

func TestManagerAcquireRelease(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, "worker-1", 30*time.Second)
	id := uuid.New()

	ok, err := m.Acquire(context.Background(), id)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !ok {
		t.Fatal("Acquire() = false, want true")
	}

	if err := m.Release(context.Background(), id); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	other := NewManager(store, "worker-2", 30*time.Second)
	ok, err = other.Acquire(context.Background(), id)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !ok {
		t.Fatal("Acquire() after release = false, want true")
	}
}

func TestManagerAcquireHeldByOther(t *testing.T) {
	store := newMemStore()
	id := uuid.New()

	first := NewManager(store, "worker-1", 30*time.Second)
	if ok, _ := first.Acquire(context.Background(), id); !ok {
		t.Fatal("first Acquire() = false, want true")
	}

	second := NewManager(store, "worker-2", 30*time.Second)
	ok, err := second.Acquire(context.Background(), id)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if ok {
		t.Fatal("Acquire() on held lease = true, want false")
	}
}

func TestManagerAcquireReentrant(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, "worker-1", 30*time.Second)
	id := uuid.New()

	for i := 0; i < 2; i++ {
		ok, err := m.Acquire(context.Background(), id)
		if err != nil {
			t.Fatalf("Acquire() #%d error = %v", i+1, err)
		}
		if !ok {
			t.Fatalf("Acquire() #%d = false, want true", i+1)
		}
	}
}

func TestManagerAcquireExpired(t *testing.T) {
	store := newMemStore()
	id := uuid.New()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	first := NewManager(store, "worker-1", 10*time.Second)
	first.now = func() time.Time { return base }
	if ok, _ := first.Acquire(context.Background(), id); !ok {
		t.Fatal("first Acquire() = false, want true")
	}

	second := NewManager(store, "worker-2", 10*time.Second)
	second.now = func() time.Time { return base.Add(11 * time.Second) }
	ok, err := second.Acquire(context.Background(), id)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !ok {
		t.Fatal("Acquire() on expired lease = false, want true")
	}
}

func TestManagerHeartbeat(t *testing.T) {
	store := newMemStore()
	id := uuid.New()

	m := NewManager(store, "worker-1", 30*time.Second)
	if ok, _ := m.Acquire(context.Background(), id); !ok {
		t.Fatal("Acquire() = false, want true")
	}

	ok, err := m.Heartbeat(context.Background(), id)
	if err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if !ok {
		t.Fatal("Heartbeat() on owned lease = false, want true")
	}

	// Чужой lease не продлевается.
	other := NewManager(store, "worker-2", 30*time.Second)
	ok, err = other.Heartbeat(context.Background(), id)
	if err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if ok {
		t.Fatal("Heartbeat() on foreign lease = true, want false")
	}
}

func TestManagerReleaseForeignNoop(t *testing.T) {
	store := newMemStore()
	id := uuid.New()

	owner := NewManager(store, "worker-1", 30*time.Second)
	if ok, _ := owner.Acquire(context.Background(), id); !ok {
		t.Fatal("Acquire() = false, want true")
	}

	stranger := NewManager(store, "worker-2", 30*time.Second)
	if err := stranger.Release(context.Background(), id); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	// Владелец всё ещё держит lease.
	ok, err := owner.Heartbeat(context.Background(), id)
	if err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if !ok {
		t.Fatal("owner lost lease after foreign release")
	}
}
