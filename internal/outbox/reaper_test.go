package outbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

func newTestReaper(t *testing.T, store Store) *Reaper {
	t.Helper()
	r, err := NewReaper(ReaperConfig{
		Store:  store,
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewReaper() error = %v", err)
	}
	return r
}

func TestReaperReturnsStaleToRetry(t *testing.T) {
	store := newFakeStore()
	item := testItem("tenant-a")
	if err := store.Enqueue(context.Background(), item); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Воркер захватил запись и «умер»: lease истекает в прошлом.
	past := time.Now().Add(-time.Hour)
	claimed, err := store.ClaimBatch(context.Background(), "dead-worker", 10, past)
	if err != nil {
		t.Fatalf("ClaimBatch() error = %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d items, want 1", len(claimed))
	}

	r := newTestReaper(t, store)
	r.Reap(context.Background())

	got := store.get(item.ID)
	if got.Status != domain.OutboxStatusRetry {
		t.Fatalf("status = %v, want RETRY", got.Status)
	}
	if got.LeaseOwner != "" {
		t.Errorf("lease_owner = %q, want cleared", got.LeaseOwner)
	}
	if !strings.Contains(got.LastErrorCode, "dead-worker") {
		t.Errorf("last_error_code = %q, want to name the old owner", got.LastErrorCode)
	}
}

func TestReaperMakesItemClaimableAgain(t *testing.T) {
	store := newFakeStore()
	item := testItem("tenant-a")
	if err := store.Enqueue(context.Background(), item); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	past := time.Now().Add(-time.Hour)
	if _, err := store.ClaimBatch(context.Background(), "dead-worker", 10, past); err != nil {
		t.Fatalf("ClaimBatch() error = %v", err)
	}

	r := newTestReaper(t, store)
	r.Reap(context.Background())

	// Сразу после reap запись дозревает retry delay, потом claimable.
	if claimed, err := store.ClaimBatch(context.Background(), "live-worker", 10, time.Now()); err != nil || len(claimed) != 0 {
		t.Fatalf("claimed %d items before retry delay (err = %v), want 0", len(claimed), err)
	}

	claimed, err := store.ClaimBatch(context.Background(), "live-worker", 10, time.Now().Add(2*time.Minute))
	if err != nil {
		t.Fatalf("ClaimBatch() error = %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != item.ID {
		t.Fatalf("live worker claimed %d items, want the reaped one", len(claimed))
	}
}

func TestReaperIgnoresLiveLeases(t *testing.T) {
	store := newFakeStore()
	item := testItem("tenant-a")
	if err := store.Enqueue(context.Background(), item); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if _, err := store.ClaimBatch(context.Background(), "live-worker", 10, time.Now()); err != nil {
		t.Fatalf("ClaimBatch() error = %v", err)
	}

	r := newTestReaper(t, store)
	r.Reap(context.Background())

	got := store.get(item.ID)
	if got.Status != domain.OutboxStatusRunning {
		t.Errorf("status = %v, want RUNNING untouched", got.Status)
	}
	if got.LeaseOwner != "live-worker" {
		t.Errorf("lease_owner = %q, want live-worker", got.LeaseOwner)
	}
}

func TestReaperHonorsStaleThresholdAndRetryDelay(t *testing.T) {
	store := newFakeStore()
	item := testItem("tenant-a")
	if err := store.Enqueue(context.Background(), item); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Lease истёк ~30 секунд назад: в пределах дефолтного порога воркер
	// ещё может дописать терминальный переход, трогать запись нельзя.
	if _, err := store.ClaimBatch(context.Background(), "slow-worker", 10,
		time.Now().Add(-90*time.Second)); err != nil {
		t.Fatalf("ClaimBatch() error = %v", err)
	}

	r := newTestReaper(t, store)
	r.Reap(context.Background())

	got := store.get(item.ID)
	if got.Status != domain.OutboxStatusRunning {
		t.Fatalf("status = %v, want RUNNING within stale threshold", got.Status)
	}

	// С агрессивным порогом та же запись уже считается брошенной,
	// а её next_attempt_at отодвигается на retry delay вперёд.
	aggressive, err := NewReaper(ReaperConfig{
		Store:          store,
		StaleThreshold: 10 * time.Second,
		RetryDelay:     time.Minute,
		Logger:         quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewReaper() error = %v", err)
	}
	aggressive.Reap(context.Background())

	got = store.get(item.ID)
	if got.Status != domain.OutboxStatusRetry {
		t.Fatalf("status = %v, want RETRY past stale threshold", got.Status)
	}
	if !got.NextAttemptAt.After(time.Now().Add(30 * time.Second)) {
		t.Errorf("next_attempt_at = %v, want ~1m in the future", got.NextAttemptAt)
	}
}

func TestNewReaperRejectsBadCron(t *testing.T) {
	_, err := NewReaper(ReaperConfig{
		Store:    newFakeStore(),
		CronExpr: "not a cron",
		Logger:   quietLogger(),
	})
	if err == nil {
		t.Fatal("NewReaper() with invalid cron = nil error, want error")
	}
}

func TestNewReaperAcceptsCron(t *testing.T) {
	r, err := NewReaper(ReaperConfig{
		Store:    newFakeStore(),
		CronExpr: "*/5 * * * *",
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewReaper() error = %v", err)
	}
	if r.cronSched == nil {
		t.Fatal("cron schedule not set")
	}
}
