package jobs

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
	"github.com/shaiso/Conveyor/internal/outbox"
	"github.com/shaiso/Conveyor/internal/repo"
)

// fakeJobStore — in-memory Store с той же семантикой claim и seq,
// что и JobRepo.
type fakeJobStore struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*domain.Job
	events map[uuid.UUID][]domain.JobEvent
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		jobs:   make(map[uuid.UUID]*domain.Job),
		events: make(map[uuid.UUID][]domain.JobEvent),
	}
}

func (s *fakeJobStore) Create(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *fakeJobStore) Get(_ context.Context, id uuid.UUID) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *fakeJobStore) Update(_ context.Context, job *domain.Job, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[job.ID]
	if !ok {
		return repo.ErrNotFound
	}
	// Та же семантика, что у JobRepo: write обусловлен текущим
	// владельцем lease в строке.
	if cur.LeaseOwner != owner {
		return repo.ErrLeaseLost
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *fakeJobStore) ClaimBatch(_ context.Context, owner string, limit int, leaseDuration time.Duration, now time.Time) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var queued []*domain.Job
	for _, job := range s.jobs {
		if job.Status == domain.JobStatusQueued {
			queued = append(queued, job)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].Priority != queued[j].Priority {
			return queued[i].Priority < queued[j].Priority
		}
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})
	if len(queued) > limit {
		queued = queued[:limit]
	}

	claimed := make([]domain.Job, 0, len(queued))
	expiry := now.Add(leaseDuration)
	for _, job := range queued {
		job.Status = domain.JobStatusRunning
		job.LeaseOwner = owner
		job.LeaseExpiresAt = &expiry
		claimed = append(claimed, *job)
	}
	return claimed, nil
}

func (s *fakeJobStore) RequeueDue(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, job := range s.jobs {
		if job.Status == domain.JobStatusRetryScheduled &&
			job.NextAttemptAt != nil && !job.NextAttemptAt.After(now) {
			job.Status = domain.JobStatusQueued
			job.NextAttemptAt = nil
			job.LeaseOwner = ""
			job.LeaseExpiresAt = nil
			count++
		}
	}
	return count, nil
}

func (s *fakeJobStore) AppendEvent(_ context.Context, jobID uuid.UUID, eventType domain.JobEventType, data map[string]any) (*domain.JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := domain.JobEvent{
		ID:        uuid.New(),
		JobID:     jobID,
		Seq:       len(s.events[jobID]) + 1,
		Type:      eventType,
		Data:      data,
		CreatedAt: time.Now(),
	}
	s.events[jobID] = append(s.events[jobID], ev)
	return &ev, nil
}

func (s *fakeJobStore) ListEventsSince(_ context.Context, jobID uuid.UUID, afterSeq int) ([]domain.JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.JobEvent
	for _, ev := range s.events[jobID] {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func newTestWorker(store Store) *Worker {
	return NewWorker(WorkerConfig{
		Store:   store,
		Owner:   "jobworker-test",
		Backoff: outbox.NewBackoffWithSource(outbox.DefaultMaxDelay, 0, rand.NewSource(1)),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

// claimOne захватывает единственный QUEUED job.
func claimOne(t *testing.T, store *fakeJobStore, owner string) *domain.Job {
	t.Helper()
	claimed, err := store.ClaimBatch(context.Background(), owner, 1, time.Minute, time.Now())
	if err != nil {
		t.Fatalf("ClaimBatch() error = %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d jobs, want 1", len(claimed))
	}
	return &claimed[0]
}

func TestSubmitCreatesQueuedJob(t *testing.T) {
	store := newFakeJobStore()
	w := newTestWorker(store)

	job, err := w.Submit(context.Background(), "tenant-a", "export.csv", map[string]any{"report": "monthly"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	got, err := store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != domain.JobStatusQueued {
		t.Errorf("status = %v, want QUEUED", got.Status)
	}
	if got.CorrelationID == uuid.Nil {
		t.Error("correlation_id not set")
	}
}

func TestExecuteJobSuccess(t *testing.T) {
	store := newFakeJobStore()
	w := newTestWorker(store)
	w.Register("export.csv", func(_ context.Context, _ *domain.Job, emit EmitFunc) (map[string]any, error) {
		emit(domain.JobEventTypeProgress, map[string]any{"rows": 100})
		return map[string]any{"url": "s3://bucket/report.csv"}, nil
	})

	job, _ := w.Submit(context.Background(), "tenant-a", "export.csv", nil)
	w.ExecuteJob(context.Background(), claimOne(t, store, w.owner))

	got, _ := store.Get(context.Background(), job.ID)
	if got.Status != domain.JobStatusSucceeded {
		t.Fatalf("status = %v, want SUCCEEDED", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.ResultSummary["url"] != "s3://bucket/report.csv" {
		t.Errorf("result_summary = %v", got.ResultSummary)
	}
	if got.LeaseOwner != "" {
		t.Errorf("lease_owner = %q, want cleared", got.LeaseOwner)
	}

	events, _ := store.ListEventsSince(context.Background(), job.ID, 0)
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3 (progress, progress, final)", len(events))
	}
	if events[len(events)-1].Type != domain.JobEventTypeFinal {
		t.Errorf("last event type = %v, want final", events[len(events)-1].Type)
	}
}

func TestExecuteJobTransientErrorSchedulesRetry(t *testing.T) {
	store := newFakeJobStore()
	w := newTestWorker(store)
	w.Register("connector.sync", func(context.Context, *domain.Job, EmitFunc) (map[string]any, error) {
		return nil, errors.New("connection refused")
	})

	job, _ := w.Submit(context.Background(), "tenant-a", "connector.sync", nil)
	start := time.Now()
	w.ExecuteJob(context.Background(), claimOne(t, store, w.owner))

	got, _ := store.Get(context.Background(), job.ID)
	if got.Status != domain.JobStatusRetryScheduled {
		t.Fatalf("status = %v, want RETRY_SCHEDULED", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.NextAttemptAt == nil || !got.NextAttemptAt.After(start) {
		t.Errorf("next_attempt_at = %v, want backoff in the future", got.NextAttemptAt)
	}
	if got.ErrorRedacted["message"] != "connection refused" {
		t.Errorf("error_redacted = %v", got.ErrorRedacted)
	}
}

func TestExecuteJobPermanentErrorFailsImmediately(t *testing.T) {
	store := newFakeJobStore()
	w := newTestWorker(store)
	w.Register("export.csv", func(context.Context, *domain.Job, EmitFunc) (map[string]any, error) {
		return nil, NewPermanent(errors.New("malformed report spec"))
	})

	job, _ := w.Submit(context.Background(), "tenant-a", "export.csv", nil)
	w.ExecuteJob(context.Background(), claimOne(t, store, w.owner))

	got, _ := store.Get(context.Background(), job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("status = %v, want FAILED on permanent error", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry budget spent on retries)", got.Attempts)
	}
}

func TestExecuteJobExhaustedBudgetGoesToDLQ(t *testing.T) {
	store := newFakeJobStore()
	w := newTestWorker(store)
	w.Register("connector.sync", func(context.Context, *domain.Job, EmitFunc) (map[string]any, error) {
		return nil, errors.New("still down")
	})

	job, _ := w.Submit(context.Background(), "tenant-a", "connector.sync", nil)

	for attempt := 1; attempt <= domain.DefaultJobMaxAttempts; attempt++ {
		w.ExecuteJob(context.Background(), claimOne(t, store, w.owner))
		if attempt < domain.DefaultJobMaxAttempts {
			// Дозреваем retry вручную.
			if _, err := store.RequeueDue(context.Background(), time.Now().Add(time.Hour)); err != nil {
				t.Fatalf("RequeueDue() error = %v", err)
			}
		}
	}

	got, _ := store.Get(context.Background(), job.ID)
	if got.Status != domain.JobStatusDLQ {
		t.Fatalf("status = %v, want DLQ after %d attempts", got.Status, domain.DefaultJobMaxAttempts)
	}
	if got.Attempts != domain.DefaultJobMaxAttempts {
		t.Errorf("attempts = %d, want %d", got.Attempts, domain.DefaultJobMaxAttempts)
	}
}

func TestExecuteJobUnknownTopicFailsPermanently(t *testing.T) {
	store := newFakeJobStore()
	w := newTestWorker(store)

	job, _ := w.Submit(context.Background(), "tenant-a", "no.such.topic", nil)
	w.ExecuteJob(context.Background(), claimOne(t, store, w.owner))

	got, _ := store.Get(context.Background(), job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("status = %v, want FAILED for unknown topic", got.Status)
	}
}

func TestExecuteJobPanicIsTransient(t *testing.T) {
	store := newFakeJobStore()
	w := newTestWorker(store)
	w.Register("export.csv", func(context.Context, *domain.Job, EmitFunc) (map[string]any, error) {
		panic("handler bug")
	})

	job, _ := w.Submit(context.Background(), "tenant-a", "export.csv", nil)
	w.ExecuteJob(context.Background(), claimOne(t, store, w.owner))

	got, _ := store.Get(context.Background(), job.ID)
	if got.Status != domain.JobStatusRetryScheduled {
		t.Fatalf("status after panic = %v, want RETRY_SCHEDULED", got.Status)
	}
}

func TestExecuteJobSkipsForeignLease(t *testing.T) {
	store := newFakeJobStore()
	w := newTestWorker(store)
	called := false
	w.Register("export.csv", func(context.Context, *domain.Job, EmitFunc) (map[string]any, error) {
		called = true
		return nil, nil
	})

	if _, err := w.Submit(context.Background(), "tenant-a", "export.csv", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	foreign := claimOne(t, store, "other-worker")
	w.ExecuteJob(context.Background(), foreign)

	if called {
		t.Error("handler called for job leased by another worker")
	}
	got, _ := store.Get(context.Background(), foreign.ID)
	if got.Status != domain.JobStatusRunning {
		t.Errorf("status = %v, want untouched RUNNING", got.Status)
	}
}

func TestExecuteJobStaleLeaseOutcomeDiscarded(t *testing.T) {
	store := newFakeJobStore()
	w := newTestWorker(store)
	w.Register("export.csv", func(context.Context, *domain.Job, EmitFunc) (map[string]any, error) {
		return map[string]any{"url": "s3://bucket/late.csv"}, nil
	})

	job, _ := w.Submit(context.Background(), "tenant-a", "export.csv", nil)
	stale := claimOne(t, store, w.owner)

	// Пока попытка висела, lease истёк, job вернулся в очередь и его
	// перехватил другой воркер. Поздний write первого владельца не
	// должен затереть состояние нового.
	store.mu.Lock()
	store.jobs[job.ID].LeaseOwner = "jobworker-2"
	store.mu.Unlock()

	w.ExecuteJob(context.Background(), stale)

	got, _ := store.Get(context.Background(), job.ID)
	if got.Status != domain.JobStatusRunning {
		t.Fatalf("status = %v, want RUNNING untouched by stale owner", got.Status)
	}
	if got.LeaseOwner != "jobworker-2" {
		t.Errorf("lease_owner = %q, want jobworker-2", got.LeaseOwner)
	}
	if got.ResultSummary != nil {
		t.Errorf("result_summary = %v, want nil (late success discarded)", got.ResultSummary)
	}
}

func TestJobEventSeqMonotonicAndCursor(t *testing.T) {
	store := newFakeJobStore()
	w := newTestWorker(store)
	w.Register("export.csv", func(_ context.Context, _ *domain.Job, emit EmitFunc) (map[string]any, error) {
		for i := 0; i < 3; i++ {
			emit(domain.JobEventTypeProgress, map[string]any{"step": i})
		}
		return nil, nil
	})

	job, _ := w.Submit(context.Background(), "tenant-a", "export.csv", nil)
	w.ExecuteJob(context.Background(), claimOne(t, store, w.owner))

	events, err := w.EventsSince(context.Background(), job.ID, 0)
	if err != nil {
		t.Fatalf("EventsSince() error = %v", err)
	}
	for i, ev := range events {
		if ev.Seq != i+1 {
			t.Fatalf("event[%d].Seq = %d, want %d (monotonic, no gaps)", i, ev.Seq, i+1)
		}
	}

	// Переподключение с курсором: только хвост, без дубликатов.
	cursor := events[2].Seq
	tail, err := w.EventsSince(context.Background(), job.ID, cursor)
	if err != nil {
		t.Fatalf("EventsSince() error = %v", err)
	}
	if len(tail) != len(events)-3 {
		t.Fatalf("tail = %d events, want %d", len(tail), len(events)-3)
	}
	if len(tail) > 0 && tail[0].Seq != cursor+1 {
		t.Errorf("tail starts at seq %d, want %d", tail[0].Seq, cursor+1)
	}
}

func TestWorkerTickDrainsQueue(t *testing.T) {
	store := newFakeJobStore()
	w := newTestWorker(store)
	var processed int
	w.Register("export.csv", func(context.Context, *domain.Job, EmitFunc) (map[string]any, error) {
		processed++
		return nil, nil
	})

	for i := 0; i < 5; i++ {
		if _, err := w.Submit(context.Background(), "tenant-a", "export.csv", nil); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	w.Tick(context.Background())

	if processed != 5 {
		t.Errorf("processed = %d, want 5", processed)
	}
}
