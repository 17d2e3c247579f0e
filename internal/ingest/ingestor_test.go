package ingest

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
)

type fakeIngestStore struct {
	byKey map[string]*domain.Event

	events []*domain.Event
	execs  []*domain.Execution
	items  []*domain.OutboxItem

	// failNextInsert имитирует гонку: pre-check промахнулся, но вставка
	// упёрлась в уникальный индекс.
	failNextInsert bool

	// missReads заставляет первые N чтений по ключу промахнуться,
	// как будто победитель закоммитился после pre-check'а.
	missReads int
}

func newFakeIngestStore() *fakeIngestStore {
	return &fakeIngestStore{byKey: make(map[string]*domain.Event)}
}

func dedupKey(tenantID, source, key string) string {
	return tenantID + "|" + source + "|" + key
}

func (s *fakeIngestStore) IngestAtomic(_ context.Context, ev *domain.Event, execs []*domain.Execution, items []*domain.OutboxItem) error {
	if s.failNextInsert {
		s.failNextInsert = false
		return repo.ErrAlreadyExists
	}
	if ev.IdempotencyKey != "" {
		k := dedupKey(ev.TenantID, ev.Source, ev.IdempotencyKey)
		if _, exists := s.byKey[k]; exists {
			return repo.ErrAlreadyExists
		}
		s.byKey[k] = ev
	}
	s.events = append(s.events, ev)
	s.execs = append(s.execs, execs...)
	s.items = append(s.items, items...)
	return nil
}

func (s *fakeIngestStore) GetByIdempotencyKey(_ context.Context, tenantID, source, key string) (*domain.Event, error) {
	if s.missReads > 0 {
		s.missReads--
		return nil, repo.ErrNotFound
	}
	if ev, ok := s.byKey[dedupKey(tenantID, source, key)]; ok {
		return ev, nil
	}
	return nil, repo.ErrNotFound
}

type fakeTriggerSource struct {
	triggers     []domain.Trigger
	headVersions map[uuid.UUID]int
}

func (s *fakeTriggerSource) ListActiveTriggers(_ context.Context, _, _ string) ([]domain.Trigger, map[uuid.UUID]int, error) {
	return s.triggers, s.headVersions, nil
}

func newTestIngestor(store Store, triggers TriggerSource) *Ingestor {
	return New(Config{
		Store:    store,
		Triggers: triggers,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func testRequest() Request {
	return Request{
		TenantID:  "tenant-a",
		EventType: "invoice.paid",
		Source:    "billing",
		Payload:   map[string]any{"amount": "100"},
	}
}

func TestIngestCreatesExecutionsAndTickets(t *testing.T) {
	automationID := uuid.New()
	store := newFakeIngestStore()
	triggers := &fakeTriggerSource{
		triggers: []domain.Trigger{
			{ID: uuid.New(), AutomationID: automationID, EventType: "invoice.paid", Priority: 50, IsActive: true},
		},
		headVersions: map[uuid.UUID]int{automationID: 3},
	}

	ev, created, err := newTestIngestor(store, triggers).Ingest(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if !created {
		t.Fatal("created = false, want true")
	}
	if ev.PayloadHash == "" {
		t.Error("payload_hash not set")
	}
	if ev.CorrelationID == uuid.Nil {
		t.Error("correlation_id not set")
	}
	if ev.Status != domain.EventStatusDispatched {
		t.Errorf("event status = %v, want DISPATCHED when work spawned", ev.Status)
	}

	if len(store.execs) != 1 {
		t.Fatalf("executions = %d, want 1", len(store.execs))
	}
	exec := store.execs[0]
	if exec.WorkflowVersion != 3 {
		t.Errorf("workflow_version = %d, want pinned head 3", exec.WorkflowVersion)
	}
	if exec.EventID != ev.ID {
		t.Errorf("execution event_id = %v, want %v", exec.EventID, ev.ID)
	}

	if len(store.items) != 1 {
		t.Fatalf("outbox items = %d, want 1", len(store.items))
	}
	item := store.items[0]
	if item.Kind != domain.OutboxKindExecutionQueued {
		t.Errorf("item kind = %q, want %q", item.Kind, domain.OutboxKindExecutionQueued)
	}
	if item.Priority != 50 {
		t.Errorf("item priority = %d, want trigger priority 50", item.Priority)
	}
	if gotID, ok := item.ExecutionID(); !ok || gotID != exec.ID {
		t.Errorf("item execution_id = %v, want %v", gotID, exec.ID)
	}
}

func TestIngestDuplicateKeyReturnsWinner(t *testing.T) {
	store := newFakeIngestStore()
	ing := newTestIngestor(store, &fakeTriggerSource{})

	req := testRequest()
	req.IdempotencyKey = "evt-123"

	first, created, err := ing.Ingest(context.Background(), req)
	if err != nil {
		t.Fatalf("first Ingest() error = %v", err)
	}
	if !created {
		t.Fatal("first created = false, want true")
	}

	second, created, err := ing.Ingest(context.Background(), req)
	if err != nil {
		t.Fatalf("second Ingest() error = %v", err)
	}
	if created {
		t.Fatal("second created = true, want false")
	}
	if second.ID != first.ID {
		t.Errorf("second event = %v, want winner %v", second.ID, first.ID)
	}
	if len(store.events) != 1 {
		t.Errorf("stored events = %d, want 1", len(store.events))
	}
}

func TestIngestConflictRaceReadsBack(t *testing.T) {
	store := newFakeIngestStore()
	winner := &domain.Event{ID: uuid.New(), TenantID: "tenant-a", Source: "billing", IdempotencyKey: "evt-123"}
	store.byKey[dedupKey("tenant-a", "billing", "evt-123")] = winner

	// Худший случай гонки: pre-check промахивается (победитель
	// закоммитился позже), вставка падает на уникальном индексе,
	// read-back возвращает победителя.
	store.missReads = 1
	store.failNextInsert = true

	ing := newTestIngestor(store, &fakeTriggerSource{})
	req := testRequest()
	req.IdempotencyKey = "evt-123"

	got, created, err := ing.Ingest(context.Background(), req)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if created {
		t.Fatal("created = true, want false on conflict")
	}
	if got.ID != winner.ID {
		t.Errorf("event = %v, want winner %v", got.ID, winner.ID)
	}
}

func TestIngestFilterMismatchSkipsTrigger(t *testing.T) {
	automationID := uuid.New()
	store := newFakeIngestStore()
	triggers := &fakeTriggerSource{
		triggers: []domain.Trigger{
			{
				ID:           uuid.New(),
				AutomationID: automationID,
				EventType:    "invoice.paid",
				FilterConfig: map[string]any{"amount": "500"},
				IsActive:     true,
			},
		},
		headVersions: map[uuid.UUID]int{automationID: 1},
	}

	ev, created, err := newTestIngestor(store, triggers).Ingest(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if !created {
		t.Fatal("created = false, want true (event is stored regardless)")
	}
	if ev.Status != domain.EventStatusNew {
		t.Errorf("event status = %v, want NEW without matched triggers", ev.Status)
	}
	if len(store.execs) != 0 {
		t.Errorf("executions = %d, want 0 for unmatched filter", len(store.execs))
	}
	if len(store.items) != 0 {
		t.Errorf("outbox items = %d, want 0", len(store.items))
	}
}

func TestIngestNestedFilterValues(t *testing.T) {
	automationID := uuid.New()
	store := newFakeIngestStore()
	// JSONB-фильтры бывают вложенными: сравнение должно быть глубоким,
	// а не падать на несравнимых map-значениях.
	triggers := &fakeTriggerSource{
		triggers: []domain.Trigger{
			{
				ID:           uuid.New(),
				AutomationID: automationID,
				EventType:    "invoice.paid",
				FilterConfig: map[string]any{"address": map[string]any{"city": "Berlin"}},
				IsActive:     true,
			},
		},
		headVersions: map[uuid.UUID]int{automationID: 1},
	}
	ing := newTestIngestor(store, triggers)

	req := testRequest()
	req.Payload = map[string]any{"address": map[string]any{"city": "Berlin"}}
	if _, _, err := ing.Ingest(context.Background(), req); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(store.execs) != 1 {
		t.Fatalf("executions = %d, want 1 for deep-equal nested filter", len(store.execs))
	}

	req = testRequest()
	req.Payload = map[string]any{"address": map[string]any{"city": "Hamburg"}}
	if _, _, err := ing.Ingest(context.Background(), req); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(store.execs) != 1 {
		t.Errorf("executions = %d, want still 1 after nested mismatch", len(store.execs))
	}
}

func TestIngestOneExecutionPerAutomation(t *testing.T) {
	automationID := uuid.New()
	store := newFakeIngestStore()
	triggers := &fakeTriggerSource{
		triggers: []domain.Trigger{
			{ID: uuid.New(), AutomationID: automationID, EventType: "invoice.paid", Priority: 10, IsActive: true},
			{ID: uuid.New(), AutomationID: automationID, EventType: "invoice.paid", Priority: 90, IsActive: true},
		},
		headVersions: map[uuid.UUID]int{automationID: 1},
	}

	_, _, err := newTestIngestor(store, triggers).Ingest(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(store.execs) != 1 {
		t.Fatalf("executions = %d, want 1 per automation", len(store.execs))
	}
	if store.items[0].Priority != 10 {
		t.Errorf("item priority = %d, want 10 from the first trigger", store.items[0].Priority)
	}
}

func TestIngestInvalidRequest(t *testing.T) {
	ing := newTestIngestor(newFakeIngestStore(), &fakeTriggerSource{})

	tests := []struct {
		name string
		mod  func(*Request)
	}{
		{"missing tenant", func(r *Request) { r.TenantID = "" }},
		{"missing event type", func(r *Request) { r.EventType = "" }},
		{"missing source", func(r *Request) { r.Source = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testRequest()
			tt.mod(&req)
			if _, _, err := ing.Ingest(context.Background(), req); err != ErrInvalidRequest {
				t.Errorf("Ingest() error = %v, want ErrInvalidRequest", err)
			}
		})
	}
}
