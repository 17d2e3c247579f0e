package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestComputeKeyDeterministic(t *testing.T) {
	executionID := uuid.New()
	args := map[string]any{"amount": 100, "currency": "USD"}

	first, err := ComputeKey(executionID, "step-1", "http", args)
	if err != nil {
		t.Fatalf("ComputeKey() error = %v", err)
	}
	// Та же логическая map с другим порядком литерала.
	second, err := ComputeKey(executionID, "step-1", "http", map[string]any{"currency": "USD", "amount": 100})
	if err != nil {
		t.Fatalf("ComputeKey() error = %v", err)
	}
	if first != second {
		t.Errorf("keys differ for equal args: %s != %s", first, second)
	}
}

func TestComputeKeyDiscriminates(t *testing.T) {
	executionID := uuid.New()
	base, _ := ComputeKey(executionID, "step-1", "http", map[string]any{"amount": 100})

	variants := []struct {
		name string
		key  func() (string, error)
	}{
		{"different node", func() (string, error) {
			return ComputeKey(executionID, "step-2", "http", map[string]any{"amount": 100})
		}},
		{"different action", func() (string, error) {
			return ComputeKey(executionID, "step-1", "grpc", map[string]any{"amount": 100})
		}},
		{"different args", func() (string, error) {
			return ComputeKey(executionID, "step-1", "http", map[string]any{"amount": 200})
		}},
		{"different execution", func() (string, error) {
			return ComputeKey(uuid.New(), "step-1", "http", map[string]any{"amount": 100})
		}},
	}
	for _, tt := range variants {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.key()
			if err != nil {
				t.Fatalf("ComputeKey() error = %v", err)
			}
			if got == base {
				t.Error("key collision, want distinct keys")
			}
		})
	}
}

func TestLedgerFirstWriterWins(t *testing.T) {
	store := newFakeSideEffectStore()
	ledger := NewLedger(store)

	const key = "deadbeef"
	winner, err := ledger.Record(context.Background(), "tenant-a", key, "ch_1", map[string]any{"id": "ch_1"})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	loser, err := ledger.Record(context.Background(), "tenant-a", key, "ch_2", map[string]any{"id": "ch_2"})
	if err != nil {
		t.Fatalf("second Record() error = %v", err)
	}
	if loser.ExternalID != winner.ExternalID {
		t.Errorf("loser got external_id %q, want winner's %q", loser.ExternalID, winner.ExternalID)
	}
	if loser.ID != winner.ID {
		t.Errorf("loser got record %v, want winner's %v", loser.ID, winner.ID)
	}
}

func TestLedgerConcurrentRecordSingleWinner(t *testing.T) {
	store := newFakeSideEffectStore()
	ledger := NewLedger(store)

	const key = "contested"
	results := make([]string, 10)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := ledger.Record(context.Background(), "tenant-a", key,
				uuid.New().String(), map[string]any{"n": i})
			if err != nil {
				t.Errorf("Record() error = %v", err)
				return
			}
			results[i] = rec.ExternalID
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(results); i++ {
		if results[i] != results[0] {
			t.Fatalf("divergent external_ids: %q != %q", results[i], results[0])
		}
	}
}

func TestLedgerKeyScopedByTenant(t *testing.T) {
	store := newFakeSideEffectStore()
	ledger := NewLedger(store)

	const key = "shared-key"
	a, _ := ledger.Record(context.Background(), "tenant-a", key, "ch_a", nil)
	b, _ := ledger.Record(context.Background(), "tenant-b", key, "ch_b", nil)

	if a.ExternalID == b.ExternalID {
		t.Error("tenants share a ledger entry, want isolation")
	}
}
