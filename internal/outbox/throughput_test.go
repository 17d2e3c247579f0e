package outbox

import (
	"sync"
	"testing"
)

func TestThroughputAdmitUpToLimit(t *testing.T) {
	tp := NewThroughput(2)

	if !tp.Admit("tenant-a") {
		t.Fatal("first Admit() = false, want true")
	}
	if !tp.Admit("tenant-a") {
		t.Fatal("second Admit() = false, want true")
	}
	if tp.Admit("tenant-a") {
		t.Fatal("third Admit() = true, want false at limit")
	}

	// Другой tenant лимитируется независимо.
	if !tp.Admit("tenant-b") {
		t.Fatal("Admit() for other tenant = false, want true")
	}
}

func TestThroughputDoneFreesSlot(t *testing.T) {
	tp := NewThroughput(1)

	if !tp.Admit("tenant-a") {
		t.Fatal("Admit() = false, want true")
	}
	if tp.Admit("tenant-a") {
		t.Fatal("Admit() at limit = true, want false")
	}

	tp.Done("tenant-a")
	if !tp.Admit("tenant-a") {
		t.Fatal("Admit() after Done() = false, want true")
	}
}

func TestThroughputZeroLimitUnbounded(t *testing.T) {
	tp := NewThroughput(0)

	for i := 0; i < 1000; i++ {
		if !tp.Admit("tenant-a") {
			t.Fatalf("Admit() #%d = false, want unbounded", i)
		}
	}
}

func TestThroughputConcurrentNeverExceedsLimit(t *testing.T) {
	const limit = 5
	tp := NewThroughput(limit)

	var admitted int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tp.Admit("tenant-a") {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != limit {
		t.Errorf("admitted = %d, want exactly %d", admitted, limit)
	}
	if got := tp.InFlight("tenant-a"); got != limit {
		t.Errorf("InFlight() = %d, want %d", got, limit)
	}
}
