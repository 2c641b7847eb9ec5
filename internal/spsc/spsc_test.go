package spsc

import (
	"sync"
	"testing"
)

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := NewQueue(4)

	for i := 0; i < 4; i++ {
		if err := q.Enqueue(Entry{SourceID: i}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	if err := q.Enqueue(Entry{SourceID: 99}); err != ErrFull {
		t.Fatalf("expected ErrFull on 5th enqueue into capacity-4 ring, got %v", err)
	}

	for i := 0; i < 4; i++ {
		e, ok := q.TryDequeue()
		if !ok {
			t.Fatalf("expected entry %d, queue empty", i)
		}
		if e.SourceID != i {
			t.Fatalf("expected FIFO order: want SourceID %d, got %d", i, e.SourceID)
		}
	}

	if _, ok := q.TryDequeue(); ok {
		t.Fatalf("expected empty queue after draining")
	}
}

func TestCapacityRoundsToPowerOfTwo(t *testing.T) {
	q := NewQueue(5)
	if q.Cap() != 8 {
		t.Fatalf("expected capacity rounded to 8, got %d", q.Cap())
	}
}

// Simulates 40 arrivals against a 32-capacity ring. No entry already
// accepted is lost or duplicated; the producer simply refuses once full
// and the caller (standing in for the ISR's "refill-needed" flag) notices.
func TestNoLossNoDuplicationUnderOverflow(t *testing.T) {
	q := NewQueue(32)

	accepted := 0
	for i := 0; i < 40; i++ {
		if err := q.Enqueue(Entry{SourceID: i}); err == nil {
			accepted++
		}
	}
	if accepted != 32 {
		t.Fatalf("expected 32 accepted entries, got %d", accepted)
	}

	seen := make(map[int]bool)
	for {
		e, ok := q.TryDequeue()
		if !ok {
			break
		}
		if seen[e.SourceID] {
			t.Fatalf("entry %d dequeued twice", e.SourceID)
		}
		seen[e.SourceID] = true
	}
	if len(seen) != 32 {
		t.Fatalf("expected exactly 32 distinct entries drained, got %d", len(seen))
	}
}

func TestConcurrentProducerConsumer(t *testing.T) {
	q := NewQueue(64)
	const n = 5000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sent := 0
		for sent < n {
			if err := q.Enqueue(Entry{SourceID: sent}); err == nil {
				sent++
			}
		}
	}()

	received := make([]bool, n)
	count := 0
	for count < n {
		e, ok := q.TryDequeue()
		if !ok {
			continue
		}
		if received[e.SourceID] {
			t.Fatalf("duplicate entry %d", e.SourceID)
		}
		received[e.SourceID] = true
		count++
	}
	wg.Wait()
}
