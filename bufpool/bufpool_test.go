package bufpool

import "testing"

func TestAllocPicksSmallestFittingClass(t *testing.T) {
	p := NewPool(4)

	b, err := p.Alloc(50, RX)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if b.Class != ClassTiny {
		t.Fatalf("expected class %d, got %d", ClassTiny, b.Class)
	}

	b2, err := p.Alloc(300, TX)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if b2.Class != ClassMedium {
		t.Fatalf("expected class %d, got %d", ClassMedium, b2.Class)
	}
}

func TestFreeThenAllocRoundTrip(t *testing.T) {
	p := NewPool(2)

	b, err := p.Alloc(10, RX)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	b.Used = 10

	if err := p.Free(b); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if b.State != Free {
		t.Fatalf("expected state Free after Free(), got %v", b.State)
	}

	free, cap := p.Stats(ClassTiny)
	if free != cap {
		t.Fatalf("expected all %d buffers free, got %d", cap, free)
	}
}

func TestDoubleFreeReportedAndDropped(t *testing.T) {
	p := NewPool(2)
	b, _ := p.Alloc(10, RX)

	if err := p.Free(b); err != nil {
		t.Fatalf("first Free: %v", err)
	}
	if err := p.Free(b); err != ErrDoubleFree {
		t.Fatalf("expected ErrDoubleFree on second Free, got %v", err)
	}

	free, _ := p.Stats(ClassTiny)
	if free != 2 {
		t.Fatalf("double free corrupted pool: free=%d, want 2", free)
	}
}

func TestCrossPoolFreeRejected(t *testing.T) {
	p1 := NewPool(2)
	p2 := NewPool(2)

	b, _ := p1.Alloc(10, RX)

	if err := p2.Free(b); err != ErrForeignPool {
		t.Fatalf("expected ErrForeignPool, got %v", err)
	}
}

func TestCopyBreakThresholdSelectsClass(t *testing.T) {
	small, ok := selectClass(CopyBreakThreshold)
	if !ok || small != ClassMedium {
		t.Fatalf("expected copy-break boundary length to select class %d, got %d", ClassMedium, small)
	}
}
