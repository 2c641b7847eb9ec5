package dmamap

import "testing"

// fakeTranslator resolves a buffer to physical addresses from a table keyed
// by the buffer's first byte, letting tests pin arbitrary physical
// addresses (including boundary-crossing ones) without real memory.
type fakeTranslator struct {
	segs    map[*byte][]Segment
	locked  map[*byte]bool
	lockErr error
}

func newFakeTranslator() *fakeTranslator {
	return &fakeTranslator{
		segs:   make(map[*byte][]Segment),
		locked: make(map[*byte]bool),
	}
}

func (f *fakeTranslator) key(buf []byte) *byte {
	if len(buf) == 0 {
		return nil
	}
	return &buf[0]
}

func (f *fakeTranslator) set(buf []byte, segs []Segment) {
	f.segs[f.key(buf)] = segs
}

func (f *fakeTranslator) Resolve(buf []byte) ([]Segment, error) {
	if segs, ok := f.segs[f.key(buf)]; ok {
		return segs, nil
	}
	return []Segment{{Phys: 0x1000, Len: len(buf)}}, nil
}

func (f *fakeTranslator) LockPages(buf []byte) error {
	if f.lockErr != nil {
		return f.lockErr
	}
	f.locked[f.key(buf)] = true
	return nil
}

func (f *fakeTranslator) UnlockPages(buf []byte) error {
	delete(f.locked, f.key(buf))
	return nil
}

func newPool(base uint32, size int) *Pool {
	return NewPool(base, make([]byte, size))
}

func TestMapDirectWithinConstraints(t *testing.T) {
	tr := newFakeTranslator()
	buf := make([]byte, 64)
	tr.set(buf, []Segment{{Phys: 0x00F00000, Len: 64}})

	m, err := Map(buf, ToDevice, ISA, tr, nil, nil)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if m.Bounced {
		t.Fatalf("expected direct mapping, got bounced")
	}
}

// Physical address 0x0FFFFFE0 lies above the 16MB ISA limit and its 64-byte
// extent crosses a 64KB boundary, so the mapping must bounce under ISA
// constraints.
func TestMapBouncesEndOfRange(t *testing.T) {
	tr := newFakeTranslator()
	buf := make([]byte, 64)
	tr.set(buf, []Segment{{Phys: 0x0FFFFFE0, Len: 64}})

	pool := newPool(0x00090000, 1<<16)

	m, err := Map(buf, ToDevice, ISA, tr, pool, nil)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if !m.Bounced {
		t.Fatalf("expected bounce, got direct mapping")
	}
	if m.Segments[0].Phys > 0x00FFFFFF {
		t.Fatalf("bounced physical address %#x exceeds ISA range", m.Segments[0].Phys)
	}
	if crossesForTest(m.Segments[0]) {
		t.Fatalf("bounced extent crosses a 64KB boundary")
	}

	freeBefore := pool.FreeBytes()
	m.Unmap()
	if pool.FreeBytes() != freeBefore+64 {
		t.Fatalf("unmap did not return bounce block to pool")
	}
}

func crossesForTest(s Segment) bool {
	start := uint64(s.Phys)
	end := start + uint64(s.Len) - 1
	return start&^0xFFFF != end&^0xFFFF
}

// A transfer straddling a 64KB physical boundary on the scatter-capable
// device splits into two descriptors at the boundary, and the coalescer
// does not merge them back.
func TestMapSplitsScatterAtBoundary(t *testing.T) {
	tr := newFakeTranslator()
	buf := make([]byte, 2048)
	tr.set(buf, []Segment{{Phys: 0xFFA0, Len: 2048}})

	m, err := Map(buf, ToDevice, BusMaster, tr, nil, nil)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if m.Bounced {
		t.Fatalf("expected a scatter mapping, got a bounce")
	}
	if len(m.Segments) != 2 {
		t.Fatalf("expected the transfer split into 2 segments at the boundary, got %d", len(m.Segments))
	}
	if end := uint64(m.Segments[0].Phys) + uint64(m.Segments[0].Len); end != 0x10000 {
		t.Fatalf("expected the first segment to end at the 64KB boundary, got %#x", end)
	}
	for i, s := range m.Segments {
		if crossesForTest(s) {
			t.Fatalf("segment %d crosses a 64KB boundary", i)
		}
	}
}

// The same boundary-straddling transfer on the single-segment ISA device
// cannot scatter, so the whole buffer is bounced instead.
func TestMapBouncesBoundaryStraddleWithoutScatter(t *testing.T) {
	tr := newFakeTranslator()
	buf := make([]byte, 2048)
	tr.set(buf, []Segment{{Phys: 0xFFA0, Len: 2048}})

	pool := newPool(0x00090000, 1<<16)
	m, err := Map(buf, ToDevice, ISA, tr, pool, nil)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if !m.Bounced {
		t.Fatalf("expected the whole transfer bounced when scatter is unavailable")
	}
	if len(m.Segments) != 1 || crossesForTest(m.Segments[0]) {
		t.Fatalf("expected one non-crossing bounce segment, got %+v", m.Segments)
	}
}

func TestMapRefusesFromISR(t *testing.T) {
	tr := newFakeTranslator()
	buf := make([]byte, 64)
	var isr ISRDepth
	isr.Enter()

	if _, err := Map(buf, ToDevice, ISA, tr, nil, &isr); err != ErrCalledFromISR {
		t.Fatalf("expected ErrCalledFromISR, got %v", err)
	}
}

func TestSyncWrongDirectionFailsClosed(t *testing.T) {
	tr := newFakeTranslator()
	buf := make([]byte, 32)
	tr.set(buf, []Segment{{Phys: 0x1000, Len: 32}})

	m, err := Map(buf, ToDevice, ISA, tr, nil, nil)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := m.SyncForCPU(); err != ErrWrongDirection {
		t.Fatalf("expected ErrWrongDirection reading back a TX mapping, got %v", err)
	}
}

func TestCoalesceOnlyStrictlyAdjacent(t *testing.T) {
	in := []Segment{
		{Phys: 0x1000, Len: 0x100},
		{Phys: 0x1100, Len: 0x100}, // adjacent, merges
		{Phys: 0x2000, Len: 0x100}, // gap, does not merge
	}

	out := Coalesce(in, BusMaster)

	if len(out) != 2 {
		t.Fatalf("expected 2 segments after coalescing, got %d", len(out))
	}

	total := 0
	for _, s := range in {
		total += s.Len
	}
	gotTotal := 0
	for _, s := range out {
		gotTotal += s.Len
	}
	if total != gotTotal {
		t.Fatalf("coalescing changed total size: %d != %d", total, gotTotal)
	}
}

func TestCoalesceNeverCrossesBoundary(t *testing.T) {
	in := []Segment{
		{Phys: 0xFFF0, Len: 0x10},
		{Phys: 0x10000, Len: 0x10}, // adjacent but would cross 64KB boundary
	}

	out := Coalesce(in, BusMaster)
	if len(out) != 2 {
		t.Fatalf("expected no merge across a 64KB boundary, got %d segments", len(out))
	}
}
