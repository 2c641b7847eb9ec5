// Package spsc implements the fixed-capacity single-producer
// single-consumer handoff ring between a NIC's ISR and its bottom half.
// The producer side never allocates and never blocks; ordering between
// payload and index is enforced with atomic acquire/release index
// publication rather than a lock, since the ISR must never wait on one.
package spsc

import (
	"errors"
	"sync/atomic"

	"github.com/tricomnic/driver/bufpool"
	"github.com/tricomnic/driver/dmamap"
)

// ErrFull is returned by Enqueue when the ring has no free slot. The ISR
// treats this as the signal to set its own "handoff full" diagnostic and
// drop the frame rather than block.
var ErrFull = errors.New("spsc: handoff queue full")

// Entry is a staging buffer descriptor: a pointer to driver-owned payload
// memory plus the bookkeeping the bottom half needs to route it, without
// the consumer ever touching producer-side allocation. Buf and Mapped, when
// set, transfer ownership of the backing pool buffer and its DMA mapping to
// the consumer, which must sync/unmap/free them in task context once the
// payload has been routed.
type Entry struct {
	Data     []byte
	Length   int
	SourceID int
	Buf      *bufpool.Buffer
	Mapped   *dmamap.Mapping
	Magic    uint32
}

const entryMagic uint32 = 0x53504331 // "SPC1"

// Queue is a power-of-two-capacity ring. NewQueue(n) rounds n up to the
// next power of two. One producer (the ISR) calls Enqueue; one consumer
// (the bottom half) calls TryDequeue/DrainAll. Both may run concurrently
// with no lock.
type Queue struct {
	mask    uint32
	entries []Entry

	head uint32 // next slot the producer will write (atomic)
	tail uint32 // next slot the consumer will read (atomic)
}

// NewQueue creates a handoff ring with capacity rounded up to the next
// power of two, minimum 2.
func NewQueue(capacity int) *Queue {
	n := nextPowerOfTwo(capacity)
	if n < 2 {
		n = 2
	}
	return &Queue{
		mask:    uint32(n - 1),
		entries: make([]Entry, n),
	}
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Cap reports the ring's fixed capacity.
func (q *Queue) Cap() int { return len(q.entries) }

// Len reports the number of entries currently queued. Safe to call from
// either side; the result is a snapshot and may be stale by the time it is
// read.
func (q *Queue) Len() int {
	head := atomic.LoadUint32(&q.head)
	tail := atomic.LoadUint32(&q.tail)
	return int(head - tail)
}

// Enqueue is called only from the producer (ISR) side. It never blocks and
// never allocates: it writes directly into the pre-sized ring slot, then
// publishes the new head with a release store so the consumer never
// observes an index update before the payload it guards.
func (q *Queue) Enqueue(e Entry) error {
	head := atomic.LoadUint32(&q.head)
	tail := atomic.LoadUint32(&q.tail)
	if head-tail >= uint32(len(q.entries)) {
		return ErrFull
	}

	e.Magic = entryMagic
	q.entries[head&q.mask] = e

	atomic.StoreUint32(&q.head, head+1)
	return nil
}

// TryDequeue is called only from the consumer (bottom half) side. It
// returns false when the ring is currently empty rather than blocking.
func (q *Queue) TryDequeue() (Entry, bool) {
	tail := atomic.LoadUint32(&q.tail)
	head := atomic.LoadUint32(&q.head)
	if tail == head {
		return Entry{}, false
	}

	e := q.entries[tail&q.mask]
	atomic.StoreUint32(&q.tail, tail+1)
	return e, true
}

// DrainAll consumes every currently-available entry, calling fn for each in
// order. It stops early if fn returns false.
func (q *Queue) DrainAll(fn func(Entry) bool) int {
	n := 0
	for {
		e, ok := q.TryDequeue()
		if !ok {
			return n
		}
		n++
		if !fn(e) {
			return n
		}
	}
}
