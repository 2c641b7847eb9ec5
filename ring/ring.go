// Package ring implements the bus-master descriptor ring and its ISR
// contract: own-bit/wrap-bit bookkeeping directly grounded on
// the buffer-descriptor ring idiom in soc/nxp/enet's dma.go, generalized
// from a fixed NXP register layout to the device-agnostic status
// represented by dmamap.Mapping, and from a single RX/TX pair to whatever
// shape a concrete NIC wires in.
package ring

import (
	"errors"

	"github.com/tricomnic/driver/bufpool"
	"github.com/tricomnic/driver/dmamap"
	"github.com/tricomnic/driver/internal/spsc"
)

// ErrBackpressure is returned by PushTX when no descriptor slot is free;
// the scheduler is expected to requeue the frame.
var ErrBackpressure = errors.New("ring: no free TX descriptor")

// descriptor is one ring slot. own mirrors the hardware own-bit: true means
// the device may still be writing to it, false means software owns it.
type descriptor struct {
	own     bool
	wrap    bool
	starved bool // ServiceRX drained this slot but the reserve was empty
	buf     *bufpool.Buffer
	mapped  *dmamap.Mapping
	length  int
	status  uint16
}

// Ring is a fixed-size, wrap-bit-terminated descriptor ring shared between
// one ISR and one task-context owner. Nothing here takes a lock: the ISR
// side (Service*) and the task side (PushTX, RefillStarved) must never run
// concurrently for the same Ring, matching the single-ISR-plus-one-task
// model.
type Ring struct {
	descs []descriptor
	head  int // next slot software will fill (TX) or device will fill (RX)
	tail  int // next slot software will reclaim/drain

	isr *dmamap.ISRDepth
}

// NewRing allocates a ring of size slots, all initially software-owned.
func NewRing(size int, isr *dmamap.ISRDepth) *Ring {
	descs := make([]descriptor, size)
	descs[size-1].wrap = true
	return &Ring{descs: descs, isr: isr}
}

// Size reports the ring's fixed descriptor count.
func (r *Ring) Size() int { return len(r.descs) }

func (r *Ring) advance(i int) int {
	if r.descs[i].wrap {
		return 0
	}
	return i + 1
}

// PushTX installs buf as the next TX descriptor and marks it device-owned.
// It does not ring the doorbell; the caller does that once, after pushing
// every segment of a (possibly scattered) frame.
func (r *Ring) PushTX(buf *bufpool.Buffer, mapped *dmamap.Mapping) error {
	d := &r.descs[r.head]
	if d.own {
		return ErrBackpressure
	}

	d.buf = buf
	d.mapped = mapped
	d.length = buf.Used
	d.own = true

	r.head = r.advance(r.head)
	return nil
}

// ReclaimTX walks completed (own-bit cleared) TX descriptors starting from
// tail, appending their buffers to a reclaim list, up to budget entries.
// Called only from the ISR; it never blocks and never allocates beyond the
// slice growth of the caller-supplied reclaimed slice.
func (r *Ring) ReclaimTX(budget int, reclaimed []*bufpool.Buffer) []*bufpool.Buffer {
	if r.isr != nil {
		r.isr.Enter()
		defer r.isr.Exit()
	}

	n := 0
	for n < budget {
		d := &r.descs[r.tail]
		if d.own {
			break
		}
		if d.buf == nil {
			break
		}
		reclaimed = append(reclaimed, d.buf)
		d.buf = nil
		d.mapped = nil
		r.tail = r.advance(r.tail)
		n++
	}
	return reclaimed
}

// Reclaimed pairs a completed TX buffer with the mapping that staged it (nil
// for a PIO push that never mapped one), so a caller can Unmap before
// returning the buffer to its pool. ReclaimTX drops the mapping reference
// outright because its existing callers never mapped one; ReclaimTXFull
// exists for the ISR/bottom-half pipeline, which must not leak a bounced or
// page-locked mapping on every TX completion.
type Reclaimed struct {
	Buf    *bufpool.Buffer
	Mapped *dmamap.Mapping
}

// ReclaimTXFull is ReclaimTX plus each descriptor's Mapping.
func (r *Ring) ReclaimTXFull(budget int) []Reclaimed {
	var out []Reclaimed
	for len(out) < budget {
		d := &r.descs[r.tail]
		if d.own {
			break
		}
		if d.buf == nil {
			break
		}
		out = append(out, Reclaimed{Buf: d.buf, Mapped: d.mapped})
		d.buf = nil
		d.mapped = nil
		r.tail = r.advance(r.tail)
	}
	return out
}

// MarkTXDone clears the own-bit on the descriptor at position idx
// (relative to the ring, not an absolute index), called when the caller
// already knows which completed rather than scanning sequentially. Most
// callers should prefer ReclaimTX; this exists for devices that report
// completion out of order.
func (r *Ring) MarkTXDone(idx int) {
	r.descs[idx].own = false
}

// RXSlot describes one RX descriptor's device-owned buffer, for Populate
// and the Reserve.
type RXSlot struct {
	Buf    *bufpool.Buffer
	Mapped *dmamap.Mapping
}

// Populate fills every RX descriptor with a fresh device-owned buffer at
// init. It is a task-context call, never invoked from the ISR.
func (r *Ring) Populate(slots []RXSlot) {
	for i := range r.descs {
		if i >= len(slots) {
			break
		}
		r.descs[i].buf = slots[i].Buf
		r.descs[i].mapped = slots[i].Mapped
		r.descs[i].own = true
	}
}

// CompleteRX marks the descriptor at idx as having a device-reported
// length/status, called by the concrete NIC's low-level status decode
// before ServiceRX runs. The descriptor's buffer (posted by Populate, by
// ServiceRX's reserve refill, or by RefillStarved) has its Used field
// stamped with length immediately, so
// any consumer reading the buffer back out — ServiceRX's copy-break path
// or a direct Buf.Payload() call — sees a consistent view without needing
// to thread d.length through separately.
func (r *Ring) CompleteRX(idx int, length int, status uint16) {
	d := &r.descs[idx]
	d.own = false
	d.length = length
	d.status = status
	if d.buf != nil {
		d.buf.Used = length
	}
}

// ServiceRX drains up to budget completed RX descriptors starting at tail,
// applying copy-break: payloads at or below copyBreak are copied into a
// buffer popped from the lock-free staging free list and the large DMA
// buffer is re-armed in place, so a copy-break completion never costs a
// reserve slot; larger payloads transfer their buffer and mapping to the
// handoff entry and the slot is refilled from reserve. Every produced
// descriptor is enqueued on handoff immediately in ISR order. This runs in
// interrupt context: staging comes from a pre-filled free list rather than
// the mutex-protected pool allocator, which the ISR must never touch.
//
// Returns the number of completions serviced and whether the device
// starved the RX reserve during this call (a hint to the caller to set a
// refill-needed flag so the bottom half tops the reserve back up).
func (r *Ring) ServiceRX(budget int, copyBreak int, staging *bufpool.StagingPool, handoff *spsc.Queue, sourceID int, reserve *Reserve) (serviced int, refillNeeded bool) {
	for serviced < budget {
		d := &r.descs[r.tail]
		if d.own {
			break
		}
		if d.buf == nil {
			break
		}

		payload := d.buf.Bytes()[:d.length]

		if d.length <= copyBreak && staging != nil {
			if sb := staging.Pop(); sb != nil {
				if d.length > len(sb.Bytes()) {
					// Misconfigured staging size; put it back and hand
					// the large buffer over directly.
					staging.Push(sb)
				} else {
					copy(sb.Bytes(), payload)
					sb.Used = d.length
					e := spsc.Entry{Data: sb.Payload(), Length: d.length, SourceID: sourceID, Buf: sb}
					if err := handoff.Enqueue(e); err != nil {
						staging.Push(sb)
					}
					d.own = true
					r.tail = r.advance(r.tail)
					serviced++
					continue
				}
			}
			// Staging list empty; hand the large buffer over directly.
		}

		e := spsc.Entry{Data: payload, Length: d.length, SourceID: sourceID, Buf: d.buf, Mapped: d.mapped}
		if err := handoff.Enqueue(e); err != nil {
			// Handoff queue is full; re-arm the slot and drop the frame
			// rather than blocking the ISR.
			d.own = true
			r.tail = r.advance(r.tail)
			serviced++
			continue
		}

		d.buf = nil
		d.mapped = nil
		if replacement, ok := reserve.Take(); ok {
			d.buf = replacement.Buf
			d.mapped = replacement.Mapped
			d.own = true
		} else {
			refillNeeded = true
			d.starved = true
		}

		r.tail = r.advance(r.tail)
		serviced++
	}
	return serviced, refillNeeded
}

// RefillStarved re-arms every RX descriptor that ServiceRX left starved
// (reserve was empty at the time), pulling fresh slots from reserve. The
// bottom half calls this after topping reserve back up via Put, closing the
// loop ServiceRX's refillNeeded return opens. Never called from the ISR.
func (r *Ring) RefillStarved(reserve *Reserve) (refilled int) {
	for i := range r.descs {
		d := &r.descs[i]
		if !d.starved {
			continue
		}
		slot, ok := reserve.Take()
		if !ok {
			break
		}
		d.buf = slot.Buf
		d.mapped = slot.Mapped
		d.own = true
		d.starved = false
		refilled++
	}
	return refilled
}

// Reserve is the pre-populated pool of spare RX buffers the ISR draws from
// when refilling a drained slot, so the ISR itself
// never calls into the allocator.
type Reserve struct {
	slots []RXSlot
}

// NewReserve creates a reserve of n pre-allocated slots.
func NewReserve(slots []RXSlot) *Reserve {
	return &Reserve{slots: slots}
}

// Take removes and returns one spare slot, or false if the reserve is
// empty.
func (res *Reserve) Take() (RXSlot, bool) {
	n := len(res.slots)
	if n == 0 {
		return RXSlot{}, false
	}
	s := res.slots[n-1]
	res.slots = res.slots[:n-1]
	return s, true
}

// Put returns a slot to the reserve; called by the bottom half's refill
// path once a new buffer has been allocated and mapped.
func (res *Reserve) Put(s RXSlot) {
	res.slots = append(res.slots, s)
}

// Len reports the number of spare slots available.
func (res *Reserve) Len() int { return len(res.slots) }
