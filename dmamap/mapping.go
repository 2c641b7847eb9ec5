package dmamap

import (
	"errors"
	"fmt"
)

// Direction records which way a mapping flows. Tracking it explicitly, and
// failing closed when it is read the wrong way, avoids the ambiguity an
// untracked bounce-buffer direction would otherwise leave at sync time.
type Direction int

const (
	ToDevice Direction = iota
	FromDevice
)

var (
	// ErrCalledFromISR is returned when map() is invoked while the ISR
	// nesting counter is non-zero.
	ErrCalledFromISR = errors.New("dmamap: map called from interrupt context")
	// ErrConstraintViolation is returned by the whole-buffer bounce tier
	// when the allocated bounce block itself violates the device
	// constraints; Map reports that case, like every other exhausted
	// recovery, as ErrRecoveryFailed.
	ErrConstraintViolation = errors.New("dmamap: buffer violates device constraints")
	// ErrRecoveryFailed is returned when all three recovery tiers failed.
	ErrRecoveryFailed = errors.New("dmamap: constraint recovery exhausted")
	// ErrWrongDirection is returned when SyncForCPU is called against a
	// mapping that only ever flowed toward the device.
	ErrWrongDirection = errors.New("dmamap: sync called on wrong-direction mapping")
)

// Mapping is the result of map(): either a direct/scattered view onto the
// client's own buffer, or a bounced copy staged through pool-owned memory.
type Mapping struct {
	Direction Direction
	Segments  []Segment
	Bounced   bool

	client     []byte
	translator AddressTranslator
	pool       *Pool
	bounceAddr uint32
	bounceBuf  []byte
}

// Map translates buf into a device-visible mapping honoring c, applying the
// three-tier recovery ladder when the direct resolution
// doesn't already satisfy the constraints. It must never be called from
// interrupt context.
func Map(buf []byte, dir Direction, c Constraints, translator AddressTranslator, pool *Pool, isr *ISRDepth) (*Mapping, error) {
	if isr != nil && isr.InISR() {
		return nil, ErrCalledFromISR
	}
	if len(buf) == 0 {
		return nil, fmt.Errorf("dmamap: empty buffer")
	}

	segs, err := translator.Resolve(buf)
	if err != nil {
		return nil, fmt.Errorf("dmamap: resolve: %w", err)
	}

	if m, ok := tryDirect(buf, dir, segs, c, translator); ok {
		return m, nil
	}

	// Tier 1: relax contiguity, accept a scatter list if every segment
	// individually satisfies addressing/alignment/no-cross.
	if !c.RequireContiguous || c.MaxSGEntries > 1 {
		if m, ok := tryScatter(buf, dir, segs, c, translator); ok {
			return m, nil
		}
	}

	// Tier 2: a single-segment transfer with a misaligned start is
	// bounced as a whole; multi-segment transfers skip this tier.
	if m, ok := tryAlignedSubrange(buf, dir, segs, c, translator, pool); ok {
		return m, nil
	}

	// Tier 3: bounce the whole transfer.
	if c.AllowBounce && pool != nil {
		if m, err := bounceWhole(buf, dir, c, translator, pool); err == nil {
			return m, nil
		}
	}

	return nil, ErrRecoveryFailed
}

func tryDirect(buf []byte, dir Direction, segs []Segment, c Constraints, translator AddressTranslator) (*Mapping, bool) {
	if len(segs) != 1 {
		return nil, false
	}
	s := segs[0]
	if !c.addrFits(s.Phys, s.Len) || c.crossesBoundary(s.Phys, s.Len) || !c.aligned(s.Phys) {
		return nil, false
	}
	if c.MaxSegmentLen > 0 && s.Len > c.MaxSegmentLen {
		return nil, false
	}
	if err := translator.LockPages(buf); err != nil {
		return nil, false
	}
	return &Mapping{Direction: dir, Segments: segs, client: buf, translator: translator}, true
}

func tryScatter(buf []byte, dir Direction, segs []Segment, c Constraints, translator AddressTranslator) (*Mapping, bool) {
	segs = SplitAtBoundaries(segs, c)
	if len(segs) == 0 || len(segs) > c.MaxSGEntries {
		return nil, false
	}
	for _, s := range segs {
		if !c.addrFits(s.Phys, s.Len) || c.crossesBoundary(s.Phys, s.Len) || !c.aligned(s.Phys) {
			return nil, false
		}
		if s.Len > c.MaxSegmentLen {
			return nil, false
		}
	}
	if err := translator.LockPages(buf); err != nil {
		return nil, false
	}
	return &Mapping{Direction: dir, Segments: Coalesce(segs, c), client: buf, translator: translator}, true
}

func tryAlignedSubrange(buf []byte, dir Direction, segs []Segment, c Constraints, translator AddressTranslator, pool *Pool) (*Mapping, bool) {
	if len(segs) == 0 || pool == nil || !c.AllowBounce {
		return nil, false
	}
	first := segs[0]
	if c.aligned(first.Phys) {
		return nil, false
	}
	// Only a single misaligned segment is handled here, and it is bounced
	// whole; a multi-segment transfer is left to the next tier.
	if len(segs) > 1 {
		return nil, false
	}

	addr, bounceBuf, err := pool.Alloc(first.Len)
	if err != nil {
		return nil, false
	}
	if !c.addrFits(addr, first.Len) || c.crossesBoundary(addr, first.Len) {
		pool.Free(addr)
		return nil, false
	}

	if dir == ToDevice {
		copy(bounceBuf, buf)
	}

	return &Mapping{
		Direction:  dir,
		Segments:   []Segment{{Phys: addr, Len: first.Len}},
		Bounced:    true,
		client:     buf,
		translator: translator,
		pool:       pool,
		bounceAddr: addr,
		bounceBuf:  bounceBuf,
	}, true
}

func bounceWhole(buf []byte, dir Direction, c Constraints, translator AddressTranslator, pool *Pool) (*Mapping, error) {
	addr, bounceBuf, err := pool.Alloc(len(buf))
	if err != nil {
		return nil, err
	}
	if !c.addrFits(addr, len(buf)) || c.crossesBoundary(addr, len(buf)) {
		pool.Free(addr)
		return nil, ErrConstraintViolation
	}

	if dir == ToDevice {
		copy(bounceBuf, buf)
	}

	return &Mapping{
		Direction:  dir,
		Segments:   []Segment{{Phys: addr, Len: len(buf)}},
		Bounced:    true,
		client:     buf,
		translator: translator,
		pool:       pool,
		bounceAddr: addr,
		bounceBuf:  bounceBuf,
	}, nil
}

// SyncForDevice is a memory fence in all cases (and, for a TX bounce,
// ensures the copy-in already performed by Map is visible before the
// doorbell is rung). It is valid for either direction: a TX mapping
// publishes its payload, an RX mapping publishes a re-armed descriptor
// buffer. It is a no-op beyond the fence on cache-coherent platforms.
func (m *Mapping) SyncForDevice() {
	fence()
}

// SyncForCPU copies bounced RX data back into the client buffer. It is a
// no-op for direct mappings.
func (m *Mapping) SyncForCPU() error {
	if m.Direction != FromDevice {
		return ErrWrongDirection
	}
	fence()
	if m.Bounced {
		copy(m.client, m.bounceBuf)
	}
	return nil
}

// Unmap releases page locks or bounce blocks held by the mapping.
func (m *Mapping) Unmap() {
	if m.Bounced {
		m.pool.Free(m.bounceAddr)
		return
	}
	m.translator.UnlockPages(m.client)
}

// fence is a compiler/memory barrier placeholder; on real hardware this
// would be a CPU fence instruction, here it documents the ordering
// requirement at the point every mapping operation must enforce it.
func fence() {}
