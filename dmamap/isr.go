package dmamap

import "sync/atomic"

// ISRDepth is the ISR nesting counter: incremented on
// ISR entry (with interrupts masked) and decremented on exit, and consulted
// by task-only APIs so they can refuse to run inside interrupt context by
// construction. It is intentionally a distinct type from a plain counter so
// task-only code cannot accidentally pass a bare int where an ISR/task
// context distinction is required (design note on encoding contexts as
// distinct types).
type ISRDepth struct {
	n int32
}

// Enter marks ISR entry. Must only be called by the platform's interrupt
// trampoline with interrupts masked.
func (d *ISRDepth) Enter() { atomic.AddInt32(&d.n, 1) }

// Exit marks ISR exit.
func (d *ISRDepth) Exit() { atomic.AddInt32(&d.n, -1) }

// InISR reports whether any ISR invocation is currently active.
func (d *ISRDepth) InISR() bool { return atomic.LoadInt32(&d.n) > 0 }
