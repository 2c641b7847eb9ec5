// Package bottomhalf runs the task-context worker that drains the
// ISR-to-task handoff queue, performs copy-break follow-up, applies the
// router, and refills RX reserves. The goroutine-plus-stop/done-channel
// shutdown idiom is the same one used for NE2000's receive loop in the
// wider device-emulation pack, adapted from an emulated-host polling loop
// into a real handoff-queue drain.
package bottomhalf

import (
	"sync"
	"time"

	"github.com/tricomnic/driver/bufpool"
	"github.com/tricomnic/driver/dmamap"
	"github.com/tricomnic/driver/internal/spsc"
	"github.com/tricomnic/driver/internal/telemetry"
)

// Frame is a fully drained handoff entry, ready for the router. Buf and
// Mapped carry ownership of the staging buffer and its DMA mapping through
// to the Deliverer, which releases both once routing is done.
type Frame struct {
	SourceID int
	Data     []byte
	Buf      *bufpool.Buffer
	Mapped   *dmamap.Mapping
}

// Deliverer is the collaborator the worker calls once per drained frame;
// concretely the router's Dispatch or a Driver-level upcall.
type Deliverer interface {
	Deliver(Frame)
}

// Refiller is called when the ISR signalled refill-needed for a NIC;
// implemented by the owning ring/reserve pair.
type Refiller interface {
	Refill() (refilled int)
}

// Config tunes the worker's batching and pacing.
type Config struct {
	// BatchSize caps how many handoff entries are drained per wakeup
	// before yielding, the bottom half's own suspension point.
	BatchSize int
	// IdleSleep is how long the worker sleeps when the handoff queue was
	// empty on the last drain, to avoid busy-spinning.
	IdleSleep time.Duration
}

// DefaultConfig mirrors the ISR's default completion budget for batch
// size, on the theory that the bottom half should be able to keep pace
// with one ISR invocation's worth of work per wakeup.
func DefaultConfig() Config {
	return Config{BatchSize: 32, IdleSleep: time.Millisecond}
}

// Worker is one NIC's bottom half: one goroutine, started and stopped
// explicitly, never assumed to be running.
type Worker struct {
	name     string
	handoff  *spsc.Queue
	deliver  Deliverer
	refill   Refiller
	cfg      Config
	log      *telemetry.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	refillNeeded chan struct{}
}

// NewWorker creates a bottom-half worker for one NIC. refill may be
// nil if the NIC's ring never signals starvation (e.g. a PIO NIC).
func NewWorker(name string, handoff *spsc.Queue, deliver Deliverer, refill Refiller, cfg Config, log *telemetry.Logger) *Worker {
	return &Worker{
		name:         name,
		handoff:      handoff,
		deliver:      deliver,
		refill:       refill,
		cfg:          cfg,
		log:          log,
		refillNeeded: make(chan struct{}, 1),
	}
}

// SignalRefillNeeded is called by the ISR-adjacent code (never the ISR
// itself) to wake the worker early when the RX reserve has starved.
func (w *Worker) SignalRefillNeeded() {
	select {
	case w.refillNeeded <- struct{}{}:
	default:
	}
}

// Start launches the worker goroutine. Calling Start twice is a no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(w.stop, w.done)
}

// Stop signals the worker to exit and waits up to timeout for it to
// acknowledge, matching the bounded-wait shutdown idiom used elsewhere in
// the pack rather than blocking forever on a wedged goroutine.
func (w *Worker) Stop(timeout time.Duration) (clean bool) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return true
	}
	stop, done := w.stop, w.done
	w.mu.Unlock()

	close(stop)
	select {
	case <-done:
		clean = true
	case <-time.After(timeout):
		clean = false
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	return clean
}

func (w *Worker) loop(stop, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		default:
		}

		drained := w.drainBatch()

		select {
		case <-w.refillNeeded:
			if w.refill != nil {
				w.refill.Refill()
			}
		default:
		}

		if drained == 0 {
			select {
			case <-stop:
				return
			case <-time.After(w.cfg.IdleSleep):
			case <-w.refillNeeded:
				if w.refill != nil {
					w.refill.Refill()
				}
			}
		}
	}
}

// drainBatch pulls up to cfg.BatchSize entries from the handoff queue and
// delivers each one, returning the count drained. This is the worker's
// suspension point: it always returns control to loop between batches.
func (w *Worker) drainBatch() int {
	n := 0
	batch := w.cfg.BatchSize
	if batch <= 0 {
		batch = 32
	}

	w.handoff.DrainAll(func(e spsc.Entry) bool {
		w.deliver.Deliver(Frame{SourceID: e.SourceID, Data: e.Data, Buf: e.Buf, Mapped: e.Mapped})
		n++
		return n < batch
	})

	return n
}
