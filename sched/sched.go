// Package sched implements the four-class priority TX scheduler: fixed
// per-class FIFO queues, admission control that lets an Urgent frame evict
// room from lower-priority queues, and flow-control watermarks that pace
// producers once aggregate usage runs hot. Queue draining follows the same
// strict-priority, drain-then-yield shape as the bottom half's batch loop.
package sched

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tricomnic/driver/bufpool"
	"github.com/tricomnic/driver/internal/telemetry"
)

// Priority is one of the four admission classes, highest first.
type Priority int

const (
	Urgent Priority = iota
	High
	Normal
	Low

	numPriorities = int(Low) + 1
)

func (p Priority) String() string {
	switch p {
	case Urgent:
		return "urgent"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return "unknown"
	}
}

var (
	// ErrBackpressure is returned when a frame cannot be admitted and the
	// caller should retry later.
	ErrBackpressure = errors.New("sched: queue full, backpressure")
	// ErrDropped is returned when admission control discarded the incoming
	// frame outright; the drop is counted and retrying will not help until
	// the queues drain.
	ErrDropped = errors.New("sched: frame dropped by admission control")
)

// StaleAge is how old a frame can sit in a queue before the scheduler logs
// it as a diagnostic. Stale frames are never dropped, only reported.
const StaleAge = 5 * time.Second

// entry is one queued frame.
type entry struct {
	buf      *bufpool.Buffer
	enqueued time.Time
}

type classQueue struct {
	items *list.List
	cap   int
}

// Config tunes capacities and watermarks. New uses the fields as given;
// DefaultConfig returns workable values for all of them.
type Config struct {
	Capacity      [numPriorities]int
	TotalCapacity int     // frames across all four queues together; 0 means the sum of Capacity
	HighWatermark float64 // fraction of total capacity, default 0.80
	LowWatermark  float64 // fraction of total capacity, default 0.20
	HighDropAt    float64 // High priority drops incoming at this usage fraction, default 0.95
	NormalDropAt  float64 // Normal priority drops incoming at this usage fraction, default 0.90
	MaxEvictions  int     // Urgent evictions from lower classes per attempt, default 5
	ThrottleDelay time.Duration
	// OnEvict is called, with the scheduler lock held, for every frame
	// evicted to admit an Urgent one, so the owner can return the buffer
	// to its pool.
	OnEvict func(*bufpool.Buffer)
}

// DefaultConfig matches the scheduler's documented defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:      [numPriorities]int{128, 128, 128, 128},
		HighWatermark: 0.80,
		LowWatermark:  0.20,
		HighDropAt:    0.95,
		NormalDropAt:  0.90,
		MaxEvictions:  5,
		ThrottleDelay: time.Millisecond,
	}
}

// Scheduler is one NIC's TX scheduler.
type Scheduler struct {
	cfg   Config
	log   *telemetry.Logger
	limit *rate.Limiter

	mu           sync.Mutex
	queues       [numPriorities]classQueue
	active       bool // flow-control active flag
	drops        [numPriorities]uint64
	evictedTotal uint64
}

// New creates a Scheduler. limitRPS/burst pace the cooperative throttling
// delay applied while the flow-control active flag is set; with limitRPS 0
// there is no limiter and each throttled Submit sleeps cfg.ThrottleDelay.
func New(cfg Config, log *telemetry.Logger, limitRPS float64, burst int) *Scheduler {
	s := &Scheduler{cfg: cfg, log: log}
	if limitRPS > 0 {
		s.limit = rate.NewLimiter(rate.Limit(limitRPS), burst)
	}
	for i := range s.queues {
		s.queues[i] = classQueue{items: list.New(), cap: cfg.Capacity[i]}
	}
	return s
}

func (s *Scheduler) totalCapacity() int {
	if s.cfg.TotalCapacity > 0 {
		return s.cfg.TotalCapacity
	}
	total := 0
	for _, c := range s.cfg.Capacity {
		total += c
	}
	return total
}

func (s *Scheduler) totalLen() int {
	n := 0
	for i := range s.queues {
		n += s.queues[i].items.Len()
	}
	return n
}

// Submit enqueues buf at priority p, applying admission control. A queue
// counts as full when either its own class capacity or the shared total
// capacity is reached. On success it returns nil; on refusal,
// ErrBackpressure (retryable) or ErrDropped (the frame was discarded and
// counted).
func (s *Scheduler) Submit(buf *bufpool.Buffer, p Priority) error {
	s.mu.Lock()

	if !s.hasRoom(p) {
		admit, drop := s.admitOverCapacity(p)
		if !admit {
			if drop {
				s.drops[p]++
				if s.log != nil {
					s.log.CountDrop("sched-" + p.String())
				}
				s.mu.Unlock()
				return ErrDropped
			}
			s.mu.Unlock()
			return ErrBackpressure
		}
	}

	s.queues[p].items.PushBack(&entry{buf: buf, enqueued: time.Now()})
	s.updateFlowControl()
	throttle := s.active
	s.mu.Unlock()

	// Pacing happens outside the lock: the cooperative delay is meant to
	// slow this producer, not block every other queue operation.
	if throttle {
		if s.limit != nil {
			r := s.limit.Reserve()
			if d := r.Delay(); d > 0 {
				time.Sleep(d)
			}
		} else if s.cfg.ThrottleDelay > 0 {
			time.Sleep(s.cfg.ThrottleDelay)
		}
	}

	return nil
}

// hasRoom reports whether a frame can be admitted at p without any
// over-capacity handling. Caller holds s.mu.
func (s *Scheduler) hasRoom(p Priority) bool {
	q := &s.queues[p]
	return q.items.Len() < q.cap && s.totalLen() < s.totalCapacity()
}

// admitOverCapacity applies the per-priority admission rule, mutating
// state (evicting entries or not) and reporting whether the incoming
// frame may now be admitted and, if not, whether it is discarded outright
// rather than backpressured. Caller holds s.mu.
func (s *Scheduler) admitOverCapacity(p Priority) (admit, drop bool) {
	switch p {
	case Urgent:
		if s.evictForUrgent() {
			return true, false
		}
		return false, true
	case High:
		return false, s.usageFraction(High) >= s.cfg.HighDropAt
	case Normal:
		return false, s.usageFraction(Normal) >= s.cfg.NormalDropAt
	default: // Low
		return false, false
	}
}

func (s *Scheduler) usageFraction(p Priority) float64 {
	q := &s.queues[p]
	if q.cap == 0 {
		return 1
	}
	return float64(q.items.Len()) / float64(q.cap)
}

// evictForUrgent drops up to MaxEvictions entries from the lowest
// non-empty lower-priority queue, retrying once, to make room for an
// incoming Urgent frame. Evicted frames count as drops of their own class
// and are handed to OnEvict so their buffers return to the owner's pool.
func (s *Scheduler) evictForUrgent() bool {
	for attempt := 0; attempt < 2; attempt++ {
		evicted := 0
		for pr := Low; pr > Urgent && !s.hasRoom(Urgent); pr-- {
			q := &s.queues[pr]
			for q.items.Len() > 0 && evicted < s.cfg.MaxEvictions && !s.hasRoom(Urgent) {
				e := q.items.Remove(q.items.Front()).(*entry)
				if s.cfg.OnEvict != nil {
					s.cfg.OnEvict(e.buf)
				}
				evicted++
				s.evictedTotal++
				s.drops[pr]++
			}
			if evicted > 0 {
				break
			}
		}
		if s.hasRoom(Urgent) {
			return true
		}
		if evicted == 0 {
			break
		}
	}
	return false
}

func (s *Scheduler) updateFlowControl() {
	total := s.totalCapacity()
	if total == 0 {
		return
	}
	usage := float64(s.totalLen()) / float64(total)
	if usage >= s.cfg.HighWatermark {
		s.active = true
	} else if usage <= s.cfg.LowWatermark {
		s.active = false
	}
}

// Next pops the next frame in strict-priority, FIFO-within-class order, or
// returns (nil, false) if every queue is empty. Stale frames (older than
// StaleAge) are logged as a diagnostic but still returned, never dropped.
func (s *Scheduler) Next() (*bufpool.Buffer, bool) {
	_, buf, ok := s.NextPriority()
	return buf, ok
}

// NextPriority is Next plus the class the frame was served from, so a
// caller that hits ring backpressure can resubmit the frame at the same
// priority instead of silently demoting it to Low.
func (s *Scheduler) NextPriority() (Priority, *bufpool.Buffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for pr := Urgent; pr <= Low; pr++ {
		q := &s.queues[pr]
		if q.items.Len() == 0 {
			continue
		}
		front := q.items.Remove(q.items.Front()).(*entry)
		s.updateFlowControl()

		if age := time.Since(front.enqueued); age > StaleAge && s.log != nil {
			s.log.Warnf("stale frame in %s queue: age=%s", pr, age)
		}
		return pr, front.buf, true
	}
	return 0, nil, false
}

// Active reports whether the flow-control active flag is currently set.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Drops returns the per-priority drop counters.
func (s *Scheduler) Drops() [numPriorities]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}

// Evicted returns the total number of lower-priority entries evicted to
// make room for Urgent admissions.
func (s *Scheduler) Evicted() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictedTotal
}

// Len reports the number of frames currently queued at priority p.
func (s *Scheduler) Len(p Priority) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queues[p].items.Len()
}
