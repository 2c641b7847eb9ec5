// Package telemetry is the driver's ambient logging surface: plain
// log.Printf calls at call sites, the same texture used throughout the
// pack's drivers (e.g. "imx6_usb: setup error, %v"), plus per-cause drop
// counters and a rate limiter so a wedged NIC logging every dropped frame
// cannot itself become the bottleneck.
package telemetry

import (
	"log"
	"sync"

	"golang.org/x/time/rate"
)

// Logger wraps a *log.Logger with a rate limiter shared across every
// warning it emits, and a set of named drop counters.
type Logger struct {
	l       *log.Logger
	limiter *rate.Limiter
	prefix  string

	mu         sync.Mutex
	dropped    map[string]uint64
	suppressed uint64
}

// New creates a Logger writing through std with the given tag prefix
// (e.g. "tricom515"), rate-limited to rps log lines per second with a
// burst of burst.
func New(prefix string, std *log.Logger, rps float64, burst int) *Logger {
	if std == nil {
		std = log.Default()
	}
	return &Logger{
		l:       std,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		prefix:  prefix,
		dropped: make(map[string]uint64),
	}
}

// Warnf logs a rate-limited warning. Calls beyond the limiter's budget are
// counted (see Suppressed) and dropped rather than printed.
func (t *Logger) Warnf(format string, args ...interface{}) {
	if !t.limiter.Allow() {
		t.mu.Lock()
		t.suppressed++
		t.mu.Unlock()
		return
	}
	t.l.Printf(t.prefix+": "+format, args...)
}

// Infof logs unconditionally; informational lines are not rate-limited
// since they are expected to be low-frequency (link state changes,
// recovery ladder transitions).
func (t *Logger) Infof(format string, args ...interface{}) {
	t.l.Printf(t.prefix+": "+format, args...)
}

// CountDrop increments the named drop counter (e.g. "rx-no-buffer",
// "tx-backpressure") and logs a warning through Warnf on every call, so the
// shared limiter decides which of them are printed.
func (t *Logger) CountDrop(cause string) {
	t.mu.Lock()
	t.dropped[cause]++
	n := t.dropped[cause]
	t.mu.Unlock()

	t.Warnf("drop[%s]: %d total", cause, n)
}

// Drops returns a snapshot of all drop counters by cause.
func (t *Logger) Drops() map[string]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]uint64, len(t.dropped))
	for k, v := range t.dropped {
		out[k] = v
	}
	return out
}

// Suppressed reports how many warning lines were dropped by the rate
// limiter rather than printed.
func (t *Logger) Suppressed() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suppressed
}
