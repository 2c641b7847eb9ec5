// Package recovery classifies hardware error conditions into a closed
// taxonomy with attached severity and remediation hints, tracks a rolling
// error window per NIC, and drives the soft-reset -> hard-reset ->
// reinitialize -> disable escalation ladder. The decoded-tagged-variant
// approach (RxError/TxError as Go types rather than raw status bits)
// follows the same boundary-decoding idiom the ENET driver uses for its
// buffer-descriptor status words, generalized from one fixed bit layout
// to a closed set of named causes any NIC can report into.
package recovery

import (
	"errors"
	"sync"
	"time"

	"github.com/tricomnic/driver/internal/telemetry"
)

// RxError enumerates receive-side hardware error causes.
type RxError int

const (
	RxOverrun RxError = iota
	RxCRC
	RxFrame
	RxLength
	RxAlignment
	RxLateCollision
	RxTimeout
	RxDMA
)

// TxError enumerates transmit-side hardware error causes.
type TxError int

const (
	TxCollision TxError = iota
	TxUnderrun
	TxTimeout
	TxExcessiveCol
	TxCarrierLost
	TxHeartbeat
	TxWindow
	TxDMA
)

// Severity classifies how urgently an error needs attention.
type Severity int

const (
	Info Severity = iota
	Warning
	Critical
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classification is the decoded result of one hardware error observation.
type Classification struct {
	Severity    Severity
	Remediation string
}

var rxClassification = map[RxError]Classification{
	RxOverrun:       {Critical, "raise FIFO threshold"},
	RxCRC:           {Warning, "count and continue"},
	RxFrame:         {Warning, "count and continue"},
	RxLength:        {Warning, "count and continue"},
	RxAlignment:     {Warning, "count and continue"},
	RxLateCollision: {Critical, "check cabling/duplex mismatch"},
	RxTimeout:       {Critical, "reset RX engine"},
	RxDMA:           {Fatal, "reinitialize descriptor ring"},
}

var txClassification = map[TxError]Classification{
	TxCollision:    {Info, "normal on half-duplex"},
	TxUnderrun:     {Warning, "raise TX FIFO threshold"},
	TxTimeout:      {Critical, "reset TX engine"},
	TxExcessiveCol: {Critical, "check cabling/duplex mismatch"},
	TxCarrierLost:  {Critical, "check link/cabling"},
	TxHeartbeat:    {Warning, "count and continue"},
	TxWindow:       {Warning, "count and continue"},
	TxDMA:          {Fatal, "reinitialize descriptor ring"},
}

// ClassifyRx returns the severity and remediation hint for an RX error.
func ClassifyRx(e RxError) Classification { return rxClassification[e] }

// ClassifyTx returns the severity and remediation hint for a TX error.
func ClassifyTx(e TxError) Classification { return txClassification[e] }

// Stage is a position on the escalation ladder.
type Stage int

const (
	StageSoftReset Stage = iota + 1
	StageHardReset
	StageReinitialize
	StageDisabled
)

func (s Stage) String() string {
	switch s {
	case StageSoftReset:
		return "soft-reset"
	case StageHardReset:
		return "hard-reset"
	case StageReinitialize:
		return "reinitialize"
	case StageDisabled:
		return "disabled"
	default:
		return "none"
	}
}

// ErrNICDisabled is returned once the ladder has exhausted every stage.
var ErrNICDisabled = errors.New("recovery: NIC disabled after exhausting recovery ladder")

// Remediator is the per-NIC collaborator the ladder drives.
type Remediator interface {
	SoftReset() error
	HardReset() error
	Reinitialize() error
	Disable() error
	// ReadStatus returns the raw status register for recovery validation;
	// 0xFFFF conventionally means the device is still unresponsive.
	ReadStatus() (uint16, error)
}

// Config tunes the rolling window and retry pacing.
type Config struct {
	WindowDuration    time.Duration // default 60s
	ConsecutiveThresh int           // default 10
	RateThreshold     float64       // default 0.20 (20%)
	RetryDelay        time.Duration // default 1s
	ValidationPoll    time.Duration // polling interval for recovery validation
	ValidationWindow  time.Duration // how long to poll before declaring success
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		WindowDuration:    60 * time.Second,
		ConsecutiveThresh: 10,
		RateThreshold:     0.20,
		RetryDelay:        time.Second,
		ValidationPoll:    10 * time.Millisecond,
		ValidationWindow:  100 * time.Millisecond,
	}
}

type observation struct {
	at      time.Time
	isError bool
}

// Ladder tracks one NIC's rolling error window and drives the escalation
// ladder when thresholds are crossed.
type Ladder struct {
	cfg Config
	rem Remediator
	log *telemetry.Logger

	mu          sync.Mutex
	window      []observation
	consecutive int
	attempt     int
	disabled    bool
	lastAttempt time.Time
}

// NewLadder creates a Ladder for one NIC.
func NewLadder(cfg Config, rem Remediator, log *telemetry.Logger) *Ladder {
	return &Ladder{cfg: cfg, rem: rem, log: log}
}

// RecordError registers one hardware error observation at the given
// severity, and triggers recovery if the thresholds are crossed. For
// Critical/Fatal severities, recovery is attempted unconditionally rather
// than waiting on the rolling window.
func (l *Ladder) RecordError(sev Severity) error {
	l.mu.Lock()
	if l.disabled {
		l.mu.Unlock()
		return ErrNICDisabled
	}

	now := time.Now()
	l.window = append(l.window, observation{at: now, isError: true})
	l.consecutive++
	l.pruneLocked(now)

	shouldRecover := l.consecutive >= l.cfg.ConsecutiveThresh ||
		l.windowedRateLocked() >= l.cfg.RateThreshold ||
		sev >= Critical
	l.mu.Unlock()

	if !shouldRecover {
		return nil
	}
	return l.runLadder()
}

// RecordSuccess registers a successful operation, counting toward the
// rolling window's denominator and resetting the consecutive-error streak.
func (l *Ladder) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.window = append(l.window, observation{at: now, isError: false})
	l.consecutive = 0
	l.pruneLocked(now)
}

func (l *Ladder) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.cfg.WindowDuration)
	i := 0
	for i < len(l.window) && l.window[i].at.Before(cutoff) {
		i++
	}
	l.window = l.window[i:]
}

func (l *Ladder) windowedRateLocked() float64 {
	if len(l.window) == 0 {
		return 0
	}
	errs := 0
	for _, o := range l.window {
		if o.isError {
			errs++
		}
	}
	return float64(errs) / float64(len(l.window))
}

// runLadder advances through the next stage, rate-limited by RetryDelay.
// A successful, validated recovery resets the attempt counter.
func (l *Ladder) runLadder() error {
	l.mu.Lock()
	if since := time.Since(l.lastAttempt); since < l.cfg.RetryDelay && !l.lastAttempt.IsZero() {
		l.mu.Unlock()
		return nil
	}
	l.attempt++
	attempt := l.attempt
	l.lastAttempt = time.Now()
	l.mu.Unlock()

	var stage Stage
	var err error

	switch attempt {
	case 1:
		stage = StageSoftReset
		err = l.rem.SoftReset()
	case 2:
		stage = StageHardReset
		err = l.rem.HardReset()
	case 3:
		stage = StageReinitialize
		err = l.rem.Reinitialize()
	default:
		stage = StageDisabled
		err = l.rem.Disable()
		l.mu.Lock()
		l.disabled = true
		l.mu.Unlock()
		if l.log != nil {
			l.log.Warnf("recovery ladder exhausted, NIC disabled")
		}
		return ErrNICDisabled
	}

	if err != nil {
		if l.log != nil {
			l.log.Warnf("recovery stage %s failed: %v", stage, err)
		}
		return err
	}

	if l.validate() {
		l.mu.Lock()
		l.attempt = 0
		l.consecutive = 0
		l.mu.Unlock()
		if l.log != nil {
			l.log.Infof("recovery stage %s succeeded", stage)
		}
		return nil
	}

	if l.log != nil {
		l.log.Warnf("recovery stage %s did not validate", stage)
	}
	return nil
}

// validate polls the status register for up to ValidationWindow, treating
// 0xFFFF as still-failed and anything else as a success candidate.
func (l *Ladder) validate() bool {
	deadline := time.Now().Add(l.cfg.ValidationWindow)
	for {
		status, err := l.rem.ReadStatus()
		if err == nil && status != 0xFFFF {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(l.cfg.ValidationPoll)
	}
}

// Stage reports the stage most recently attempted: 0 before any attempt and
// after a validated recovery, StageDisabled once the ladder is exhausted.
func (l *Ladder) Stage() Stage {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.disabled:
		return StageDisabled
	case l.attempt >= 3:
		return StageReinitialize
	case l.attempt == 2:
		return StageHardReset
	case l.attempt == 1:
		return StageSoftReset
	default:
		return 0
	}
}

// Disabled reports whether the ladder has permanently disabled the NIC.
func (l *Ladder) Disabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disabled
}
