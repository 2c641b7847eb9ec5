// Package failover implements the link-failover supervisor: per-tick link
// polling, debounced failover/failback, storm prevention, a degraded mode
// when both links are down, and the gratuitous ARP burst sent after a
// failover so peers refresh their neighbor caches. ARP construction uses
// gvisor's tcpip/header.ARP, the same wire-format package the router uses
// for Ethernet parsing.
package failover

import (
	"errors"
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/tricomnic/driver/internal/telemetry"
	"github.com/tricomnic/driver/router"
)

// LinkState is what the MII collaborator reports for one NIC.
type LinkState struct {
	Up     bool
	Speed  int
	Duplex bool
}

// NIC is the supervisor's view of one managed interface: link polling,
// start/stop, and enough identity to build a gratuitous ARP.
type NIC interface {
	ReadLinkStatus() (LinkState, error)
	Start() error
	Stop() error
	HardwareAddr() tcpip.LinkAddress
	IPAddr() tcpip.Address
	Transmit(frame []byte) error
}

// BridgeFlusher is the router's FlushNIC hook, called on failover so stale
// bridge entries pointing at the failed NIC are evicted.
type BridgeFlusher interface {
	FlushNIC(nic int) int
}

// DefaultDecisionSetter is the router's SetDefaultDecision hook.
type DefaultDecisionSetter interface {
	SetDefaultDecision(router.DefaultDecision)
}

// Thresholds tunes the debounce and burst parameters. New uses the values
// as given, zeros included; DefaultThresholds returns the defaults noted
// on each field.
type Thresholds struct {
	LossThreshold   int           // consecutive losses before failover, default 3
	LinkStableFor   time.Duration // peer must be up this long, default 2s
	StormWindow     time.Duration // refuse another failover within this window, default 5s
	FailbackAfter   time.Duration // primary up this long triggers failback, default 10s
	ARPBurstCount   int           // default 3
	ARPBurstSpacing time.Duration // default 100ms
	TickInterval    time.Duration // default 1s
}

// DefaultThresholds matches the documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LossThreshold:   3,
		LinkStableFor:   2 * time.Second,
		StormWindow:     5 * time.Second,
		FailbackAfter:   10 * time.Second,
		ARPBurstCount:   3,
		ARPBurstSpacing: 100 * time.Millisecond,
		TickInterval:    time.Second,
	}
}

// ErrBothFailed is returned when a failover target fails to start and the
// attempt to restart the original also fails.
var ErrBothFailed = errors.New("failover: target start failed and original restart also failed")

const (
	primaryIdx   = 0
	secondaryIdx = 1
)

// Supervisor runs the failover state machine for one primary/secondary
// pair.
type Supervisor struct {
	nics   [2]NIC
	thresh Thresholds
	bridge BridgeFlusher
	router DefaultDecisionSetter
	log    *telemetry.Logger

	mu           sync.Mutex
	active       int // primaryIdx or secondaryIdx
	lossCount    [2]int
	upSince      [2]time.Time
	degraded     bool
	lastFailover time.Time

	stop chan struct{}
	done chan struct{}
}

// New creates a Supervisor over primary/secondary, both initially assumed
// down until the first tick observes their link state.
func New(primary, secondary NIC, thresh Thresholds, bridge BridgeFlusher, router DefaultDecisionSetter, log *telemetry.Logger) *Supervisor {
	return &Supervisor{
		nics:   [2]NIC{primary, secondary},
		thresh: thresh,
		bridge: bridge,
		router: router,
		log:    log,
		active: primaryIdx,
	}
}

// Active reports which index (0 = primary, 1 = secondary) is currently
// active.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Degraded reports whether both links were observed down on the last
// tick.
func (s *Supervisor) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Start launches the polling goroutine.
func (s *Supervisor) Start() {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.thresh.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.Tick()
			}
		}
	}()
}

// Stop halts the polling goroutine.
func (s *Supervisor) Stop(timeout time.Duration) bool {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.mu.Unlock()
	if stop == nil {
		return true
	}
	close(stop)
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Tick runs one check cycle: read both links, update counters, and act.
// Exported so tests can drive the state machine deterministically instead
// of racing a real ticker.
func (s *Supervisor) Tick() {
	states := [2]LinkState{}
	for i, nic := range s.nics {
		st, err := nic.ReadLinkStatus()
		if err != nil {
			st = LinkState{Up: false}
		}
		states[i] = st
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for i, st := range states {
		if st.Up {
			if s.lossCount[i] != 0 || s.upSince[i].IsZero() {
				s.upSince[i] = now
			}
			s.lossCount[i] = 0
		} else {
			s.lossCount[i]++
			s.upSince[i] = time.Time{}
		}
	}

	bothDown := !states[0].Up && !states[1].Up
	if bothDown {
		if !s.degraded {
			s.degraded = true
			if s.router != nil {
				s.router.SetDefaultDecision(router.DefaultDrop)
			}
			if s.log != nil {
				s.log.Infof("both links down, entering degraded mode")
			}
		}
		return
	}

	if s.degraded {
		s.degraded = false
		// Recovered: prefer whichever NIC is now up as active.
		for i, st := range states {
			if st.Up {
				s.active = i
				break
			}
		}
		if s.router != nil {
			s.router.SetDefaultDecision(router.DefaultForward)
		}
		if s.log != nil {
			s.log.Infof("link recovered, exiting degraded mode, active=%d", s.active)
		}
	}

	peer := 1 - s.active
	if s.lossCount[s.active] >= s.thresh.LossThreshold &&
		!s.upSince[peer].IsZero() &&
		now.Sub(s.upSince[peer]) >= s.thresh.LinkStableFor &&
		now.Sub(s.lastFailover) >= s.thresh.StormWindow {
		s.doFailoverLocked(peer, now)
		return
	}

	// Failback: secondary active, primary stable for FailbackAfter.
	if s.active == secondaryIdx &&
		!s.upSince[primaryIdx].IsZero() &&
		now.Sub(s.upSince[primaryIdx]) >= s.thresh.FailbackAfter &&
		now.Sub(s.lastFailover) >= s.thresh.StormWindow {
		s.doFailoverLocked(primaryIdx, now)
	}
}

// doFailoverLocked performs the swap to target; caller holds s.mu.
func (s *Supervisor) doFailoverLocked(target int, now time.Time) {
	failing := s.active

	if err := s.nics[failing].Stop(); err != nil && s.log != nil {
		s.log.Warnf("failover: stop of nic %d failed: %v", failing, err)
	}

	if err := s.nics[target].Start(); err != nil {
		if s.log != nil {
			s.log.Warnf("failover: start of nic %d failed: %v, attempting to restore %d", target, err, failing)
		}
		if err2 := s.nics[failing].Start(); err2 != nil {
			s.degraded = true
			if s.router != nil {
				s.router.SetDefaultDecision(router.DefaultDrop)
			}
			if s.log != nil {
				s.log.Warnf("failover: restart of nic %d also failed: %v, entering degraded mode", failing, err2)
			}
			return
		}
		return
	}

	s.active = target
	s.lastFailover = now

	if s.bridge != nil {
		s.bridge.FlushNIC(failing)
	}

	go s.sendGratuitousARPBurst(s.nics[target])
}

func (s *Supervisor) sendGratuitousARPBurst(nic NIC) {
	for i := 0; i < s.thresh.ARPBurstCount; i++ {
		frame := buildGratuitousARP(nic.HardwareAddr(), nic.IPAddr())
		if err := nic.Transmit(frame); err != nil && s.log != nil {
			s.log.Warnf("gratuitous ARP transmit failed: %v", err)
		}
		if i < s.thresh.ARPBurstCount-1 {
			time.Sleep(s.thresh.ARPBurstSpacing)
		}
	}
}

// buildGratuitousARP builds a standard RFC-style gratuitous ARP: sender IP
// equals target IP, sender MAC is the new NIC's hardware address, wrapped
// in an Ethernet II broadcast frame.
func buildGratuitousARP(mac tcpip.LinkAddress, ip tcpip.Address) []byte {
	buf := make([]byte, header.EthernetMinimumSize+header.ARPSize)

	eth := header.Ethernet(buf)
	eth.Encode(&header.EthernetFields{
		SrcAddr: mac,
		DstAddr: tcpip.LinkAddress([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}),
		Type:    header.ARPProtocolNumber,
	})

	arp := header.ARP(buf[header.EthernetMinimumSize:])
	arp.SetIPv4OverEthernet()
	arp.SetOp(header.ARPRequest)
	copy(arp.HardwareAddressSender(), mac)
	copy(arp.ProtocolAddressSender(), ip.AsSlice())
	copy(arp.HardwareAddressTarget(), mac)
	copy(arp.ProtocolAddressTarget(), ip.AsSlice())

	return buf
}
