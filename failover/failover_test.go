package failover

import (
	"sync"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"

	"github.com/tricomnic/driver/router"
)

type fakeNIC struct {
	mu      sync.Mutex
	up      bool
	started bool
	startErr error
	sent    [][]byte
	mac     tcpip.LinkAddress
	ip      tcpip.Address
}

func (f *fakeNIC) ReadLinkStatus() (LinkState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return LinkState{Up: f.up}, nil
}

func (f *fakeNIC) setUp(up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.up = up
}

func (f *fakeNIC) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeNIC) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	return nil
}

func (f *fakeNIC) HardwareAddr() tcpip.LinkAddress { return f.mac }
func (f *fakeNIC) IPAddr() tcpip.Address            { return f.ip }

func (f *fakeNIC) Transmit(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeNIC) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeBridge struct {
	mu      sync.Mutex
	flushed []int
}

func (b *fakeBridge) FlushNIC(nic int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushed = append(b.flushed, nic)
	return 1
}

type fakeRouterDecision struct {
	mu  sync.Mutex
	dec router.DefaultDecision
}

func (f *fakeRouterDecision) SetDefaultDecision(d router.DefaultDecision) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dec = d
}

func (f *fakeRouterDecision) get() router.DefaultDecision {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dec
}

// Mirrors the documented scenario: primary down for 3 ticks, secondary up
// for >= 2s, no prior failover. Active swaps to secondary and a
// gratuitous ARP burst is sent.
func TestFailoverSequence(t *testing.T) {
	primary := &fakeNIC{up: true, mac: tcpip.LinkAddress([]byte{1, 2, 3, 4, 5, 6}), ip: tcpip.AddrFrom4([4]byte{10, 0, 0, 1})}
	secondary := &fakeNIC{up: true, mac: tcpip.LinkAddress([]byte{1, 2, 3, 4, 5, 7}), ip: tcpip.AddrFrom4([4]byte{10, 0, 0, 2})}
	bridge := &fakeBridge{}
	dec := &fakeRouterDecision{}

	thresh := DefaultThresholds()
	thresh.LinkStableFor = 0
	thresh.ARPBurstSpacing = time.Millisecond

	s := New(primary, secondary, thresh, bridge, dec, nil)

	s.Tick() // establishes upSince for both

	primary.setUp(false)
	s.Tick()
	s.Tick()
	s.Tick() // third consecutive loss triggers failover

	if s.Active() != 1 {
		t.Fatalf("expected active to swap to secondary (1), got %d", s.Active())
	}

	deadline := time.Now().Add(time.Second)
	for secondary.sentCount() < thresh.ARPBurstCount && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if secondary.sentCount() != thresh.ARPBurstCount {
		t.Fatalf("expected %d gratuitous ARP frames sent, got %d", thresh.ARPBurstCount, secondary.sentCount())
	}

	bridge.mu.Lock()
	flushed := append([]int(nil), bridge.flushed...)
	bridge.mu.Unlock()
	if len(flushed) != 1 || flushed[0] != 0 {
		t.Fatalf("expected bridge entries for nic 0 flushed, got %v", flushed)
	}
}

func TestStormPreventionBlocksSecondFailover(t *testing.T) {
	primary := &fakeNIC{up: true}
	secondary := &fakeNIC{up: true}

	thresh := DefaultThresholds()
	thresh.LinkStableFor = 0
	thresh.StormWindow = time.Hour

	s := New(primary, secondary, thresh, nil, nil, nil)
	s.Tick()

	primary.setUp(false)
	s.Tick()
	s.Tick()
	s.Tick()
	if s.Active() != 1 {
		t.Fatalf("expected first failover to succeed")
	}

	// Secondary now fails too, but storm prevention should still block a
	// second failover within StormWindow even though primary recovers.
	primary.setUp(true)
	secondary.setUp(false)
	s.Tick()
	s.Tick()
	s.Tick()

	if s.Active() != 1 {
		t.Fatalf("expected storm prevention to keep secondary active, got %d", s.Active())
	}
}

func TestDegradedModeWhenBothLinksDown(t *testing.T) {
	primary := &fakeNIC{up: true}
	secondary := &fakeNIC{up: true}
	dec := &fakeRouterDecision{}

	s := New(primary, secondary, DefaultThresholds(), nil, dec, nil)
	s.Tick()

	primary.setUp(false)
	secondary.setUp(false)
	s.Tick()

	if !s.Degraded() {
		t.Fatalf("expected degraded mode with both links down")
	}
	if dec.get() != router.DefaultDrop {
		t.Fatalf("expected default decision set to Drop while degraded")
	}

	secondary.setUp(true)
	s.Tick()

	if s.Degraded() {
		t.Fatalf("expected degraded mode cleared once a link recovers")
	}
	if dec.get() != router.DefaultForward {
		t.Fatalf("expected default decision restored to Forward")
	}
}
