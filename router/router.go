// Package router implements the frame-forwarding decision engine: Ethernet
// header parsing, bridge-table MAC learning with aging, ordered
// routing-rule matching, anti-loop, and per-ingress-NIC rate limiting.
// Ethernet (and, for IGMP detection, IPv4) header parsing uses gvisor's
// tcpip/header package, the
// same network-stack-grade parser the wider retrieval pack's netdevice
// client uses rather than hand-rolled byte slicing.
package router

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/tricomnic/driver/internal/telemetry"
)

// Disposition is the router's decision for one received frame.
type Disposition int

const (
	DispositionDrop Disposition = iota
	DispositionBroadcast
	DispositionMulticast
	DispositionForward
	DispositionDeliver  // no rule/bridge match and default decision is Forward-to-self/upward
	DispositionLoopback // rule-forced echo back out the ingress NIC
)

// DefaultDecision selects what happens to a frame with no rule or bridge
// match; the failover supervisor flips this to Drop while Degraded.
type DefaultDecision int

const (
	DefaultForward DefaultDecision = iota
	DefaultDrop
)

// Decision is the router's verdict plus, for Forward, which NIC to use.
type Decision struct {
	Disposition Disposition
	DestNIC     int
}

// RuleKind distinguishes the two matchable selectors: a masked MAC
// compare and an ethertype compare.
type RuleKind int

const (
	RuleMACMatch RuleKind = iota
	RuleEthertype
)

// Rule is one ordered routing rule. Decision is the verdict applied when
// the selector matches: Forward uses DestNIC, Broadcast/Multicast/Drop/
// Loopback ignore it. The zero value (DispositionDrop) is a deliberate,
// fail-closed default for a caller-constructed Rule that forgot to set one.
type Rule struct {
	Kind RuleKind

	MAC     tcpip.LinkAddress
	MACMask [header.EthernetAddressSize]byte

	Ethertype tcpip.NetworkProtocolNumber

	Decision Disposition
	DestNIC  int
}

func (r Rule) matches(dst tcpip.LinkAddress, ethertype tcpip.NetworkProtocolNumber) bool {
	switch r.Kind {
	case RuleMACMatch:
		if len(dst) != header.EthernetAddressSize {
			return false
		}
		for i := 0; i < header.EthernetAddressSize; i++ {
			if dst[i]&r.MACMask[i] != r.MAC[i]&r.MACMask[i] {
				return false
			}
		}
		return true
	case RuleEthertype:
		return ethertype == r.Ethertype
	default:
		return false
	}
}

type bridgeEntry struct {
	nic      int
	lastSeen time.Time
	elem     *list.Element // position in lru, for O(1) touch/evict
}

// DefaultMaxBridgeEntries bounds the bridge table; insertion past this
// count evicts the oldest-last-seen entry first (LRU).
const DefaultMaxBridgeEntries = 512

// Config tunes aging and the default decision.
type Config struct {
	AgingInterval   time.Duration // default 300s
	RateLimitHz     float64       // per-NIC frames/sec, 0 disables
	DefaultDecision DefaultDecision
	MaxBridgeEntries int // default 512; 0 is replaced by DefaultMaxBridgeEntries
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		AgingInterval:    300 * time.Second,
		DefaultDecision:  DefaultForward,
		MaxBridgeEntries: DefaultMaxBridgeEntries,
	}
}

// Router holds bridge-table and rule state for the whole multi-NIC system;
// it runs only in bottom-half (task) context.
type Router struct {
	mu     sync.Mutex
	cfg    Config
	bridge map[tcpip.LinkAddress]*bridgeEntry
	// lru orders entries oldest-last-seen-first (front) to
	// newest (back); every touch moves an entry to the back, so the
	// front is always the eviction candidate when bridge grows past
	// cfg.MaxBridgeEntries.
	lru    *list.List
	rules  []Rule
	limits map[int]*rate.Limiter
	log    *telemetry.Logger

	defaultDecision DefaultDecision
	rateLimitHz     float64
	maxBridge       int

	droppedShort  uint64
	droppedRate   map[int]uint64
	bridgeEvicted uint64
}

// New creates a Router.
func New(cfg Config, log *telemetry.Logger) *Router {
	max := cfg.MaxBridgeEntries
	if max <= 0 {
		max = DefaultMaxBridgeEntries
	}
	return &Router{
		cfg:             cfg,
		bridge:          make(map[tcpip.LinkAddress]*bridgeEntry),
		lru:             list.New(),
		limits:          make(map[int]*rate.Limiter),
		log:             log,
		defaultDecision: cfg.DefaultDecision,
		rateLimitHz:     cfg.RateLimitHz,
		maxBridge:       max,
		droppedRate:     make(map[int]uint64),
	}
}

// AddRule appends a routing rule to the end of the ordered rule list.
func (r *Router) AddRule(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
}

// RemoveRule removes every rule matching selector exactly (by value).
func (r *Router) RemoveRule(selector Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.rules[:0]
	for _, r2 := range r.rules {
		if r2 != selector {
			out = append(out, r2)
		}
	}
	r.rules = out
}

// SetDefaultDecision is the failover supervisor's hook into degraded
// mode: a locked write standing in for the brief interrupt mask the data
// path needs to see a single consistent snapshot.
func (r *Router) SetDefaultDecision(d DefaultDecision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultDecision = d
}

func (r *Router) limiterFor(nic int) *rate.Limiter {
	if r.rateLimitHz <= 0 {
		return nil
	}
	l, ok := r.limits[nic]
	if !ok {
		l = rate.NewLimiter(rate.Limit(r.rateLimitHz), int(r.rateLimitHz)+1)
		r.limits[nic] = l
	}
	return l
}

// Dispatch parses frame, learns its source MAC, applies rate limiting,
// rules, and bridge lookup, and returns the resulting Decision.
func (r *Router) Dispatch(srcNIC int, frame []byte) Decision {
	if len(frame) < header.EthernetMinimumSize {
		r.mu.Lock()
		r.droppedShort++
		r.mu.Unlock()
		return Decision{Disposition: DispositionDrop}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if l := r.limiterFor(srcNIC); l != nil && !l.Allow() {
		r.droppedRate[srcNIC]++
		if r.log != nil {
			r.log.CountDrop("router-rate-limit")
		}
		return Decision{Disposition: DispositionDrop}
	}

	eth := header.Ethernet(frame)
	src := eth.SourceAddress()
	dst := eth.DestinationAddress()
	ethertype := eth.Type()

	r.learn(src, srcNIC)

	if isBroadcast(dst) {
		return Decision{Disposition: DispositionBroadcast}
	}

	if isMulticast(dst) {
		if isIGMP(frame, ethertype) {
			// IGMP frames get the broadcast disposition; every other
			// multicast frame gets DispositionMulticast.
			return Decision{Disposition: DispositionBroadcast}
		}
		return Decision{Disposition: DispositionMulticast}
	}

	for _, rule := range r.rules {
		if !rule.matches(dst, ethertype) {
			continue
		}
		switch rule.Decision {
		case DispositionForward:
			if rule.DestNIC == srcNIC {
				// Anti-loop: a rule forwarding back toward its own
				// ingress NIC is rejected the same as a bridge hit.
				return Decision{Disposition: DispositionDrop}
			}
			return Decision{Disposition: DispositionForward, DestNIC: rule.DestNIC}
		case DispositionLoopback:
			return Decision{Disposition: DispositionLoopback, DestNIC: srcNIC}
		case DispositionBroadcast:
			return Decision{Disposition: DispositionBroadcast}
		case DispositionMulticast:
			return Decision{Disposition: DispositionMulticast}
		default:
			return Decision{Disposition: DispositionDrop}
		}
	}

	if be, ok := r.bridge[dst]; ok {
		if be.nic == srcNIC {
			// Anti-loop: never forward back toward the source NIC.
			return Decision{Disposition: DispositionDrop}
		}
		return Decision{Disposition: DispositionForward, DestNIC: be.nic}
	}

	if r.defaultDecision == DefaultDrop {
		return Decision{Disposition: DispositionDrop}
	}
	return Decision{Disposition: DispositionDeliver}
}

func (r *Router) learn(mac tcpip.LinkAddress, nic int) {
	if be, ok := r.bridge[mac]; ok {
		be.nic = nic
		be.lastSeen = time.Now()
		r.lru.MoveToBack(be.elem)
		return
	}

	if len(r.bridge) >= r.maxBridge {
		r.evictOldestLocked()
	}

	be := &bridgeEntry{nic: nic, lastSeen: time.Now()}
	be.elem = r.lru.PushBack(mac)
	r.bridge[mac] = be
}

// evictOldestLocked removes the least-recently-seen bridge entry. Caller
// holds r.mu. The front of lru is always the oldest lastSeen, since every
// learn() touch moves its entry to the back.
func (r *Router) evictOldestLocked() {
	front := r.lru.Front()
	if front == nil {
		return
	}
	mac := front.Value.(tcpip.LinkAddress)
	delete(r.bridge, mac)
	r.lru.Remove(front)
	r.bridgeEvicted++
}

// Lookup reports the bridge table's current entry for mac, for tests and
// diagnostics.
func (r *Router) Lookup(mac tcpip.LinkAddress) (nic int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	be, ok := r.bridge[mac]
	if !ok {
		return 0, false
	}
	return be.nic, true
}

// AgeBridgeTable removes entries whose last-seen time is older than the
// configured aging interval. Intended to be called periodically by the
// bottom half, not from the ISR.
func (r *Router) AgeBridgeTable() (removed int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.cfg.AgingInterval)
	for mac, be := range r.bridge {
		if be.lastSeen.Before(cutoff) {
			delete(r.bridge, mac)
			r.lru.Remove(be.elem)
			removed++
		}
	}
	return removed
}

// FlushNIC removes every bridge entry pointing at nic, used by the
// failover supervisor when a NIC fails.
func (r *Router) FlushNIC(nic int) (removed int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for mac, be := range r.bridge {
		if be.nic == nic {
			delete(r.bridge, mac)
			r.lru.Remove(be.elem)
			removed++
		}
	}
	return removed
}

// BridgeEvicted reports how many bridge entries have been evicted by the
// LRU policy because the table was at MaxBridgeEntries.
func (r *Router) BridgeEvicted() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bridgeEvicted
}

// BridgeLen reports the bridge table's current entry count, for tests and
// diagnostics.
func (r *Router) BridgeLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bridge)
}

func isBroadcast(mac tcpip.LinkAddress) bool {
	if len(mac) != header.EthernetAddressSize {
		return false
	}
	for i := 0; i < header.EthernetAddressSize; i++ {
		if mac[i] != 0xFF {
			return false
		}
	}
	return true
}

func isMulticast(mac tcpip.LinkAddress) bool {
	return len(mac) == header.EthernetAddressSize && mac[0]&0x01 != 0
}

func isIGMP(frame []byte, ethertype tcpip.NetworkProtocolNumber) bool {
	if ethertype != header.IPv4ProtocolNumber {
		return false
	}
	if len(frame) < header.EthernetMinimumSize+header.IPv4MinimumSize {
		return false
	}
	ip := header.IPv4(frame[header.EthernetMinimumSize:])
	return ip.TransportProtocol() == header.IGMPProtocolNumber
}
