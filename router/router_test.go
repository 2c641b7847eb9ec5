package router

import (
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

func mac(b byte) tcpip.LinkAddress {
	return tcpip.LinkAddress([]byte{0, 0, 0, 0, 0, b})
}

func buildFrame(dst, src tcpip.LinkAddress, ethertype tcpip.NetworkProtocolNumber, payload []byte) []byte {
	buf := make([]byte, header.EthernetMinimumSize+len(payload))
	eth := header.Ethernet(buf)
	eth.Encode(&header.EthernetFields{
		SrcAddr: src,
		DstAddr: dst,
		Type:    ethertype,
	})
	copy(buf[header.EthernetMinimumSize:], payload)
	return buf
}

func TestShortFrameDropped(t *testing.T) {
	r := New(DefaultConfig(), nil)
	d := r.Dispatch(0, []byte{1, 2, 3})
	if d.Disposition != DispositionDrop {
		t.Fatalf("expected drop for short frame, got %v", d.Disposition)
	}
}

func TestBroadcastFrame(t *testing.T) {
	r := New(DefaultConfig(), nil)
	frame := buildFrame(tcpip.LinkAddress([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}), mac(1), header.IPv4ProtocolNumber, nil)

	d := r.Dispatch(0, frame)
	if d.Disposition != DispositionBroadcast {
		t.Fatalf("expected broadcast disposition, got %v", d.Disposition)
	}
}

func TestBridgeLearningUpdatesToMostRecentNIC(t *testing.T) {
	r := New(DefaultConfig(), nil)
	m := mac(9)

	frame := buildFrame(mac(2), m, header.IPv4ProtocolNumber, nil)
	r.Dispatch(0, frame)
	if nic, ok := r.Lookup(m); !ok || nic != 0 {
		t.Fatalf("expected learned nic 0, got %d, ok=%v", nic, ok)
	}

	r.Dispatch(1, frame)
	if nic, ok := r.Lookup(m); !ok || nic != 1 {
		t.Fatalf("expected learned nic updated to 1, got %d, ok=%v", nic, ok)
	}
}

func TestBridgeForwardAntiLoop(t *testing.T) {
	r := New(DefaultConfig(), nil)
	dst := mac(5)

	// Learn dst on NIC 1.
	r.Dispatch(1, buildFrame(mac(2), dst, header.IPv4ProtocolNumber, nil))

	// A frame arriving ON nic 1 destined for dst (also learned on nic 1)
	// must be dropped, not forwarded back to its own source.
	d := r.Dispatch(1, buildFrame(dst, mac(3), header.IPv4ProtocolNumber, nil))
	if d.Disposition != DispositionDrop {
		t.Fatalf("expected anti-loop drop, got %v", d.Disposition)
	}

	// The same destination, arriving on a different NIC, forwards to 1.
	d = r.Dispatch(0, buildFrame(dst, mac(4), header.IPv4ProtocolNumber, nil))
	if d.Disposition != DispositionForward || d.DestNIC != 1 {
		t.Fatalf("expected forward to nic 1, got %+v", d)
	}
}

func TestAgingRemovesStaleEntries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AgingInterval = time.Millisecond
	r := New(cfg, nil)

	r.Dispatch(0, buildFrame(mac(2), mac(9), header.IPv4ProtocolNumber, nil))
	time.Sleep(5 * time.Millisecond)

	removed := r.AgeBridgeTable()
	if removed != 1 {
		t.Fatalf("expected 1 aged-out entry, got %d", removed)
	}
	if _, ok := r.Lookup(mac(9)); ok {
		t.Fatalf("expected aged entry to be gone")
	}
}

func TestRuleMatchTakesPrecedenceOverBridge(t *testing.T) {
	r := New(DefaultConfig(), nil)
	dst := mac(7)

	// Learn dst on NIC 0 via the bridge table.
	r.Dispatch(0, buildFrame(mac(2), dst, header.IPv4ProtocolNumber, nil))

	r.AddRule(Rule{
		Kind:     RuleMACMatch,
		MAC:      dst,
		MACMask:  [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
		Decision: DispositionForward,
		DestNIC:  3,
	})

	d := r.Dispatch(1, buildFrame(dst, mac(2), header.IPv4ProtocolNumber, nil))
	if d.Disposition != DispositionForward || d.DestNIC != 3 {
		t.Fatalf("expected rule match to forward to nic 3, got %+v", d)
	}
}

func TestRuleLoopbackEchoesSourceNIC(t *testing.T) {
	r := New(DefaultConfig(), nil)
	dst := mac(8)

	r.AddRule(Rule{
		Kind:     RuleMACMatch,
		MAC:      dst,
		MACMask:  [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
		Decision: DispositionLoopback,
	})

	d := r.Dispatch(2, buildFrame(dst, mac(1), header.IPv4ProtocolNumber, nil))
	if d.Disposition != DispositionLoopback || d.DestNIC != 2 {
		t.Fatalf("expected loopback to ingress nic 2, got %+v", d)
	}
}

func TestRuleWithZeroDecisionDropsFailClosed(t *testing.T) {
	r := New(DefaultConfig(), nil)
	dst := mac(8)

	// A Rule built without setting Decision defaults to DispositionDrop
	// (the zero value), not Forward — fail-closed for a caller mistake.
	r.AddRule(Rule{
		Kind:    RuleMACMatch,
		MAC:     dst,
		MACMask: [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
	})

	d := r.Dispatch(0, buildFrame(dst, mac(1), header.IPv4ProtocolNumber, nil))
	if d.Disposition != DispositionDrop {
		t.Fatalf("expected zero-value rule decision to drop, got %v", d.Disposition)
	}
}

func TestDefaultDecisionDrop(t *testing.T) {
	r := New(DefaultConfig(), nil)
	r.SetDefaultDecision(DefaultDrop)

	d := r.Dispatch(0, buildFrame(mac(6), mac(2), header.IPv4ProtocolNumber, nil))
	if d.Disposition != DispositionDrop {
		t.Fatalf("expected drop under DefaultDrop with no bridge/rule match, got %v", d.Disposition)
	}
}

func TestBridgeTableEvictsOldestWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBridgeEntries = 3
	r := New(cfg, nil)

	r.Dispatch(0, buildFrame(mac(2), mac(1), header.IPv4ProtocolNumber, nil))
	r.Dispatch(0, buildFrame(mac(2), mac(2), header.IPv4ProtocolNumber, nil))
	r.Dispatch(0, buildFrame(mac(2), mac(3), header.IPv4ProtocolNumber, nil))

	if got := r.BridgeLen(); got != 3 {
		t.Fatalf("expected 3 entries before overflow, got %d", got)
	}

	// A fourth distinct source MAC should evict mac(1), the
	// least-recently-seen entry.
	r.Dispatch(0, buildFrame(mac(2), mac(4), header.IPv4ProtocolNumber, nil))

	if got := r.BridgeLen(); got != 3 {
		t.Fatalf("expected bridge table capped at 3, got %d", got)
	}
	if _, ok := r.Lookup(mac(1)); ok {
		t.Fatalf("expected oldest entry (mac 1) to be evicted")
	}
	if _, ok := r.Lookup(mac(4)); !ok {
		t.Fatalf("expected newly learned mac 4 to be present")
	}
	if r.BridgeEvicted() != 1 {
		t.Fatalf("expected 1 eviction counted, got %d", r.BridgeEvicted())
	}
}

func TestBridgeTableTouchDefersEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBridgeEntries = 2
	r := New(cfg, nil)

	r.Dispatch(0, buildFrame(mac(9), mac(1), header.IPv4ProtocolNumber, nil))
	r.Dispatch(0, buildFrame(mac(9), mac(2), header.IPv4ProtocolNumber, nil))
	// Re-touch mac(1) so it is no longer the oldest.
	r.Dispatch(0, buildFrame(mac(9), mac(1), header.IPv4ProtocolNumber, nil))
	// mac(3) now overflows the table; mac(2) should be evicted instead
	// of mac(1), since mac(1) was just refreshed.
	r.Dispatch(0, buildFrame(mac(9), mac(3), header.IPv4ProtocolNumber, nil))

	if _, ok := r.Lookup(mac(2)); ok {
		t.Fatalf("expected mac 2 to be evicted as the untouched entry")
	}
	if _, ok := r.Lookup(mac(1)); !ok {
		t.Fatalf("expected mac 1 to survive after being touched")
	}
}

func TestFlushNICRemovesOnlyMatchingEntries(t *testing.T) {
	r := New(DefaultConfig(), nil)

	r.Dispatch(0, buildFrame(mac(2), mac(10), header.IPv4ProtocolNumber, nil))
	r.Dispatch(1, buildFrame(mac(2), mac(11), header.IPv4ProtocolNumber, nil))

	removed := r.FlushNIC(0)
	if removed != 1 {
		t.Fatalf("expected 1 entry flushed for nic 0, got %d", removed)
	}
	if _, ok := r.Lookup(mac(10)); ok {
		t.Fatalf("expected nic 0's entry to be flushed")
	}
	if _, ok := r.Lookup(mac(11)); !ok {
		t.Fatalf("expected nic 1's entry to survive")
	}
}
