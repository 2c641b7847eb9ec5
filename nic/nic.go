// Package nic defines the small capability trait the core packages (ring,
// bottomhalf, failover, driver) program against, so that tricom509 (PIO) and
// tricom515 (bus-master DMA) can be dispatched over without the core ever
// switching on chip identity. This mirrors the ENET/GVE split in the wider
// pack: one Go interface, multiple register-layout-specific backends.
package nic

import (
	"gvisor.dev/gvisor/pkg/tcpip"

	"github.com/tricomnic/driver/bufpool"
	"github.com/tricomnic/driver/dmamap"
	"github.com/tricomnic/driver/internal/spsc"
	"github.com/tricomnic/driver/ring"
)

// RxFilterMode selects which frames the hardware filter accepts.
type RxFilterMode int

const (
	FilterUnicastOnly RxFilterMode = iota
	FilterPromiscuous
	FilterMulticast
)

// LinkStatus is what ReadStatus / failover's MII polling observes.
type LinkStatus struct {
	Up          bool
	SpeedMbps   int
	FullDuplex  bool
	FlowControl bool
}

// Controller is the capability trait named in the design notes: reset,
// enable_irq, read_status, program_rx_filter, tx_ring_push, rx_refill,
// mii_read, mii_write. Both concrete chips satisfy it with their own
// register layout underneath.
type Controller interface {
	// Reset performs a full hardware reset and re-applies configuration.
	Reset() error
	// EnableIRQ unmasks the controller's interrupt sources.
	EnableIRQ()
	// DisableIRQ masks all interrupt sources, used during shutdown/reset.
	DisableIRQ()
	// ReadStatus reads and acknowledges the pending interrupt/status bits,
	// returning a decoded LinkStatus plus any classified hardware errors
	// via the recovery package's RxError/TxError (reported separately,
	// since this trait only needs link state for failover's purposes).
	ReadStatus() (LinkStatus, error)
	// ProgramRxFilter updates the hardware receive filter.
	ProgramRxFilter(mode RxFilterMode, multicast []tcpip.LinkAddress) error
	// TxRingPush submits one already-allocated, already-mapped buffer for
	// transmission. mapped is nil for a PIO controller that has no DMA
	// mapping to honor. Returns an implementation-specific backpressure
	// error if no descriptor/FIFO room is available.
	TxRingPush(buf *bufpool.Buffer, mapped *dmamap.Mapping) error
	// RxRefill drains and delivers whatever complete frames are currently
	// available, reporting how many were serviced. Delivery happens
	// through the callback installed by SetRxDeliver.
	RxRefill() (refilled int)
	// SetRxDeliver installs the callback RxRefill hands completed payload
	// bytes to, invoked synchronously within RxRefill.
	SetRxDeliver(fn func([]byte))
	// HardwareAddr returns the controller's programmed MAC address.
	HardwareAddr() tcpip.LinkAddress

	MIIBus
}

// MIIBus is the driver-side MDIO frame build/wait idiom, carried from the
// ENET MDIO22 pattern: build a management frame, kick the transaction,
// wait for completion, return the transacted data. Bit-banging and PHY
// self-test stay out of scope; only the read/write surface failover's
// ReadLinkStatus needs is implemented.
type MIIBus interface {
	MIIRead(phyAddr, reg int) (uint16, error)
	MIIWrite(phyAddr, reg int, data uint16) error
}

// RingServicer is implemented by bus-master NICs whose descriptor ring can
// be drained directly from ISR context into an SPSC handoff queue — the
// ISR/bottom-half split the core's worker pipeline is built around. A
// PIO-only NIC (no descriptor ring, just FIFO ports) does not implement it
// and is driven through RxRefill's synchronous direct-delivery path instead;
// the driver package type-asserts for this interface to pick the wiring.
type RingServicer interface {
	// ReclaimTXCompletions drains up to budget completed TX descriptors,
	// paired with the mapping each staged, called from ISR context.
	ReclaimTXCompletions(budget int) []ring.Reclaimed
	// ServiceRX drains up to budget completed RX descriptors into handoff,
	// applying copy-break via the lock-free staging free list, called from
	// ISR context.
	ServiceRX(budget, copyBreak int, staging *bufpool.StagingPool, handoff *spsc.Queue, sourceID int, reserve *ring.Reserve) (serviced int, refillNeeded bool)
	// RefillReserve re-arms descriptors left starved by a prior ServiceRX
	// call once the bottom half has topped reserve back up. Never called
	// from ISR context.
	RefillReserve(reserve *ring.Reserve) (refilled int)
}

// PortIO is the narrow external collaborator for 16-bit I/O port access,
// the real-mode analogue of the memory-mapped register window the ENET
// driver indexes with reg.Read/reg.Write. A production backend issues real
// IN/OUT instructions (or a V86 monitor callback); a test backend is a
// plain map.
type PortIO interface {
	In8(port uint16) uint8
	In16(port uint16) uint16
	Out8(port uint16, val uint8)
	Out16(port uint16, val uint16)
}
