// Package tricom509 implements the nic.Controller capability trait for a
// 3C509B-style ISA programmed-I/O Ethernet adapter: no descriptor ring, no
// DMA, just a window-selected register file and a FIFO data port the driver
// pumps bytes through. The command/status register idiom (a single word
// encoding both a window selector and a command, acknowledged bit by bit)
// follows the same page-indexed register-window pattern the wider pack's
// NE2000 emulation uses for its CR/ISR bytes, adapted from "pages" to the
// 3C509B's "windows".
package tricom509

import (
	"errors"
	"sync"

	"gvisor.dev/gvisor/pkg/tcpip"

	"github.com/tricomnic/driver/bufpool"
	"github.com/tricomnic/driver/dmamap"
	"github.com/tricomnic/driver/internal/telemetry"
	"github.com/tricomnic/driver/nic"
)

// Register offsets, relative to the adapter's I/O base. All windows share
// the command and status ports at offsets 14/14; window-specific registers
// live at 0-13 and change meaning depending on the selected window.
const (
	offCommand = 0x0e
	offStatus  = 0x0e

	offRxFIFO = 0x00
	offTxFIFO = 0x00

	offRxStatus = 0x08 // window 1
	offTxStatus = 0x0b // window 1, byte-wide
)

// Command register: top 5 bits select a command, low 11 bits are an
// argument. SelectWindow is the one this driver issues most.
const (
	cmdSelectWindow  = 0x01 << 11
	cmdStartCoax     = 0x02 << 11
	cmdRxDisable     = 0x03 << 11
	cmdRxEnable      = 0x04 << 11
	cmdRxReset       = 0x05 << 11
	cmdRxDiscard     = 0x08 << 11
	cmdTxEnable      = 0x09 << 11
	cmdTxDisable     = 0x0a << 11
	cmdTxReset       = 0x0b << 11
	cmdSetIntrMask   = 0x0e << 11
	cmdSetRxFilter   = 0x10 << 11
	cmdAckIntr       = 0x0d << 11
	cmdSetRdPtr      = 0x0c << 11
)

// Status register bits (window-independent, offset 0x0e).
const (
	statIntLatch   = 0
	statAdapterFail = 1
	statTxComplete = 2
	statTxAvail    = 4
	statRxComplete = 5
	statRxEarly    = 6
	statIntReq     = 7
	statUpdateStats = 8
)

// RX filter bits for cmdSetRxFilter's argument.
const (
	rxFilterStation    = 0x01
	rxFilterMulticast  = 0x02
	rxFilterBroadcast  = 0x04
	rxFilterPromiscuous = 0x08
)

// RX status word bits read from the FIFO header.
const (
	rxStatusIncomplete = 15
	rxStatusError      = 14
)

const maxFrame = 1518

// NIC implements nic.Controller for one 3C509B adapter instance at a fixed
// I/O base.
type NIC struct {
	mu   sync.Mutex
	io   nic.PortIO
	base uint16
	mac  tcpip.LinkAddress
	log  *telemetry.Logger

	window    int
	rxDeliver func([]byte)
}

// New creates a NIC bound to io at the given I/O base address. mac is the
// station address read from the adapter's EEPROM by an external
// installer-level routine (EEPROM access is out of scope here); it is
// supplied already resolved.
func New(io nic.PortIO, base uint16, mac tcpip.LinkAddress, log *telemetry.Logger) *NIC {
	return &NIC{io: io, base: base, mac: mac, log: log, window: -1}
}

func (n *NIC) selectWindow(w int) {
	if n.window == w {
		return
	}
	n.io.Out16(n.base+offCommand, uint16(cmdSelectWindow)|uint16(w))
	n.window = w
}

func (n *NIC) command(cmd uint16) {
	n.io.Out16(n.base+offCommand, cmd)
}

// Reset issues a full adapter reset and re-applies the station address and
// a sane default RX filter.
func (n *NIC) Reset() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.window = -1
	n.command(cmdRxReset)
	n.command(cmdTxReset)
	n.command(cmdRxDisable)
	n.command(cmdTxDisable)

	n.selectWindow(2)
	for i := 0; i < 6; i++ {
		n.io.Out8(n.base+uint16(i), macByte(n.mac, i))
	}

	n.selectWindow(1)
	n.command(cmdSetRxFilter | rxFilterStation | rxFilterBroadcast)
	n.command(cmdRxEnable)
	n.command(cmdTxEnable)

	if n.log != nil {
		n.log.Infof("tricom509: reset complete")
	}
	return nil
}

func macByte(mac tcpip.LinkAddress, i int) uint8 {
	if i >= len(mac) {
		return 0
	}
	return mac[i]
}

// EnableIRQ unmasks the interrupt classes the driver cares about.
func (n *NIC) EnableIRQ() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.selectWindow(1)
	n.command(cmdSetIntrMask | (1 << statTxComplete) | (1 << statRxComplete) | (1 << statAdapterFail) | (1 << statUpdateStats))
}

// DisableIRQ masks every interrupt source.
func (n *NIC) DisableIRQ() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.selectWindow(1)
	n.command(cmdSetIntrMask)
}

// ReadStatus reads the status register, acknowledges the latched bits, and
// reports link status. The 3C509B has no MII-reported link speed; it is a
// fixed 10Mbps half-duplex coax/TP part, so LinkStatus here always reports
// that fixed configuration when the adapter is not flagged as failed.
func (n *NIC) ReadStatus() (nic.LinkStatus, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	status := n.io.In16(n.base + offStatus)
	n.io.Out16(n.base+offCommand, cmdAckIntr|(status&0x7f))

	if status&(1<<statAdapterFail) != 0 {
		return nic.LinkStatus{Up: false}, errors.New("tricom509: adapter failure latched")
	}

	return nic.LinkStatus{Up: true, SpeedMbps: 10, FullDuplex: false}, nil
}

// ProgramRxFilter updates the hardware receive filter. The 3C509B filter is
// a coarse bitmask (station/broadcast/multicast/promiscuous); an explicit
// multicast address list is not separately programmable in hardware, so the
// multicast argument only toggles the multicast-accept bit.
func (n *NIC) ProgramRxFilter(mode nic.RxFilterMode, multicast []tcpip.LinkAddress) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	filter := uint16(rxFilterStation | rxFilterBroadcast)
	switch mode {
	case nic.FilterPromiscuous:
		filter |= rxFilterPromiscuous
	case nic.FilterMulticast:
		if len(multicast) > 0 {
			filter |= rxFilterMulticast
		}
	}

	n.selectWindow(1)
	n.command(cmdSetRxFilter | filter)
	return nil
}

// TxRingPush writes one frame through the TX FIFO. The 3C509B has no
// descriptor ring and no DMA: mapped is ignored (always nil for this
// chip), and a preamble of two words (total length, then a zero control
// word) is written first, then the frame bytes, 16 bits at a time,
// straight out of buf's payload.
func (n *NIC) TxRingPush(buf *bufpool.Buffer, mapped *dmamap.Mapping) error {
	frame := buf.Payload()
	if len(frame) > maxFrame {
		return errors.New("tricom509: frame exceeds adapter MTU")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	status := n.io.In16(n.base + offStatus)
	if status&(1<<statTxAvail) == 0 {
		return ErrBackpressure
	}

	n.io.Out16(n.base+offTxFIFO, uint16(len(frame)))
	n.io.Out16(n.base+offTxFIFO, 0) // no TX controlword flags used

	for i := 0; i+1 < len(frame); i += 2 {
		word := uint16(frame[i]) | uint16(frame[i+1])<<8
		n.io.Out16(n.base+offTxFIFO, word)
	}
	if len(frame)%2 != 0 {
		n.io.Out8(n.base+offTxFIFO, frame[len(frame)-1])
	}

	return nil
}

// ErrBackpressure is returned by TxRingPush when the FIFO has no room.
var ErrBackpressure = errors.New("tricom509: TX FIFO not available")

// RxRefill drains and returns any complete frame waiting in the RX FIFO,
// reporting how many frames were serviced (0 or 1 — the 3C509B FIFO holds
// exactly one frame's worth of readahead under this driver's usage).
// The frame is handed to rxDeliver; the design keeps RxRefill's signature
// matching the capability trait (a count) by delegating frame delivery to
// a callback set via SetRxDeliver.
func (n *NIC) RxRefill() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	status := n.io.In16(n.base + offStatus)
	if status&(1<<statRxComplete) == 0 {
		return 0
	}

	n.selectWindow(1)
	rxStatus := n.io.In16(n.base + offRxStatus)
	if rxStatus&(1<<rxStatusError) != 0 {
		n.command(cmdRxDiscard)
		if n.log != nil {
			n.log.CountDrop("rx-error")
		}
		return 0
	}

	length := int(rxStatus & 0x7ff)
	if length == 0 || length > maxFrame {
		n.command(cmdRxDiscard)
		return 0
	}

	buf := make([]byte, length)
	for i := 0; i+1 < length; i += 2 {
		word := n.io.In16(n.base + offRxFIFO)
		buf[i] = byte(word)
		buf[i+1] = byte(word >> 8)
	}
	if length%2 != 0 {
		buf[length-1] = n.io.In8(n.base + offRxFIFO)
	}

	n.command(cmdRxDiscard)

	if n.rxDeliver != nil {
		n.rxDeliver(buf)
	}
	return 1
}

// SetRxDeliver installs the callback RxRefill hands completed frames to.
func (n *NIC) SetRxDeliver(fn func([]byte)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rxDeliver = fn
}

// HardwareAddr returns the programmed station address.
func (n *NIC) HardwareAddr() tcpip.LinkAddress { return n.mac }

// MIIRead and MIIWrite are not meaningful on the 3C509B (no PHY, coax/TP
// transceiver selection is a register bit, not an MDIO frame); they return
// the all-ones "no PHY present" convention rather than faking a transaction.
func (n *NIC) MIIRead(phyAddr, reg int) (uint16, error) {
	return 0xffff, errors.New("tricom509: no MII bus present")
}

func (n *NIC) MIIWrite(phyAddr, reg int, data uint16) error {
	return errors.New("tricom509: no MII bus present")
}
