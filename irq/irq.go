// Package irq is the narrow external collaborator for interrupt trigger
// mode: the ELCR-register analogue the design notes call out ("INT-2F /
// INT-1A BIOS multiplex surface... treat as an external service"). It is
// grounded on the redirection-table trigger-mode bit soc/intel/ioapic
// programs for each vector, trimmed down from a full IOAPIC redirection
// table to the one bit this driver's downward interface actually needs:
// whether a NIC's IRQ line is edge- or level-triggered.
package irq

import "github.com/tricomnic/driver/bits"

// TriggerMode selects edge or level triggering for one IRQ line.
type TriggerMode int

const (
	Edge TriggerMode = iota
	Level
)

// Controller is the narrow trait the core consumes to configure and
// acknowledge IRQ lines; a real backend programs the 8259 PIC's ELCR
// registers (ports 0x4d0/0x4d1) or, on APIC-capable hosts, an IOAPIC
// redirection table entry. Bus enumeration and PIC remapping quirks are
// out of scope; this is only what ISR setup needs, plus restoring trigger
// modes at shutdown.
type Controller interface {
	SetTriggerMode(irqLine int, mode TriggerMode)
	TriggerModeOf(irqLine int) TriggerMode
	Mask(irqLine int)
	Unmask(irqLine int)
}

// PortIO is the 8-bit port accessor this package's ELCR-register
// implementation needs; narrower than nic.PortIO since ELCR access is
// always byte-wide.
type PortIO interface {
	In8(port uint16) uint8
	Out8(port uint16, val uint8)
}

const (
	elcr1 = 0x4d0 // IRQ0-7
	elcr2 = 0x4d1 // IRQ8-15
)

// ELCR programs the PC/AT 8259 pair's Edge/Level Control Registers
// directly, the real-mode analogue of an IOAPIC redirection table entry's
// trigger-mode bit.
type ELCR struct {
	io PortIO
}

// NewELCR binds an ELCR controller to io.
func NewELCR(io PortIO) *ELCR { return &ELCR{io: io} }

func elcrPort(irqLine int) (port uint16, bit int) {
	if irqLine < 8 {
		return elcr1, irqLine
	}
	return elcr2, irqLine - 8
}

// SetTriggerMode sets irqLine's ELCR bit: 1 for level, 0 for edge.
func (e *ELCR) SetTriggerMode(irqLine int, mode TriggerMode) {
	port, bit := elcrPort(irqLine)
	v := uint16(e.io.In8(port))
	bits.SetTo(&v, bit, mode == Level)
	e.io.Out8(port, uint8(v))
}

// TriggerModeOf reports irqLine's currently programmed trigger mode.
func (e *ELCR) TriggerModeOf(irqLine int) TriggerMode {
	port, bit := elcrPort(irqLine)
	v := uint16(e.io.In8(port))
	if bits.Get(&v, bit, 1) != 0 {
		return Level
	}
	return Edge
}

// Mask and Unmask are no-ops on a bare ELCR controller: masking is a PIC
// IMR operation, not an ELCR one, and this collaborator's sole job per
// the design notes is the trigger-mode bit. A production backend composing
// ELCR with IMR access would override these; tests exercise SetTriggerMode
// directly.
func (e *ELCR) Mask(irqLine int)   {}
func (e *ELCR) Unmask(irqLine int) {}
