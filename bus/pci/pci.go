// Package pci is the narrow external collaborator for PCI configuration
// space access: CONFIG_ADDRESS/CONFIG_DATA indexed reads and writes, slot
// enumeration, and base-address-register decoding, adapted from
// soc/intel/pci's Device type. Bus enumeration quirks and the INT 2Fh BIOS
// multiplex surface stay out of scope; this package gives the driver just
// enough to discover an adapter's I/O base before constructing its
// register-level controller.
package pci

import "github.com/tricomnic/driver/nic"

const (
	configAddress = 0x0cf8
	configData    = 0x0cfc
)

const (
	// MaxBuses bounds a full-system scan.
	MaxBuses   = 256
	maxDevices = 32
)

// Header type 0x0 offsets this package understands.
const (
	OffVendorID = 0x00
	OffCommand  = 0x04
	OffBar0     = 0x10
)

// Device addresses one PCI function's configuration space.
type Device struct {
	io nic.PortIO

	// Bus number
	Bus uint32
	// PCI slot
	Slot uint32
	// Vendor ID, filled by probe
	Vendor uint16
	// Device ID, filled by probe
	Device uint16
}

// NewDevice binds a Device to io at the given bus and slot.
func NewDevice(io nic.PortIO, bus, slot uint32) *Device {
	return &Device{io: io, Bus: bus, Slot: slot}
}

func (d *Device) address(fn uint32, off uint32) uint32 {
	return 1<<31 | d.Bus<<16 | d.Slot<<11 | fn<<8 | off&0xfc
}

// out32/in32 compose the two halves of a 32-bit access out of the 16-bit
// PortIO primitive every NIC's register window already uses, since the
// core's collaborator surface (nic.PortIO) only promises 8/16-bit access.
func (d *Device) out32(port uint16, v uint32) {
	d.io.Out16(port, uint16(v))
	d.io.Out16(port+2, uint16(v>>16))
}

func (d *Device) in32(port uint16) uint32 {
	lo := uint32(d.io.In16(port))
	hi := uint32(d.io.In16(port + 2))
	return lo | hi<<16
}

// Read reads the device configuration space for a given function and
// register offset.
func (d *Device) Read(fn uint32, off uint32) uint32 {
	d.out32(configAddress, d.address(fn, off))
	return d.in32(configData) >> ((off & 2) * 8)
}

// Write writes the device configuration space for a given function and
// register offset, the offset must be 32-bit aligned.
func (d *Device) Write(fn uint32, off uint32, val uint32) {
	if (off&2)*8 != 0 {
		return
	}

	d.out32(configAddress, d.address(fn, off))
	d.out32(configData, val)
}

// BaseAddress decodes BAR n (0-5) into the I/O port base the NIC's
// register window should use, masking off the low bits that mark an I/O
// (rather than memory) BAR.
func (d *Device) BaseAddress(n int) uint16 {
	if n < 0 || n > 5 {
		return 0
	}
	bar := d.Read(0, uint32(OffBar0+n*4))
	if bar&0x1 == 0 {
		// Memory-space BAR; this driver only targets I/O-mapped ISA-class
		// adapters, so report nothing rather than misinterpret it.
		return 0
	}
	return uint16(bar &^ 0x3)
}

func (d *Device) probe() bool {
	if d.Bus >= MaxBuses {
		return false
	}

	val := d.Read(0, OffVendorID)

	if d.Vendor = uint16(val); d.Vendor == 0xffff {
		return false
	}

	d.Device = uint16(val >> 16)

	return true
}

// Probe probes a PCI device by vendor/device pair on a given bus.
func Probe(io nic.PortIO, bus int, vendor uint16, device uint16) *Device {
	d := &Device{io: io, Bus: uint32(bus)}

	for slot := uint32(0); slot < maxDevices; slot++ {
		d.Slot = slot

		if d.probe() && d.Vendor == vendor && d.Device == device {
			return d
		}
	}

	return nil
}

// Devices returns all found PCI devices on a given bus.
func Devices(io nic.PortIO, bus int) (devices []*Device) {
	for slot := uint32(0); slot < maxDevices; slot++ {
		d := &Device{io: io, Bus: uint32(bus), Slot: slot}

		if d.probe() {
			devices = append(devices, d)
		}
	}

	return
}
