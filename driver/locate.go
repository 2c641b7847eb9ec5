package driver

import (
	"errors"
	"fmt"

	"github.com/tricomnic/driver/bus/pci"
	"github.com/tricomnic/driver/nic"
)

// ErrDeviceNotFound is returned by LocateIOBase when no bus holds the
// requested vendor/device pair.
var ErrDeviceNotFound = errors.New("driver: adapter not found in PCI configuration space")

// LocateIOBase scans PCI configuration space for the given vendor/device
// pair and decodes the adapter's I/O port base from its first BAR. This is
// the discovery step that runs before constructing the register-level
// controller (e.g. tricom515.New) at the returned base.
func LocateIOBase(io nic.PortIO, vendor, device uint16) (uint16, error) {
	for bus := 0; bus < pci.MaxBuses; bus++ {
		d := pci.Probe(io, bus, vendor, device)
		if d == nil {
			continue
		}
		base := d.BaseAddress(0)
		if base == 0 {
			return 0, fmt.Errorf("driver: adapter %04x:%04x at bus %d slot %d has no I/O BAR", vendor, device, d.Bus, d.Slot)
		}
		return base, nil
	}
	return 0, ErrDeviceNotFound
}
