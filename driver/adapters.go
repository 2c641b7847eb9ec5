package driver

import (
	"gvisor.dev/gvisor/pkg/tcpip"

	"github.com/tricomnic/driver/bufpool"
	"github.com/tricomnic/driver/failover"
	"github.com/tricomnic/driver/nic"
)

// remediatorAdapter narrows nic.Controller down to recovery.Remediator's
// four-stage surface. The capability trait exposes one Reset, not four
// distinct stages, so HardReset and Reinitialize bracket it with an
// IRQ mask/unmask the soft reset doesn't bother with, and Reinitialize
// additionally re-applies a conservative RX filter — the closest this
// narrower trait gets to the ladder's documented stage semantics without
// inventing hardware the concrete NICs don't have.
type remediatorAdapter struct {
	ctrl nic.Controller
}

func (r remediatorAdapter) SoftReset() error {
	return r.ctrl.Reset()
}

func (r remediatorAdapter) HardReset() error {
	r.ctrl.DisableIRQ()
	err := r.ctrl.Reset()
	r.ctrl.EnableIRQ()
	return err
}

func (r remediatorAdapter) Reinitialize() error {
	r.ctrl.DisableIRQ()
	err := r.ctrl.Reset()
	if err == nil {
		err = r.ctrl.ProgramRxFilter(nic.FilterUnicastOnly, nil)
	}
	r.ctrl.EnableIRQ()
	return err
}

func (r remediatorAdapter) Disable() error {
	r.ctrl.DisableIRQ()
	return nil
}

// ReadStatus maps nic.LinkStatus onto the 0xFFFF-means-still-failed
// convention recovery.Ladder.validate polls against.
func (r remediatorAdapter) ReadStatus() (uint16, error) {
	st, err := r.ctrl.ReadStatus()
	if err != nil {
		return 0xFFFF, err
	}
	if !st.Up {
		return 0xFFFF, nil
	}
	return 0, nil
}

// failoverAdapter narrows a nicSlot down to failover.NIC: link polling
// through ReadStatus, start/stop through reset-plus-IRQ-mask, and a
// gratuitous-ARP transmit path that borrows a buffer from the NIC's own TX
// pool rather than going through the priority scheduler, since a failover
// burst must not wait behind ordinary traffic.
type failoverAdapter struct {
	slot *nicSlot
}

func (f failoverAdapter) ReadLinkStatus() (failover.LinkState, error) {
	st, err := f.slot.ctrl.ReadStatus()
	if err != nil {
		return failover.LinkState{}, err
	}
	return failover.LinkState{Up: st.Up, Speed: st.SpeedMbps, Duplex: st.FullDuplex}, nil
}

func (f failoverAdapter) Start() error {
	if err := f.slot.ctrl.Reset(); err != nil {
		return err
	}
	f.slot.ctrl.EnableIRQ()
	return nil
}

func (f failoverAdapter) Stop() error {
	f.slot.ctrl.DisableIRQ()
	return nil
}

func (f failoverAdapter) HardwareAddr() tcpip.LinkAddress { return f.slot.ctrl.HardwareAddr() }

func (f failoverAdapter) IPAddr() tcpip.Address { return f.slot.ipAddr }

func (f failoverAdapter) Transmit(frame []byte) error {
	buf, err := f.slot.txPool.Alloc(len(frame), bufpool.TX)
	if err != nil {
		return err
	}
	copy(buf.Bytes(), frame)
	buf.Used = len(frame)
	if err := f.slot.ctrl.TxRingPush(buf, nil); err != nil {
		f.slot.txPool.Free(buf)
		return err
	}
	if _, ok := f.slot.ctrl.(nic.RingServicer); !ok {
		f.slot.txPool.Free(buf)
	}
	return nil
}
