package tricom515

import (
	"testing"

	"gvisor.dev/gvisor/pkg/tcpip"

	"github.com/tricomnic/driver/bufpool"
	"github.com/tricomnic/driver/dmamap"
	"github.com/tricomnic/driver/ring"
)

type fakePortIO struct {
	regs16 map[uint16]uint16
	regs8  map[uint16]uint8
	out16  []uint16
}

func newFakePortIO() *fakePortIO {
	return &fakePortIO{regs16: map[uint16]uint16{}, regs8: map[uint16]uint8{}}
}

func (f *fakePortIO) In8(port uint16) uint8   { return f.regs8[port] }
func (f *fakePortIO) In16(port uint16) uint16 { return f.regs16[port] }
func (f *fakePortIO) Out8(port uint16, v uint8) {
	f.regs8[port] = v
}
func (f *fakePortIO) Out16(port uint16, v uint16) {
	f.regs16[port] = v
	f.out16 = append(f.out16, v)
}

// fakeTranslator resolves every buffer to one 16-byte-aligned segment at a
// fixed physical base, satisfying the BusMaster constraint set directly so
// tests can exercise the ring/doorbell path without a bounce pool.
type fakeTranslator struct{}

func (fakeTranslator) Resolve(buf []byte) ([]dmamap.Segment, error) {
	return []dmamap.Segment{{Phys: 0x1000, Len: len(buf)}}, nil
}
func (fakeTranslator) LockPages(buf []byte) error   { return nil }
func (fakeTranslator) UnlockPages(buf []byte) error { return nil }

func testMAC() tcpip.LinkAddress {
	return tcpip.LinkAddress([]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x02})
}

func newTestNIC(io *fakePortIO) (*NIC, *ring.Ring, *ring.Ring) {
	isr := &dmamap.ISRDepth{}
	txRing := ring.NewRing(4, isr)
	rxRing := ring.NewRing(4, isr)
	n := New(Config{
		IO:         io,
		Base:       0x300,
		MAC:        testMAC(),
		Translator: fakeTranslator{},
		TXRing:     txRing,
		RXRing:     rxRing,
		ISR:        isr,
	})
	return n, txRing, rxRing
}

func TestResetProgramsStationAddressAndClearsDMA(t *testing.T) {
	io := newFakePortIO()
	n, _, _ := newTestNIC(io)
	io.regs16[0x300+offDmaCtrl] = dmaCtrlDnEnable | dmaCtrlUpEnable

	if err := n.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	for i := 0; i < 6; i++ {
		if got := io.regs8[0x300+uint16(i)]; got != testMAC()[i] {
			t.Fatalf("byte %d: expected %02x, got %02x", i, testMAC()[i], got)
		}
	}
	if got := io.regs16[0x300+offDmaCtrl]; got != 0 {
		t.Fatalf("expected DMA control cleared on reset, got %#x", got)
	}
}

func TestTxRingPushMapsAndKicksDoorbell(t *testing.T) {
	io := newFakePortIO()
	n, _, _ := newTestNIC(io)

	pool := bufpool.NewPool(2)
	buf, err := pool.Alloc(4, bufpool.TX)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	copy(buf.Bytes(), []byte{1, 2, 3, 4})
	buf.Used = 4

	if err := n.TxRingPush(buf, nil); err != nil {
		t.Fatalf("TxRingPush: %v", err)
	}

	if io.regs16[0x300+offDmaCtrl]&dmaCtrlDnEnable == 0 {
		t.Fatalf("expected down-list doorbell bit set after TxRingPush")
	}
}

func TestTxRingPushBackpressureWhenRingFull(t *testing.T) {
	io := newFakePortIO()
	n, _, _ := newTestNIC(io)
	pool := bufpool.NewPool(8)

	for i := 0; i < 4; i++ {
		buf, _ := pool.Alloc(4, bufpool.TX)
		buf.Used = 4
		if err := n.TxRingPush(buf, nil); err != nil {
			t.Fatalf("TxRingPush %d: %v", i, err)
		}
	}

	overflow, _ := pool.Alloc(4, bufpool.TX)
	overflow.Used = 4
	if err := n.TxRingPush(overflow, nil); err != ring.ErrBackpressure {
		t.Fatalf("expected ring.ErrBackpressure once the 4-slot ring is full, got %v", err)
	}
}

func TestRxRefillDeliversCompletedFrame(t *testing.T) {
	io := newFakePortIO()
	n, _, rxRing := newTestNIC(io)

	pool := bufpool.NewPool(2)
	buf, _ := pool.Alloc(64, bufpool.RX)
	copy(buf.Bytes(), []byte{9, 9, 9, 9})

	rxRing.Populate([]ring.RXSlot{{Buf: buf}})
	rxRing.CompleteRX(0, 4, 0)

	var delivered []byte
	n.SetRxDeliver(func(b []byte) { delivered = append([]byte(nil), b...) })

	serviced := n.RxRefill()
	if serviced != 1 {
		t.Fatalf("expected 1 frame serviced, got %d", serviced)
	}
	if len(delivered) != 4 {
		t.Fatalf("expected 4-byte delivered payload, got %d", len(delivered))
	}
	if io.regs16[0x300+offDmaCtrl]&dmaCtrlUpEnable == 0 {
		t.Fatalf("expected up-list doorbell re-kicked after refill")
	}
}

func TestRxRefillNoCompletionsIsNoop(t *testing.T) {
	io := newFakePortIO()
	n, _, _ := newTestNIC(io)

	if serviced := n.RxRefill(); serviced != 0 {
		t.Fatalf("expected 0 serviced with no completions, got %d", serviced)
	}
}

func TestMIIReadWriteRoundTripsThroughPhysMgmt(t *testing.T) {
	io := newFakePortIO()
	n, _, _ := newTestNIC(io)

	if err := n.MIIWrite(0, phyBMCR, 0x1234); err != nil {
		t.Fatalf("MIIWrite: %v", err)
	}
	if _, err := n.MIIRead(0, phyBMSR); err != nil {
		t.Fatalf("MIIRead: %v", err)
	}
}
