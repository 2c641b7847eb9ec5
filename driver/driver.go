// Package driver is the top-level wiring point that owns every managed
// NIC's rings, pools, scheduler, bottom half, and recovery ladder, and
// exposes the external surface other subsystems call against: register a
// receiver, send a frame, change filters, read link status, configure
// failover, and manage routing rules. It is the composition root the other
// packages are built to be assembled from, the same role
// usbarmory-tamago's board-level "Init"/network-stack wiring plays over its
// individual driver packages.
package driver

import (
	"fmt"
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"

	"github.com/tricomnic/driver/bottomhalf"
	"github.com/tricomnic/driver/bufpool"
	"github.com/tricomnic/driver/dmamap"
	"github.com/tricomnic/driver/failover"
	"github.com/tricomnic/driver/internal/spsc"
	"github.com/tricomnic/driver/internal/telemetry"
	"github.com/tricomnic/driver/irq"
	"github.com/tricomnic/driver/nic"
	"github.com/tricomnic/driver/platform"
	"github.com/tricomnic/driver/recovery"
	"github.com/tricomnic/driver/ring"
	"github.com/tricomnic/driver/router"
	"github.com/tricomnic/driver/sched"
)

// Handle identifies one registered receiver callback, for UnregisterReceiver.
type Handle struct {
	nicID int
	id    uint64
}

// NICConfig bundles everything AddNIC needs for one managed interface. The
// caller (the installer-level code that knows bus/slot/IRQ assignment)
// constructs ctrl, its rings, and its DMA collaborators; AddNIC only wires
// them into the scheduler/bottom-half/recovery/failover machinery.
type NICConfig struct {
	// Controller is the already-constructed capability-trait implementation
	// (tricom509.NIC or tricom515.NIC).
	Controller nic.Controller
	// IPAddr is used to build gratuitous ARP on failover; may be the zero
	// value if this NIC is never a failover target.
	IPAddr tcpip.Address

	// RXRing is non-nil only for a bus-master NIC that implements
	// nic.RingServicer; it must be the same object the caller passed into
	// the controller's own Config. A PIO NIC leaves it nil and is driven
	// through RxRefill instead. AddNIC owns building and populating the
	// matching Reserve itself.
	RXRing *ring.Ring
	// ReserveSize is how many spare RX slots to pre-allocate beyond the
	// ring's own depth, default 8. Ignored when RXRing is nil.
	ReserveSize int

	// ISR is the ISR-nesting depth counter shared with the controller's
	// own rings, so Map() calls made outside the ISR still see the right
	// context.
	ISR *dmamap.ISRDepth

	// Translator and Constraints are the DMA collaborators used to map
	// fresh RX reserve buffers and validate the result; unused for a PIO
	// NIC (pass the zero value).
	Translator  dmamap.AddressTranslator
	Constraints dmamap.Constraints

	// RXPool and TXPool back RX reserve refill and TX frame staging
	// respectively. Separate pools keep a TX backlog from starving RX
	// buffer replenishment under load.
	RXPool *bufpool.Pool
	TXPool *bufpool.Pool

	// CopyBreak overrides bufpool.CopyBreakThreshold when non-zero.
	CopyBreak int
	// ISRBudget caps how many ring completions HandleIRQ services per
	// invocation; default 32.
	ISRBudget int

	Sched    sched.Config
	Recovery recovery.Config
	Worker   bottomhalf.Config

	// IRQLine and IRQCtrl, if set, have their trigger mode programmed and
	// the line unmasked when the NIC is added.
	IRQLine     int
	IRQCtrl     irq.Controller
	TriggerMode irq.TriggerMode

	Log *telemetry.Logger
}

type nicSlot struct {
	id          int
	ctrl        nic.Controller
	ipAddr      tcpip.Address
	translator  dmamap.AddressTranslator
	constraints dmamap.Constraints

	rxRing  *ring.Ring
	reserve *ring.Reserve
	rxPool  *bufpool.Pool
	txPool  *bufpool.Pool
	staging *bufpool.StagingPool

	reserveTarget int
	isrBudget     int
	copyBreak     int
	isr           *dmamap.ISRDepth

	handoff *spsc.Queue
	sched   *sched.Scheduler
	worker  *bottomhalf.Worker
	ladder  *recovery.Ladder
	log     *telemetry.Logger

	errCh chan errEvent

	irqCtrl irq.Controller
	irqLine int

	recvMu   sync.Mutex
	recvNext uint64
	recv     map[uint64]func([]byte)

	txReclaimMu sync.Mutex
	txReclaim   []ring.Reclaimed

	txPumpStop chan struct{}
	txPumpDone chan struct{}
	errStop    chan struct{}
	errDone    chan struct{}

	running bool
}

// Config tunes the Driver's shared collaborators.
type Config struct {
	Router       router.Config
	HandoffDepth int // default 256, rounded up to a power of two
	TXPumpIdle   time.Duration
	// Profile is the one-time platform probe result; AddNIC refuses a
	// bus-master NIC when the probed DMA policy is PIOOnly. The zero value
	// (Direct) places no restriction.
	Profile platform.Profile
	Log     *telemetry.Logger
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		Router:       router.DefaultConfig(),
		HandoffDepth: 256,
		TXPumpIdle:   time.Millisecond,
	}
}

// Driver is the owning value for a whole multi-NIC system: every managed
// NIC, the shared router/bridge, and at most one failover supervisor.
type Driver struct {
	cfg    Config
	log    *telemetry.Logger
	router *router.Router

	mu    sync.RWMutex
	slots map[int]*nicSlot

	failoverMu  sync.Mutex
	failoverSup *failover.Supervisor
}

// New creates a Driver with no NICs attached yet.
func New(cfg Config) *Driver {
	return &Driver{
		cfg:    cfg,
		log:    cfg.Log,
		router: router.New(cfg.Router, cfg.Log),
		slots:  make(map[int]*nicSlot),
	}
}

// Router exposes the shared bridge/routing engine, for callers that want
// read-only diagnostics (BridgeLen, BridgeEvicted) beyond AddRouteRule.
func (d *Driver) Router() *router.Router { return d.router }

func (d *Driver) slot(id int) (*nicSlot, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.slots[id]
	return s, ok
}

// AddNIC registers id's controller and wires its scheduler, bottom half,
// and recovery ladder. It pre-populates the RX ring and reserve when cfg
// names a bus-master controller (RXRing non-nil); a PIO NIC skips straight
// to scheduler/ladder wiring.
func (d *Driver) AddNIC(id int, cfg NICConfig) error {
	d.mu.Lock()
	if _, exists := d.slots[id]; exists {
		d.mu.Unlock()
		return ErrDuplicateNIC
	}
	d.mu.Unlock()

	copyBreak := cfg.CopyBreak
	if copyBreak == 0 {
		copyBreak = bufpool.CopyBreakThreshold
	}
	isrBudget := cfg.ISRBudget
	if isrBudget == 0 {
		isrBudget = 32
	}
	reserveSize := cfg.ReserveSize
	if reserveSize == 0 {
		reserveSize = 8
	}

	schedCfg := cfg.Sched
	if schedCfg.Capacity == ([4]int{}) {
		schedCfg = sched.DefaultConfig()
	}
	recCfg := cfg.Recovery
	if recCfg.WindowDuration == 0 {
		recCfg = recovery.DefaultConfig()
	}
	workerCfg := cfg.Worker
	if workerCfg.BatchSize == 0 {
		workerCfg = bottomhalf.DefaultConfig()
	}

	// Frames evicted by Urgent admission were staged from this NIC's TX
	// pool; hand them straight back.
	if schedCfg.OnEvict == nil && cfg.TXPool != nil {
		pool := cfg.TXPool
		schedCfg.OnEvict = func(b *bufpool.Buffer) { pool.Free(b) }
	}

	slot := &nicSlot{
		id:            id,
		ctrl:          cfg.Controller,
		ipAddr:        cfg.IPAddr,
		translator:    cfg.Translator,
		constraints:   cfg.Constraints,
		rxPool:        cfg.RXPool,
		txPool:        cfg.TXPool,
		reserveTarget: reserveSize,
		isrBudget:     isrBudget,
		copyBreak:     copyBreak,
		isr:           cfg.ISR,
		handoff:       spsc.NewQueue(d.handoffDepth()),
		sched:         sched.New(schedCfg, cfg.Log, 0, 0),
		log:           cfg.Log,
		errCh:         make(chan errEvent, 8),
		irqCtrl:       cfg.IRQCtrl,
		irqLine:       cfg.IRQLine,
		recv:          make(map[uint64]func([]byte)),
	}
	slot.ladder = recovery.NewLadder(recCfg, remediatorAdapter{ctrl: cfg.Controller}, cfg.Log)

	if _, ok := cfg.Controller.(nic.RingServicer); !ok {
		// A PIO controller has no descriptor ring; its RxRefill hands each
		// received frame to this callback, which stages it on the handoff
		// queue so the frame takes the same bottom-half/router path a
		// bus-master completion would.
		cfg.Controller.SetRxDeliver(func(b []byte) {
			if err := slot.handoff.Enqueue(spsc.Entry{Data: b, Length: len(b), SourceID: id}); err != nil && cfg.Log != nil {
				cfg.Log.CountDrop("rx-handoff-full")
			}
		})
	}

	if cfg.RXRing != nil {
		if d.cfg.Profile.Policy == platform.PIOOnly {
			return fmt.Errorf("driver: nic %d: bus-master NIC under a PIO-only DMA policy: %w", id, platform.ErrUnsafeEnvironment)
		}
		if cfg.RXPool == nil || cfg.Translator == nil {
			return fmt.Errorf("driver: nic %d: RXRing set without RXPool/Translator", id)
		}
		if _, ok := cfg.Controller.(nic.RingServicer); !ok {
			return fmt.Errorf("driver: nic %d: RXRing set but controller does not implement nic.RingServicer", id)
		}

		ringDepth := cfg.RXRing.Size()
		slots := make([]ring.RXSlot, 0, ringDepth+reserveSize)
		for i := 0; i < ringDepth+reserveSize; i++ {
			rs, err := allocRXSlot(cfg.RXPool, cfg.Constraints, cfg.Translator, cfg.ISR)
			if err != nil {
				return fmt.Errorf("driver: nic %d: seeding RX slot %d: %w", id, i, err)
			}
			slots = append(slots, rs)
		}
		cfg.RXRing.Populate(slots[:ringDepth])
		slot.rxRing = cfg.RXRing
		slot.reserve = ring.NewReserve(slots[ringDepth:])

		// Copy-break staging is a lock-free free list the ISR pops
		// directly, pre-filled here and replenished only by the bottom
		// half pushing delivered buffers back. One buffer per handoff
		// slot is the most that can ever be in flight at once.
		slot.staging = bufpool.NewStagingPool(d.handoffDepth(), copyBreak)
	}

	slot.worker = bottomhalf.NewWorker(fmt.Sprintf("nic%d", id), slot.handoff, driverDeliverer{d: d}, refiller{slot: slot}, workerCfg, cfg.Log)

	d.mu.Lock()
	d.slots[id] = slot
	d.mu.Unlock()

	if cfg.IRQCtrl != nil {
		cfg.IRQCtrl.SetTriggerMode(cfg.IRQLine, cfg.TriggerMode)
		cfg.IRQCtrl.Unmask(cfg.IRQLine)
	}

	return nil
}

func (d *Driver) handoffDepth() int {
	if d.cfg.HandoffDepth <= 0 {
		return 256
	}
	return d.cfg.HandoffDepth
}

// allocRXSlot allocates one large-class RX buffer and maps it FromDevice,
// for seeding a ring or topping up its reserve.
func allocRXSlot(pool *bufpool.Pool, c dmamap.Constraints, translator dmamap.AddressTranslator, isr *dmamap.ISRDepth) (ring.RXSlot, error) {
	buf, err := pool.Alloc(bufpool.ClassLarge, bufpool.RX)
	if err != nil {
		return ring.RXSlot{}, err
	}
	mapped, err := dmamap.Map(buf.Bytes(), dmamap.FromDevice, c, translator, nil, isr)
	if err != nil {
		pool.Free(buf)
		return ring.RXSlot{}, err
	}
	return ring.RXSlot{Buf: buf, Mapped: mapped}, nil
}

// Start brings up every registered NIC: resets the controller, enables its
// interrupt sources, and launches its bottom half, TX pump, and error
// watcher goroutines.
func (d *Driver) Start() error {
	d.mu.RLock()
	slots := make([]*nicSlot, 0, len(d.slots))
	for _, s := range d.slots {
		slots = append(slots, s)
	}
	d.mu.RUnlock()

	for _, slot := range slots {
		if err := slot.ctrl.Reset(); err != nil {
			return fmt.Errorf("driver: nic %d: reset: %w", slot.id, err)
		}
		slot.ctrl.EnableIRQ()

		slot.worker.Start()
		slot.txPumpStop = make(chan struct{})
		slot.txPumpDone = make(chan struct{})
		go d.txPump(slot)
		slot.errStop = make(chan struct{})
		slot.errDone = make(chan struct{})
		go slot.runErrorWatcher()
		slot.running = true
	}
	return nil
}

// Stop halts every NIC's goroutines and masks its interrupt sources,
// waiting up to timeout per NIC.
func (d *Driver) Stop(timeout time.Duration) {
	d.mu.RLock()
	slots := make([]*nicSlot, 0, len(d.slots))
	for _, s := range d.slots {
		slots = append(slots, s)
	}
	d.mu.RUnlock()

	d.failoverMu.Lock()
	if d.failoverSup != nil {
		d.failoverSup.Stop(timeout)
	}
	d.failoverMu.Unlock()

	for _, slot := range slots {
		if !slot.running {
			continue
		}
		slot.ctrl.DisableIRQ()
		if slot.irqCtrl != nil {
			slot.irqCtrl.Mask(slot.irqLine)
		}
		slot.worker.Stop(timeout)

		close(slot.txPumpStop)
		select {
		case <-slot.txPumpDone:
		case <-time.After(timeout):
		}

		close(slot.errStop)
		select {
		case <-slot.errDone:
		case <-time.After(timeout):
		}
		slot.running = false
	}
}

// HandleIRQ is the interrupt trampoline a concrete NIC's vector handler
// calls: it reads and acknowledges status, reclaims completed TX
// descriptors, and services completed RX descriptors into the handoff
// queue the bottom half drains. This is the pipeline's ISR half; it must
// never block, allocate, or touch a pool/translator directly, which is why
// copy-break staging pops a pre-filled lock-free list and TX reclaim and
// RX reserve refill are deferred to the bottom half via txReclaim and
// SignalRefillNeeded.
func (d *Driver) HandleIRQ(nicID int) error {
	slot, ok := d.slot(nicID)
	if !ok {
		return ErrUnknownNIC
	}

	if slot.isr != nil {
		slot.isr.Enter()
		defer slot.isr.Exit()
	}

	_, err := slot.ctrl.ReadStatus()
	if err != nil {
		select {
		case slot.errCh <- errEvent{sev: recovery.Fatal}:
		default:
		}
		return err
	}
	// Success observations feed the ladder's rolling window from the error
	// watcher, not from here: the ladder takes a lock and grows its window
	// slice, neither of which belongs in interrupt context.
	select {
	case slot.errCh <- errEvent{ok: true}:
	default:
	}

	rs, ok := slot.ctrl.(nic.RingServicer)
	if !ok {
		// PIO controller: no descriptor ring, drive the synchronous path.
		slot.ctrl.RxRefill()
		return nil
	}

	reclaimed := rs.ReclaimTXCompletions(slot.isrBudget)
	if len(reclaimed) > 0 {
		slot.txReclaimMu.Lock()
		slot.txReclaim = append(slot.txReclaim, reclaimed...)
		slot.txReclaimMu.Unlock()
		// The reclaim list is drained by the bottom half's Refill path;
		// wake it so completed TX buffers do not sit until the next RX
		// starvation event.
		slot.worker.SignalRefillNeeded()
	}

	_, refillNeeded := rs.ServiceRX(slot.isrBudget, slot.copyBreak, slot.staging, slot.handoff, slot.id, slot.reserve)
	if refillNeeded {
		slot.worker.SignalRefillNeeded()
	}
	return nil
}

// errEvent is one hardware status observation queued from the ISR to the
// error watcher: a success feeding the rolling window's denominator, or an
// error at the given severity.
type errEvent struct {
	ok  bool
	sev recovery.Severity
}

func (s *nicSlot) runErrorWatcher() {
	defer close(s.errDone)
	for {
		select {
		case <-s.errStop:
			return
		case ev := <-s.errCh:
			if ev.ok {
				s.ladder.RecordSuccess()
				continue
			}
			if err := s.ladder.RecordError(ev.sev); err != nil && s.log != nil {
				s.log.Warnf("recovery ladder: %v", err)
			}
		}
	}
}

// refiller implements bottomhalf.Refiller: drain TX reclaim, top up the RX
// reserve, and re-arm any descriptor ServiceRX starved. All three steps run
// in task context only, the counterpart to HandleIRQ's ISR-context half.
type refiller struct {
	slot *nicSlot
}

func (r refiller) Refill() int {
	r.slot.drainTXReclaim()
	return r.slot.refillReserve()
}

func (s *nicSlot) drainTXReclaim() {
	s.txReclaimMu.Lock()
	items := s.txReclaim
	s.txReclaim = nil
	s.txReclaimMu.Unlock()

	for _, it := range items {
		if it.Mapped != nil {
			it.Mapped.Unmap()
		}
		if it.Buf == nil {
			continue
		}
		if err := s.txPool.Free(it.Buf); err != nil && s.log != nil {
			s.log.Warnf("tx reclaim free: %v", err)
		}
	}
}

func (s *nicSlot) refillReserve() int {
	if s.reserve == nil {
		return 0
	}
	rs, ok := s.ctrl.(nic.RingServicer)
	if !ok {
		return 0
	}

	for s.reserve.Len() < s.reserveTarget {
		rslot, err := allocRXSlot(s.rxPool, s.constraints, s.translator, s.isr)
		if err != nil {
			if s.log != nil {
				s.log.CountDrop("rx-reserve-exhausted")
			}
			break
		}
		s.reserve.Put(rslot)
	}
	return rs.RefillReserve(s.reserve)
}

// txPump drains the scheduler in strict-priority order and pushes each
// frame onto the controller's ring/FIFO, requeuing once at the same
// priority on backpressure before dropping.
func (d *Driver) txPump(slot *nicSlot) {
	defer close(slot.txPumpDone)

	idle := d.cfg.TXPumpIdle
	if idle <= 0 {
		idle = time.Millisecond
	}

	for {
		select {
		case <-slot.txPumpStop:
			return
		default:
		}

		pr, buf, ok := slot.sched.NextPriority()
		if !ok {
			select {
			case <-slot.txPumpStop:
				return
			case <-time.After(idle):
			}
			continue
		}

		if err := slot.ctrl.TxRingPush(buf, nil); err != nil {
			if reqErr := slot.sched.Submit(buf, pr); reqErr != nil {
				slot.txPool.Free(buf)
				if slot.log != nil {
					slot.log.CountDrop("tx-dropped")
				}
			}
			select {
			case <-slot.txPumpStop:
				return
			case <-time.After(idle):
			}
			continue
		}

		if _, ok := slot.ctrl.(nic.RingServicer); !ok {
			// A PIO push copies the frame out through the FIFO before
			// returning; there is no completion interrupt holding the
			// buffer, so it goes straight back to the pool.
			slot.txPool.Free(buf)
		}
	}
}

// Send stages frame for transmission on nicID at the given priority. It
// copies frame into a pool buffer immediately so the caller may reuse its
// slice the instant Send returns.
func (d *Driver) Send(nicID int, frame []byte, priority sched.Priority) (SendDisposition, error) {
	slot, ok := d.slot(nicID)
	if !ok {
		return SendOK, ErrUnknownNIC
	}
	if len(frame) == 0 {
		return SendOK, ErrEmptyFrame
	}

	d.failoverMu.Lock()
	sup := d.failoverSup
	d.failoverMu.Unlock()
	if sup != nil && sup.Degraded() {
		if slot.log != nil {
			slot.log.CountDrop("tx-network-down")
		}
		return SendDroppedNetworkDown, nil
	}

	buf, err := slot.txPool.Alloc(len(frame), bufpool.TX)
	if err != nil {
		if slot.log != nil {
			slot.log.CountDrop("tx-pool-exhausted")
		}
		return SendDroppedNoBuffer, nil
	}
	copy(buf.Bytes(), frame)
	buf.Used = len(frame)

	if err := slot.sched.Submit(buf, priority); err != nil {
		slot.txPool.Free(buf)
		if err == sched.ErrDropped {
			return SendDroppedAdmission, nil
		}
		return SendBackpressure, nil
	}
	return SendOK, nil
}

// transmitOn is the internal-traffic counterpart to Send, used for
// forwarded/flooded frames the router decided to egress on destNIC rather
// than a caller's own Send call; it always submits at Normal priority.
func (d *Driver) transmitOn(destNIC int, frame []byte) {
	slot, ok := d.slot(destNIC)
	if !ok {
		return
	}
	buf, err := slot.txPool.Alloc(len(frame), bufpool.TX)
	if err != nil {
		if slot.log != nil {
			slot.log.CountDrop("forward-pool-exhausted")
		}
		return
	}
	copy(buf.Bytes(), frame)
	buf.Used = len(frame)
	if err := slot.sched.Submit(buf, sched.Normal); err != nil {
		slot.txPool.Free(buf)
	}
}

// driverDeliverer implements bottomhalf.Deliverer by routing every drained
// frame through the shared router and acting on its Decision.
type driverDeliverer struct {
	d *Driver
}

func (dd driverDeliverer) Deliver(f bottomhalf.Frame) {
	dd.d.deliverFrame(f)
}

// deliver routes a bare payload with no staging buffer attached; used by
// the PIO path and tests.
func (d *Driver) deliver(srcNIC int, data []byte) {
	d.deliverFrame(bottomhalf.Frame{SourceID: srcNIC, Data: data})
}

// deliverFrame runs in bottom-half context: sync any bounced RX data into
// place, route, then release the staging buffer and mapping the ISR handed
// over. Receiver callbacks see the frame only until they return; forwarded
// frames are copied into the egress NIC's own TX pool before release.
func (d *Driver) deliverFrame(f bottomhalf.Frame) {
	if f.Mapped != nil {
		f.Mapped.SyncForCPU()
	}

	decision := d.router.Dispatch(f.SourceID, f.Data)
	switch decision.Disposition {
	case router.DispositionDrop:
	case router.DispositionDeliver:
		d.deliverLocal(f.SourceID, f.Data)
	case router.DispositionBroadcast, router.DispositionMulticast:
		d.deliverLocal(f.SourceID, f.Data)
		d.floodExcept(f.SourceID, f.Data)
	case router.DispositionForward, router.DispositionLoopback:
		d.transmitOn(decision.DestNIC, f.Data)
	}

	if f.Mapped != nil {
		f.Mapped.Unmap()
	}
	if f.Buf != nil {
		if slot, ok := d.slot(f.SourceID); ok {
			// A copy-break buffer goes back on the staging free list
			// (identity by membership: Push refuses foreign buffers);
			// everything else came from the RX pool.
			if slot.staging != nil && slot.staging.Push(f.Buf) == nil {
				return
			}
			if slot.rxPool != nil {
				if err := slot.rxPool.Free(f.Buf); err != nil && slot.log != nil {
					slot.log.Warnf("rx staging free: %v", err)
				}
			}
		}
	}
}

func (d *Driver) deliverLocal(nicID int, data []byte) {
	slot, ok := d.slot(nicID)
	if !ok {
		return
	}
	slot.recvMu.Lock()
	cbs := make([]func([]byte), 0, len(slot.recv))
	for _, cb := range slot.recv {
		cbs = append(cbs, cb)
	}
	slot.recvMu.Unlock()

	for _, cb := range cbs {
		cb(data)
	}
}

func (d *Driver) floodExcept(srcNIC int, data []byte) {
	d.mu.RLock()
	ids := make([]int, 0, len(d.slots))
	for id := range d.slots {
		ids = append(ids, id)
	}
	d.mu.RUnlock()

	for _, id := range ids {
		if id == srcNIC {
			continue
		}
		d.transmitOn(id, data)
	}
}

// RegisterReceiver installs a callback invoked, in bottom-half context, for
// every frame the router decides to deliver locally on nicID (unicast to
// this NIC's own address, broadcast, or unmatched multicast). Multiple
// receivers may be registered on the same NIC; each is called independently.
func (d *Driver) RegisterReceiver(nicID int, cb func([]byte)) (Handle, error) {
	slot, ok := d.slot(nicID)
	if !ok {
		return Handle{}, ErrUnknownNIC
	}
	slot.recvMu.Lock()
	defer slot.recvMu.Unlock()
	slot.recvNext++
	id := slot.recvNext
	slot.recv[id] = cb
	return Handle{nicID: nicID, id: id}, nil
}

// UnregisterReceiver removes a callback installed by RegisterReceiver.
func (d *Driver) UnregisterReceiver(h Handle) error {
	slot, ok := d.slot(h.nicID)
	if !ok {
		return ErrUnknownNIC
	}
	slot.recvMu.Lock()
	defer slot.recvMu.Unlock()
	if _, ok := slot.recv[h.id]; !ok {
		return ErrUnknownHandle
	}
	delete(slot.recv, h.id)
	return nil
}

// SetPromiscuous toggles nicID's RX filter between unicast-only and
// promiscuous.
func (d *Driver) SetPromiscuous(nicID int, on bool) error {
	slot, ok := d.slot(nicID)
	if !ok {
		return ErrUnknownNIC
	}
	mode := nic.FilterUnicastOnly
	if on {
		mode = nic.FilterPromiscuous
	}
	return slot.ctrl.ProgramRxFilter(mode, nil)
}

// SetMulticastList programs nicID's multicast filter to accept exactly the
// addresses in list (an empty list disables multicast acceptance).
func (d *Driver) SetMulticastList(nicID int, list []tcpip.LinkAddress) error {
	slot, ok := d.slot(nicID)
	if !ok {
		return ErrUnknownNIC
	}
	mode := nic.FilterMulticast
	if len(list) == 0 {
		mode = nic.FilterUnicastOnly
	}
	return slot.ctrl.ProgramRxFilter(mode, list)
}

// GetLinkStatus returns nicID's last-observed link state.
func (d *Driver) GetLinkStatus(nicID int) (nic.LinkStatus, error) {
	slot, ok := d.slot(nicID)
	if !ok {
		return nic.LinkStatus{}, ErrUnknownNIC
	}
	return slot.ctrl.ReadStatus()
}

// ConfigureFailover wires a primary/secondary pair into a single failover
// supervisor, replacing any previously configured one. The supervisor is
// started immediately so its own polling ticker begins ticking; callers
// that want deterministic tests should drive failover.Supervisor.Tick
// directly via Failover() instead.
func (d *Driver) ConfigureFailover(primaryID, secondaryID int, thresh failover.Thresholds) error {
	primary, ok := d.slot(primaryID)
	if !ok {
		return ErrUnknownNIC
	}
	secondary, ok := d.slot(secondaryID)
	if !ok {
		return ErrUnknownNIC
	}

	sup := failover.New(
		failoverAdapter{slot: primary},
		failoverAdapter{slot: secondary},
		thresh,
		d.router,
		d.router,
		d.log,
	)

	d.failoverMu.Lock()
	if d.failoverSup != nil {
		d.failoverSup.Stop(time.Second)
	}
	d.failoverSup = sup
	d.failoverMu.Unlock()

	sup.Start()
	return nil
}

// Failover returns the currently configured supervisor, or nil if
// ConfigureFailover has not been called.
func (d *Driver) Failover() *failover.Supervisor {
	d.failoverMu.Lock()
	defer d.failoverMu.Unlock()
	return d.failoverSup
}

// AddRouteRule appends an ordered routing rule to the shared router.
func (d *Driver) AddRouteRule(rule router.Rule) { d.router.AddRule(rule) }

// RemoveRouteRule removes every rule matching selector exactly.
func (d *Driver) RemoveRouteRule(selector router.Rule) { d.router.RemoveRule(selector) }
