// Package mac implements the slot-driven MAC core (spec.md section 4.4):
// the outer per-slot state machine driven by the inter-slot timer, and
// the inner intra-slot sub-states driven by intra-slot timers and
// radio-frame callbacks. It wires together schedule/scheduler (what to
// do this slot), queue (what to send), scan (who to join), assoc
// (node-side join lifecycle), and frame (wire encoding).
package mac

import (
	"github.com/blinknet/blink/assoc"
	"github.com/blinknet/blink/blog"
	"github.com/blinknet/blink/event"
	"github.com/blinknet/blink/frame"
	"github.com/blinknet/blink/gpiodebug"
	"github.com/blinknet/blink/queue"
	"github.com/blinknet/blink/radio"
	"github.com/blinknet/blink/scan"
	"github.com/blinknet/blink/schedule"
	"github.com/blinknet/blink/scheduler"
)

// IntraState is the sub-state within a single slot (spec.md section 3).
// It always resets to Sleep at slot end.
type IntraState int

const (
	Sleep IntraState = iota
	TxOffset
	TxData
	RxOffset
	RxDataListen
	RxData
	ScanListen
	ScanRx
)

func (s IntraState) String() string {
	switch s {
	case Sleep:
		return "Sleep"
	case TxOffset:
		return "TxOffset"
	case TxData:
		return "TxData"
	case RxOffset:
		return "RxOffset"
	case RxDataListen:
		return "RxDataListen"
	case RxData:
		return "RxData"
	case ScanListen:
		return "ScanListen"
	case ScanRx:
		return "ScanRx"
	default:
		return "Unknown"
	}
}

// Config bundles a MAC's collaborators and tuning constants.
type Config struct {
	Role     scheduler.NodeType
	SelfID   uint64
	Radio    radio.Radio
	Timer    radio.Timer
	RNG      radio.RNG
	Sched    *scheduler.Scheduler
	Queue    *queue.Queue
	ScanTable *scan.Table // required for NodeTypeNode
	Assoc    *assoc.Association // required for NodeTypeNode

	Logger *blog.Logger
	Sink   event.Sink

	// Toggler drives logic-analyzer debug pins at slot/TX/RX/scan
	// transitions. Optional — a nil Toggler is a documented no-op.
	Toggler *gpiodebug.Toggler

	// ScanMaxSlots, DeltaRadioUS, SyncCalibUS default to spec.md section
	// 6's values when zero. BackgroundScan makes a Joined node listen for
	// beacons during its available_for_scan slots and record them in the
	// scan table; the node does not switch to another gateway as a result.
	ScanMaxSlots   uint64
	DeltaRadioUS   int64
	SyncCalibUS    int64
	BackgroundScan bool
}

// MAC is the slot-driven core.
type MAC struct {
	role   scheduler.NodeType
	selfID uint64

	radio radio.Radio
	timer radio.Timer
	rng   radio.RNG
	sched *scheduler.Scheduler
	q     *queue.Queue
	scanTable *scan.Table
	assoc  *assoc.Association

	log     *blog.Logger
	sink    event.Sink
	toggler *gpiodebug.Toggler

	stats Stats

	scanMaxSlots   uint64
	deltaRadioUS   int64
	syncCalibUS    int64
	backgroundScan bool

	asn         uint64
	startSlotTS int64
	intraState  IntraState

	// txItem remembers what NextForSlot handed back, so the end-of-TX
	// callback knows whether to Pop() data or ClearJoinPacket().
	txItem queue.Item
	txIsBeacon bool

	rxBuf [frame.MaxFrameSize]byte

	scanChannel     uint8
	scanASN         uint64
	scanFrameTS     int64
	scanDeadlineASN   uint64
	scanWindowStartTS int64

	lastSyncedRSSI int8
}

// Stats is a purely observational counter set (SPEC_FULL.md section 3.1),
// not part of any correctness invariant: it exists so an operator can see
// a MAC is alive and healthy, the way the teacher exposes alevel_t and
// per-channel audio statistics.
type Stats struct {
	// SlotsExecuted counts every inter-slot timer tick.
	SlotsExecuted uint64
	// TXCount counts frames whose TX completed and were dispatched.
	TXCount uint64
	// RXCount counts frames whose header decoded cleanly and passed the
	// destination filter.
	RXCount uint64
	// CRCFailures counts frames dropped for a bad header or protocol
	// version — this radio's integrity check happens below the Radio
	// interface, so a failed header decode is the observable stand-in
	// for a CRC failure.
	CRCFailures uint64
	// Overruns counts TX/RX windows that hit their abort timer (Tie1,
	// Rie2) instead of completing, or a slot tick that fired before the
	// previous slot's state machine returned to Sleep.
	Overruns uint64
}

// Stats returns a snapshot of the MAC's slot/frame counters.
func (m *MAC) Stats() Stats { return m.stats }

// New builds a MAC. For NodeTypeNode, ScanTable and Assoc are required.
func New(cfg Config) (*MAC, error) {
	if cfg.Radio == nil {
		return nil, ErrNoRadio
	}
	if cfg.Timer == nil {
		return nil, ErrNoTimer
	}
	if cfg.RNG == nil {
		return nil, ErrNoRNG
	}
	if cfg.Sched == nil {
		return nil, ErrNoScheduler
	}
	if cfg.Queue == nil {
		return nil, ErrNoQueue
	}
	if cfg.Role == scheduler.NodeTypeNode {
		if cfg.ScanTable == nil {
			return nil, ErrNoScanTable
		}
		if cfg.Assoc == nil {
			return nil, ErrNoAssoc
		}
	}

	scanMax := cfg.ScanMaxSlots
	if scanMax == 0 {
		scanMax = DefaultScanMaxSlots
	}
	delta := cfg.DeltaRadioUS
	if delta == 0 {
		delta = defaultDeltaRadioUS
	}
	calib := cfg.SyncCalibUS
	if calib == 0 {
		calib = defaultSyncCalibrationUS
	}
	sink := cfg.Sink
	if sink == nil {
		sink = event.Nop
	}

	m := &MAC{
		role:           cfg.Role,
		selfID:         cfg.SelfID,
		radio:          cfg.Radio,
		timer:          cfg.Timer,
		rng:            cfg.RNG,
		sched:          cfg.Sched,
		q:              cfg.Queue,
		scanTable:      cfg.ScanTable,
		assoc:          cfg.Assoc,
		log:            cfg.Logger,
		sink:           sink,
		toggler:        cfg.Toggler,
		scanMaxSlots:   scanMax,
		deltaRadioUS:   delta,
		syncCalibUS:    calib,
		backgroundScan: cfg.BackgroundScan,
	}
	return m, nil
}

// Start arms the radio callbacks and the first inter-slot tick. The ASN
// starts at 0 (a gateway's cold-start value); a node adopts the gateway's
// ASN when it syncs after a scan. There is no way to start from another
// ASN.
func (m *MAC) Start() {
	m.radio.Init(m.onStartFrame, m.onEndFrame)
	m.startSlotTS = m.timer.NowUS()
	m.timer.SetOneshotWithRef(radio.InterSlot, m.startSlotTS, wholeSlotUS, m.NewSlot)
	m.NewSlot()
}

// ASN returns the current absolute slot number, for tests and telemetry.
func (m *MAC) ASN() uint64 { return m.asn }

// IntraSlotState exposes the current intra-slot state, for tests.
func (m *MAC) IntraSlotState() IntraState { return m.intraState }

func (m *MAC) logSlot(msg string, keyvals ...interface{}) {
	if m.log != nil {
		m.log.Slot(m.asn, msg, keyvals...)
	}
}

// NewSlot is the inter-slot timer callback (spec.md section 4.4).
func (m *MAC) NewSlot() {
	if m.intraState != Sleep {
		m.stats.Overruns++
	}
	m.stats.SlotsExecuted++
	m.toggler.Pulse(gpiodebug.SlotStart)

	m.startSlotTS = m.timer.NowUS()
	m.timer.SetOneshotWithRef(radio.InterSlot, m.startSlotTS, wholeSlotUS, m.NewSlot)

	asn := m.asn
	info := m.sched.Tick(asn, m.q)
	m.asn++

	if m.role == scheduler.NodeTypeGateway {
		m.sweepDeadNodes(asn)
		m.dispatch(info, asn)
		return
	}

	m.nodeNewSlot(info, asn)
}

func (m *MAC) nodeNewSlot(info scheduler.SlotInfo, asn uint64) {
	switch m.assoc.State() {
	case assoc.Idle:
		m.assoc.EnterScanning(m.startSlotTS)
		m.beginForegroundScan(asn)
		return
	case assoc.Scanning:
		m.continueForegroundScan(asn)
		return
	}

	m.assoc.OnSlotTick(asn, m.startSlotTS, info.SlotCanJoin)

	if info.AvailableForScan && m.backgroundScan && m.assoc.State() == assoc.Joined {
		m.beginBackgroundScan(asn)
		return
	}

	m.dispatch(info, asn)
}

func (m *MAC) dispatch(info scheduler.SlotInfo, asn uint64) {
	switch info.RadioAction {
	case scheduler.ActionTX:
		m.beginTX(info, asn)
	case scheduler.ActionRX:
		m.beginRX(info)
	default:
		m.sleepSlot()
	}
}

func (m *MAC) sweepDeadNodes(asn uint64) {
	for _, nodeID := range m.sched.SweepDeadNodes(asn, assoc.MaxSlotframesNoRXLeave) {
		m.sink.OnEvent(event.Event{Kind: event.NodeLeft, NodeID: nodeID, Reason: event.ReasonPeerLostTimeout})
	}
}

func (m *MAC) sleepSlot() {
	m.timer.Cancel(radio.T1)
	m.timer.Cancel(radio.T2)
	m.timer.Cancel(radio.T3)
	m.radio.Disable()
	m.intraState = Sleep
	m.toggler.Set(gpiodebug.TxActive, 0)
	m.toggler.Set(gpiodebug.RxActive, 0)
	m.toggler.Set(gpiodebug.ScanActive, 0)
}

func (m *MAC) emitError(reason event.Reason) {
	m.sink.OnEvent(event.Event{Kind: event.Error, Reason: reason})
}

// --- TX path: Ti1 -> Ti2 -> Ti3 / Tie1 ---------------------------------

func queueSlotKind(t schedule.CellType) queue.SlotKind {
	switch t {
	case schedule.SharedUplink:
		return queue.SlotSharedUplink
	case schedule.Downlink:
		return queue.SlotDownlink
	case schedule.Uplink:
		return queue.SlotOwnedUplink
	default:
		return queue.SlotOther
	}
}

func (m *MAC) beginTX(info scheduler.SlotInfo, asn uint64) {
	var payload []byte

	if info.SlotType == schedule.Beacon {
		b := m.buildBeacon(asn)
		enc, err := b.Encode()
		if err != nil {
			m.sleepSlot()
			return
		}
		payload = enc
		m.txIsBeacon = true
		m.txItem = queue.Item{}
	} else {
		item, ok := m.q.NextForSlot(queueSlotKind(info.SlotType))
		if !ok {
			m.sleepSlot()
			return
		}
		enc, ok := m.encodeItem(item)
		if !ok {
			m.sleepSlot()
			return
		}
		payload = enc
		m.txItem = item
		m.txIsBeacon = false
	}

	m.intraState = TxOffset
	m.toggler.Set(gpiodebug.TxActive, 1)
	m.radio.SetChannel(info.Channel)
	m.radio.TxPrepare(payload)

	start := m.startSlotTS
	m.timer.SetOneshotWithRef(radio.T1, start, txOffsetUS, m.onTi2)
	m.timer.SetOneshotWithRef(radio.T2, start, txOffsetUS+txMaxUS, m.onTie1)
}

func (m *MAC) encodeItem(item queue.Item) ([]byte, bool) {
	switch item.Kind {
	case queue.ItemJoinRequest:
		r := frame.JoinRequest{Header: frame.Header{Version: frame.Version, Type: frame.TypeJoinRequest, Dst: item.GatewayID, Src: m.selfID}}
		enc, err := r.Encode()
		return enc, err == nil
	case queue.ItemJoinResponse:
		r := frame.JoinResponse{
			Header:            frame.Header{Version: frame.Version, Type: frame.TypeJoinResponse, Dst: item.NodeID, Src: m.selfID},
			AssignedCellIndex: item.AssignedCellIndex,
		}
		enc, err := r.Encode()
		return enc, err == nil
	case queue.ItemData:
		d := frame.Data{Header: frame.Header{Version: frame.Version, Type: frame.TypeData, Dst: radio.Broadcast, Src: m.selfID}, Payload: item.Payload}
		enc, err := d.Encode()
		return enc, err == nil
	default:
		return nil, false
	}
}

func (m *MAC) onTi2() {
	m.intraState = TxData
	m.radio.TxDispatch()
}

func (m *MAC) onTie1() {
	m.stats.Overruns++
	m.sleepSlot()
	m.emitError(event.ReasonTransientRadioAbort)
}

// onTxComplete runs once a TX slot's end-frame ISR fires, clearing
// whatever was sent from the queue or control register.
func (m *MAC) onTxComplete() {
	m.stats.TXCount++
	if m.txIsBeacon {
		m.txIsBeacon = false
		return
	}
	switch m.txItem.Kind {
	case queue.ItemJoinRequest, queue.ItemJoinResponse:
		m.q.ClearJoinPacket()
	case queue.ItemData:
		if len(m.txItem.Payload) > 0 {
			m.q.Pop()
		}
	}
	m.txItem = queue.Item{}
}

// --- RX path: Ri1 -> Ri2 -> Ri3 -> Ri4 / Rie1 / Rie2 --------------------

func (m *MAC) beginRX(info scheduler.SlotInfo) {
	m.intraState = RxOffset
	m.toggler.Set(gpiodebug.RxActive, 1)
	m.radio.SetChannel(info.Channel)

	start := m.startSlotTS
	m.timer.SetOneshotWithRef(radio.T1, start, rxOffsetUS, m.onRi2)
	m.timer.SetOneshotWithRef(radio.T2, start, txOffsetUS+rxGuardUS, m.onRie1)
	m.timer.SetOneshotWithRef(radio.T3, start, rxOffsetUS+rxMaxUS, m.onRie2)
}

func (m *MAC) onRi2() {
	m.intraState = RxDataListen
	m.radio.Rx()
}

func (m *MAC) onRie1() {
	m.timer.Cancel(radio.T3)
	m.sleepSlot()
}

func (m *MAC) onRie2() {
	m.stats.Overruns++
	m.sleepSlot()
	m.emitError(event.ReasonTransientRadioAbort)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// checkDrift implements Ri3's drift-correction logic.
func (m *MAC) checkDrift(ts int64) {
	expected := m.startSlotTS + txOffsetUS + m.deltaRadioUS
	drift := ts - expected

	switch {
	case abs64(drift) < driftIgnoreUS:
		return
	case abs64(drift) < driftResyncUS:
		m.timer.SetOneshotWithRefDiff(radio.InterSlot, m.startSlotTS, wholeSlotUS+drift, m.NewSlot)
	default:
		m.sleepSlot()
		if m.assoc != nil {
			m.assoc.Disconnect(event.ReasonDriftResync, m.startSlotTS)
		}
	}
}

// --- shared radio callbacks ---------------------------------------------

func (m *MAC) onStartFrame(ts int64) {
	switch m.intraState {
	case RxDataListen:
		m.intraState = RxData
		m.timer.Cancel(radio.T2)
		m.checkDrift(ts)
	case ScanListen:
		m.intraState = ScanRx
		m.scanFrameTS = ts
	}
}

func (m *MAC) onEndFrame(ts int64) {
	switch m.intraState {
	case TxData:
		m.timer.Cancel(radio.T2)
		m.sleepSlot()
		m.onTxComplete()
	case RxData:
		m.timer.Cancel(radio.T3)
		m.sleepSlot()
		m.handleReceivedFrame()
	case ScanRx:
		m.handleScanFrame()
	}
}

func (m *MAC) handleReceivedFrame() {
	if !m.radio.PendingRxRead() {
		return
	}
	n := m.radio.GetRxPacket(m.rxBuf[:])
	buf := m.rxBuf[:n]

	h, err := frame.DecodeHeader(buf)
	if err != nil || h.Version != frame.Version {
		m.stats.CRCFailures++
		return // BadProtocolVersion: silently dropped
	}
	if h.Dst != m.selfID && h.Dst != radio.Broadcast {
		return
	}
	m.stats.RXCount++

	switch h.Type {
	case frame.TypeBeacon:
		b, err := frame.DecodeBeacon(buf)
		if err == nil && m.assoc != nil {
			m.assoc.OnBeaconReceived(b, m.asn, m.startSlotTS)
		}
	case frame.TypeJoinRequest:
		if m.role == scheduler.NodeTypeGateway {
			m.admitJoinRequest(h.Src)
		}
	case frame.TypeJoinResponse:
		if m.assoc != nil {
			r, err := frame.DecodeJoinResponse(buf)
			if err == nil {
				m.assoc.OnJoinResponseReceived(r, m.startSlotTS)
			}
		}
	case frame.TypeData:
		d, err := frame.DecodeData(buf)
		if err == nil {
			if m.role == scheduler.NodeTypeGateway {
				m.sched.TouchLiveness(h.Src, m.asn)
			}
			m.sink.OnEvent(event.Event{Kind: event.NewPacket, Payload: d.Payload})
		}
	}
}

func (m *MAC) admitJoinRequest(nodeID uint64) {
	if idx, ok := m.sched.CellForNode(nodeID); ok {
		// Retransmitted JoinRequest: the node's original JoinResponse was
		// presumably lost, driving assoc.go's Joining->Synced retry path.
		// Re-admitting it via AssignNextUplink would hand it a second
		// uplink cell, violating P6 — touch liveness and resend the cell
		// it already owns instead.
		m.sched.TouchLiveness(nodeID, m.asn)
		m.q.SetJoinResponse(nodeID, uint16(idx))
		m.logSlot("join request retransmission, resending response", "node", nodeID, "cell", idx)
		return
	}

	idx, err := m.sched.AssignNextUplink(nodeID, m.asn)
	if err != nil {
		m.logSlot("join request rejected, no free uplink cell", "node", nodeID)
		return
	}
	m.q.SetJoinResponse(nodeID, uint16(idx))
	m.logSlot("node admitted", "node", nodeID, "cell", idx, "rssi", m.radio.RSSI())
	m.sink.OnEvent(event.Event{Kind: event.NodeJoined, NodeID: nodeID, RSSIAtJoin: m.radio.RSSI()})
}

func (m *MAC) buildBeacon(asn uint64) frame.Beacon {
	bloom := frame.NewBloom()
	for _, id := range m.sched.JoinedNodeIDs() {
		bloom.Add(id)
	}
	return frame.Beacon{
		Header:            frame.Header{Version: frame.Version, Type: frame.TypeBeacon, Dst: radio.Broadcast, Src: m.selfID},
		ASN:               asn,
		RemainingCapacity: uint8(m.sched.RemainingCapacity()),
		ActiveScheduleID:  m.sched.ActiveScheduleID(),
		Bloom:             bloom,
	}
}

// --- scanning sub-path ---------------------------------------------------

func (m *MAC) beginForegroundScan(asn uint64) {
	m.scanWindowStartTS = m.startSlotTS
	m.scanDeadlineASN = asn + m.scanMaxSlots - 1
	m.doScanSlot(asn, false)
}

func (m *MAC) continueForegroundScan(asn uint64) {
	if asn > m.scanDeadlineASN {
		m.endScan(asn)
		return
	}
	m.doScanSlot(asn, false)
}

func (m *MAC) beginBackgroundScan(asn uint64) {
	m.scanWindowStartTS = m.startSlotTS
	m.doScanSlot(asn, true)
}

func (m *MAC) doScanSlot(asn uint64, background bool) {
	channel := scheduler.AdvertisingChannels[asn%3]
	m.intraState = ScanListen
	m.toggler.Set(gpiodebug.ScanActive, 1)
	m.scanChannel = channel
	m.scanASN = asn
	m.radio.SetChannel(channel)
	m.radio.Rx()

	start := m.startSlotTS
	if background {
		m.timer.SetOneshotWithRef(radio.T1, start, wholeSlotUS-endGuardUS, func() { m.endScan(asn) })
	} else {
		m.timer.SetOneshotWithRef(radio.T1, start, wholeSlotUS-endGuardUS, m.sleepSlot)
	}
}

func (m *MAC) handleScanFrame() {
	if m.radio.PendingRxRead() {
		n := m.radio.GetRxPacket(m.rxBuf[:])
		buf := m.rxBuf[:n]
		if b, err := frame.DecodeBeacon(buf); err == nil && b.Version == frame.Version && b.RemainingCapacity > 0 {
			rssi := m.radio.RSSI()
			m.scanTable.Add(b, rssi, m.scanChannel, m.scanFrameTS, m.scanASN)
		}
	}
	m.intraState = Sleep
	m.toggler.Set(gpiodebug.ScanActive, 0)
	m.timer.Cancel(radio.T1)
	m.radio.Disable()
}

func (m *MAC) hysteresisPtr() *int8 {
	if m.assoc.State() == assoc.Joined {
		return &m.lastSyncedRSSI
	}
	return nil
}

func (m *MAC) endScan(asn uint64) {
	windowEnd := m.startSlotTS
	result, found := m.scanTable.Select(m.scanWindowStartTS, windowEnd, m.hysteresisPtr())

	cand := assoc.ScanCandidate{}
	if found {
		cand = assoc.ScanCandidate{
			GatewayID:         result.GatewayID,
			Beacon:            result.Beacon,
			CapturedTimestamp: result.Timestamp,
			CapturedASN:       result.CapturedASN,
		}
	}

	synced := m.assoc.OnScanWindowEnd(cand, found, m.startSlotTS)
	if synced {
		m.syncToGateway(result, asn)
	}
	m.sleepSlot()
}

// syncToGateway implements select_gateway_and_sync's ASN/timer
// arithmetic (spec.md section 4.4).
func (m *MAC) syncToGateway(result scan.Result, currentASN uint64) {
	asnSinceBeacon := currentASN - result.CapturedASN + 2
	m.asn = result.Beacon.ASN + asnSinceBeacon - 1

	gatewayTS := result.Timestamp - txOffsetUS + int64(asnSinceBeacon)*wholeSlotUS
	syncDiff := gatewayTS - m.startSlotTS - m.syncCalibUS

	m.timer.SetOneshotWithRefDiff(radio.InterSlot, m.startSlotTS, wholeSlotUS+syncDiff, m.NewSlot)
	m.startSlotTS += syncDiff
	m.lastSyncedRSSI = int8(result.MeanRSSI)
}
