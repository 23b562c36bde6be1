package mac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/blinknet/blink/assoc"
	"github.com/blinknet/blink/event"
	"github.com/blinknet/blink/frame"
	"github.com/blinknet/blink/queue"
	"github.com/blinknet/blink/radio"
	"github.com/blinknet/blink/scan"
	"github.com/blinknet/blink/schedule"
	"github.com/blinknet/blink/scheduler"
)

func minuscule() *schedule.Schedule {
	cells := []schedule.Cell{
		{Type: schedule.Beacon}, {Type: schedule.Beacon}, {Type: schedule.Beacon},
		{Type: schedule.SharedUplink, ChannelOffset: 1},
		{Type: schedule.Downlink, ChannelOffset: 2},
	}
	for i := 0; i < 5; i++ {
		cells = append(cells, schedule.Cell{Type: schedule.Uplink, ChannelOffset: uint8(3 + i)})
	}
	cells = append(cells,
		schedule.Cell{Type: schedule.SharedUplink, ChannelOffset: 9},
		schedule.Cell{Type: schedule.Downlink, ChannelOffset: 10},
		schedule.Cell{Type: schedule.Downlink, ChannelOffset: 11},
	)
	return &schedule.Schedule{ID: 6, Name: "schedule_minuscule", BackoffNMin: 5, BackoffNMax: 9, Cells: cells}
}

type fakeRadio struct {
	channel      uint8
	txPrepared   []byte
	txDispatched bool
	rxArmed      bool
	disabled     bool
	pendingRx    []byte
	rssiValue    int8
}

func (f *fakeRadio) Init(startFrame, endFrame radio.FrameCallback) {}
func (f *fakeRadio) SetChannel(ch uint8)                           { f.channel = ch }
func (f *fakeRadio) Rx()                                           { f.rxArmed = true }
func (f *fakeRadio) TxPrepare(b []byte)                            { f.txPrepared = append([]byte(nil), b...) }
func (f *fakeRadio) TxDispatch()                                   { f.txDispatched = true }
func (f *fakeRadio) Disable()                                      { f.disabled = true; f.rxArmed = false }
func (f *fakeRadio) RSSI() int8                                    { return f.rssiValue }
func (f *fakeRadio) PendingRxRead() bool                           { return len(f.pendingRx) > 0 }
func (f *fakeRadio) GetRxPacket(buf []byte) int                    { return copy(buf, f.pendingRx) }

type fakeTimer struct {
	now   int64
	armed map[radio.TimerChannel]radio.TimerCallback
	diffCalls []diffCall
}

type diffCall struct {
	channel radio.TimerChannel
	refTS   int64
	totalUS int64
}

func newFakeTimer() *fakeTimer { return &fakeTimer{armed: map[radio.TimerChannel]radio.TimerCallback{}} }

func (f *fakeTimer) NowUS() int64 { return f.now }
func (f *fakeTimer) SetOneshotWithRef(channel radio.TimerChannel, refTS, durationUS int64, cb radio.TimerCallback) {
	f.armed[channel] = cb
}
func (f *fakeTimer) SetOneshotWithRefDiff(channel radio.TimerChannel, refTS, totalUS int64, cb radio.TimerCallback) {
	f.armed[channel] = cb
	f.diffCalls = append(f.diffCalls, diffCall{channel, refTS, totalUS})
}
func (f *fakeTimer) SetPeriodic(channel radio.TimerChannel, periodUS int64, cb radio.TimerCallback) {
	f.armed[channel] = cb
}
func (f *fakeTimer) Cancel(channel radio.TimerChannel) { delete(f.armed, channel) }

type fakeRNG struct{ b byte }

func (f fakeRNG) ReadByte() byte { return f.b }

func newGatewayMAC(t *testing.T) (*MAC, *fakeRadio, *fakeTimer) {
	t.Helper()
	sched, err := scheduler.New(scheduler.NodeTypeGateway, 0xA0, []*schedule.Schedule{minuscule()}, 6, false)
	require.NoError(t, err)
	r := &fakeRadio{}
	tm := newFakeTimer()
	m, err := New(Config{
		Role:   scheduler.NodeTypeGateway,
		SelfID: 0xA0,
		Radio:  r,
		Timer:  tm,
		RNG:    fakeRNG{b: 1},
		Sched:  sched,
		Queue:  queue.New(queue.DefaultCapacity, false),
	})
	require.NoError(t, err)
	return m, r, tm
}

func TestNewValidatesRequiredCollaborators(t *testing.T) {
	sched, err := scheduler.New(scheduler.NodeTypeGateway, 1, []*schedule.Schedule{minuscule()}, 6, false)
	require.NoError(t, err)
	_, err = New(Config{})
	assert.ErrorIs(t, err, ErrNoRadio)

	_, err = New(Config{Radio: &fakeRadio{}})
	assert.ErrorIs(t, err, ErrNoTimer)

	_, err = New(Config{Radio: &fakeRadio{}, Timer: newFakeTimer(), RNG: fakeRNG{}, Sched: sched, Queue: queue.New(8, false), Role: scheduler.NodeTypeNode})
	assert.ErrorIs(t, err, ErrNoScanTable)
}

func TestGatewayBeaconSlotBuildsAndTransmits(t *testing.T) {
	m, r, tm := newGatewayMAC(t)

	m.NewSlot() // ASN 0: beacon cell
	require.NotEmpty(t, r.txPrepared)
	assert.Equal(t, TxOffset, m.IntraSlotState())

	b, err := frame.DecodeBeacon(r.txPrepared)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xA0), b.Src)
	assert.Equal(t, uint8(5), b.RemainingCapacity)
	assert.Equal(t, uint8(6), b.ActiveScheduleID)

	tm.armed[radio.T1]() // Ti2
	assert.True(t, r.txDispatched)
	assert.Equal(t, TxData, m.IntraSlotState())

	m.onEndFrame(0) // Ti3
	assert.Equal(t, Sleep, m.IntraSlotState())
	assert.True(t, r.disabled)
}

func TestAdmitJoinRequestAssignsCellAndEmitsNodeJoined(t *testing.T) {
	m, _, _ := newGatewayMAC(t)
	var got event.Event
	m.sink = event.SinkFunc(func(e event.Event) { got = e })

	m.admitJoinRequest(0xAA)

	assert.Equal(t, event.NodeJoined, got.Kind)
	assert.Equal(t, uint64(0xAA), got.NodeID)
	assert.Equal(t, 4, m.sched.RemainingCapacity())

	item, ok := m.q.NextForSlot(queue.SlotDownlink)
	require.True(t, ok)
	assert.Equal(t, queue.ItemJoinResponse, item.Kind)
	assert.Equal(t, uint64(0xAA), item.NodeID)
}

func TestAdmitJoinRequestAtCapacityIsANoOp(t *testing.T) {
	m, _, _ := newGatewayMAC(t)
	for i := uint64(1); i <= 5; i++ {
		m.admitJoinRequest(i)
	}
	called := false
	m.sink = event.SinkFunc(func(e event.Event) { called = true })
	m.admitJoinRequest(100)
	assert.False(t, called, "no NodeJoined event once capacity is exhausted")
	assert.Equal(t, 0, m.sched.RemainingCapacity())
}

func TestAdmitJoinRequestRetransmissionResendsExistingCellNoSecondAssignment(t *testing.T) {
	m, _, _ := newGatewayMAC(t)
	m.admitJoinRequest(0xAA)
	firstIdx, ok := m.sched.CellForNode(0xAA)
	require.True(t, ok)
	capacityAfterFirstJoin := m.sched.RemainingCapacity()

	_, ok = m.q.NextForSlot(queue.SlotDownlink)
	require.True(t, ok)
	m.q.ClearJoinPacket() // simulate the first JoinResponse having gone out (and been lost)

	var got event.Event
	m.sink = event.SinkFunc(func(e event.Event) { got = e })
	m.admitJoinRequest(0xAA) // retransmitted JoinRequest, response never reached the node

	assert.Equal(t, event.Event{}, got, "no second NodeJoined on a retransmission")
	assert.Equal(t, capacityAfterFirstJoin, m.sched.RemainingCapacity(), "no second cell consumed")
	idx, ok := m.sched.CellForNode(0xAA)
	require.True(t, ok)
	assert.Equal(t, firstIdx, idx, "node keeps its original cell")

	resent, ok := m.q.NextForSlot(queue.SlotDownlink)
	require.True(t, ok)
	assert.Equal(t, queue.ItemJoinResponse, resent.Kind)
	assert.Equal(t, uint64(0xAA), resent.NodeID)
}

func TestHandleReceivedFrameAdmitsJoinRequest(t *testing.T) {
	m, r, _ := newGatewayMAC(t)
	jr := frame.JoinRequest{Header: frame.Header{Version: frame.Version, Type: frame.TypeJoinRequest, Dst: 0xA0, Src: 0xBB}}
	enc, err := jr.Encode()
	require.NoError(t, err)
	r.pendingRx = enc

	m.handleReceivedFrame()

	assert.True(t, m.q.HasJoinResponsePending())
}

func TestHandleReceivedFrameDropsBadVersion(t *testing.T) {
	m, r, _ := newGatewayMAC(t)
	jr := frame.JoinRequest{Header: frame.Header{Version: 99, Type: frame.TypeJoinRequest, Dst: 0xA0, Src: 0xBB}}
	enc, err := jr.Encode()
	require.NoError(t, err)
	r.pendingRx = enc

	m.handleReceivedFrame()

	assert.False(t, m.q.HasJoinResponsePending())
}

func TestHandleReceivedFrameDataCallsSink(t *testing.T) {
	m, r, _ := newGatewayMAC(t)
	d := frame.Data{Header: frame.Header{Version: frame.Version, Type: frame.TypeData, Dst: radio.Broadcast, Src: 0xBB}, Payload: []byte("hi")}
	enc, err := d.Encode()
	require.NoError(t, err)
	r.pendingRx = enc

	var got event.Event
	m.sink = event.SinkFunc(func(e event.Event) { got = e })
	m.handleReceivedFrame()

	assert.Equal(t, event.NewPacket, got.Kind)
	assert.Equal(t, []byte("hi"), got.Payload)
}

func TestStatsCountsTXAndRXAndCRCFailures(t *testing.T) {
	m, r, _ := newGatewayMAC(t)

	m.NewSlot() // ASN 0: beacon TX
	m.onTi2()
	m.onTxComplete()
	assert.Equal(t, uint64(1), m.Stats().TXCount)

	jr := frame.JoinRequest{Header: frame.Header{Version: frame.Version, Type: frame.TypeJoinRequest, Dst: 0xA0, Src: 0xBB}}
	enc, err := jr.Encode()
	require.NoError(t, err)
	r.pendingRx = enc
	m.handleReceivedFrame()
	assert.Equal(t, uint64(1), m.Stats().RXCount)
	assert.Equal(t, uint64(0), m.Stats().CRCFailures)

	bad := frame.JoinRequest{Header: frame.Header{Version: 99, Type: frame.TypeJoinRequest, Dst: 0xA0, Src: 0xBB}}
	enc, err = bad.Encode()
	require.NoError(t, err)
	r.pendingRx = enc
	m.handleReceivedFrame()
	assert.Equal(t, uint64(1), m.Stats().CRCFailures)
	assert.Equal(t, uint64(1), m.Stats().RXCount, "bad-version frame does not also count as a good RX")
}

func TestStatsCountsOverrunOnTxAbort(t *testing.T) {
	m, _, _ := newGatewayMAC(t)
	m.NewSlot()
	m.onTie1()
	assert.Equal(t, uint64(1), m.Stats().Overruns)
}

func newNodeMAC(t *testing.T) (*MAC, *fakeRadio, *fakeTimer, *assoc.Association) {
	t.Helper()
	sched, err := scheduler.New(scheduler.NodeTypeNode, 0xAA, []*schedule.Schedule{minuscule()}, 6, false)
	require.NoError(t, err)
	q := queue.New(queue.DefaultCapacity, false)
	a := assoc.New(assoc.Config{
		SelfID:    0xAA,
		Scheduler: sched,
		Queue:     q,
		RNG:       fakeRNG{b: 1},
	})

	r := &fakeRadio{}
	tm := newFakeTimer()
	m, err := New(Config{
		Role:      scheduler.NodeTypeNode,
		SelfID:    0xAA,
		Radio:     r,
		Timer:     tm,
		RNG:       fakeRNG{b: 1},
		Sched:     sched,
		Queue:     q,
		ScanTable: scan.New(scan.DefaultCapacity, scan.DefaultFreshnessUS),
		Assoc:     a,
	})
	require.NoError(t, err)
	return m, r, tm, a
}

func TestCheckDriftIgnoresSmallOffset(t *testing.T) {
	m, _, tm, _ := newNodeMAC(t)
	m.startSlotTS = 10_000
	before := len(tm.diffCalls)

	expected := m.startSlotTS + txOffsetUS + m.deltaRadioUS
	m.checkDrift(expected + 10) // well under driftIgnoreUS

	assert.Len(t, tm.diffCalls, before)
	assert.Equal(t, assoc.Idle, m.assoc.State())
}

func TestCheckDriftReprogramsInterSlotOnModerateOffset(t *testing.T) {
	m, _, tm, _ := newNodeMAC(t)
	m.startSlotTS = 10_000
	expected := m.startSlotTS + txOffsetUS + m.deltaRadioUS

	m.checkDrift(expected + 100)

	require.Len(t, tm.diffCalls, 1)
	assert.Equal(t, int64(wholeSlotUS+100), tm.diffCalls[0].totalUS)
}

func TestCheckDriftDisconnectsOnLargeOffset(t *testing.T) {
	m, _, _, a := newNodeMAC(t)
	m.startSlotTS = 10_000
	// Get association past Idle so Disconnect has something to undo.
	a.EnterScanning(0)
	a.OnScanWindowEnd(assoc.ScanCandidate{GatewayID: 1, Beacon: frame.Beacon{ActiveScheduleID: 6}, CapturedASN: 0}, true, 0)

	expected := m.startSlotTS + txOffsetUS + m.deltaRadioUS
	m.checkDrift(expected + 300)

	assert.Equal(t, assoc.Idle, m.assoc.State())
	assert.Equal(t, Sleep, m.IntraSlotState())
}

func TestEndScanSyncsToStrongestGateway(t *testing.T) {
	m, _, tm, a := newNodeMAC(t)
	m.scanWindowStartTS = 0
	m.startSlotTS = 50_000
	a.EnterScanning(0)

	b := frame.Beacon{
		Header:            frame.Header{Version: frame.Version, Type: frame.TypeBeacon, Dst: radio.Broadcast, Src: 0x1},
		ASN:               1000,
		RemainingCapacity: 5,
		ActiveScheduleID:  6,
		Bloom:             frame.NewBloom(),
	}
	m.scanTable.Add(b, -40, 37, 10_000, 998)

	m.endScan(1001)

	assert.Equal(t, assoc.Synced, m.assoc.State())
	assert.Equal(t, uint64(1), m.assoc.SyncedGatewayID())
	require.NotEmpty(t, tm.diffCalls)
}

func TestEndScanStaysIdleWithoutCandidate(t *testing.T) {
	m, _, _, a := newNodeMAC(t)
	m.scanWindowStartTS = 0
	m.startSlotTS = 50_000
	a.EnterScanning(0)

	m.endScan(10)

	assert.Equal(t, assoc.Idle, a.State())
}

// P3: once a node has synced, its ASN tracks the gateway's ASN modulo the
// slotframe length, for any beacon-capture/current-slot combination
// endScan might see.
func TestMAC_P3_SyncedASNMatchesGatewayModuloSlotCount(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m, _, tm, a := newNodeMAC(t)
		m.scanWindowStartTS = 0
		m.startSlotTS = 50_000
		a.EnterScanning(0)

		capturedASN := rapid.Uint64Range(0, 1<<20).Draw(t, "capturedASN")
		elapsedSlots := rapid.Uint64Range(0, 50).Draw(t, "elapsedSlots")
		beaconASN := rapid.Uint64Range(0, 1<<20).Draw(t, "beaconASN")
		currentASN := capturedASN + elapsedSlots

		b := frame.Beacon{
			Header:            frame.Header{Version: frame.Version, Type: frame.TypeBeacon, Dst: radio.Broadcast, Src: 0x1},
			ASN:               beaconASN,
			RemainingCapacity: 5,
			ActiveScheduleID:  6,
			Bloom:             frame.NewBloom(),
		}
		m.scanTable.Add(b, -40, 37, 10_000, capturedASN)

		m.endScan(currentASN)
		if a.State() != assoc.Synced {
			return // no candidate met hysteresis; nothing to check.
		}
		require.NotEmpty(t, tm.diffCalls)

		// The gateway's own ASN at the instant endScan ran is
		// beaconASN + elapsedSlots; syncToGateway anchors the node one
		// slot ahead of that so its next NewSlot lands in step.
		gatewayASN := beaconASN + elapsedSlots
		assert.Equal(t, (gatewayASN+1)%uint64(m.sched.ActiveScheduleSlotCount()), m.ASN()%uint64(m.sched.ActiveScheduleSlotCount()))
	})
}
