package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/blinknet/blink/schedule"
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

type fakeTraffic struct {
	joinReq, joinResp, data bool
}

func (f fakeTraffic) HasJoinRequestPending() bool  { return f.joinReq }
func (f fakeTraffic) HasJoinResponsePending() bool { return f.joinResp }
func (f fakeTraffic) HasDataQueued() bool          { return f.data }

func TestGatewayBeaconCellTransmits(t *testing.T) {
	sch, err := New(NodeTypeGateway, 0, []*schedule.Schedule{minuscule()}, 6, false)
	require.NoError(t, err)

	info := sch.Tick(0, fakeTraffic{})
	assert.Equal(t, ActionTX, info.RadioAction)
	assert.Equal(t, schedule.Beacon, info.SlotType)
	assert.False(t, info.AvailableForScan)
}

func TestNodeBeaconCellReceives(t *testing.T) {
	sch, err := New(NodeTypeNode, 0xAA, []*schedule.Schedule{minuscule()}, 6, false)
	require.NoError(t, err)

	info := sch.Tick(0, fakeTraffic{})
	assert.Equal(t, ActionRX, info.RadioAction)
}

func TestNodeSharedUplinkTxOnlyWithJoinRequest(t *testing.T) {
	sch, err := New(NodeTypeNode, 0xAA, []*schedule.Schedule{minuscule()}, 6, false)
	require.NoError(t, err)

	info := sch.Tick(3, fakeTraffic{joinReq: false})
	assert.Equal(t, ActionSleep, info.RadioAction)
	assert.True(t, info.SlotCanJoin)

	info = sch.Tick(3, fakeTraffic{joinReq: true})
	assert.Equal(t, ActionTX, info.RadioAction)
}

func TestGatewayDownlinkTxOnlyWhenQueued(t *testing.T) {
	sch, err := New(NodeTypeGateway, 0, []*schedule.Schedule{minuscule()}, 6, false)
	require.NoError(t, err)

	info := sch.Tick(4, fakeTraffic{})
	assert.Equal(t, ActionSleep, info.RadioAction)

	info = sch.Tick(4, fakeTraffic{data: true})
	assert.Equal(t, ActionTX, info.RadioAction)

	info = sch.Tick(4, fakeTraffic{joinResp: true})
	assert.Equal(t, ActionTX, info.RadioAction)
}

func TestOwnedUplinkCellTxOrKeepalive(t *testing.T) {
	sch, err := New(NodeTypeNode, 0xAA, []*schedule.Schedule{minuscule()}, 6, false)
	require.NoError(t, err)

	_, err = sch.AssignNextUplink(0xAA, 0)
	require.NoError(t, err)

	// Find which cell index is owned by 0xAA.
	var ownedIdx = -1
	for i := 0; i < sch.ActiveScheduleSlotCount(); i++ {
		if sch.CellAt(i).AssignedNodeID == 0xAA {
			ownedIdx = i
			break
		}
	}
	require.NotEqual(t, -1, ownedIdx)

	info := sch.Tick(uint64(ownedIdx), fakeTraffic{data: false})
	assert.Equal(t, ActionSleep, info.RadioAction)

	info = sch.Tick(uint64(ownedIdx), fakeTraffic{data: true})
	assert.Equal(t, ActionTX, info.RadioAction)
}

func TestSetScheduleUnknownFails(t *testing.T) {
	sch, err := New(NodeTypeNode, 1, []*schedule.Schedule{minuscule()}, 6, false)
	require.NoError(t, err)
	assert.False(t, sch.SetSchedule(99))
}

// R3: set_schedule(active_schedule_id()) is a no-op.
func TestScheduler_R3_SetActiveIsNoOp(t *testing.T) {
	sch, err := New(NodeTypeNode, 1, []*schedule.Schedule{minuscule()}, 6, false)
	require.NoError(t, err)
	before := sch.ActiveScheduleID()
	assert.True(t, sch.SetSchedule(before))
	assert.Equal(t, before, sch.ActiveScheduleID())
}

// R2: AssignNextUplink followed by Deassign restores the cell.
func TestScheduler_R2_AssignThenDeassignRestores(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sch, err := New(NodeTypeGateway, 0, []*schedule.Schedule{minuscule()}, 6, false)
		require.NoError(t, err)

		nodeID := rapid.Uint64Range(1, 1<<62).Draw(t, "nodeID")
		asn := rapid.Uint64Range(0, 1<<40).Draw(t, "asn")

		before := sch.RemainingCapacity()
		idx, err := sch.AssignNextUplink(nodeID, asn)
		require.NoError(t, err)
		assert.Equal(t, before-1, sch.RemainingCapacity())

		sch.Deassign(nodeID)
		assert.Equal(t, before, sch.RemainingCapacity())
		assert.Equal(t, uint64(0), sch.CellAt(idx).AssignedNodeID)
	})
}

func TestAdoptAssignmentRecordsOwnerWithoutSearching(t *testing.T) {
	node, err := New(NodeTypeNode, 0xAA, []*schedule.Schedule{minuscule()}, 6, false)
	require.NoError(t, err)

	node.AdoptAssignment(6, 0xAA)
	assert.Equal(t, uint64(0xAA), node.CellAt(6).AssignedNodeID)
}

func TestAdoptAssignmentOutOfRangeIsANoOp(t *testing.T) {
	node, err := New(NodeTypeNode, 0xAA, []*schedule.Schedule{minuscule()}, 6, false)
	require.NoError(t, err)

	assert.NotPanics(t, func() { node.AdoptAssignment(999, 0xAA) })
}

// P6: no two uplink cells in an active schedule ever share the same
// non-zero assigned node id, regardless of how many times AssignNextUplink
// is called.
func TestScheduler_P6_NoDuplicateAssignment(t *testing.T) {
	sch, err := New(NodeTypeGateway, 0, []*schedule.Schedule{minuscule()}, 6, false)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := sch.AssignNextUplink(uint64(i+1), uint64(i))
		require.NoError(t, err)
	}
	_, err = sch.AssignNextUplink(999, 5)
	assert.ErrorIs(t, err, ErrNoFreeUplinkCell)

	seen := map[uint64]int{}
	for i := 0; i < sch.ActiveScheduleSlotCount(); i++ {
		c := sch.CellAt(i)
		if c.Type == schedule.Uplink && c.AssignedNodeID != 0 {
			seen[c.AssignedNodeID]++
		}
	}
	for id, count := range seen {
		assert.Equal(t, 1, count, "node id %d assigned to more than one cell", id)
	}
}

func TestSweepDeadNodes(t *testing.T) {
	sch, err := New(NodeTypeGateway, 0, []*schedule.Schedule{minuscule()}, 6, false)
	require.NoError(t, err)

	_, err = sch.AssignNextUplink(7, 0)
	require.NoError(t, err)

	// Within the liveness window: nothing swept.
	dead := sch.SweepDeadNodes(uint64(sch.ActiveScheduleSlotCount()*2), 5)
	assert.Empty(t, dead)

	// Past the liveness window: swept and reported.
	dead = sch.SweepDeadNodes(uint64(sch.ActiveScheduleSlotCount()*6), 5)
	assert.Equal(t, []uint64{7}, dead)
	assert.Equal(t, sch.RemainingCapacity(), 5)
}

func TestChannelHoppingPermutationCoversAllChannels(t *testing.T) {
	sch, err := New(NodeTypeNode, 1, []*schedule.Schedule{minuscule()}, 6, false)
	require.NoError(t, err)

	seen := map[uint8]bool{}
	for asn := uint64(0); asn < NumDataChannels; asn++ {
		info := sch.Tick(asn, fakeTraffic{})
		_ = info
		seen[sch.dataChannel(asn, 0)] = true
	}
	assert.Len(t, seen, NumDataChannels)
}
