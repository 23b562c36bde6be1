package schedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func minuscule() *Schedule {
	cells := []Cell{
		{Type: Beacon}, {Type: Beacon}, {Type: Beacon},
		{Type: SharedUplink, ChannelOffset: 1},
		{Type: Downlink, ChannelOffset: 2},
	}
	for i := 0; i < 5; i++ {
		cells = append(cells, Cell{Type: Uplink, ChannelOffset: uint8(3 + i)})
	}
	cells = append(cells, Cell{Type: SharedUplink, ChannelOffset: 9}, Cell{Type: Downlink, ChannelOffset: 10}, Cell{Type: Downlink, ChannelOffset: 11})
	return &Schedule{ID: 6, Name: "schedule_minuscule", BackoffNMin: 5, BackoffNMax: 9, Cells: cells}
}

func TestMinusculeValid(t *testing.T) {
	s := minuscule()
	require.NoError(t, s.Validate())
	assert.Equal(t, 11, s.NCells())
	assert.Equal(t, 5, s.MaxNodes())
}

func TestValidateRejectsShortSchedule(t *testing.T) {
	s := &Schedule{Cells: []Cell{{Type: Beacon}, {Type: Beacon}}}
	assert.ErrorIs(t, s.Validate(), ErrTooFewCells)
}

func TestValidateRejectsNonBeaconPrefix(t *testing.T) {
	s := &Schedule{Cells: []Cell{{Type: Beacon}, {Type: Beacon}, {Type: Downlink}}}
	assert.ErrorIs(t, s.Validate(), ErrFirstThreeNotBeacon)
}

// genCellType draws one of the four cell types.
func genCellType(t *rapid.T) CellType {
	return CellType(rapid.IntRange(0, 3).Draw(t, "cellType"))
}

// P1: for any schedule whose first three cells are Beacon, MaxNodes equals
// the count of Uplink cells, by construction — this is an algebraic
// identity of MaxNodes, but we exercise it over generated schedules to
// guard against a future refactor breaking the derivation.
func TestSchedule_P1_MaxNodesMatchesUplinkCount(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(3, 40).Draw(t, "n")
		cells := make([]Cell, n)
		cells[0] = Cell{Type: Beacon}
		cells[1] = Cell{Type: Beacon}
		cells[2] = Cell{Type: Beacon}
		want := 0
		for i := 3; i < n; i++ {
			ct := genCellType(t)
			cells[i] = Cell{Type: ct}
			if ct == Uplink {
				want++
			}
		}
		s := &Schedule{Cells: cells}
		require.NoError(t, s.Validate())
		assert.Equal(t, want, s.MaxNodes())
	})
}

// P2: the node counter (NodeCount) equals the count of cells with a
// non-zero AssignedNodeID, for any assignment of node ids onto Uplink
// cells.
func TestSchedule_P2_NodeCountMatchesAssignments(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(3, 20).Draw(t, "n")
		cells := make([]Cell, n)
		cells[0] = Cell{Type: Beacon}
		cells[1] = Cell{Type: Beacon}
		cells[2] = Cell{Type: Beacon}
		want := 0
		for i := 3; i < n; i++ {
			cells[i] = Cell{Type: Uplink}
			if rapid.Bool().Draw(t, "assign") {
				cells[i].AssignedNodeID = rapid.Uint64Range(1, 1<<62).Draw(t, "nodeID")
				want++
			}
		}
		s := &Schedule{Cells: cells}
		assert.Equal(t, want, s.NodeCount())
	})
}
