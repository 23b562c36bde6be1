// Package schedule holds the static, pre-compiled slotframe data model
// (spec.md section 3): cells, schedules, and the mutable per-cell
// liveness/assignment fields the gateway maintains.
package schedule

// CellType is the kind of traffic a slot carries.
type CellType uint8

const (
	Beacon CellType = iota
	SharedUplink
	Downlink
	Uplink
)

func (t CellType) String() string {
	switch t {
	case Beacon:
		return "Beacon"
	case SharedUplink:
		return "SharedUplink"
	case Downlink:
		return "Downlink"
	case Uplink:
		return "Uplink"
	default:
		return "Unknown"
	}
}

// MaxChannelOffset is the inclusive upper bound of Cell.ChannelOffset
// (spec.md section 3).
const MaxChannelOffset = 36

// Cell is one slot within a slotframe.
type Cell struct {
	Type          CellType
	ChannelOffset uint8

	// AssignedNodeID is meaningful only for Uplink cells; 0 means
	// unassigned.
	AssignedNodeID uint64

	// LastReceivedASN is the liveness stamp of the owning node, meaningful
	// only for Uplink cells.
	LastReceivedASN uint64
}

// Schedule is one pre-compiled slotframe.
type Schedule struct {
	// ID is a globally unique identifier among all schedules known to a
	// given deployment.
	ID uint8

	// Name is a human-readable label; not part of the wire protocol.
	Name string

	BackoffNMin uint8
	BackoffNMax uint8

	Cells []Cell
}

// NCells is the slotframe length.
func (s *Schedule) NCells() int { return len(s.Cells) }

// MaxNodes is the count of Uplink cells — the schedule's join capacity.
func (s *Schedule) MaxNodes() int {
	n := 0
	for _, c := range s.Cells {
		if c.Type == Uplink {
			n++
		}
	}
	return n
}

// Validate checks the structural invariants of spec.md section 3 and
// section 8 (P1): the schedule has at least three cells, the first three
// are Beacon cells, and every channel offset is in range. It does not
// check MaxNodes against any external capacity figure — MaxNodes is
// derived, not stored, so it cannot disagree with itself.
func (s *Schedule) Validate() error {
	if len(s.Cells) < 3 {
		return ErrTooFewCells
	}
	for i := 0; i < 3; i++ {
		if s.Cells[i].Type != Beacon {
			return ErrFirstThreeNotBeacon
		}
	}
	for _, c := range s.Cells {
		if c.ChannelOffset > MaxChannelOffset {
			return ErrChannelOffsetRange
		}
	}
	return nil
}

// NodeCount returns the number of Uplink cells currently assigned to a
// non-zero node id (spec.md section 8, P2).
func (s *Schedule) NodeCount() int {
	n := 0
	for _, c := range s.Cells {
		if c.Type == Uplink && c.AssignedNodeID != 0 {
			n++
		}
	}
	return n
}

// RemainingCapacity is MaxNodes minus NodeCount, never negative.
func (s *Schedule) RemainingCapacity() int {
	r := s.MaxNodes() - s.NodeCount()
	if r < 0 {
		return 0
	}
	return r
}

// CellIndex returns the cell index for a given ASN under this schedule.
func (s *Schedule) CellIndex(asn uint64) int {
	return int(asn % uint64(len(s.Cells)))
}
