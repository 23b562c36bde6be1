// Package scheduler turns an absolute slot number into a concrete action
// for the current slot, and owns the one mutation the MAC is never allowed
// to make directly: the schedule's cell assignment map (spec.md sections
// 3 and 4.1).
package scheduler

import (
	"errors"

	"github.com/blinknet/blink/schedule"
)

// NodeType distinguishes gateway role (owns time, beacons, admits joins)
// from node role (scans, syncs, joins, sends on an assigned cell).
type NodeType int

const (
	NodeTypeGateway NodeType = iota
	NodeTypeNode
)

// RadioAction is what the MAC must do with the radio for the current
// slot.
type RadioAction int

const (
	ActionSleep RadioAction = iota
	ActionRX
	ActionTX
)

func (a RadioAction) String() string {
	switch a {
	case ActionSleep:
		return "Sleep"
	case ActionRX:
		return "RX"
	case ActionTX:
		return "TX"
	default:
		return "Unknown"
	}
}

// AdvertisingChannels are the three BLE advertising channels used for
// beacon cells.
var AdvertisingChannels = [3]uint8{37, 38, 39}

// NumDataChannels is the number of BLE data channels available for
// channel hopping.
const NumDataChannels = 37

// hoppingSequence is a fixed, deterministic permutation of the 37 data
// channel indices. The exact sequence is platform-specific per spec.md
// section 4.1 and section 9 — this one is pinned here so that two Blink
// implementations built from this repository interoperate; a deployment
// targeting a different radio's channel map would replace this table.
var hoppingSequence = buildHoppingSequence()

func buildHoppingSequence() [NumDataChannels]uint8 {
	// A simple fixed-point multiplicative permutation: i*primeStep mod 37
	// visits every residue exactly once because 37 is prime and primeStep
	// is coprime to it.
	const primeStep = 7
	var seq [NumDataChannels]uint8
	for i := 0; i < NumDataChannels; i++ {
		seq[i] = uint8((i * primeStep) % NumDataChannels)
	}
	return seq
}

// TrafficState lets the scheduler ask the queue (without importing it)
// whether there is anything worth keying up
// the radio for this slot.
type TrafficState interface {
	// HasJoinRequestPending reports whether a node has a JoinRequest
	// control frame ready to send.
	HasJoinRequestPending() bool
	// HasJoinResponsePending reports whether a gateway has a JoinResponse
	// control frame ready to send.
	HasJoinResponsePending() bool
	// HasDataQueued reports whether at least one data frame is queued for
	// transmission.
	HasDataQueued() bool
}

// SlotInfo is the scheduler's answer for the current slot (spec.md
// section 4.1).
type SlotInfo struct {
	RadioAction      RadioAction
	SlotType         schedule.CellType
	Channel          uint8
	AvailableForScan bool
	SlotCanJoin      bool
	CellIndex        int
}

var (
	// ErrUnknownSchedule is returned by SetSchedule for an id not present
	// in the scheduler's known set (spec.md section 7).
	ErrUnknownSchedule = errors.New("scheduler: unknown schedule id")
	// ErrNoFreeUplinkCell is returned by AssignNextUplink when the active
	// schedule's capacity is exhausted.
	ErrNoFreeUplinkCell = errors.New("scheduler: no free uplink cell")
)

// Scheduler is the gateway- or node-role view of a set of known
// schedules, one of which is active at a time.
type Scheduler struct {
	nodeType NodeType
	selfID   uint64

	known  map[uint8]*schedule.Schedule
	active *schedule.Schedule

	// keepaliveEnabled governs whether an owned Uplink cell with no data
	// queued sends a zero-length keepalive frame instead of sleeping.
	keepaliveEnabled bool

	// fixedChannel, when non-nil, overrides beacon channel selection —
	// useful for single-channel test benches and regulatory domains with
	// only one advertising channel available.
	fixedChannel *uint8
}

// New builds a Scheduler. selfID is the gateway's or node's own 64-bit
// device id — for a node, it is compared against a cell's
// AssignedNodeID to recognize "my" uplink cell; for a gateway it is
// unused in radio-action derivation but kept for symmetry and logging.
func New(nodeType NodeType, selfID uint64, known []*schedule.Schedule, initialScheduleID uint8, keepaliveEnabled bool) (*Scheduler, error) {
	s := &Scheduler{
		nodeType:         nodeType,
		selfID:           selfID,
		known:            make(map[uint8]*schedule.Schedule, len(known)),
		keepaliveEnabled: keepaliveEnabled,
	}
	for _, sch := range known {
		if err := sch.Validate(); err != nil {
			return nil, err
		}
		s.known[sch.ID] = sch
	}
	if !s.SetSchedule(initialScheduleID) {
		return nil, ErrUnknownSchedule
	}
	return s, nil
}

// SetSchedule switches the active schedule by id, returning false if the
// id is unknown (spec.md section 7, UnknownSchedule — the caller, not
// this method, decides whether that is fatal or simply ignored).
func (s *Scheduler) SetSchedule(id uint8) bool {
	sch, ok := s.known[id]
	if !ok {
		return false
	}
	s.active = sch
	return true
}

// SetFixedChannel pins beacon transmission/reception to a single
// advertising channel, overriding the three-way rotation.
func (s *Scheduler) SetFixedChannel(ch uint8) { s.fixedChannel = &ch }

// ActiveScheduleID returns the id of the currently active schedule.
func (s *Scheduler) ActiveScheduleID() uint8 { return s.active.ID }

// ActiveScheduleSlotCount returns the active schedule's slotframe length.
func (s *Scheduler) ActiveScheduleSlotCount() int { return s.active.NCells() }

// RemainingCapacity returns the active schedule's free uplink cell count.
func (s *Scheduler) RemainingCapacity() int { return s.active.RemainingCapacity() }

// Tick returns the action for the cell at asn mod NCells.
func (s *Scheduler) Tick(asn uint64, ts TrafficState) SlotInfo {
	idx := s.active.CellIndex(asn)
	cell := s.active.Cells[idx]

	info := SlotInfo{
		SlotType:    cell.Type,
		SlotCanJoin: cell.Type == schedule.SharedUplink,
		CellIndex:   idx,
	}

	switch cell.Type {
	case schedule.Beacon:
		info.Channel = s.beaconChannel(idx)
		if s.nodeType == NodeTypeGateway {
			info.RadioAction = ActionTX
		} else {
			info.RadioAction = ActionRX
		}

	case schedule.SharedUplink:
		info.Channel = s.dataChannel(asn, cell.ChannelOffset)
		if s.nodeType == NodeTypeGateway {
			info.RadioAction = ActionRX
		} else if ts != nil && ts.HasJoinRequestPending() {
			info.RadioAction = ActionTX
		} else {
			info.RadioAction = ActionSleep
		}

	case schedule.Downlink:
		info.Channel = s.dataChannel(asn, cell.ChannelOffset)
		if s.nodeType == NodeTypeGateway {
			if ts != nil && (ts.HasJoinResponsePending() || ts.HasDataQueued()) {
				info.RadioAction = ActionTX
			} else {
				info.RadioAction = ActionSleep
			}
		} else {
			info.RadioAction = ActionRX
		}

	case schedule.Uplink:
		info.Channel = s.dataChannel(asn, cell.ChannelOffset)
		if s.nodeType == NodeTypeGateway {
			info.RadioAction = ActionRX
		} else if cell.AssignedNodeID == s.selfID && s.selfID != 0 {
			if ts != nil && ts.HasDataQueued() {
				info.RadioAction = ActionTX
			} else if s.keepaliveEnabled {
				info.RadioAction = ActionTX
			} else {
				info.RadioAction = ActionSleep
			}
		} else {
			info.RadioAction = ActionSleep
		}
	}

	info.AvailableForScan = info.RadioAction == ActionSleep
	return info
}

func (s *Scheduler) beaconChannel(cellIndex int) uint8 {
	if s.fixedChannel != nil {
		return *s.fixedChannel
	}
	return AdvertisingChannels[cellIndex%3]
}

func (s *Scheduler) dataChannel(asn uint64, channelOffset uint8) uint8 {
	return hoppingSequence[(asn+uint64(channelOffset))%NumDataChannels]
}

// AssignNextUplink performs first-fit admission of nodeID into the first
// unassigned Uplink cell of the active schedule, stamping its liveness at
// asn. It returns the cell index to report in the JoinResponse.
func (s *Scheduler) AssignNextUplink(nodeID uint64, asn uint64) (int, error) {
	for i := range s.active.Cells {
		c := &s.active.Cells[i]
		if c.Type == schedule.Uplink && c.AssignedNodeID == 0 {
			c.AssignedNodeID = nodeID
			c.LastReceivedASN = asn
			return i, nil
		}
	}
	return 0, ErrNoFreeUplinkCell
}

// AdoptAssignment records nodeID as the owner of the cell at cellIndex
// without searching for a free one — the node-side counterpart to
// AssignNextUplink, called when a JoinResponse names the cell the
// gateway already chose.
func (s *Scheduler) AdoptAssignment(cellIndex int, nodeID uint64) {
	if cellIndex < 0 || cellIndex >= len(s.active.Cells) {
		return
	}
	c := &s.active.Cells[cellIndex]
	c.AssignedNodeID = nodeID
}

// CellForNode returns the index of the Uplink cell already owned by
// nodeID, if any — used to recognize a retransmitted JoinRequest from an
// already-admitted node before AssignNextUplink would otherwise hand it
// a second cell.
func (s *Scheduler) CellForNode(nodeID uint64) (int, bool) {
	for i := range s.active.Cells {
		c := &s.active.Cells[i]
		if c.Type == schedule.Uplink && c.AssignedNodeID == nodeID {
			return i, true
		}
	}
	return 0, false
}

// Deassign clears the cell owned by nodeID, if any (R2: the inverse of
// AssignNextUplink).
func (s *Scheduler) Deassign(nodeID uint64) {
	for i := range s.active.Cells {
		c := &s.active.Cells[i]
		if c.Type == schedule.Uplink && c.AssignedNodeID == nodeID {
			c.AssignedNodeID = 0
			c.LastReceivedASN = 0
		}
	}
}

// TouchLiveness stamps the liveness timestamp of nodeID's owned uplink
// cell, called by the gateway whenever it hears from that node (a data
// frame or a retransmitted join request).
func (s *Scheduler) TouchLiveness(nodeID uint64, asn uint64) {
	for i := range s.active.Cells {
		c := &s.active.Cells[i]
		if c.Type == schedule.Uplink && c.AssignedNodeID == nodeID {
			c.LastReceivedASN = asn
			return
		}
	}
}

// SweepDeadNodes clears every owned Uplink cell whose liveness stamp is
// older than maxSlotframesNoRXLeave slotframes relative to asn, returning
// the node ids that were deassigned so the caller can emit NodeLeft
// events (spec.md section 4.5, gateway side).
func (s *Scheduler) SweepDeadNodes(asn uint64, maxSlotframesNoRXLeave int) []uint64 {
	window := uint64(s.active.NCells() * maxSlotframesNoRXLeave)
	var dead []uint64
	for i := range s.active.Cells {
		c := &s.active.Cells[i]
		if c.Type != schedule.Uplink || c.AssignedNodeID == 0 {
			continue
		}
		if asn-c.LastReceivedASN > window {
			dead = append(dead, c.AssignedNodeID)
			c.AssignedNodeID = 0
			c.LastReceivedASN = 0
		}
	}
	return dead
}

// CellAt exposes the current cell assignment map read-only, for testing.
func (s *Scheduler) CellAt(index int) schedule.Cell {
	return s.active.Cells[index]
}

// JoinedNodeIDs returns the device ids currently occupying an Uplink
// cell, used by the gateway to build the beacon's bloom filter.
func (s *Scheduler) JoinedNodeIDs() []uint64 {
	var ids []uint64
	for _, c := range s.active.Cells {
		if c.Type == schedule.Uplink && c.AssignedNodeID != 0 {
			ids = append(ids, c.AssignedNodeID)
		}
	}
	return ids
}
