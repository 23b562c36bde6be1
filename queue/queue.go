// Package queue implements the transmit-side queue the MAC drains every
// slot: a bounded ring of outbound data frames plus a single reserved
// control-frame register for the next JoinRequest or JoinResponse
// (spec.md sections 3 and 4.2).
package queue

import (
	"errors"
	"sync"
)

// DefaultCapacity is the default ring-buffer depth — a power of two, per
// spec.md section 3.
const DefaultCapacity = 8

// ErrFull is returned by PushData when the queue is at capacity. spec.md
// section 9 leaves the full-queue behavior as an open question between
// reject-new and drop-oldest; this implementation chooses reject-new; see
// DESIGN.md.
var ErrFull = errors.New("queue: full")

// ControlKind distinguishes the two control frame shapes that can occupy
// the single-entry control register.
type ControlKind int

const (
	ControlNone ControlKind = iota
	ControlJoinRequest
	ControlJoinResponse
)

// ControlFrame is the at-most-one pending control frame (spec.md section
// 3): a node's JoinRequest or a gateway's JoinResponse.
type ControlFrame struct {
	Kind ControlKind

	// GatewayID is set for a JoinRequest: the gateway the node is
	// targeting.
	GatewayID uint64

	// NodeID and AssignedCellIndex are set for a JoinResponse: the node
	// being admitted and the uplink cell it was given.
	NodeID            uint64
	AssignedCellIndex uint16
}

// SlotKind is the minimal slot-type vocabulary NextForSlot needs — kept
// separate from schedule.CellType so this package has no dependency on
// scheduler/schedule, matching the ownership note in spec.md section 3
// that the queue is a leaf shared by both MAC and application.
type SlotKind int

const (
	SlotSharedUplink SlotKind = iota
	SlotDownlink
	SlotOwnedUplink
	SlotOther
)

// ItemKind distinguishes what NextForSlot handed back.
type ItemKind int

const (
	ItemNone ItemKind = iota
	ItemJoinRequest
	ItemJoinResponse
	ItemData
)

// Item is the polymorphic result of NextForSlot.
type Item struct {
	Kind ItemKind

	GatewayID         uint64
	NodeID            uint64
	AssignedCellIndex uint16

	// Payload is the application data for an ItemData result; a
	// zero-length, non-nil Payload signals a keepalive frame.
	Payload []byte
}

// Queue is the bounded outbound-frame queue. Zero value is not usable;
// construct with New.
type Queue struct {
	mu sync.Mutex

	capacity int
	ring     [][]byte
	head     int
	count    int

	control ControlFrame

	keepaliveEnabled bool
}

// New returns an empty queue with the given ring capacity (rounded up
// internally is not performed — callers should pass a power of two per
// spec.md section 3, e.g. DefaultCapacity).
func New(capacity int, keepaliveEnabled bool) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		capacity:         capacity,
		ring:             make([][]byte, capacity),
		keepaliveEnabled: keepaliveEnabled,
	}
}

// PushData enqueues payload for transmission. Returns ErrFull when the
// ring is already at capacity — the chosen, documented behavior for the
// full-queue case (spec.md section 9 Open Question; locked by test
// R_QueueFullRejectsNewest).
func (q *Queue) PushData(payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == q.capacity {
		return ErrFull
	}
	tail := (q.head + q.count) % q.capacity
	q.ring[tail] = payload
	q.count++
	return nil
}

// Peek returns the next data frame without removing it.
func (q *Queue) Peek() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil, false
	}
	return q.ring[q.head], true
}

// Pop removes and returns the next data frame.
func (q *Queue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil, false
	}
	v := q.ring[q.head]
	q.ring[q.head] = nil
	q.head = (q.head + 1) % q.capacity
	q.count--
	return v, true
}

// Len reports the number of data frames currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// SetJoinRequest arms the control register with a JoinRequest targeting
// gatewayID, overwriting any previously pending control frame (spec.md
// section 4.2 invariant: at most one control frame pending at a time).
func (q *Queue) SetJoinRequest(gatewayID uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.control = ControlFrame{Kind: ControlJoinRequest, GatewayID: gatewayID}
}

// SetJoinResponse arms the control register with a JoinResponse admitting
// nodeID into assignedCellIndex, overwriting any previously pending
// control frame.
func (q *Queue) SetJoinResponse(nodeID uint64, assignedCellIndex uint16) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.control = ControlFrame{Kind: ControlJoinResponse, NodeID: nodeID, AssignedCellIndex: assignedCellIndex}
}

// ClearJoinPacket empties the control register, called once the pending
// control frame has been transmitted.
func (q *Queue) ClearJoinPacket() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.control = ControlFrame{}
}

// HasJoinPacket reports whether a control frame is pending.
func (q *Queue) HasJoinPacket() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.control.Kind != ControlNone
}

// HasJoinRequestPending implements scheduler.TrafficState.
func (q *Queue) HasJoinRequestPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.control.Kind == ControlJoinRequest
}

// HasJoinResponsePending implements scheduler.TrafficState.
func (q *Queue) HasJoinResponsePending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.control.Kind == ControlJoinResponse
}

// HasDataQueued implements scheduler.TrafficState.
func (q *Queue) HasDataQueued() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count > 0
}

// GetJoinPacket returns the pending control frame, if any.
func (q *Queue) GetJoinPacket() (ControlFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.control.Kind == ControlNone {
		return ControlFrame{}, false
	}
	return q.control, true
}

// NextForSlot implements the priority rules of spec.md section 4.2 for
// the given slot kind, without removing anything from the queue — the
// MAC pops/clears only after a successful transmission.
func (q *Queue) NextForSlot(kind SlotKind) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch kind {
	case SlotSharedUplink:
		if q.control.Kind == ControlJoinRequest {
			return Item{Kind: ItemJoinRequest, GatewayID: q.control.GatewayID}, true
		}
		return Item{}, false

	case SlotDownlink:
		if q.control.Kind == ControlJoinResponse {
			return Item{Kind: ItemJoinResponse, NodeID: q.control.NodeID, AssignedCellIndex: q.control.AssignedCellIndex}, true
		}
		if q.count > 0 {
			return Item{Kind: ItemData, Payload: q.ring[q.head]}, true
		}
		return Item{}, false

	case SlotOwnedUplink:
		if q.count > 0 {
			return Item{Kind: ItemData, Payload: q.ring[q.head]}, true
		}
		if q.keepaliveEnabled {
			return Item{Kind: ItemData, Payload: []byte{}}, true
		}
		return Item{}, false

	default:
		return Item{}, false
	}
}
