// Package assoc implements the node-side association state machine
// (spec.md section 4.5): Idle -> Scanning -> Synced -> Joining -> Joined,
// consuming MAC-reported slot ticks and received control frames. Per the
// section 9 design note, this is a standalone component; it is never
// folded back into the MAC state machine.
package assoc

import (
	"github.com/blinknet/blink/blog"
	"github.com/blinknet/blink/event"
	"github.com/blinknet/blink/frame"
	"github.com/blinknet/blink/radio"
)

// State is one of the five association states.
type State int

const (
	Idle State = iota
	Scanning
	Synced
	Joining
	Joined
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Scanning:
		return "Scanning"
	case Synced:
		return "Synced"
	case Joining:
		return "Joining"
	case Joined:
		return "Joined"
	default:
		return "Unknown"
	}
}

// Slot timing constants (spec.md section 6), in microseconds.
const (
	txOffsetUS  = 300
	rxGuardUS   = 150
	packetToAUS = 4 * 255
	txMaxUS     = packetToAUS + 50
	wholeSlotUS = txOffsetUS + txMaxUS + rxGuardUS
)

// Association timing constants (spec.md section 6), in microseconds
// unless noted.
const (
	JoiningTimeoutUS       = 3 * wholeSlotUS / 2 // 1.5 x whole_slot
	JoinTimeoutSinceSynced = 5_000_000
	MaxSlotframesNoRXLeave = 5
	BackoffNMinDefault     = 5
	BackoffNMaxDefault     = 9
)

// SchedulerControl is the minimal scheduler surface association needs: to
// switch the active schedule announced by a beacon, to adopt the cell the
// gateway assigned at join time, and to give it back up on disconnect.
// Kept as an interface so this package never imports scheduler directly
// and tests can supply a fake.
type SchedulerControl interface {
	SetSchedule(id uint8) bool
	AdoptAssignment(cellIndex int, nodeID uint64)
	Deassign(nodeID uint64)
	ActiveScheduleSlotCount() int
	RemainingCapacity() int
}

// QueueControl is the minimal queue surface association needs.
type QueueControl interface {
	SetJoinRequest(gatewayID uint64)
	ClearJoinPacket()
}

// Association is the node-side association state machine.
type Association struct {
	selfID uint64

	state             State
	lastStateChangeTS int64

	lastReceivedFromGatewayASN uint64
	syncedGatewayID            uint64
	syncedGatewayRemainingCap  int
	syncedTS                   int64

	joinResponseTimeoutTS int64

	backoffN          int
	backoffRandomTime int
	backoffNMin       int
	backoffNMax       int

	sched SchedulerControl
	q     QueueControl
	rng   radio.RNG
	log   *blog.Logger
	sink  event.Sink
}

// Config bundles Association's dependencies.
type Config struct {
	SelfID      uint64
	Scheduler   SchedulerControl
	Queue       QueueControl
	RNG         radio.RNG
	Logger      *blog.Logger
	Sink        event.Sink
	BackoffNMin int
	BackoffNMax int
}

// New returns an Association in the Idle state.
func New(cfg Config) *Association {
	nMin := cfg.BackoffNMin
	if nMin == 0 {
		nMin = BackoffNMinDefault
	}
	nMax := cfg.BackoffNMax
	if nMax == 0 {
		nMax = BackoffNMaxDefault
	}
	sink := cfg.Sink
	if sink == nil {
		sink = event.Nop
	}
	return &Association{
		selfID:      cfg.SelfID,
		state:       Idle,
		backoffN:    -1,
		backoffNMin: nMin,
		backoffNMax: nMax,
		sched:       cfg.Scheduler,
		q:           cfg.Queue,
		rng:         cfg.RNG,
		log:         cfg.Logger,
		sink:        sink,
	}
}

// State returns the current association state.
func (a *Association) State() State { return a.state }

func (a *Association) transition(to State, now int64) {
	a.state = to
	a.lastStateChangeTS = now
}

func (a *Association) emit(e event.Event) {
	a.sink.OnEvent(e)
}

// EnterScanning moves Idle -> Scanning. The MAC calls this once it
// decides to start (or restart) a foreground scan window.
func (a *Association) EnterScanning(now int64) {
	if a.state != Idle {
		return
	}
	a.transition(Scanning, now)
}

// ScanCandidate is the subset of a scan.Result association needs, kept
// narrow so this package doesn't import scan; the narrower seam documents
// exactly what association consumes.
type ScanCandidate struct {
	GatewayID         uint64
	Beacon            frame.Beacon
	CapturedTimestamp int64
	CapturedASN       uint64
}

// OnScanWindowEnd implements select_gateway_and_sync's association-level
// half (spec.md section 4.4): Scanning -> Synced on a candidate, Scanning
// -> Idle otherwise. The MAC performs the timer/ASN arithmetic; this
// method only owns the state transition, schedule switch, and arming the
// JoinRequest.
func (a *Association) OnScanWindowEnd(candidate ScanCandidate, found bool, now int64) bool {
	if a.state != Scanning {
		return false
	}
	if !found {
		a.transition(Idle, now)
		return false
	}
	if !a.sched.SetSchedule(candidate.Beacon.ActiveScheduleID) {
		// UnknownSchedule: silently ignored, scanning continues next time
		// the node re-enters Idle -> Scanning.
		a.transition(Idle, now)
		return false
	}

	a.syncedGatewayID = candidate.GatewayID
	a.syncedGatewayRemainingCap = int(candidate.Beacon.RemainingCapacity)
	a.syncedTS = now
	a.lastReceivedFromGatewayASN = candidate.CapturedASN

	a.backoffN = -1
	a.backoffRandomTime = 0

	a.q.SetJoinRequest(candidate.GatewayID)
	a.transition(Synced, now)
	return true
}

// RegisterCollisionBackoff applies exponential backoff (spec.md section
// 4.5): n starts at BackoffNMin on first collision and grows by one (capped
// at BackoffNMax) on each subsequent call; random_time is drawn uniformly
// from [0, 2^n - 1] using two RNG bytes.
func (a *Association) RegisterCollisionBackoff() {
	if a.backoffN < 0 {
		a.backoffN = a.backoffNMin
	} else if a.backoffN < a.backoffNMax {
		a.backoffN++
	}
	a.backoffRandomTime = a.drawBackoffRandomTime()
}

func (a *Association) drawBackoffRandomTime() int {
	span := uint32(1) << uint(a.backoffN)
	b0 := a.rng.ReadByte()
	b1 := a.rng.ReadByte()
	v := uint32(b0) | uint32(b1)<<8
	return int(v % span)
}

// BackoffN exposes the current backoff exponent, for tests (P4).
func (a *Association) BackoffN() int { return a.backoffN }

// BackoffRandomTime exposes the current countdown, for tests (P4).
func (a *Association) BackoffRandomTime() int { return a.backoffRandomTime }

// resetBackoff clears backoff state on Joined or on giving up, per
// spec.md section 4.5.
func (a *Association) resetBackoff() {
	a.backoffN = -1
	a.backoffRandomTime = 0
}

// OnSlotTick drives the per-slot transitions that don't depend on a
// received frame: Synced's backoff countdown and Synced->Joining,
// Joining's timeout, and Joined's peer-lost-by-timeout check.
func (a *Association) OnSlotTick(asn uint64, now int64, slotCanJoin bool) {
	switch a.state {
	case Synced:
		if a.backoffRandomTime > 0 {
			a.backoffRandomTime--
			return
		}
		if slotCanJoin {
			a.joinResponseTimeoutTS = now + JoiningTimeoutUS
			a.transition(Joining, now)
		}

	case Joining:
		if now-a.syncedTS > JoinTimeoutSinceSynced {
			a.giveUp(event.ReasonJoinTimeout, now)
			return
		}
		if now >= a.joinResponseTimeoutTS {
			if a.syncedGatewayRemainingCap > 0 {
				a.RegisterCollisionBackoff()
				a.q.SetJoinRequest(a.syncedGatewayID)
				a.transition(Synced, now)
				a.emitReason(event.ReasonJoinCollision, now)
			} else {
				a.giveUp(event.ReasonJoinTimeout, now)
			}
		}

	case Joined:
		window := uint64(a.sched.ActiveScheduleSlotCount() * MaxSlotframesNoRXLeave)
		if asn-a.lastReceivedFromGatewayASN > window {
			a.disconnect(event.ReasonPeerLostTimeout, now)
		}
	}
}

func (a *Association) emitReason(reason event.Reason, now int64) {
	if a.log != nil {
		a.log.Slot(0, "association reason", "reason", reason.String())
	}
}

func (a *Association) giveUp(reason event.Reason, now int64) {
	a.resetBackoff()
	a.q.ClearJoinPacket()
	a.transition(Idle, now)
	a.emit(event.Event{Kind: event.Disconnected, GatewayID: a.syncedGatewayID, Reason: reason})
}

// OnBeaconReceived updates liveness from the synced gateway's beacon and
// checks bloom-filter membership while Joined (spec.md section 4.4/4.5).
func (a *Association) OnBeaconReceived(b frame.Beacon, asn uint64, now int64) {
	if b.Src != a.syncedGatewayID {
		return
	}
	a.lastReceivedFromGatewayASN = asn
	a.syncedGatewayRemainingCap = int(b.RemainingCapacity)

	if a.state == Joined && b.Bloom != nil && !b.Bloom.Contains(a.selfID) {
		a.disconnect(event.ReasonPeerLostBloom, now)
	}
}

// OnJoinResponseReceived implements Joining -> Joined on receipt of a
// JoinResponse addressed to this node.
func (a *Association) OnJoinResponseReceived(resp frame.JoinResponse, now int64) {
	if a.state != Joining || resp.Dst != a.selfID {
		return
	}
	a.sched.AdoptAssignment(int(resp.AssignedCellIndex), a.selfID)
	a.q.ClearJoinPacket()
	a.resetBackoff()
	a.transition(Joined, now)
	a.emit(event.Event{Kind: event.Connected, GatewayID: a.syncedGatewayID})
}

// Disconnect tears the association down to Idle for the given reason,
// deassigning the node's own uplink cell and emitting Disconnected. Used
// both internally (peer-lost, bloom-eviction) and by application request.
func (a *Association) Disconnect(reason event.Reason, now int64) {
	a.disconnect(reason, now)
}

func (a *Association) disconnect(reason event.Reason, now int64) {
	if a.state == Idle {
		return
	}
	a.sched.Deassign(a.selfID)
	a.resetBackoff()
	a.q.ClearJoinPacket()
	prev := a.syncedGatewayID
	a.transition(Idle, now)
	a.emit(event.Event{Kind: event.Disconnected, GatewayID: prev, Reason: reason})
}

// SyncedGatewayID is the id of the gateway this node is synced/joining/
// joined to, valid in any state but Idle/Scanning.
func (a *Association) SyncedGatewayID() uint64 { return a.syncedGatewayID }

// LastReceivedFromGatewayASN exposes liveness bookkeeping for tests.
func (a *Association) LastReceivedFromGatewayASN() uint64 { return a.lastReceivedFromGatewayASN }
