// Package event defines the application-facing event vocabulary emitted
// by association and MAC (spec.md section 6), realized as a tagged-variant
// sum type per the section 9 design note rather than C-style
// function-pointer callbacks.
package event

// Kind discriminates the variants of Event.
type Kind int

const (
	Connected Kind = iota
	Disconnected
	NewPacket
	NodeJoined
	NodeLeft
	Error
)

func (k Kind) String() string {
	switch k {
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case NewPacket:
		return "NewPacket"
	case NodeJoined:
		return "NodeJoined"
	case NodeLeft:
		return "NodeLeft"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// Reason is the taxonomy of causes attached to Disconnected, NodeLeft, and
// Error events (spec.md section 7).
type Reason int

const (
	ReasonNone Reason = iota
	ReasonTransientRadioAbort
	ReasonDriftResync
	ReasonJoinTimeout
	ReasonJoinCollision
	ReasonPeerLostTimeout
	ReasonPeerLostBloom
	ReasonBadProtocolVersion
	ReasonUnknownSchedule
	ReasonQueueFull
	ReasonApplicationRequest
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "None"
	case ReasonTransientRadioAbort:
		return "TransientRadioAbort"
	case ReasonDriftResync:
		return "DriftResync"
	case ReasonJoinTimeout:
		return "JoinTimeout"
	case ReasonJoinCollision:
		return "JoinCollision"
	case ReasonPeerLostTimeout:
		return "PeerLostTimeout"
	case ReasonPeerLostBloom:
		return "PeerLostBloom"
	case ReasonBadProtocolVersion:
		return "BadProtocolVersion"
	case ReasonUnknownSchedule:
		return "UnknownSchedule"
	case ReasonQueueFull:
		return "QueueFull"
	case ReasonApplicationRequest:
		return "ApplicationRequest"
	default:
		return "Unknown"
	}
}

// Event is a single application-facing notification. Only the fields
// relevant to Kind are populated; this mirrors a closed sum type using one
// discriminated struct, a common idiomatic-Go alternative to an interface
// hierarchy when the variant count is small and fixed.
type Event struct {
	Kind Kind

	GatewayID uint64 // Connected, Disconnected
	NodeID    uint64 // NodeJoined, NodeLeft
	Reason    Reason // Disconnected, NodeLeft, Error
	Payload   []byte // NewPacket

	// RSSIAtJoin is the signal strength observed on the gateway when this
	// node's JoinRequest was admitted; supplemental observability data
	// carried from original_source/, not a spec invariant.
	RSSIAtJoin int8
}

// Sink receives Blink events. Application code implements this to observe
// connection state changes and received data, the polymorphic capability
// named in spec.md section 9's design note.
type Sink interface {
	OnEvent(e Event)
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(Event)

// OnEvent implements Sink.
func (f SinkFunc) OnEvent(e Event) { f(e) }

// Nop is a Sink that discards every event, used where a caller doesn't
// supply one.
var Nop Sink = SinkFunc(func(Event) {})
