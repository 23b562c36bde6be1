// Package radio defines the collaborator interfaces the MAC drives every
// slot: the radio transceiver, the microsecond timer, the random-byte
// source, and the device-unique-id source. Implementations of these are
// out of scope for the core (spec.md section 1) — the core only ever talks
// to the interfaces below.
package radio

// FrameCallback is invoked from ISR-style context, carrying the
// hardware-captured microsecond timestamp of the radio event.
type FrameCallback func(ts int64)

// Radio is the transceiver collaborator. All methods are expected to be
// called from the MAC's single logical thread of execution (main loop or
// timer/radio callback context); see the concurrency model in section 5.
type Radio interface {
	// Init registers the start-of-frame and end-of-frame callbacks and
	// selects the BLE 2M PHY. Called once at bring-up.
	Init(startFrame, endFrame FrameCallback)

	// SetChannel tunes to one of the 37 data channels or 3 advertising
	// channels, depending on context.
	SetChannel(channel uint8)

	// Rx arms the receiver. Must not be called from within the end-of-frame
	// callback that is turning the radio off for this slot. The MAC arms
	// the receiver at most once per slot, from slot-tick or timer context;
	// it does not re-arm it after a frame has been received in that slot.
	Rx()

	// TxPrepare loads a frame into the radio's transmit buffer without
	// starting transmission.
	TxPrepare(frame []byte)

	// TxDispatch starts transmission of a previously prepared frame.
	TxDispatch()

	// Disable turns the radio off, cancelling any pending RX or TX.
	Disable()

	// RSSI reads the received signal strength of the last frame, in dBm.
	RSSI() int8

	// PendingRxRead reports whether a received frame is waiting to be
	// read out.
	PendingRxRead() bool

	// GetRxPacket copies the pending received frame into buf, returning the
	// number of bytes written.
	GetRxPacket(buf []byte) int
}

// TimerChannel names one of the timer's hardware multiplexing channels, as
// a higher-level enum rather than a raw integer (section 9 design note).
type TimerChannel int

const (
	// InterSlot is the single source of truth for slot boundaries.
	InterSlot TimerChannel = iota
	// T1, T2, T3 are intra-slot timers; all are cancelled at slot end.
	T1
	T2
	T3
)

// TimerCallback is invoked when a one-shot or periodic timer fires.
type TimerCallback func()

// Timer is the microsecond timer collaborator.
type Timer interface {
	// NowUS returns the current time in microseconds, on whatever epoch the
	// platform's high-frequency timer uses.
	NowUS() int64

	// SetOneshotWithRef arms channel to fire callback once, durationUS
	// microseconds after refTS.
	SetOneshotWithRef(channel TimerChannel, refTS int64, durationUS int64, cb TimerCallback)

	// SetOneshotWithRefDiff arms channel to fire callback once, at
	// refTS+totalUS regardless of the current time — used by drift
	// correction to reprogram the inter-slot timer mid-slot.
	SetOneshotWithRefDiff(channel TimerChannel, refTS int64, totalUS int64, cb TimerCallback)

	// SetPeriodic arms channel to fire callback every periodUS.
	SetPeriodic(channel TimerChannel, periodUS int64, cb TimerCallback)

	// Cancel disarms channel, if armed. Safe to call on an already-disarmed
	// channel.
	Cancel(channel TimerChannel)
}

// RNG is the random-byte source used for join-collision backoff.
type RNG interface {
	// ReadByte returns one random byte.
	ReadByte() byte
}

// DeviceIDSource names the out-of-scope device-unique-id collaborator
// (section 1). The MAC only ever needs a stable 64-bit identifier.
type DeviceIDSource interface {
	DeviceID() uint64
}

// StaticDeviceID is a DeviceIDSource backed by a fixed id, suitable for
// tests, simulation, and examples where the real per-unit id source
// (factory-programmed EUI-64, etc.) isn't available.
type StaticDeviceID uint64

// DeviceID implements DeviceIDSource.
func (s StaticDeviceID) DeviceID() uint64 { return uint64(s) }

// Broadcast is the reserved destination id meaning "all nodes".
const Broadcast uint64 = 0xFFFFFFFFFFFFFFFF
