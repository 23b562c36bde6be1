package mac

import "errors"

// Sentinel errors returned by construction and bring-up. Errors
// encountered mid-slot never propagate as Go errors (spec.md section 7's
// propagation policy) — they surface as Disconnected or Error events
// instead; see event.Reason.
var (
	ErrNoRadio      = errors.New("mac: radio is required")
	ErrNoTimer      = errors.New("mac: timer is required")
	ErrNoRNG        = errors.New("mac: rng is required")
	ErrNoScheduler  = errors.New("mac: scheduler is required")
	ErrNoQueue      = errors.New("mac: queue is required")
	ErrNoScanTable  = errors.New("mac: scan table is required for a node")
	ErrNoAssoc      = errors.New("mac: association is required for a node")
)
