package schedule

import "errors"

var (
	// ErrTooFewCells is returned by Validate when a schedule has fewer
	// than three cells, so it cannot even hold the mandatory beacon
	// triplet.
	ErrTooFewCells = errors.New("schedule: fewer than three cells")

	// ErrFirstThreeNotBeacon is returned by Validate when the invariant
	// "the first three cells are of type Beacon" does not hold.
	ErrFirstThreeNotBeacon = errors.New("schedule: first three cells are not all Beacon")

	// ErrChannelOffsetRange is returned by Validate when a cell's channel
	// offset falls outside [0, MaxChannelOffset].
	ErrChannelOffsetRange = errors.New("schedule: channel offset out of range")
)
