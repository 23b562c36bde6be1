package mac

// Slot timing constants (spec.md section 6), all in microseconds. These
// are the MAC's own copy of the values assoc.go also derives; assoc keeps
// its copies unexported, so mac cannot reuse them even though it imports
// assoc.
const (
	txOffsetUS  = 300
	rxGuardUS   = 150
	rxOffsetUS  = txOffsetUS - rxGuardUS
	packetToAUS = 4 * 255
	txMaxUS     = packetToAUS + 50
	rxMaxUS     = rxGuardUS + txMaxUS
	endGuardUS  = rxGuardUS
	wholeSlotUS = txOffsetUS + txMaxUS + endGuardUS

	// driftIgnoreUS and driftResyncUS are the two drift thresholds of
	// spec.md section 4.4's Ri3 description.
	driftIgnoreUS = 40
	driftResyncUS = 150

	// defaultDeltaRadioUS is the default radio TX/RX chain latency plus
	// propagation calibration constant (spec.md section 4.4, section 9:
	// platform-specific, pinned here for interoperability).
	defaultDeltaRadioUS = 50

	// defaultSyncCalibrationUS is the default correction subtracted in
	// select_gateway_and_sync's sync_diff computation (spec.md section
	// 4.4), covering the same chain latency as deltaRadio.
	defaultSyncCalibrationUS = 50
)

// DefaultScanMaxSlots is the foreground scan window length: the slot count of
// the largest known schedule (spec.md section 6). Configured per
// deployment via Config.ScanMaxSlots; this is only the fallback default.
const DefaultScanMaxSlots = 137
