// Package scan implements the scan-and-select logic a node runs while
// looking for a gateway to join (spec.md sections 3 and 4.3): collecting
// per-channel beacon observations and picking the best candidate at the
// end of a scan window.
package scan

import (
	"sync"

	"github.com/blinknet/blink/frame"
)

// DefaultCapacity is the default number of distinct gateways the scan
// table can track at once (spec.md section 3).
const DefaultCapacity = 5

// DefaultFreshnessUS is the default freshness window: samples older than
// this, relative to the timestamp of a later write or a selection window
// end, are invalidated (spec.md section 3, default 500 ms).
const DefaultFreshnessUS = 500_000

// HandoverHysteresisDBm is the minimum RSSI margin a background-scan
// candidate must beat the currently synced gateway by before a handover is
// considered (spec.md section 4.3 / section 6).
const HandoverHysteresisDBm = 9

// ChannelInfo is one advertising-channel observation of one gateway.
type ChannelInfo struct {
	RSSI        int8
	Timestamp   int64
	CapturedASN uint64
	Beacon      frame.Beacon
}

// valid reports whether this slot holds a real observation. Per spec.md
// section 4.3, a zero RSSI reading is treated as "never written" — the
// same quirk the embedded original relies on by zero-initializing the
// table.
func (c ChannelInfo) valid() bool { return c.RSSI != 0 }

type gatewayEntry struct {
	gatewayID       uint64
	channels        [3]ChannelInfo
	latestTimestamp int64
}

// Table is a fixed-capacity scan table, one entry per observed gateway
// (spec.md section 8, P5: at most one entry per gateway id).
type Table struct {
	mu sync.Mutex

	capacity    int
	freshnessUS int64
	entries     []*gatewayEntry
}

// New returns an empty scan table.
func New(capacity int, freshnessUS int64) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if freshnessUS <= 0 {
		freshnessUS = DefaultFreshnessUS
	}
	return &Table{
		capacity:    capacity,
		freshnessUS: freshnessUS,
		entries:     make([]*gatewayEntry, capacity),
	}
}

// Add inserts or updates one RSSI/timestamp sample for (beacon.Src,
// channel mod 3) (spec.md section 4.3).
func (t *Table) Add(b frame.Beacon, rssi int8, channel uint8, ts int64, asn uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := int(channel % 3)

	for _, e := range t.entries {
		if e != nil && e.gatewayID == b.Src {
			t.write(e, idx, rssi, ts, asn, b)
			return
		}
	}

	firstEmpty := -1
	oldestSlot := -1
	var oldestTS int64

	for i := 0; i < t.capacity; i++ {
		e := t.entries[i]
		if e != nil && ts-e.latestTimestamp > t.freshnessUS {
			t.entries[i] = nil
			e = nil
		}
		if e == nil {
			if firstEmpty == -1 {
				firstEmpty = i
			}
			continue
		}
		if oldestSlot == -1 || e.latestTimestamp < oldestTS {
			oldestSlot = i
			oldestTS = e.latestTimestamp
		}
	}

	target := firstEmpty
	if target == -1 {
		target = oldestSlot
	}

	e := &gatewayEntry{gatewayID: b.Src}
	t.entries[target] = e
	t.write(e, idx, rssi, ts, asn, b)
}

func (t *Table) write(e *gatewayEntry, idx int, rssi int8, ts int64, asn uint64, b frame.Beacon) {
	e.channels[idx] = ChannelInfo{RSSI: rssi, Timestamp: ts, CapturedASN: asn, Beacon: b}
	if ts > e.latestTimestamp {
		e.latestTimestamp = ts
	}
}

// Result is a selected gateway candidate.
type Result struct {
	GatewayID   uint64
	Beacon      frame.Beacon
	MeanRSSI    float64
	Channel     uint8
	Timestamp   int64
	CapturedASN uint64
}

// Select picks the best candidate gateway, per spec.md section 4.3: mean
// RSSI over non-zero per-channel samples no older than the freshness
// window at windowEnd (windowStart is not consulted), gateways at zero
// remaining capacity discarded, and (when hysteresisAgainst is non-nil) a background-scan handover only
// proceeds if the winner beats the currently synced gateway's RSSI by at
// least HandoverHysteresisDBm.
func (t *Table) Select(windowStart, windowEnd int64, hysteresisAgainst *int8) (Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		best      Result
		haveBest  bool
		bestScore float64
	)

	for _, e := range t.entries {
		if e == nil {
			continue
		}

		sum := 0.0
		n := 0
		var latestIdx = -1
		var latestTS int64

		var lastBeacon frame.Beacon
		haveBeacon := false

		for idx, c := range e.channels {
			if !c.valid() {
				continue
			}
			if windowEnd-c.Timestamp > t.freshnessUS {
				continue
			}
			sum += float64(c.RSSI)
			n++
			if latestIdx == -1 || c.Timestamp > latestTS || (c.Timestamp == latestTS && idx < latestIdx) {
				latestIdx = idx
				latestTS = c.Timestamp
			}
			lastBeacon = c.Beacon
			haveBeacon = true
		}

		if n == 0 || !haveBeacon {
			continue
		}
		if lastBeacon.RemainingCapacity == 0 {
			continue
		}

		mean := sum / float64(n)
		if !haveBest || mean > bestScore {
			haveBest = true
			bestScore = mean
			chosen := e.channels[latestIdx]
			best = Result{
				GatewayID:   e.gatewayID,
				Beacon:      chosen.Beacon,
				MeanRSSI:    mean,
				Channel:     uint8(latestIdx),
				Timestamp:   chosen.Timestamp,
				CapturedASN: chosen.CapturedASN,
			}
		}
	}

	if !haveBest {
		return Result{}, false
	}

	if hysteresisAgainst != nil {
		if bestScore < float64(*hysteresisAgainst)+HandoverHysteresisDBm {
			return Result{}, false
		}
	}

	return best, true
}

// Len reports the number of currently occupied entries, for tests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e != nil {
			n++
		}
	}
	return n
}
