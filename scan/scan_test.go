package scan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/blinknet/blink/frame"
)

func beaconFrom(src uint64, remaining uint8) frame.Beacon {
	return frame.Beacon{
		Header:            frame.Header{Version: frame.Version, Type: frame.TypeBeacon, Dst: 0xFFFFFFFFFFFFFFFF, Src: src},
		ASN:               100,
		RemainingCapacity: remaining,
		ActiveScheduleID:  6,
		Bloom:             frame.NewBloom(),
	}
}

// P5: the scan table holds at most one entry per gateway id, regardless
// of how many times Add is called for that id.
func TestScan_P5_AtMostOneEntryPerGateway(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		table := New(DefaultCapacity, DefaultFreshnessUS)
		gatewayID := rapid.Uint64Range(1, 100).Draw(t, "gatewayID")
		writes := rapid.IntRange(1, 20).Draw(t, "writes")

		var ts int64 = 1_000_000
		for i := 0; i < writes; i++ {
			ch := uint8(rapid.IntRange(37, 39).Draw(t, "ch"))
			table.Add(beaconFrom(gatewayID, 1), -40, ch, ts, uint64(i))
			ts += 1000
		}
		assert.LessOrEqual(t, table.Len(), 1)
	})
}

// R1: Add is idempotent on (gateway_id, channel) given identical ts.
func TestScan_R1_AddIdempotent(t *testing.T) {
	table := New(DefaultCapacity, DefaultFreshnessUS)
	table.Add(beaconFrom(1, 1), -50, 37, 1000, 5)
	before := table.Len()
	table.Add(beaconFrom(1, 1), -50, 37, 1000, 5)
	assert.Equal(t, before, table.Len())
}

func TestSelectPicksHighestMeanRSSI(t *testing.T) {
	table := New(DefaultCapacity, DefaultFreshnessUS)
	table.Add(beaconFrom(1, 2), -70, 37, 1000, 1)
	table.Add(beaconFrom(2, 2), -40, 37, 1000, 1)

	result, ok := table.Select(0, 2000, nil)
	require.True(t, ok)
	assert.Equal(t, uint64(2), result.GatewayID)
}

func TestSelectDiscardsZeroCapacity(t *testing.T) {
	table := New(DefaultCapacity, DefaultFreshnessUS)
	table.Add(beaconFrom(1, 0), -10, 37, 1000, 1)

	_, ok := table.Select(0, 2000, nil)
	assert.False(t, ok)
}

func TestSelectStaleSamplesExcluded(t *testing.T) {
	table := New(DefaultCapacity, 500_000)
	table.Add(beaconFrom(1, 1), -40, 37, 0, 1)

	// Window end far beyond freshness window: no fresh samples.
	_, ok := table.Select(0, 600_000, nil)
	assert.False(t, ok)
}

func TestSelectHysteresisBlocksWeakHandover(t *testing.T) {
	table := New(DefaultCapacity, DefaultFreshnessUS)
	table.Add(beaconFrom(1, 1), -60, 37, 1000, 1)

	current := int8(-55)
	_, ok := table.Select(0, 2000, &current)
	assert.False(t, ok, "candidate 5 dBm weaker than the current gateway, short of the 9 dBm hysteresis margin")

	strong := int8(-90)
	result, ok := table.Select(0, 2000, &strong)
	require.True(t, ok)
	assert.Equal(t, uint64(1), result.GatewayID)
}

func TestSelectTieBreaksToLowerChannelIndex(t *testing.T) {
	table := New(DefaultCapacity, DefaultFreshnessUS)
	table.Add(beaconFrom(1, 1), -40, 38, 1000, 1) // idx 2
	table.Add(beaconFrom(1, 1), -40, 37, 1000, 1) // idx 1, same ts

	result, ok := table.Select(0, 2000, nil)
	require.True(t, ok)
	assert.Equal(t, uint8(1), result.Channel)
}
