// Package hwtimer implements radio.Timer on top of the host's monotonic
// clock, standing in for whatever the target microcontroller's
// high-frequency timer peripheral would be — the same role ptt.go's
// unix.IoctlGetInt/SetInt calls play for PTT control on a platform with
// no dedicated hardware line.
package hwtimer

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/blinknet/blink/radio"
)

// Clock is a radio.Timer backed by CLOCK_MONOTONIC and a small set of
// time.Timer instances, one per radio.TimerChannel.
type Clock struct {
	mu      sync.Mutex
	timers  map[radio.TimerChannel]*time.Timer
	periods map[radio.TimerChannel]bool
}

// New returns a ready Clock.
func New() *Clock {
	return &Clock{
		timers:  make(map[radio.TimerChannel]*time.Timer),
		periods: make(map[radio.TimerChannel]bool),
	}
}

// NowUS implements radio.Timer using CLOCK_MONOTONIC so that timestamps
// are unaffected by wall-clock adjustments, matching the epoch-agnostic
// contract radio.Timer documents.
func (c *Clock) NowUS() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return ts.Sec*1_000_000 + ts.Nsec/1_000
}

func (c *Clock) cancelLocked(channel radio.TimerChannel) {
	if t, ok := c.timers[channel]; ok {
		t.Stop()
		delete(c.timers, channel)
	}
	delete(c.periods, channel)
}

// SetOneshotWithRef implements radio.Timer.
func (c *Clock) SetOneshotWithRef(channel radio.TimerChannel, refTS int64, durationUS int64, cb radio.TimerCallback) {
	c.arm(channel, refTS+durationUS, 0, cb)
}

// SetOneshotWithRefDiff implements radio.Timer.
func (c *Clock) SetOneshotWithRefDiff(channel radio.TimerChannel, refTS int64, totalUS int64, cb radio.TimerCallback) {
	c.arm(channel, refTS+totalUS, 0, cb)
}

// SetPeriodic implements radio.Timer.
func (c *Clock) SetPeriodic(channel radio.TimerChannel, periodUS int64, cb radio.TimerCallback) {
	c.arm(channel, c.NowUS()+periodUS, periodUS, cb)
}

func (c *Clock) arm(channel radio.TimerChannel, fireAtUS int64, periodUS int64, cb radio.TimerCallback) {
	c.mu.Lock()
	c.cancelLocked(channel)

	delay := time.Duration(fireAtUS-c.NowUS()) * time.Microsecond
	if delay < 0 {
		delay = 0
	}

	periodic := periodUS > 0
	c.periods[channel] = periodic

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		cb()
		if !periodic {
			return
		}
		c.mu.Lock()
		if c.periods[channel] {
			t.Reset(time.Duration(periodUS) * time.Microsecond)
		}
		c.mu.Unlock()
	})
	c.timers[channel] = t
	c.mu.Unlock()
}

// Cancel implements radio.Timer.
func (c *Clock) Cancel(channel radio.TimerChannel) {
	c.mu.Lock()
	c.cancelLocked(channel)
	c.mu.Unlock()
}
