// Package gpiodebug toggles logic-analyzer debug pins at the same points
// in the slot cycle the teacher's ptt.go toggles its PTT GPIO line, using
// the modern character-device gpiocdev interface the teacher's own
// comments point to as the replacement for sysfs GPIO.
package gpiodebug

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// Pin names one of the four debug signals the MAC core drives.
type Pin int

const (
	SlotStart Pin = iota
	TxActive
	RxActive
	ScanActive
	numPins
)

func (p Pin) String() string {
	switch p {
	case SlotStart:
		return "SlotStart"
	case TxActive:
		return "TxActive"
	case RxActive:
		return "RxActive"
	case ScanActive:
		return "ScanActive"
	default:
		return "Unknown"
	}
}

// Toggler drives up to four debug-output lines on a gpiocdev chip. A nil
// *Toggler is a valid, documented no-op — every method tolerates a nil
// receiver so callers never need to branch on whether debug pins were
// configured, mirroring the teacher's tolerance for PTT being configured
// on only some channels.
type Toggler struct {
	lines [numPins]*gpiocdev.Line
}

// Offsets maps each Pin to a gpiocdev line offset on chipName; a Pin
// absent from the map is left unconnected and Set/Pulse on it is a no-op.
func New(chipName string, offsets map[Pin]int) (*Toggler, error) {
	t := &Toggler{}
	for pin, offset := range offsets {
		if pin < 0 || pin >= numPins {
			return nil, fmt.Errorf("gpiodebug: invalid pin %d", pin)
		}
		l, err := gpiocdev.RequestLine(chipName, offset, gpiocdev.AsOutput(0))
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("gpiodebug: requesting line for %s: %w", pin, err)
		}
		t.lines[pin] = l
	}
	return t, nil
}

// Set drives pin high (v != 0) or low (v == 0). No-op on a nil Toggler or
// an unconnected pin.
func (t *Toggler) Set(pin Pin, v int) {
	if t == nil || t.lines[pin] == nil {
		return
	}
	_ = t.lines[pin].SetValue(v)
}

// Pulse drives pin high then immediately low, for a scope trigger marker
// rather than a held signal (e.g. marking the instant a slot boundary
// timer fires).
func (t *Toggler) Pulse(pin Pin) {
	if t == nil || t.lines[pin] == nil {
		return
	}
	_ = t.lines[pin].SetValue(1)
	_ = t.lines[pin].SetValue(0)
}

// Close releases every requested line. Safe on a nil Toggler.
func (t *Toggler) Close() error {
	if t == nil {
		return nil
	}
	var firstErr error
	for _, l := range t.lines {
		if l == nil {
			continue
		}
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
