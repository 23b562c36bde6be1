// Package kiss implements FEND/FESC frame delimiting over a byte stream,
// adapted from the teacher's kiss_frame.go state machine. blink-serial
// uses it to carry application payloads between a pty/serial link and
// the queue/event.Sink pair the MAC core exposes, so an existing KISS
// client can inject and receive Blink data frames without speaking the
// MAC's own wire format.
package kiss

import "bytes"

const (
	fend  = 0xC0
	fesc  = 0xDB
	tfend = 0xDC
	tfesc = 0xDD
)

// Encode wraps payload in FEND delimiters, escaping any FEND or FESC
// bytes found inside it.
func Encode(payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(fend)
	for _, b := range payload {
		switch b {
		case fend:
			buf.WriteByte(fesc)
			buf.WriteByte(tfend)
		case fesc:
			buf.WriteByte(fesc)
			buf.WriteByte(tfesc)
		default:
			buf.WriteByte(b)
		}
	}
	buf.WriteByte(fend)
	return buf.Bytes()
}

// Decoder accumulates bytes read one at a time from a stream and reports
// complete frames as they close, mirroring kiss_frame.go's
// kiss_rec_byte rather than requiring the whole frame up front.
type Decoder struct {
	inFrame bool
	escaped bool
	buf     []byte
}

// Push feeds one stream byte into the decoder. It returns the decoded
// payload and true when b closes a non-empty frame.
func (d *Decoder) Push(b byte) ([]byte, bool) {
	switch {
	case b == fend:
		if !d.inFrame {
			d.inFrame = true
			d.buf = d.buf[:0]
			return nil, false
		}
		d.inFrame = false
		if len(d.buf) == 0 {
			return nil, false
		}
		out := append([]byte(nil), d.buf...)
		d.buf = d.buf[:0]
		return out, true

	case !d.inFrame:
		return nil, false

	case d.escaped:
		d.escaped = false
		switch b {
		case tfend:
			d.buf = append(d.buf, fend)
		case tfesc:
			d.buf = append(d.buf, fesc)
		default:
			d.buf = append(d.buf, b)
		}
		return nil, false

	case b == fesc:
		d.escaped = true
		return nil, false

	default:
		d.buf = append(d.buf, b)
		return nil, false
	}
}
