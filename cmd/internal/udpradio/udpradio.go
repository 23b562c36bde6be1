// Package udpradio implements radio.Radio over a UDP broadcast socket, a
// stand-in for real BLE 2M PHY hardware the same way the teacher's
// AUDIO_IN_TYPE_SDR_UDP lets direwolf take its audio samples from a UDP
// stream instead of a sound card: it exists purely so the example
// binaries can demonstrate the MAC core talking to another instance on
// the same host or LAN without any radio hardware.
//
// Every datagram is tagged with the channel it was "transmitted" on; Rx
// only delivers datagrams whose tag matches the currently tuned channel.
// RSSI is a fixed, configured value since UDP carries no real signal
// strength.
package udpradio

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/blinknet/blink/radio"
)

// Clock supplies the timestamp stamped on every delivered frame. Callers
// pass the same radio.Timer instance used for the MAC's Timer collaborator
// so that radio-event timestamps and timer timestamps share one clock.
type Clock interface {
	NowUS() int64
}

// Radio is a radio.Radio implementation broadcasting frames as UDP
// datagrams on a fixed port, filtered by a one-byte channel tag.
type Radio struct {
	conn      *net.UDPConn
	broadcast *net.UDPAddr
	clock     Clock

	mu         sync.Mutex
	channel    uint8
	rxArmed    bool
	disabled   bool
	prepared   []byte
	pending    []byte
	simRSSI    int8
	startFrame radio.FrameCallback
	endFrame   radio.FrameCallback

	closed atomic.Bool
}

// New binds a UDP socket on port and prepares to broadcast to
// broadcastAddr:port (e.g. "255.255.255.255"). simRSSI is the fixed
// reading RSSI returns, standing in for a real signal strength
// measurement.
func New(port int, broadcastAddr string, clock Clock, simRSSI int8) (*Radio, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	_ = conn.SetReadBuffer(1 << 20) // best-effort; not fatal if the platform refuses.

	r := &Radio{
		conn:      conn,
		broadcast: &net.UDPAddr{IP: net.ParseIP(broadcastAddr), Port: port},
		clock:     clock,
		simRSSI:   simRSSI,
	}
	return r, nil
}

// Init implements radio.Radio.
func (r *Radio) Init(startFrame, endFrame radio.FrameCallback) {
	r.mu.Lock()
	r.startFrame = startFrame
	r.endFrame = endFrame
	r.mu.Unlock()
	go r.readLoop()
}

func (r *Radio) readLoop() {
	buf := make([]byte, 2048)
	for {
		if r.closed.Load() {
			return
		}
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if r.closed.Load() {
				return
			}
			continue
		}
		if n < 1 {
			continue
		}
		ch := buf[0]
		frame := append([]byte(nil), buf[1:n]...)

		r.mu.Lock()
		armed := r.rxArmed && !r.disabled && ch == r.channel
		if armed {
			r.pending = frame
		}
		startCb, endCb := r.startFrame, r.endFrame
		r.mu.Unlock()

		if armed {
			ts := r.clock.NowUS()
			if startCb != nil {
				startCb(ts)
			}
			if endCb != nil {
				endCb(ts)
			}
		}
	}
}

// SetChannel implements radio.Radio.
func (r *Radio) SetChannel(channel uint8) {
	r.mu.Lock()
	r.channel = channel
	r.mu.Unlock()
}

// Rx implements radio.Radio.
func (r *Radio) Rx() {
	r.mu.Lock()
	r.rxArmed = true
	r.disabled = false
	r.mu.Unlock()
}

// TxPrepare implements radio.Radio; the channel tag is prefixed to the
// buffer at TxDispatch time since udpradio has no separate load step.
func (r *Radio) TxPrepare(frame []byte) {
	r.mu.Lock()
	r.prepared = append([]byte(nil), frame...)
	r.mu.Unlock()
}

// TxDispatch implements radio.Radio.
func (r *Radio) TxDispatch() {
	r.mu.Lock()
	ch := r.channel
	frame := r.prepared
	r.mu.Unlock()

	out := make([]byte, 1+len(frame))
	out[0] = ch
	copy(out[1:], frame)
	_, _ = r.conn.WriteToUDP(out, r.broadcast)
}

// Disable implements radio.Radio.
func (r *Radio) Disable() {
	r.mu.Lock()
	r.disabled = true
	r.rxArmed = false
	r.mu.Unlock()
}

// RSSI implements radio.Radio, returning the fixed simulated reading.
func (r *Radio) RSSI() int8 {
	return r.simRSSI
}

// PendingRxRead implements radio.Radio.
func (r *Radio) PendingRxRead() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending) > 0
}

// GetRxPacket implements radio.Radio.
func (r *Radio) GetRxPacket(buf []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := copy(buf, r.pending)
	r.pending = nil
	return n
}

// Close shuts down the underlying socket and stops the read loop.
func (r *Radio) Close() error {
	r.closed.Store(true)
	return r.conn.Close()
}
