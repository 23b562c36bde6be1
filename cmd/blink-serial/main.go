// Command blink-serial bridges a running MAC's data-frame traffic over a
// KISS-framed pty or serial link, the way the teacher's kisspt_init and
// kissserial_init expose direwolf's AX.25 traffic to an external TNC
// client for interactive testing. Bytes arriving over the link are
// KISS-decoded and pushed onto the queue for transmission; NewPacket
// events coming out of the MAC are KISS-encoded and written back.
package main

import (
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	charmlog "github.com/charmbracelet/log"
	"github.com/creack/pty"
	"github.com/pkg/term"
	"github.com/spf13/pflag"

	"github.com/blinknet/blink/assoc"
	"github.com/blinknet/blink/blog"
	"github.com/blinknet/blink/cmd/internal/udpradio"
	"github.com/blinknet/blink/event"
	"github.com/blinknet/blink/hwtimer"
	"github.com/blinknet/blink/kiss"
	"github.com/blinknet/blink/mac"
	"github.com/blinknet/blink/queue"
	"github.com/blinknet/blink/radio"
	"github.com/blinknet/blink/scan"
	"github.com/blinknet/blink/scheduleset"
	"github.com/blinknet/blink/scheduler"
)

func main() {
	configPath := pflag.StringP("config", "c", "gateway.yaml", "Path to a scheduleset YAML config file.")
	selfID := pflag.Uint64P("device-id", "i", 0, "64-bit device id; defaults to node.device_id from the config.")
	asGateway := pflag.BoolP("gateway", "g", false, "Run as gateway role instead of node role.")
	udpPort := pflag.IntP("udp-port", "u", 17337, "UDP port the simulated radio broadcasts/listens on.")
	broadcastAddr := pflag.StringP("broadcast-addr", "b", "255.255.255.255", "Broadcast address for the simulated radio.")
	serialDevice := pflag.StringP("serial-device", "d", "", "Real serial device to bridge (e.g. /dev/ttyUSB0). If empty, a pty is created instead.")
	verbose := pflag.BoolP("verbose", "v", false, "Enable debug-level logging.")

	pflag.Parse()

	level := charmlog.InfoLevel
	if *verbose {
		level = charmlog.DebugLevel
	}
	log := blog.New(os.Stderr, "blink-serial", level)

	schedules, bringUp, err := scheduleset.Load(*configPath)
	if err != nil {
		log.Errorf("loading scheduleset: %v", err)
		os.Exit(1)
	}
	id := bringUp.DeviceID
	if *selfID != 0 {
		id = *selfID
	}
	if id == 0 {
		log.Errorf("no device id given: pass --device-id or set device_id in the config")
		os.Exit(1)
	}

	role := scheduler.NodeTypeNode
	if *asGateway {
		role = scheduler.NodeTypeGateway
	}
	sched, err := scheduler.New(role, id, schedules, bringUp.InitialScheduleID, false)
	if err != nil {
		log.Errorf("constructing scheduler: %v", err)
		os.Exit(1)
	}

	link, linkName, err := openLink(*serialDevice)
	if err != nil {
		log.Errorf("opening link: %v", err)
		os.Exit(1)
	}
	defer link.Close()
	log.Infof("bridging on %s", linkName)

	q := queue.New(queue.DefaultCapacity, false)
	sink := event.SinkFunc(func(e event.Event) {
		log.Event(e)
		if e.Kind == event.NewPacket {
			if _, werr := link.Write(kiss.Encode(e.Payload)); werr != nil {
				log.Errorf("writing to link: %v", werr)
			}
		}
	})

	var scanTable *scan.Table
	var a *assoc.Association
	if role == scheduler.NodeTypeNode {
		scanTable = scan.New(scan.DefaultCapacity, scan.DefaultFreshnessUS)
		a = assoc.New(assoc.Config{SelfID: id, Scheduler: sched, Queue: q, RNG: cryptoRNG{}, Logger: log, Sink: sink})
	}

	clock := hwtimer.New()
	simRadio, err := udpradio.New(*udpPort, *broadcastAddr, clock, -50)
	if err != nil {
		log.Errorf("binding simulated radio: %v", err)
		os.Exit(1)
	}
	defer simRadio.Close()

	m, err := mac.New(mac.Config{
		Role:      role,
		SelfID:    id,
		Radio:     simRadio,
		Timer:     clock,
		RNG:       cryptoRNG{},
		Sched:     sched,
		Queue:     q,
		ScanTable: scanTable,
		Assoc:     a,
		Logger:    log,
		Sink:      sink,
	})
	if err != nil {
		log.Errorf("constructing mac: %v", err)
		os.Exit(1)
	}

	go pumpLinkIntoQueue(link, q, log)

	m.Start()
	waitForSignal()
}

// link is the minimal surface blink-serial needs from either a pty pair
// or a real serial device.
type link interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

func openLink(device string) (link, string, error) {
	if device == "" {
		_, tty, err := pty.Open()
		if err != nil {
			return nil, "", err
		}
		return tty, tty.Name(), nil
	}
	t, err := term.Open(device, term.RawMode)
	if err != nil {
		return nil, "", err
	}
	if serr := t.SetSpeed(9600); serr != nil {
		return nil, "", serr
	}
	return t, device, nil
}

// pumpLinkIntoQueue reads raw bytes off the link, KISS-decodes them into
// frames, and pushes each onto the MAC's transmit queue.
func pumpLinkIntoQueue(l link, q *queue.Queue, log *blog.Logger) {
	var dec kiss.Decoder
	buf := make([]byte, 4096)
	for {
		n, err := l.Read(buf)
		if err != nil {
			log.Errorf("reading from link: %v", err)
			return
		}
		for _, b := range buf[:n] {
			if frame, ok := dec.Push(b); ok {
				if perr := q.PushData(frame); perr != nil {
					log.Errorf("queue full, dropping frame: %v", perr)
				}
			}
		}
	}
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	fmt.Fprintln(os.Stderr, "blink-serial: shutting down")
}

type cryptoRNG struct{}

func (cryptoRNG) ReadByte() byte {
	var b [1]byte
	_, _ = rand.Read(b[:])
	return b[0]
}

var _ radio.RNG = cryptoRNG{}
