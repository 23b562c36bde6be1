// Command blink-gateway runs a Blink gateway: it owns the slotframe
// schedule, beacons it out, and admits joining nodes. It is an example
// wiring of the mac/scheduler/scheduleset/blog/telemetry/discovery
// packages, not part of the MAC core itself — the radio here is a UDP
// broadcast stand-in (cmd/internal/udpradio), not real RF hardware.
package main

import (
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/blinknet/blink/blog"
	"github.com/blinknet/blink/cmd/internal/udpradio"
	"github.com/blinknet/blink/discovery"
	"github.com/blinknet/blink/event"
	"github.com/blinknet/blink/hwtimer"
	"github.com/blinknet/blink/mac"
	"github.com/blinknet/blink/queue"
	"github.com/blinknet/blink/radio"
	"github.com/blinknet/blink/scheduleset"
	"github.com/blinknet/blink/scheduler"
	"github.com/blinknet/blink/telemetry"
)

func main() {
	configPath := pflag.StringP("config", "c", "gateway.yaml", "Path to a scheduleset YAML config file.")
	gatewayID := pflag.Uint64P("gateway-id", "i", 0x6761746577617931, "64-bit gateway device id.")
	initialSchedule := pflag.Uint8P("schedule-id", "s", 0, "Schedule id to run (overrides the config's node.initial_schedule_id if set).")
	udpPort := pflag.IntP("udp-port", "u", 17337, "UDP port the simulated radio broadcasts/listens on.")
	broadcastAddr := pflag.StringP("broadcast-addr", "b", "255.255.255.255", "Broadcast address for the simulated radio.")
	logDir := pflag.StringP("log-dir", "l", "", "Directory for daily-rotating CSV event logs. Empty disables telemetry.")
	verbose := pflag.BoolP("verbose", "v", false, "Enable debug-level logging.")
	announce := pflag.BoolP("announce", "a", false, "Advertise this gateway over mDNS/DNS-SD.")
	dnssdName := pflag.StringP("dnssd-name", "n", "", "Service name for mDNS/DNS-SD advertisement; defaults to a name derived from gateway-id.")

	pflag.Parse()

	level := charmlog.InfoLevel
	if *verbose {
		level = charmlog.DebugLevel
	}
	log := blog.New(os.Stderr, "blink-gateway", level)

	schedules, bringUp, err := scheduleset.Load(*configPath)
	if err != nil {
		log.Errorf("loading scheduleset: %v", err)
		os.Exit(1)
	}

	scheduleID := bringUp.InitialScheduleID
	if *initialSchedule != 0 {
		scheduleID = *initialSchedule
	}

	sched, err := scheduler.New(scheduler.NodeTypeGateway, *gatewayID, schedules, scheduleID, false)
	if err != nil {
		log.Errorf("constructing scheduler: %v", err)
		os.Exit(1)
	}

	clock := hwtimer.New()

	simRadio, err := udpradio.New(*udpPort, *broadcastAddr, clock, -40)
	if err != nil {
		log.Errorf("binding simulated radio: %v", err)
		os.Exit(1)
	}
	defer simRadio.Close()

	sink := buildSink(log, *logDir)

	m, err := mac.New(mac.Config{
		Role:   scheduler.NodeTypeGateway,
		SelfID: *gatewayID,
		Radio:  simRadio,
		Timer:  clock,
		RNG:    cryptoRNG{},
		Sched:  sched,
		Queue:  queue.New(queue.DefaultCapacity, false),
		Logger: log,
		Sink:   sink,
	})
	if err != nil {
		log.Errorf("constructing mac: %v", err)
		os.Exit(1)
	}

	if *announce {
		adv, aerr := discovery.Announce(*dnssdName, *gatewayID, *udpPort, sched)
		if aerr != nil {
			log.Errorf("dns-sd announce failed: %v", aerr)
		} else {
			defer adv.Stop()
		}
	}

	log.Infof("starting gateway %#x on schedule %d, udp port %d", *gatewayID, scheduleID, *udpPort)
	m.Start()

	waitForSignal()
}

// buildSink fans an event out to both structured logging and, if logDir
// is set, a daily-rotating telemetry CSV file.
func buildSink(log *blog.Logger, logDir string) event.Sink {
	if logDir == "" {
		return event.SinkFunc(func(e event.Event) { log.Event(e) })
	}
	fileSink := telemetry.NewFileSink(logDir, telemetry.DefaultPattern, nil)
	return event.SinkFunc(func(e event.Event) {
		log.Event(e)
		fileSink.OnEvent(e)
	})
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	fmt.Fprintln(os.Stderr, "blink-gateway: shutting down")
}

// cryptoRNG satisfies radio.RNG; join-collision backoff doesn't need a
// cryptographic source, just one that isn't predictable across nodes.
type cryptoRNG struct{}

func (cryptoRNG) ReadByte() byte {
	var b [1]byte
	_, _ = rand.Read(b[:])
	return b[0]
}

var _ radio.RNG = cryptoRNG{}
