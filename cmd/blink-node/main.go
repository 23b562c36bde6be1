// Command blink-node runs a Blink node: it scans for a gateway beacon,
// synchronizes, joins a reserved uplink cell, and exchanges unicast data.
// Like blink-gateway, this is example wiring over a UDP broadcast
// stand-in radio (cmd/internal/udpradio), not real RF hardware.
package main

import (
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/blinknet/blink/assoc"
	"github.com/blinknet/blink/blog"
	"github.com/blinknet/blink/cmd/internal/udpradio"
	"github.com/blinknet/blink/event"
	"github.com/blinknet/blink/hwtimer"
	"github.com/blinknet/blink/mac"
	"github.com/blinknet/blink/queue"
	"github.com/blinknet/blink/radio"
	"github.com/blinknet/blink/scan"
	"github.com/blinknet/blink/scheduleset"
	"github.com/blinknet/blink/scheduler"
	"github.com/blinknet/blink/telemetry"
)

func main() {
	configPath := pflag.StringP("config", "c", "node.yaml", "Path to a scheduleset YAML config file.")
	deviceID := pflag.Uint64P("device-id", "i", 0, "64-bit node device id; defaults to node.device_id from the config.")
	udpPort := pflag.IntP("udp-port", "u", 17337, "UDP port the simulated radio broadcasts/listens on.")
	broadcastAddr := pflag.StringP("broadcast-addr", "b", "255.255.255.255", "Broadcast address for the simulated radio.")
	logDir := pflag.StringP("log-dir", "l", "", "Directory for daily-rotating CSV event logs. Empty disables telemetry.")
	verbose := pflag.BoolP("verbose", "v", false, "Enable debug-level logging.")
	backgroundScan := pflag.BoolP("background-scan", "g", false, "While joined, listen for gateway beacons during idle slots (observation only; the node does not switch gateways).")

	pflag.Parse()

	level := charmlog.InfoLevel
	if *verbose {
		level = charmlog.DebugLevel
	}
	log := blog.New(os.Stderr, "blink-node", level)

	schedules, bringUp, err := scheduleset.Load(*configPath)
	if err != nil {
		log.Errorf("loading scheduleset: %v", err)
		os.Exit(1)
	}

	selfID := bringUp.DeviceID
	if *deviceID != 0 {
		selfID = *deviceID
	}
	if selfID == 0 {
		log.Errorf("no device id given: pass --device-id or set node.device_id in the config")
		os.Exit(1)
	}

	sched, err := scheduler.New(scheduler.NodeTypeNode, selfID, schedules, bringUp.InitialScheduleID, false)
	if err != nil {
		log.Errorf("constructing scheduler: %v", err)
		os.Exit(1)
	}

	q := queue.New(queue.DefaultCapacity, false)
	sink := buildSink(log, *logDir)

	a := assoc.New(assoc.Config{
		SelfID:    selfID,
		Scheduler: sched,
		Queue:     q,
		RNG:       cryptoRNG{},
		Logger:    log,
		Sink:      sink,
	})

	clock := hwtimer.New()
	simRadio, err := udpradio.New(*udpPort, *broadcastAddr, clock, -60)
	if err != nil {
		log.Errorf("binding simulated radio: %v", err)
		os.Exit(1)
	}
	defer simRadio.Close()

	m, err := mac.New(mac.Config{
		Role:           scheduler.NodeTypeNode,
		SelfID:         selfID,
		Radio:          simRadio,
		Timer:          clock,
		RNG:            cryptoRNG{},
		Sched:          sched,
		Queue:          q,
		ScanTable:      scan.New(scan.DefaultCapacity, scan.DefaultFreshnessUS),
		Assoc:          a,
		Logger:         log,
		Sink:           sink,
		BackgroundScan: *backgroundScan,
	})
	if err != nil {
		log.Errorf("constructing mac: %v", err)
		os.Exit(1)
	}

	log.Infof("starting node %#x, udp port %d", selfID, *udpPort)
	m.Start()

	waitForSignal()
}

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
	fmt.Fprintln(os.Stderr, "blink-node: shutting down")
}

type cryptoRNG struct{}

func (cryptoRNG) ReadByte() byte {
	var b [1]byte
	_, _ = rand.Read(b[:])
	return b[0]
}

var _ radio.RNG = cryptoRNG{}
