// Package discovery advertises a gateway's presence over mDNS/DNS-SD, the
// same pure-Go brutella/dnssd approach the teacher uses to announce a
// KISS-over-TCP endpoint, adapted to announce a Blink gateway instead.
// Entirely optional (spec.md section 1): a deployment with out-of-band
// gateway configuration never needs to import this package.
package discovery

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/brutella/dnssd"

	"github.com/blinknet/blink/scheduler"
)

// ServiceType is the DNS-SD service type gateways advertise under.
const ServiceType = "_blink-gw._udp"

// RefreshInterval is how often an Advertiser with a live scheduler
// recomputes its TXT record's schedule_id/remaining_capacity fields.
// Capacity only changes on join/leave/schedule-switch, which are rare
// relative to the slot cycle, so polling this slowly costs nothing.
const RefreshInterval = 10 * time.Second

// Advertiser announces one gateway's presence and stops announcing when
// its context is cancelled.
type Advertiser struct {
	responder dnssd.Responder
	service   dnssd.Service
	gatewayID uint64
	cancel    context.CancelFunc
	errCh     chan error
}

// Announce registers a DNS-SD service for a gateway identified by
// gatewayID, reachable at host:port, and begins responding to queries in
// the background. sched is optional: when non-nil, its RemainingCapacity
// and ActiveScheduleID feed the TXT record's schedule_id and
// remaining_capacity fields, refreshed every RefreshInterval for the
// life of the Advertiser. Callers should call Stop when the gateway
// shuts down.
func Announce(name string, gatewayID uint64, port int, sched *scheduler.Scheduler) (*Advertiser, error) {
	if name == "" {
		name = fmt.Sprintf("blink-gw-%016x", gatewayID)
	}

	cfg := dnssd.Config{ //nolint:exhaustruct
		Name: name,
		Type: ServiceType,
		Port: port,
		Text: textRecord(gatewayID, sched),
	}

	sv, err := dnssd.NewService(cfg)
	if err != nil {
		return nil, fmt.Errorf("discovery: creating service: %w", err)
	}

	rp, err := dnssd.NewResponder()
	if err != nil {
		return nil, fmt.Errorf("discovery: creating responder: %w", err)
	}

	hdl, err := rp.Add(sv)
	if err != nil {
		return nil, fmt.Errorf("discovery: adding service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Advertiser{responder: rp, service: hdl, gatewayID: gatewayID, cancel: cancel, errCh: make(chan error, 1)}

	go func() {
		a.errCh <- rp.Respond(ctx)
	}()

	if sched != nil {
		go a.refreshLoop(ctx, sched)
	}

	return a, nil
}

// textRecord builds the TXT record map: gateway_id is always present;
// schedule_id and remaining_capacity are populated only when a
// scheduler is wired in (spec.md section 4.10, section 2.1 wiring
// table).
func textRecord(gatewayID uint64, sched *scheduler.Scheduler) map[string]string {
	text := map[string]string{
		"gateway_id": strconv.FormatUint(gatewayID, 16),
	}
	if sched != nil {
		text["schedule_id"] = strconv.FormatUint(uint64(sched.ActiveScheduleID()), 10)
		text["remaining_capacity"] = strconv.Itoa(sched.RemainingCapacity())
	}
	return text
}

// refreshLoop periodically pushes the scheduler's current capacity and
// active schedule id into the advertised TXT record, until ctx is
// cancelled by Stop.
func (a *Advertiser) refreshLoop(ctx context.Context, sched *scheduler.Scheduler) {
	ticker := time.NewTicker(RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.responder.UpdateText(textRecord(a.gatewayID, sched), a.service)
		}
	}
}

// Stop cancels the responder and waits for it to return.
func (a *Advertiser) Stop() error {
	a.cancel()
	return <-a.errCh
}
