// Package network provides the Network Observer (C2), bandwidth shaping and
// congestion control for the Transfer Engine (C3), and a network-quality
// diagnostic built on the speedtest client.
package network

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gopsutilnet "github.com/shirou/gopsutil/v3/net"
)

// Bearer is the active network link type (spec §6 glossary).
type Bearer string

const (
	BearerAny      Bearer = "any"
	BearerWifi     Bearer = "wifi"
	BearerCellular Bearer = "cellular"
	BearerLost     Bearer = "lost"
)

// Capability is the capability-change payload delivered to subscribers
// (spec §6 "Network observer"). The core only reads this state; it does
// not probe the network itself in the original design, but since this is a
// portable Go daemon with no platform capability API to subscribe to, the
// Observer here polls local interface state and republishes it through the
// same read-only Capability contract the rest of the system consumes.
type Capability struct {
	Online  bool
	Bearer  Bearer
	Metered bool
	Roaming bool
}

// Satisfies reports whether this capability state meets a task's
// network_preference / allow_metered / allow_roaming constraints (spec
// §4.4 "Network events").
func (c Capability) Satisfies(preference string, allowMetered, allowRoaming bool) bool {
	if !c.Online {
		return false
	}
	switch preference {
	case "wifi":
		if c.Bearer != BearerWifi {
			return false
		}
	case "cellular":
		if c.Bearer != BearerCellular {
			return false
		}
	}
	if c.Metered && !allowMetered {
		return false
	}
	if c.Roaming && !allowRoaming {
		return false
	}
	return true
}

// Observer maintains the current Capability snapshot and notifies
// subscribers on change (C2).
type Observer struct {
	logger *slog.Logger

	mu   sync.RWMutex
	cur  Capability
	subs []chan Capability

	pollInterval time.Duration
	cancel       context.CancelFunc
}

// NewObserver creates an Observer with an initial unknown/offline state.
func NewObserver(logger *slog.Logger) *Observer {
	return &Observer{
		logger:       logger,
		cur:          Capability{Online: false, Bearer: BearerLost},
		pollInterval: 5 * time.Second,
	}
}

// Snapshot returns the current capability state. Readers take a copy, per
// spec §5's "network observer updates a small struct behind a mutex;
// readers take a snapshot" rule.
func (o *Observer) Snapshot() Capability {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cur
}

// Subscribe returns a channel that receives every Capability change. The
// channel is buffered so a slow subscriber cannot stall the poller.
func (o *Observer) Subscribe() <-chan Capability {
	ch := make(chan Capability, 4)
	o.mu.Lock()
	o.subs = append(o.subs, ch)
	o.mu.Unlock()
	return ch
}

// Start begins polling local network interfaces until ctx is cancelled.
func (o *Observer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	go o.pollLoop(ctx)
}

func (o *Observer) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
}

func (o *Observer) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	o.poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.poll()
		}
	}
}

func (o *Observer) poll() {
	next := detectCapability()

	o.mu.Lock()
	changed := next != o.cur
	o.cur = next
	subs := append([]chan Capability(nil), o.subs...)
	o.mu.Unlock()

	if !changed {
		return
	}
	if o.logger != nil {
		o.logger.Info("network capability changed", "online", next.Online, "bearer", next.Bearer, "metered", next.Metered)
	}
	for _, ch := range subs {
		select {
		case ch <- next:
		default:
		}
	}
}

// detectCapability infers online/bearer state from local interface
// counters via gopsutil. It is a heuristic, not a true OS capability
// callback: any interface other than loopback that is up and has traffic
// counters is treated as "online"; Wi-Fi vs cellular is inferred from
// common interface name prefixes, a best-effort approximation documented
// as an Open Question in DESIGN.md.
func detectCapability() Capability {
	stats, err := gopsutilnet.IOCounters(true)
	if err != nil || len(stats) == 0 {
		return Capability{Online: false, Bearer: BearerLost}
	}

	online := false
	bearer := BearerAny
	for _, s := range stats {
		if s.Name == "lo" || s.Name == "lo0" {
			continue
		}
		if s.BytesSent == 0 && s.BytesRecv == 0 {
			continue
		}
		online = true
		if isWifiName(s.Name) {
			bearer = BearerWifi
		} else if isCellularName(s.Name) && bearer != BearerWifi {
			bearer = BearerCellular
		}
	}
	if !online {
		return Capability{Online: false, Bearer: BearerLost}
	}
	return Capability{Online: true, Bearer: bearer, Metered: bearer == BearerCellular, Roaming: false}
}

func isWifiName(name string) bool {
	prefixes := []string{"wlan", "wl", "wifi", "en0"}
	return hasAnyPrefix(name, prefixes)
}

func isCellularName(name string) bool {
	prefixes := []string{"wwan", "ppp", "rmnet", "ccmni"}
	return hasAnyPrefix(name, prefixes)
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if len(s) >= len(p) && s[:len(p)] == p {
			return true
		}
	}
	return false
}
