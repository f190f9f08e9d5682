// Package ttldetector flags connection sharing (a single authorized
// client tethering internet access to other devices) by watching the
// IP TTL of packets a client's traffic arrives with. A NAT hop in
// front of the gateway decrements TTL by one for every device behind
// it, so a client whose packets arrive at multiDeviceDistinctThreshold
// or more distinct TTLs early in its history, or whose TTL has drifted
// from its established baseline beyond the sensitivity tolerance, is
// sharing its connection.
package ttldetector

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/coinwifi/gateway/errors"
	"github.com/coinwifi/gateway/firewall"
	"github.com/coinwifi/gateway/logger"
	"github.com/coinwifi/gateway/store"
)

// multiDeviceWindowSize and multiDeviceDistinctThreshold implement the
// "multiple_devices" heuristic: several devices sharing one
// connection each put their own TTL on the wire, so distinct TTL
// values cluster early in a MAC's packet history.
const (
	multiDeviceWindowSize        = 10
	multiDeviceDistinctThreshold = 3
)

// macWindow tracks the first multiDeviceWindowSize TTL values seen
// from a MAC, used to detect multiple devices behind one connection.
type macWindow struct {
	seen     map[uint8]struct{}
	packets  int
	distinct int
}

// Observation is one packet's (client, ttl) reading, however the
// production PacketSource obtained it (raw socket, DHCP snoop, etc).
type Observation struct {
	MAC string
	IP  string
	TTL uint8
}

// PacketSource yields TTL observations for LAN-originated traffic.
// The production implementation reads a raw IPv4 socket; tests supply
// a channel-backed fake.
type PacketSource interface {
	Next(ctx context.Context) (Observation, error)
}

// Detector classifies TTL observations against a per-MAC baseline and
// escalates persistent anomalies into a firewall drop rule.
type Detector struct {
	store    *store.Store
	firewall *firewall.Driver
	source   PacketSource

	sensitivity    string
	autoBlock      bool
	alertThreshold int64
	anomalyWindow  time.Duration

	windowMu sync.Mutex
	windows  map[string]*macWindow
}

// Sensitivity tunes how much TTL drift is tolerated before it counts
// as an anomaly, mirroring the "sensitivity" knob in ttl_settings.
const (
	SensitivityLow    = "low"
	SensitivityMedium = "medium"
	SensitivityHigh   = "high"
)

func toleranceFor(sensitivity string) int64 {
	switch sensitivity {
	case SensitivityHigh:
		return 0
	case SensitivityLow:
		return 2
	default:
		return 1
	}
}

// New builds a Detector. fw may be nil in contexts (tests, a dry-run
// mode) where drop rules should not be installed.
func New(s *store.Store, fw *firewall.Driver, source PacketSource, settings *store.TTLSettings) *Detector {
	return &Detector{
		store:          s,
		firewall:       fw,
		source:         source,
		sensitivity:    settings.Sensitivity,
		autoBlock:      settings.AutoBlock,
		alertThreshold: settings.AlertThreshold,
		anomalyWindow:  10 * time.Minute,
		windows:        make(map[string]*macWindow),
	}
}

// observeWindow folds one TTL reading into the MAC's first-10-packets
// window, returning the distinct count seen so far and whether the
// MAC is still within that window (further packets after the window
// closes are not tracked, matching "within the first 10 packets").
func (d *Detector) observeWindow(mac string, ttl uint8) (distinct int, withinWindow bool) {
	d.windowMu.Lock()
	defer d.windowMu.Unlock()

	w, ok := d.windows[mac]
	if !ok {
		w = &macWindow{seen: make(map[uint8]struct{})}
		d.windows[mac] = w
	}
	if w.packets >= multiDeviceWindowSize {
		return w.distinct, false
	}
	w.packets++
	if _, seen := w.seen[ttl]; !seen {
		w.seen[ttl] = struct{}{}
		w.distinct++
	}
	return w.distinct, true
}

// ResetBaseline clears a MAC's stored TTL baseline and its
// multiple-devices tracking window. Called on every new session
// (reconnect), so a stale baseline from before an OS upgrade or a
// change of device does not get compared against.
func (d *Detector) ResetBaseline(ctx context.Context, mac string) error {
	d.windowMu.Lock()
	delete(d.windows, mac)
	d.windowMu.Unlock()
	return d.store.ClearTTLBaseline(ctx, mac)
}

// Run consumes observations from the packet source until ctx is
// canceled, classifying each one.
func (d *Detector) Run(ctx context.Context) error {
	for {
		obs, err := d.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.TTLWarnw("packet source read failed, continuing", "error", err.Error())
			continue
		}
		if obs.MAC == "" || obs.MAC == store.UnknownMAC {
			continue
		}
		if err := d.Classify(ctx, obs); err != nil {
			logger.TTLWarnw("ttl classification failed", "mac_address", obs.MAC, "error", err.Error())
		}
	}
}

// Classify applies one observation against the client's baseline,
// recording an anomaly and possibly a violation.
func (d *Detector) Classify(ctx context.Context, obs Observation) error {
	distinct, withinWindow := d.observeWindow(obs.MAC, obs.TTL)
	multipleDevices := withinWindow && distinct >= multiDeviceDistinctThreshold

	baseline, err := d.store.GetTTLBaseline(ctx, obs.MAC)
	if err != nil {
		return err
	}
	if baseline == nil {
		return d.store.EstablishTTLBaseline(ctx, obs.MAC, int64(obs.TTL))
	}

	tolerance := toleranceFor(d.sensitivity)
	delta := baseline.BaselineTTL - int64(obs.TTL)
	if delta < 0 {
		delta = -delta
	}
	if delta <= tolerance && !multipleDevices {
		return d.store.TouchTTLBaseline(ctx, obs.MAC)
	}

	kind := store.AnomalyTTLVariance
	switch {
	case multipleDevices:
		kind = store.AnomalyMultipleDevices
	case int64(obs.TTL) < baseline.BaselineTTL-1:
		kind = store.AnomalyTTLDecrement
	}

	if err := d.store.AppendTTLAnomaly(ctx, obs.MAC, kind,
		formatAnomalyDetails(baseline.BaselineTTL, int64(obs.TTL))); err != nil {
		return err
	}

	count, err := d.store.CountRecentAnomalies(ctx, obs.MAC, d.anomalyWindow)
	if err != nil {
		return err
	}
	if count < d.alertThreshold {
		return nil
	}

	severity := severityFor(count, d.alertThreshold)
	becameNew, err := d.store.UpsertTTLViolation(ctx, obs.MAC, severity)
	if err != nil {
		return err
	}
	logger.TTLWarnw("ttl violation recorded", "mac_address", obs.MAC, "severity", severity, "anomaly_count", count)

	if becameNew && d.autoBlock && d.firewall != nil {
		if err := d.firewall.InstallTTLDrop(obs.MAC, uint8(baseline.BaselineTTL)); err != nil {
			return errors.Wrapf(err, "failed to install ttl drop rule for %s", obs.MAC)
		}
		logger.TTLWarnw("ttl drop rule installed", "mac_address", obs.MAC)
	}
	return nil
}

// Resolve clears a violation and, if a drop rule is installed, lifts
// it. Called by the admin API when an operator clears a false
// positive.
func (d *Detector) Resolve(ctx context.Context, mac string) error {
	if err := d.store.ResolveViolation(ctx, mac); err != nil {
		return err
	}
	if d.firewall != nil {
		baseline, err := d.store.GetTTLBaseline(ctx, mac)
		if err != nil {
			return err
		}
		expectedTTL := uint8(0)
		if baseline != nil {
			expectedTTL = uint8(baseline.BaselineTTL)
		}
		if err := d.firewall.RemoveTTLDrop(mac, expectedTTL); err != nil {
			return errors.Wrapf(err, "failed to remove ttl drop rule for %s", mac)
		}
	}
	return nil
}

func severityFor(count, threshold int64) string {
	switch {
	case count >= threshold*3:
		return "critical"
	case count >= threshold*2:
		return "high"
	default:
		return "medium"
	}
}

func formatAnomalyDetails(baseline, observed int64) string {
	return "baseline=" + strconv.FormatInt(baseline, 10) + " observed=" + strconv.FormatInt(observed, 10)
}
