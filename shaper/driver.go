// Package shaper projects per-client and global bandwidth limits onto
// a Linux Hierarchical Token Bucket tree.
//
// No netlink traffic-control binding was available in the reference
// material this gateway's stack was grounded on, unlike the Firewall
// Driver's direct github.com/google/nftables binding (see
// firewall.Driver). The Shaper Driver falls back to invoking the `tc`
// binary, but keeps the same discipline the firewall package and
// the upstream iptables wrapper it borrows its argv-vector shape from
// both use: every argument is validated before being placed in the
// vector, never string-concatenated, and invoked through
// exec.CommandContext with a bounded timeout. See DESIGN.md for the
// full justification of this standard-library choice.
package shaper

import (
	"context"
	"fmt"
	"hash/fnv"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/coinwifi/gateway/errors"
	"github.com/coinwifi/gateway/logger"
)

const (
	rootClassID   = "1:1"
	minClassID    = 1000
	maxClassID    = 65000
	defaultTimeout = 5 * time.Second
)

// Config identifies the interfaces the shaper works with. The qdisc
// tree is written onto LANInterface only; IFBInterface is carried in
// the config but no tc command targets it, and ingress traffic is not
// mirrored or shaped.
type Config struct {
	LANInterface string
	IFBInterface string
	Timeout      time.Duration
}

func DefaultConfig(lanInterface string) Config {
	return Config{
		LANInterface: lanInterface,
		IFBInterface: "ifb0",
		Timeout:      defaultTimeout,
	}
}

// Driver manages the HTB tree. All tc invocations are serialized
// behind one mutex; a missing shaping rule causes over-bandwidth, not
// incorrect billing, so failures here are logged rather than
// propagated as fatal to callers that only care about authorization.
type Driver struct {
	mu        sync.Mutex
	cmd       Commander
	cfg       Config
	initDone  bool
	clients   map[string]uint32 // ip -> class id, for reconcile diffing
}

func New(cfg Config, cmd Commander) *Driver {
	if cmd == nil {
		cmd = NewCommander()
	}
	return &Driver{cmd: cmd, cfg: cfg, clients: make(map[string]uint32)}
}

func classIDFor(ip string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(ip))
	span := uint32(maxClassID - minClassID)
	return minClassID + (h.Sum32() % span)
}

func validateIPv4(ip string) error {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return errors.WithKind(errors.Newf("invalid ipv4 address %q", ip), errors.KindInvalidInput)
	}
	return nil
}

func validateRateKbps(kbps int64) error {
	if kbps < 1 || kbps > 10_000_000 {
		return errors.WithKind(errors.Newf("rate %dkbps out of range [1, 10000000]", kbps), errors.KindInvalidInput)
	}
	return nil
}

func (d *Driver) run(ctx context.Context, args ...string) error {
	timeout := d.cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := d.cmd.CombinedOutput(cctx, "tc", args...)
	if err != nil {
		return errors.WithKind(errors.Wrapf(err, "tc %s failed: %s", strings.Join(args, " "), string(out)), errors.KindKernelError)
	}
	return nil
}

// ensureRoot installs the root HTB qdisc on the LAN interface,
// idempotently (tc replace semantics tolerate a rule that already
// exists). No qdisc is installed on the ifb device.
func (d *Driver) ensureRoot(ctx context.Context) error {
	if d.initDone {
		return nil
	}
	if err := d.run(ctx, "qdisc", "replace", "dev", d.cfg.LANInterface, "root", "handle", "1:", "htb", "default", "999"); err != nil {
		return err
	}
	if err := d.run(ctx, "class", "replace", "dev", d.cfg.LANInterface, "parent", "1:", "classid", rootClassID, "htb", "rate", "1000mbit"); err != nil {
		return err
	}
	if err := d.run(ctx, "class", "replace", "dev", d.cfg.LANInterface, "parent", "1:1", "classid", "1:999", "htb", "rate", "1000mbit"); err != nil {
		return err
	}
	d.initDone = true
	return nil
}

// SetGlobal caps the root class's rate, applied before any per-client
// class so per-client ceilings never exceed the global budget. Only
// the download rate is applied; uploadKbps is validated but not used.
func (d *Driver) SetGlobal(ctx context.Context, downloadKbps, uploadKbps int64) error {
	if err := validateRateKbps(downloadKbps); err != nil {
		return err
	}
	if err := validateRateKbps(uploadKbps); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureRoot(ctx); err != nil {
		return err
	}
	if err := d.run(ctx, "class", "change", "dev", d.cfg.LANInterface, "parent", "1:", "classid", rootClassID,
		"htb", "rate", fmt.Sprintf("%dkbit", downloadKbps)); err != nil {
		logger.ShaperInfow("failed to set global download rate", "error", err.Error())
		return err
	}
	return nil
}

// ClearGlobal returns the root class to an effectively unlimited rate.
func (d *Driver) ClearGlobal(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ensureRoot(ctx); err != nil {
		return err
	}
	return d.run(ctx, "class", "change", "dev", d.cfg.LANInterface, "parent", "1:", "classid", rootClassID,
		"htb", "rate", "1000mbit")
}

// SetClient installs or replaces a per-client HTB class and a filter
// matching the client's IP into it. Idempotent: a second call for the
// same IP replaces the existing class and filter in place. The class
// and filter shape download traffic only; uploadKbps is validated and
// logged but not applied.
func (d *Driver) SetClient(ctx context.Context, ip string, downloadKbps, uploadKbps int64) error {
	if err := validateIPv4(ip); err != nil {
		return err
	}
	if err := validateRateKbps(downloadKbps); err != nil {
		return err
	}
	if err := validateRateKbps(uploadKbps); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureRoot(ctx); err != nil {
		return err
	}

	classID := classIDFor(ip)
	classIDStr := fmt.Sprintf("1:%d", classID)

	if err := d.run(ctx, "class", "replace", "dev", d.cfg.LANInterface, "parent", "1:1", "classid", classIDStr,
		"htb", "rate", fmt.Sprintf("%dkbit", downloadKbps), "ceil", fmt.Sprintf("%dkbit", downloadKbps)); err != nil {
		return err
	}

	if err := d.run(ctx, "filter", "replace", "dev", d.cfg.LANInterface, "parent", "1:", "protocol", "ip",
		"prio", "1", "u32", "match", "ip", "dst", ip+"/32", "flowid", classIDStr); err != nil {
		return err
	}

	d.clients[ip] = classID
	logger.ShaperInfow("client shaping class installed", "ip_address", ip, "download_limit", downloadKbps, "upload_limit", uploadKbps)
	return nil
}

// ClearClient removes a client's class and filter.
func (d *Driver) ClearClient(ctx context.Context, ip string) error {
	if err := validateIPv4(ip); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	classID, ok := d.clients[ip]
	if !ok {
		return nil
	}
	classIDStr := fmt.Sprintf("1:%d", classID)

	if err := d.run(ctx, "filter", "del", "dev", d.cfg.LANInterface, "parent", "1:", "protocol", "ip",
		"prio", "1", "u32", "match", "ip", "dst", ip+"/32", "flowid", classIDStr); err != nil {
		logger.ShaperInfow("failed to remove shaping filter, continuing", "ip_address", ip, "error", err.Error())
	}
	if err := d.run(ctx, "class", "del", "dev", d.cfg.LANInterface, "classid", classIDStr); err != nil {
		logger.ShaperInfow("failed to remove shaping class, continuing", "ip_address", ip, "error", err.Error())
	}
	delete(d.clients, ip)
	return nil
}

// ClientLimits identifies a client's shaping request for Reconcile.
type ClientLimits struct {
	IP            string
	DownloadKbps  int64
	UploadKbps    int64
}

// Reconcile ensures exactly the given set of per-client classes exist,
// clearing any tracked class absent from the desired set.
func (d *Driver) Reconcile(ctx context.Context, desired []ClientLimits) error {
	wanted := make(map[string]ClientLimits, len(desired))
	for _, c := range desired {
		wanted[c.IP] = c
	}

	d.mu.Lock()
	existing := make([]string, 0, len(d.clients))
	for ip := range d.clients {
		existing = append(existing, ip)
	}
	d.mu.Unlock()

	for _, ip := range existing {
		if _, ok := wanted[ip]; !ok {
			if err := d.ClearClient(ctx, ip); err != nil {
				logger.ShaperInfow("reconcile: failed to clear stale client class", "ip_address", ip, "error", err.Error())
			}
		}
	}
	for _, c := range desired {
		if err := d.SetClient(ctx, c.IP, c.DownloadKbps, c.UploadKbps); err != nil {
			logger.ShaperInfow("reconcile: failed to set client class", "ip_address", c.IP, "error", err.Error())
		}
	}
	return nil
}
