// Package firewall projects client authorization state onto the host
// netfilter configuration. Grant/revoke, the TTL-drop rule and the
// portal DNAT are implemented directly via github.com/google/nftables
// rather than shelling out to nft/iptables, so there is no command
// line for an untrusted MAC or interface name to inject into.
//
// Rules are tagged with Rule.UserData so grant/revoke/install/remove
// are idempotent: a rule is found and deleted by its tag rather than
// by recomputing its exact byte layout.
package firewall

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	nft "github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"

	"github.com/coinwifi/gateway/errors"
	"github.com/coinwifi/gateway/logger"
)

// Config tunes the driver's netlink behavior and the table/chain
// layout it writes into.
type Config struct {
	LANInterface      string
	WANInterface      string
	PortalPort        uint16
	MaxNetlinkRetries int
	RetryBackoff      time.Duration
	FilterForwardPrio int
	NATPreroutingPrio int
	NATPostroutingPrio int
	MangleForwardPrio int
}

func DefaultConfig(lanInterface, wanInterface string, portalPort uint16) Config {
	return Config{
		LANInterface:       lanInterface,
		WANInterface:       wanInterface,
		PortalPort:         portalPort,
		MaxNetlinkRetries:  3,
		RetryBackoff:       80 * time.Millisecond,
		FilterForwardPrio:  0,
		NATPreroutingPrio:  -100,
		NATPostroutingPrio: 100,
		MangleForwardPrio:  -150,
	}
}

// Driver manages the gateway's nftables tables: one filter/FORWARD
// accept rule per granted MAC, one mangle/FORWARD TTL-match drop rule
// per flagged MAC, and a standing nat/PREROUTING DNAT to the portal.
type Driver struct {
	mu   sync.Mutex
	conn *nft.Conn
	cfg  Config
}

func New(cfg Config) (*Driver, error) {
	conn, err := nft.New(nft.AsLasting())
	if err != nil {
		return nil, errors.WithKind(errors.Wrap(err, "failed to open nftables connection"), errors.KindKernelError)
	}
	return &Driver{conn: conn, cfg: cfg}, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	return d.conn.CloseLasting()
}

var macPattern = mustMACRegexp()

func validateMAC(mac string) error {
	if !macPattern.MatchString(mac) {
		return errors.WithKind(errors.Newf("invalid mac address %q", mac), errors.KindInvalidInput)
	}
	return nil
}

// Grant installs a filter/FORWARD accept rule for source MAC. Calling
// Grant twice for the same MAC is a no-op.
func (d *Driver) Grant(mac string) error {
	if err := validateMAC(mac); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.withRetry(func() error {
		t, ch, err := d.ensureFilterForward()
		if err != nil {
			return err
		}
		if err := d.appendIfMissingByTag(t, ch, exprAcceptSourceMAC(mac), tagGrant(mac)); err != nil {
			return err
		}
		return d.conn.Flush()
	})
}

// Revoke removes the accept rule for a MAC, idempotently.
func (d *Driver) Revoke(mac string) error {
	if err := validateMAC(mac); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.withRetry(func() error {
		t, ch, err := d.ensureFilterForward()
		if err != nil {
			return err
		}
		if err := d.delIfPresentByTag(t, ch, tagGrant(mac)); err != nil {
			return err
		}
		return d.conn.Flush()
	})
}

// InstallTTLDrop installs a mangle/FORWARD rule dropping packets from
// mac whose IP TTL does not match expectedTTL, without affecting the
// payer's own traffic (whose TTL equals the baseline).
func (d *Driver) InstallTTLDrop(mac string, expectedTTL uint8) error {
	if err := validateMAC(mac); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.withRetry(func() error {
		t, ch, err := d.ensureMangleForward()
		if err != nil {
			return err
		}
		if err := d.appendIfMissingByTag(t, ch, exprDropMismatchedTTL(mac, expectedTTL), tagTTLDrop(mac)); err != nil {
			return err
		}
		return d.conn.Flush()
	})
}

// RemoveTTLDrop removes a previously installed TTL-match drop rule.
func (d *Driver) RemoveTTLDrop(mac string, expectedTTL uint8) error {
	if err := validateMAC(mac); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.withRetry(func() error {
		t, ch, err := d.ensureMangleForward()
		if err != nil {
			return err
		}
		if err := d.delIfPresentByTag(t, ch, tagTTLDrop(mac)); err != nil {
			return err
		}
		return d.conn.Flush()
	})
}

// InstallPortalRedirect sets up the one-time captive-portal plumbing:
// DNAT port 80 from the LAN to the local portal port, masquerade on
// WAN egress, and a default-drop FORWARD policy.
func (d *Driver) InstallPortalRedirect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.withRetry(func() error {
		natT, natCh, err := d.ensureNATPrerouting()
		if err != nil {
			return err
		}
		if err := d.appendIfMissingByTag(natT, natCh, exprRedirectPort80(d.cfg.LANInterface, d.cfg.PortalPort), tagPortalRedirect()); err != nil {
			return err
		}

		postT, postCh, err := d.ensureNATPostrouting()
		if err != nil {
			return err
		}
		if err := d.appendIfMissingByTag(postT, postCh, exprMasqueradeOIF(d.cfg.WANInterface), tagMasquerade()); err != nil {
			return err
		}

		filterT, filterCh, err := d.ensureFilterForward()
		if err != nil {
			return err
		}
		pol := nft.ChainPolicyDrop
		filterCh.Policy = &pol
		d.conn.AddChain(filterCh)
		_ = filterT

		return d.conn.Flush()
	})
}

// ListAuthorized returns the MACs currently holding a grant rule, used
// by the reconciliation task to detect drift against the database.
func (d *Driver) ListAuthorized() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ch, err := d.getChain("filter", "FORWARD")
	if err != nil {
		return nil, errors.WithKind(errors.Wrap(err, "failed to list forward chain"), errors.KindKernelError)
	}
	if ch == nil {
		return nil, nil
	}
	rules, err := d.conn.GetRules(t, ch)
	if err != nil {
		return nil, errors.WithKind(errors.Wrap(err, "failed to list forward rules"), errors.KindKernelError)
	}

	var macs []string
	prefix := "gateway:grant "
	for _, r := range rules {
		tag := string(r.UserData)
		if strings.HasPrefix(tag, prefix) {
			macs = append(macs, strings.TrimPrefix(tag, prefix))
		}
	}
	return macs, nil
}

func (d *Driver) withRetry(op func() error) error {
	var last error
	for i := 0; i < d.cfg.MaxNetlinkRetries; i++ {
		if i > 0 && d.cfg.RetryBackoff > 0 {
			time.Sleep(d.cfg.RetryBackoff)
		}
		if i > 0 {
			if err := d.resetConn(); err != nil {
				last = err
				continue
			}
		}
		if err := op(); err != nil {
			last = err
			if isSeqMismatch(err) {
				logger.FirewallWarnw("netlink sequence mismatch, retrying", "attempt", i+1)
				continue
			}
			return errors.WithKind(errors.Wrap(err, "nftables operation failed"), errors.KindKernelError)
		}
		return nil
	}
	return errors.WithKind(errors.Wrap(last, "nftables operation failed after retries"), errors.KindKernelError)
}

func (d *Driver) resetConn() error {
	if d.conn != nil {
		_ = d.conn.CloseLasting()
	}
	c, err := nft.New(nft.AsLasting())
	if err != nil {
		return err
	}
	d.conn = c
	return nil
}

func isSeqMismatch(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "mismatched sequence in netlink reply")
}

func (d *Driver) getChain(tableName, chainName string) (*nft.Table, *nft.Chain, error) {
	tables, err := d.conn.ListTables()
	if err != nil {
		return nil, nil, fmt.Errorf("list tables: %w", err)
	}
	var tbl *nft.Table
	for _, t := range tables {
		if t.Family == nft.TableFamilyIPv4 && t.Name == tableName {
			tbl = t
			break
		}
	}
	if tbl == nil {
		return nil, nil, nil
	}
	chains, err := d.conn.ListChains()
	if err != nil {
		return nil, nil, fmt.Errorf("list chains: %w", err)
	}
	for _, ch := range chains {
		if ch.Table != nil && ch.Table.Name == tableName && ch.Table.Family == nft.TableFamilyIPv4 && ch.Name == chainName {
			return tbl, ch, nil
		}
	}
	return tbl, nil, nil
}

func (d *Driver) ensureFilterForward() (*nft.Table, *nft.Chain, error) {
	t, ch, err := d.getChain("filter", "FORWARD")
	if err != nil {
		return nil, nil, err
	}
	if ch != nil {
		return t, ch, nil
	}
	if t == nil {
		t = &nft.Table{Family: nft.TableFamilyIPv4, Name: "filter"}
		d.conn.AddTable(t)
	}
	hook := *nft.ChainHookForward
	prio := nft.ChainPriority(d.cfg.FilterForwardPrio)
	pol := nft.ChainPolicyAccept
	ch = &nft.Chain{Table: t, Name: "FORWARD", Type: nft.ChainTypeFilter, Hooknum: &hook, Priority: &prio, Policy: &pol}
	d.conn.AddChain(ch)
	return t, ch, nil
}

func (d *Driver) ensureMangleForward() (*nft.Table, *nft.Chain, error) {
	t, ch, err := d.getChain("mangle", "FORWARD")
	if err != nil {
		return nil, nil, err
	}
	if ch != nil {
		return t, ch, nil
	}
	if t == nil {
		t = &nft.Table{Family: nft.TableFamilyIPv4, Name: "mangle"}
		d.conn.AddTable(t)
	}
	hook := *nft.ChainHookForward
	prio := nft.ChainPriority(d.cfg.MangleForwardPrio)
	ch = &nft.Chain{Table: t, Name: "FORWARD", Type: nft.ChainTypeFilter, Hooknum: &hook, Priority: &prio}
	d.conn.AddChain(ch)
	return t, ch, nil
}

func (d *Driver) ensureNATPrerouting() (*nft.Table, *nft.Chain, error) {
	t, ch, err := d.getChain("nat", "PREROUTING")
	if err != nil {
		return nil, nil, err
	}
	if ch != nil {
		return t, ch, nil
	}
	if t == nil {
		t = &nft.Table{Family: nft.TableFamilyIPv4, Name: "nat"}
		d.conn.AddTable(t)
	}
	hook := *nft.ChainHookPrerouting
	prio := nft.ChainPriority(d.cfg.NATPreroutingPrio)
	ch = &nft.Chain{Table: t, Name: "PREROUTING", Type: nft.ChainTypeNAT, Hooknum: &hook, Priority: &prio}
	d.conn.AddChain(ch)
	return t, ch, nil
}

func (d *Driver) ensureNATPostrouting() (*nft.Table, *nft.Chain, error) {
	t, ch, err := d.getChain("nat", "POSTROUTING")
	if err != nil {
		return nil, nil, err
	}
	if ch != nil {
		return t, ch, nil
	}
	if t == nil {
		t = &nft.Table{Family: nft.TableFamilyIPv4, Name: "nat"}
		d.conn.AddTable(t)
	}
	hook := *nft.ChainHookPostrouting
	prio := nft.ChainPriority(d.cfg.NATPostroutingPrio)
	ch = &nft.Chain{Table: t, Name: "POSTROUTING", Type: nft.ChainTypeNAT, Hooknum: &hook, Priority: &prio}
	d.conn.AddChain(ch)
	return t, ch, nil
}

func (d *Driver) appendIfMissingByTag(t *nft.Table, ch *nft.Chain, e []expr.Any, tag []byte) error {
	rules, err := d.conn.GetRules(t, ch)
	if err != nil {
		return fmt.Errorf("get rules %s/%s: %w", t.Name, ch.Name, err)
	}
	for _, r := range rules {
		if reflect.DeepEqual(r.UserData, tag) {
			return nil
		}
	}
	d.conn.AddRule(&nft.Rule{Table: t, Chain: ch, Exprs: e, UserData: tag})
	return nil
}

func (d *Driver) delIfPresentByTag(t *nft.Table, ch *nft.Chain, tag []byte) error {
	rules, err := d.conn.GetRules(t, ch)
	if err != nil {
		return fmt.Errorf("get rules %s/%s: %w", t.Name, ch.Name, err)
	}
	for _, r := range rules {
		if reflect.DeepEqual(r.UserData, tag) {
			_ = d.conn.DelRule(r)
			break
		}
	}
	return nil
}

// -------- expressions --------

func macBytes(mac string) []byte {
	b := make([]byte, 6)
	parts := strings.Split(mac, ":")
	for i, p := range parts {
		var v int
		fmt.Sscanf(p, "%x", &v)
		b[i] = byte(v)
	}
	return b
}

func exprAcceptSourceMAC(mac string) []expr.Any {
	return []expr.Any{
		&expr.Payload{OperationType: expr.PayloadLoad, Base: expr.PayloadBaseLLHeader, Offset: 6, Len: 6, DestRegister: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: macBytes(mac)},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}
}

func exprDropMismatchedTTL(mac string, expectedTTL uint8) []expr.Any {
	return []expr.Any{
		&expr.Payload{OperationType: expr.PayloadLoad, Base: expr.PayloadBaseLLHeader, Offset: 6, Len: 6, DestRegister: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: macBytes(mac)},
		&expr.Payload{OperationType: expr.PayloadLoad, Base: expr.PayloadBaseNetworkHeader, Offset: 8, Len: 1, DestRegister: 2},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 2, Data: []byte{expectedTTL}},
		&expr.Verdict{Kind: expr.VerdictDrop},
	}
}

func exprMasqueradeOIF(dev string) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: zstr(dev)},
		&expr.Masq{},
	}
}

func exprRedirectPort80(lanIface string, portalPort uint16) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: zstr(lanIface)},
		&expr.Payload{OperationType: expr.PayloadLoad, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2, DestRegister: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 2, Data: binaryutil.BigEndian.PutUint16(80)},
		&expr.Immediate{Register: 3, Data: binaryutil.BigEndian.PutUint16(portalPort)},
		&expr.Redir{RegisterProtoMin: 3},
	}
}

func zstr(s string) []byte { return append([]byte(s), 0x00) }

func tagGrant(mac string) []byte          { return []byte("gateway:grant " + mac) }
func tagTTLDrop(mac string) []byte        { return []byte("gateway:ttldrop " + mac) }
func tagPortalRedirect() []byte           { return []byte("gateway:portal-redirect") }
func tagMasquerade() []byte               { return []byte("gateway:masquerade") }
