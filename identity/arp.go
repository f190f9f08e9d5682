package identity

import (
	"bufio"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coinwifi/gateway/errors"
)

// ARPTable implements NeighborTable by parsing the kernel's neighbor
// cache exposed at /proc/net/arp. A read-only text file is enough for
// this lookup; no netlink neighbor dump (which needs elevated
// privileges on some kernels) is required for a read path.
type ARPTable struct {
	path string

	mu        sync.Mutex
	cache     map[string]string
	cachedAt  time.Time
	cacheTTL  time.Duration
}

// NewARPTable builds a table reading the standard /proc/net/arp path,
// re-parsing it at most once per cacheTTL.
func NewARPTable(cacheTTL time.Duration) *ARPTable {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Second
	}
	return &ARPTable{path: "/proc/net/arp", cacheTTL: cacheTTL}
}

// Lookup returns the MAC address bound to ip, or an error if absent.
func (a *ARPTable) Lookup(ip string) (string, error) {
	table, err := a.snapshot()
	if err != nil {
		return "", err
	}
	mac, ok := table[ip]
	if !ok {
		return "", errors.WithKind(errors.Newf("no arp entry for %s", ip), errors.KindNotFound)
	}
	return mac, nil
}

// Present reports whether mac appears anywhere in the current
// neighbor table, used by the session engine's stale-client sweep to
// avoid deleting a device that is merely between sessions.
func (a *ARPTable) Present(mac string) bool {
	table, err := a.snapshot()
	if err != nil {
		return false
	}
	mac = strings.ToUpper(mac)
	for _, m := range table {
		if strings.ToUpper(m) == mac {
			return true
		}
	}
	return false
}

func (a *ARPTable) snapshot() (map[string]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cache != nil && time.Since(a.cachedAt) < a.cacheTTL {
		return a.cache, nil
	}

	f, err := os.Open(a.path)
	if err != nil {
		return nil, errors.WithKind(errors.Wrap(err, "failed to open arp table"), errors.KindIO)
	}
	defer f.Close()

	table := make(map[string]string)
	scanner := bufio.NewScanner(f)
	scanner.Scan() // header line: IP address HW type Flags HW address Mask Device
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		ip, mac := fields[0], fields[3]
		if mac == "" || mac == "00:00:00:00:00:00" {
			continue
		}
		table[ip] = strings.ToUpper(mac)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WithKind(errors.Wrap(err, "failed to read arp table"), errors.KindIO)
	}

	a.cache = table
	a.cachedAt = time.Now()
	return table, nil
}
