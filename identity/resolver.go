// Package identity binds an incoming captive-portal HTTP request to
// (mac, ip, session-token). MAC is the only identity the kernel filter
// can match on, but modern devices rotate it per-SSID or per-connection,
// so the session-token cookie carries the stable identity across
// reconnects; callers match client rows on any of the three.
package identity

import (
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coinwifi/gateway/errors"
)

const (
	// SessionCookieName is the portal's persistent identity cookie.
	SessionCookieName = "pisowifi_session"
	// SessionCookieTTL controls how long the cookie is valid before a
	// new token is minted for the visitor.
	SessionCookieTTL = 365 * 24 * time.Hour
)

// Identity is the resolved (mac, ip, session-token) triple for a
// request. MAC is "Unknown" when the neighbor table has no entry for
// the resolved IP.
type Identity struct {
	MAC   string
	IP    string
	Token string
	// Minted reports whether Token was freshly generated for this
	// request (first-time visitor), so the caller knows to set the
	// response cookie.
	Minted bool
}

// NeighborTable looks up the MAC address bound to an IP, mirroring the
// kernel's ARP/neighbor cache.
type NeighborTable interface {
	Lookup(ip string) (mac string, err error)
}

var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// Resolve implements the resolution order: strip the remote IP, look
// up its MAC in the neighbor table, read or mint the session cookie.
func Resolve(r *http.Request, w http.ResponseWriter, neighbors NeighborTable) (*Identity, error) {
	ip, err := remoteIP(r)
	if err != nil {
		return nil, err
	}

	mac := "Unknown"
	if neighbors != nil {
		if m, err := neighbors.Lookup(ip); err == nil && macPattern.MatchString(m) {
			mac = strings.ToUpper(m)
		}
	}

	token, minted := tokenFromRequest(r)
	if minted && w != nil {
		http.SetCookie(w, &http.Cookie{
			Name:     SessionCookieName,
			Value:    token,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
			Expires:  time.Now().Add(SessionCookieTTL),
		})
	}

	return &Identity{MAC: mac, IP: ip, Token: token, Minted: minted}, nil
}

func tokenFromRequest(r *http.Request) (token string, minted bool) {
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		return c.Value, false
	}
	return uuid.New().String(), true
}

func remoteIP(r *http.Request) (string, error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "", errors.WithKind(errors.Newf("could not parse remote address %q", r.RemoteAddr), errors.KindInvalidInput)
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String(), nil
	}
	return "", errors.WithKind(errors.Newf("remote address %q is not IPv4", r.RemoteAddr), errors.KindInvalidInput)
}

// ValidateCoinPulseCount checks the coin-count range named in the
// Portal API's add-coin validation.
func ValidateCoinPulseCount(count int) error {
	if count < 1 || count > 1000 {
		return errors.WithKind(errors.Newf("coin count %d out of range [1, 1000]", count), errors.KindInvalidInput)
	}
	return nil
}
