package ttldetector

import (
	"context"
	"net"

	"golang.org/x/net/ipv4"

	"github.com/coinwifi/gateway/errors"
	"github.com/coinwifi/gateway/identity"
)

// RawSocketSource reads every IPv4 packet arriving on a LAN-facing
// interface via a raw socket and resolves the sender's MAC through the
// neighbor table, mirroring how a NAT hop's TTL decrement would look
// from the gateway's vantage point.
type RawSocketSource struct {
	conn      *ipv4.RawConn
	neighbors identity.NeighborTable
	buf       []byte
}

// NewRawSocketSource wraps an already-open raw IPv4 connection, which
// must be a *net.IPConn. Opening that socket requires CAP_NET_RAW;
// callers typically do so inside the gateway's privileged network
// namespace alongside the firewall driver.
func NewRawSocketSource(packetConn net.PacketConn, neighbors identity.NeighborTable) (*RawSocketSource, error) {
	ipConn, ok := packetConn.(*net.IPConn)
	if !ok {
		return nil, errors.New("ttl detector raw socket requires a net.IPConn")
	}
	raw, err := ipv4.NewRawConn(ipConn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to wrap raw ipv4 connection")
	}
	return &RawSocketSource{conn: raw, neighbors: neighbors, buf: make([]byte, 65535)}, nil
}

// Next blocks until a packet arrives or ctx is canceled.
func (r *RawSocketSource) Next(ctx context.Context) (Observation, error) {
	type result struct {
		obs Observation
		err error
	}
	done := make(chan result, 1)
	go func() {
		header, _, _, err := r.conn.ReadFrom(r.buf)
		if err != nil {
			done <- result{err: errors.Wrap(err, "failed to read raw ipv4 packet")}
			return
		}
		mac := ""
		if r.neighbors != nil {
			if m, err := r.neighbors.Lookup(header.Src.String()); err == nil {
				mac = m
			}
		}
		done <- result{obs: Observation{MAC: mac, IP: header.Src.String(), TTL: uint8(header.TTL)}}
	}()

	select {
	case <-ctx.Done():
		return Observation{}, ctx.Err()
	case res := <-done:
		return res.obs, res.err
	}
}
