package coiningress

import (
	"context"
	"io"
	"net"

	"github.com/coinwifi/gateway/errors"
)

// UnixDialer connects to the coin acceptor bridge over a local unix
// domain socket, the transport the bridge firmware's companion daemon
// listens on.
type UnixDialer struct {
	Path string
}

// NewUnixDialer builds a Dialer for the bridge socket at path.
func NewUnixDialer(path string) *UnixDialer {
	return &UnixDialer{Path: path}
}

// Dial opens the socket connection.
func (d *UnixDialer) Dial(ctx context.Context) (io.ReadCloser, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", d.Path)
	if err != nil {
		return nil, errors.WithKind(errors.Wrapf(err, "failed to dial coin bridge at %s", d.Path), errors.KindIO)
	}
	return conn, nil
}
