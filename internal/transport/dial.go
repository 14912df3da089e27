package transport

import (
	"context"
	"io"
	"net"
	"strings"

	"github.com/pkg/errors"
)

// Address schemes understood by DialerFor.
const (
	SchemeTCP = "tcp://"
	SchemeWS  = "ws://"
	SchemeWSS = "wss://"
	SchemeP2P = "p2p+" // prefix of p2p+ws:// and p2p+wss://, dialed by the signaling package
)

var dialers = map[string]DialFunc{
	SchemeTCP: DialTCP,
	SchemeWS:  DialWebSocket,
	SchemeWSS: DialWebSocket,
}

// Register installs a dialer for an address prefix. The signaling package
// registers itself for p2p+ addresses.
func Register(prefix string, dial DialFunc) {
	dialers[prefix] = dial
}

// DialerFor picks the dialer for addr by scheme. Bare host:port is TCP.
func DialerFor(addr string) (DialFunc, error) {
	for _, prefix := range []string{SchemeP2P, SchemeWSS, SchemeWS, SchemeTCP} {
		if !strings.HasPrefix(addr, prefix) {
			continue
		}
		dial, ok := dialers[prefix]
		if !ok {
			return nil, errors.Errorf("no dialer registered for %q", prefix)
		}
		return dial, nil
	}
	if strings.Contains(addr, "://") {
		return nil, errors.Errorf("unsupported address scheme: %s", addr)
	}
	return DialTCP, nil
}

// Open builds an unconnected Conn for addr with the matching dialer.
func Open(addr string) (*Conn, error) {
	dial, err := DialerFor(addr)
	if err != nil {
		return nil, err
	}
	return NewConn(addr, dial), nil
}

// DialTCP connects to host:port, with or without a tcp:// prefix.
func DialTCP(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", strings.TrimPrefix(addr, SchemeTCP))
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return conn, nil
}
