// Package transport provides the byte-stream connections the ADB protocols
// run over: plain TCP, WebSocket bridges and WebRTC DataChannels.
package transport

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/1ureka/adbwire/internal/adberr"
	"github.com/1ureka/adbwire/internal/util"
)

// Transport is the byte-stream contract both protocol engines consume.
// A USB implementation only needs to satisfy this interface.
type Transport interface {
	// Connect establishes a fresh stream, shutting down any prior one.
	Connect(ctx context.Context) error
	// WriteAll writes the whole buffer or fails; partial success is never reported.
	WriteAll(p []byte) error
	// ReadExact blocks until exactly n bytes are available or fails.
	ReadExact(n int) ([]byte, error)
	// Close shuts down the live stream, if any.
	Close() error
}

// DialFunc opens one byte stream to addr.
type DialFunc func(ctx context.Context, addr string) (io.ReadWriteCloser, error)

// Conn is a Transport over streams produced by a DialFunc. It is owned by
// exactly one protocol connection and performs no buffering of its own.
type Conn struct {
	addr string
	dial DialFunc

	mu sync.Mutex
	rw io.ReadWriteCloser
}

var _ Transport = (*Conn)(nil)

// NewConn creates an unconnected transport. Call Connect before use.
func NewConn(addr string, dial DialFunc) *Conn {
	return &Conn{addr: addr, dial: dial}
}

// Addr returns the address passed at construction.
func (c *Conn) Addr() string {
	return c.addr
}

// Connected reports whether a live stream is held.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rw != nil
}

// Connect dials a new stream and then shuts down the one it supersedes.
// On dial failure the previous stream is left untouched.
func (c *Conn) Connect(ctx context.Context) error {
	rw, err := c.dial(ctx, c.addr)
	if err != nil {
		return adberr.Wrap(err, "failed to connect to %s", c.addr)
	}

	c.mu.Lock()
	stale := c.rw
	c.rw = rw
	c.mu.Unlock()

	if stale != nil {
		util.LogDebug("replacing stream to %s", c.addr)
		stale.Close()
	}
	return nil
}

func (c *Conn) stream() (io.ReadWriteCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rw == nil {
		return nil, adberr.NotConnectedf("no live stream to %s", c.addr)
	}
	return c.rw, nil
}

// WriteAll writes p in full.
func (c *Conn) WriteAll(p []byte) error {
	rw, err := c.stream()
	if err != nil {
		return err
	}

	for written := 0; written < len(p); {
		n, err := rw.Write(p[written:])
		written += n
		util.Stats.AddSent(n)
		if err != nil {
			return classify(err, "write to %s", c.addr)
		}
		if n == 0 {
			return classify(io.ErrShortWrite, "write to %s", c.addr)
		}
	}
	return nil
}

// ReadExact reads exactly n bytes, hiding however many underlying reads
// that takes.
func (c *Conn) ReadExact(n int) ([]byte, error) {
	rw, err := c.stream()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	got, err := io.ReadFull(rw, buf)
	util.Stats.AddRecv(got)
	if err != nil {
		return nil, classify(err, "read %d/%d bytes from %s", got, n, c.addr)
	}
	return buf, nil
}

// Read performs a single read on the live stream, for streams whose end is
// marked only by the peer closing. io.EOF is returned as is so the stream can
// be drained with io.ReadAll.
func (c *Conn) Read(p []byte) (int, error) {
	rw, err := c.stream()
	if err != nil {
		return 0, err
	}
	n, err := rw.Read(p)
	util.Stats.AddRecv(n)
	if err != nil && err != io.EOF {
		return n, classify(err, "read from %s", c.addr)
	}
	return n, err
}

// Close shuts down the live stream. Later operations fail with NotConnected
// until Connect is called again.
func (c *Conn) Close() error {
	c.mu.Lock()
	rw := c.rw
	c.rw = nil
	c.mu.Unlock()

	if rw == nil {
		return nil
	}
	return rw.Close()
}

// classify maps stream errors onto engine kinds: a peer close is reported
// distinctly from timeouts and other socket failures.
func classify(err error, format string, args ...interface{}) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return adberr.PeerClosedf(err, format, args...)
	}
	return adberr.Wrap(err, format, args...)
}
