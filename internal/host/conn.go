// Package host speaks the ADB host protocol to a local ADB server: 4-hex-digit
// length-prefixed requests answered by OKAY or FAIL.
package host

import (
	"context"
	"encoding/binary"
	"io"
	"unicode/utf8"

	"github.com/1ureka/adbwire/internal/adberr"
	"github.com/1ureka/adbwire/internal/protocol"
	"github.com/1ureka/adbwire/internal/transport"
	"github.com/1ureka/adbwire/internal/util"
)

// MaxBodyLength bounds any length field read from the server. A larger value
// is treated as a lying header, not an allocation request.
const MaxBodyLength = 16 * 1024 * 1024

// Conn is one logical connection to the ADB server. Requests and responses
// strictly alternate. A Conn never retries; after a failed read or write the
// caller decides whether to Connect again.
type Conn struct {
	t transport.Transport
}

// NewConn wraps an (unconnected) transport.
func NewConn(t transport.Transport) *Conn {
	return &Conn{t: t}
}

// Dial builds an unconnected Conn for addr. The first request with fresh set
// establishes the stream.
func Dial(addr string) (*Conn, error) {
	t, err := transport.Open(addr)
	if err != nil {
		return nil, err
	}
	return NewConn(t), nil
}

// Connect (re)establishes the underlying stream.
func (c *Conn) Connect(ctx context.Context) error {
	return c.t.Connect(ctx)
}

// SendRequest writes verb and interprets the status. OKAY returns without
// reading a body; FAIL returns a RequestFailed error carrying the server's
// diagnostic. With fresh set the connection is re-established first.
func (c *Conn) SendRequest(ctx context.Context, verb string, fresh bool) error {
	if fresh {
		if err := c.Connect(ctx); err != nil {
			return err
		}
	}

	req, err := protocol.EncodeRequest(verb)
	if err != nil {
		return err
	}
	util.LogFrame(">>", "host", req)
	if err := c.t.WriteAll(req); err != nil {
		return adberr.Wrap(err, "send %q", verb)
	}

	raw, err := c.t.ReadExact(protocol.LengthSize)
	if err != nil {
		return adberr.Wrap(err, "read status for %q", verb)
	}
	status, err := protocol.ParseStatus(raw)
	if err != nil {
		return err
	}
	if status == protocol.Okay {
		return nil
	}

	body, err := c.ReadBody(true)
	if err != nil {
		return adberr.Wrap(err, "read failure message for %q", verb)
	}
	if !utf8.Valid(body) {
		return adberr.Conversionf(nil, "failure message for %q is not valid UTF-8", verb)
	}
	util.LogDebug("server rejected %q: %s", verb, body)
	return adberr.Failed(string(body))
}

// ReadBody reads a length field, as 4 ASCII hex digits when hexLength is set
// or as a little-endian uint32 otherwise, then exactly that many bytes.
func (c *Conn) ReadBody(hexLength bool) ([]byte, error) {
	raw, err := c.t.ReadExact(protocol.LengthSize)
	if err != nil {
		return nil, err
	}

	var n int
	if hexLength {
		if n, err = protocol.ParseHexLength(raw); err != nil {
			return nil, err
		}
	} else {
		v := binary.LittleEndian.Uint32(raw)
		if v > MaxBodyLength {
			return nil, adberr.Protocolf("body length %d exceeds %d", v, MaxBodyLength)
		}
		n = int(v)
	}

	if n == 0 {
		return []byte{}, nil
	}
	return c.t.ReadExact(n)
}

// ReadAll reads until the server closes the stream. Used for shell: and
// exec: output, which carries no length.
func (c *Conn) ReadAll() ([]byte, error) {
	if r, ok := c.t.(io.Reader); ok {
		out, err := io.ReadAll(r)
		if err != nil {
			return out, adberr.Wrap(err, "read stream")
		}
		return out, nil
	}

	var out []byte
	for {
		b, err := c.t.ReadExact(1)
		if adberr.Is(err, adberr.PeerClosed) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, b[0])
	}
}

// Request sends verb and, when withBody is set, reads a hex-length body.
func (c *Conn) Request(ctx context.Context, verb string, fresh, withBody bool) ([]byte, error) {
	if err := c.SendRequest(ctx, verb, fresh); err != nil {
		return nil, err
	}
	if !withBody {
		return nil, nil
	}
	return c.ReadBody(true)
}

// WriteAll and ReadExact expose the raw stream once the connection has
// switched into sync mode.
func (c *Conn) WriteAll(p []byte) error { return c.t.WriteAll(p) }

func (c *Conn) ReadExact(n int) ([]byte, error) { return c.t.ReadExact(n) }

// Close shuts down the underlying stream.
func (c *Conn) Close() error {
	return c.t.Close()
}
