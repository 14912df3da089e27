// Package device speaks the ADB message protocol straight to a device
// endpoint. One reader goroutine validates every inbound message and routes
// it to the session it belongs to; writes to the shared transport are
// serialized.
package device

import (
	"context"
	"crypto/rsa"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/1ureka/adbwire/internal/adberr"
	"github.com/1ureka/adbwire/internal/protocol"
	"github.com/1ureka/adbwire/internal/transport"
	"github.com/1ureka/adbwire/internal/util"
)

// Tuning constants.
const (
	DefaultMaxPayload = 256 * 1024
	DefaultBanner     = "host::adbwire"
	inboxBufferSize   = 64 // per-session WRTE queue
)

// ErrSessionsOpen is returned by Connect while sessions still use the
// current transport.
var ErrSessionsOpen = errors.New("device: sessions still open on this connection")

// Options configures the handshake.
type Options struct {
	MaxPayload uint32          // largest payload we accept; 0 means DefaultMaxPayload
	Banner     string          // our CNXN identity; "" means DefaultBanner
	Key        *rsa.PrivateKey // answers AUTH; nil fails any AUTH challenge
}

// Device is one message-protocol connection.
type Device struct {
	t    transport.Transport
	opts Options

	wmu sync.Mutex // one message on the wire at a time

	mu         sync.Mutex
	routes     map[uint32]*Session
	ids        idGen
	link       *link
	err        error // fatal error of the current link
	maxPayload uint32
	banner     Banner
}

// link is the lifetime of one connected transport and its reader.
type link struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New wraps an unconnected transport.
func New(t transport.Transport, opts Options) *Device {
	if opts.MaxPayload == 0 {
		opts.MaxPayload = DefaultMaxPayload
	}
	if opts.Banner == "" {
		opts.Banner = DefaultBanner
	}
	return &Device{
		t:      t,
		opts:   opts,
		routes: make(map[uint32]*Session),
	}
}

// Connect (re)establishes the transport and runs the CNXN/AUTH handshake.
// It refuses while any session is still opening or open.
func (d *Device) Connect(ctx context.Context) error {
	d.mu.Lock()
	for _, s := range d.routes {
		if st := s.State(); st == Opening || st == Open {
			d.mu.Unlock()
			return ErrSessionsOpen
		}
	}
	old := d.link
	d.link = nil
	d.mu.Unlock()

	if old != nil {
		old.cancel()
	}
	if err := d.t.Connect(ctx); err != nil {
		if old != nil {
			// The stale stream is still live; shut it to release the old reader.
			d.t.Close()
			<-old.done
		}
		return err
	}
	if old != nil {
		<-old.done
	}

	maxPayload, banner, err := d.handshake(ctx)
	if err != nil {
		d.t.Close()
		return err
	}

	lctx, cancel := context.WithCancel(context.Background())
	l := &link{ctx: lctx, cancel: cancel, done: make(chan struct{})}

	d.mu.Lock()
	d.link = l
	d.err = nil
	d.maxPayload = maxPayload
	d.banner = banner
	d.mu.Unlock()

	util.LogDebug("connected to %s (max payload %d)", banner, maxPayload)
	go d.readLoop(l)
	return nil
}

// handshake sends CNXN and answers AUTH until the device's CNXN arrives.
// Cancelling ctx shuts the transport down to unblock the read.
func (d *Device) handshake(ctx context.Context) (uint32, Banner, error) {
	stop := context.AfterFunc(ctx, func() { d.t.Close() })
	defer stop()

	if err := d.writeMessage(&protocol.Message{
		Command: protocol.CmdCNXN,
		Arg0:    protocol.Version,
		Arg1:    d.opts.MaxPayload,
		Payload: append([]byte(d.opts.Banner), 0),
	}); err != nil {
		return 0, Banner{}, err
	}

	sentSignature, sentPublicKey := false, false
	for {
		m, err := d.readMessage()
		if err != nil {
			if ctx.Err() != nil {
				return 0, Banner{}, errors.Wrap(ctx.Err(), "handshake")
			}
			return 0, Banner{}, err
		}

		switch m.Command {
		case protocol.CmdCNXN:
			if m.Arg1 == 0 {
				return 0, Banner{}, adberr.Protocolf("device advertised max payload 0")
			}
			return min(d.opts.MaxPayload, m.Arg1), ParseBanner(string(m.Payload)), nil

		case protocol.CmdAUTH:
			if m.Arg0 != protocol.AuthToken {
				return 0, Banner{}, adberr.Protocolf("unexpected AUTH type %d", m.Arg0)
			}
			if d.opts.Key == nil {
				return 0, Banner{}, adberr.Failed("device requires authentication and no key is configured")
			}
			switch {
			case !sentSignature:
				sig, err := SignToken(d.opts.Key, m.Payload)
				if err != nil {
					return 0, Banner{}, err
				}
				util.LogDebug("answering AUTH token with signature")
				err = d.writeMessage(&protocol.Message{Command: protocol.CmdAUTH, Arg0: protocol.AuthSignature, Payload: sig})
				if err != nil {
					return 0, Banner{}, err
				}
				sentSignature = true
			case !sentPublicKey:
				pub, err := EncodePublicKey(&d.opts.Key.PublicKey, keyComment())
				if err != nil {
					return 0, Banner{}, err
				}
				util.LogInfo("signature rejected, sending public key; accept the prompt on the device")
				err = d.writeMessage(&protocol.Message{Command: protocol.CmdAUTH, Arg0: protocol.AuthRSAPublicKey, Payload: pub})
				if err != nil {
					return 0, Banner{}, err
				}
				sentPublicKey = true
			default:
				return 0, Banner{}, adberr.Failed("device rejected our public key")
			}

		default:
			return 0, Banner{}, adberr.Protocolf("unexpected %s during handshake", m.Command)
		}
	}
}

// MaxPayload is the effective payload limit: min(ours, device's).
func (d *Device) MaxPayload() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxPayload
}

// Banner is the identity the device sent in its CNXN.
func (d *Device) Banner() Banner {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.banner
}

// Err returns the fatal error that ended the current connection, if any.
func (d *Device) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Close fails every session and shuts down the transport.
func (d *Device) Close() error {
	d.mu.Lock()
	l := d.link
	d.link = nil
	d.mu.Unlock()

	d.failAll(adberr.SessionClosedf("device connection closed"))
	if l != nil {
		l.cancel()
	}
	err := d.t.Close()
	if l != nil {
		<-l.done
	}
	return err
}

func (d *Device) writeMessage(m *protocol.Message) error {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	util.LogFrame(">>", m.String(), m.Payload)
	return d.t.WriteAll(m.Encode())
}

// readMessage reads one message and validates magic, length and checksum
// before anything looks at it.
func (d *Device) readMessage() (*protocol.Message, error) {
	raw, err := d.t.ReadExact(protocol.HeaderSize)
	if err != nil {
		return nil, err
	}
	h, err := protocol.DecodeHeader(raw)
	if err != nil {
		return nil, err
	}
	payload, err := d.t.ReadExact(int(h.DataLength))
	if err != nil {
		return nil, err
	}
	if err := h.VerifyPayload(payload); err != nil {
		return nil, err
	}
	m := &protocol.Message{Command: h.Command, Arg0: h.Arg0, Arg1: h.Arg1, Payload: payload}
	util.LogFrame("<<", m.String(), payload)
	return m, nil
}

func (d *Device) readLoop(l *link) {
	defer close(l.done)
	for {
		m, err := d.readMessage()
		if err == nil {
			err = d.dispatch(m)
		}
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			util.LogDebug("reader stopped: %v", err)
			d.fatal(l, err)
			return
		}
	}
}

// fatal records err for link l, fails every session and drops the
// transport. Alignment with the peer is unknown after a framing error, so
// nothing survives it.
func (d *Device) fatal(l *link, err error) {
	d.mu.Lock()
	if d.link != l {
		d.mu.Unlock()
		return
	}
	d.link = nil
	d.err = err
	d.mu.Unlock()

	l.cancel()
	d.failAll(err)
	d.t.Close()
}

func (d *Device) failAll(err error) {
	d.mu.Lock()
	sessions := make([]*Session, 0, len(d.routes))
	for _, s := range d.routes {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()

	for _, s := range sessions {
		s.finish(err)
	}
}

func (d *Device) dispatch(m *protocol.Message) error {
	switch m.Command {
	case protocol.CmdOKAY, protocol.CmdWRTE, protocol.CmdCLSE:
		s := d.lookup(m.Arg1)
		if s == nil {
			util.LogDebug("dropping %s for retired session %d", m, m.Arg1)
			if m.Command == protocol.CmdWRTE {
				return d.writeMessage(&protocol.Message{Command: protocol.CmdCLSE, Arg0: m.Arg1, Arg1: m.Arg0})
			}
			return nil
		}
		s.deliver(m)
		return nil

	case protocol.CmdOPEN:
		// Device-initiated streams (reverse forwarding) are not served.
		util.LogDebug("refusing device OPEN %q", strings.TrimRight(string(m.Payload), "\x00"))
		return d.writeMessage(&protocol.Message{Command: protocol.CmdCLSE, Arg0: 0, Arg1: m.Arg0})

	case protocol.CmdCNXN:
		return adberr.PeerClosedf(nil, "device restarted the connection")

	default:
		util.LogDebug("ignoring %s", m)
		return nil
	}
}

// OpenSession opens a stream to destination (e.g. "shell:ls", "sync:") and
// blocks for the device's first answer. On rejection the returned session
// is non-nil and already Closed, and the error is a RequestFailed.
func (d *Device) OpenSession(ctx context.Context, destination string) (*Session, error) {
	d.mu.Lock()
	if d.link == nil {
		err := d.err
		d.mu.Unlock()
		if err != nil {
			return nil, errors.Wrap(err, "device connection failed")
		}
		return nil, adberr.NotConnectedf("device not connected")
	}
	id := d.ids.next(func(id uint32) bool { _, busy := d.routes[id]; return busy })
	s := newSession(d, id, destination)
	d.routes[id] = s
	d.mu.Unlock()

	err := d.writeMessage(&protocol.Message{
		Command: protocol.CmdOPEN,
		Arg0:    id,
		Payload: append([]byte(destination), 0),
	})
	if err != nil {
		s.finish(err)
		return s, err
	}

	select {
	case <-s.opened:
	case <-ctx.Done():
		s.Close()
		return s, errors.Wrapf(ctx.Err(), "open %q", destination)
	}

	if s.State() == Open {
		util.LogDebug("[%d→%d] opened %q", s.localID, s.RemoteID(), destination)
		return s, nil
	}
	if s.rejected {
		return s, adberr.Failed(fmt.Sprintf("device refused to open %q", destination))
	}
	return s, s.closeErr()
}

func (d *Device) lookup(id uint32) *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.routes[id]
}

func (d *Device) unregister(id uint32) {
	d.mu.Lock()
	delete(d.routes, id)
	d.mu.Unlock()
}
