package device

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"encoding/base64"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/1ureka/adbwire/internal/adberr"
	"github.com/1ureka/adbwire/internal/pkglist"
	"github.com/1ureka/adbwire/internal/protocol"
	"github.com/1ureka/adbwire/internal/transport"
)

const (
	deviceMaxPayload = 4096
	deviceBanner     = "device::ro.product.name=sdk;ro.product.model=Pixel 7;features=shell_v2,cmd"
)

// fakeDevice is the device end of a net.Pipe. Failures are reported with
// t.Errorf so it can run on helper goroutines.
type fakeDevice struct {
	t    *testing.T
	conn net.Conn
}

func (f *fakeDevice) read() *protocol.Message {
	hdr := make([]byte, protocol.HeaderSize)
	if _, err := io.ReadFull(f.conn, hdr); err != nil {
		f.t.Errorf("fake device: read header: %v", err)
		return nil
	}
	h, err := protocol.DecodeHeader(hdr)
	if err != nil {
		f.t.Errorf("fake device: %v", err)
		return nil
	}
	payload := make([]byte, h.DataLength)
	if _, err := io.ReadFull(f.conn, payload); err != nil {
		f.t.Errorf("fake device: read payload: %v", err)
		return nil
	}
	if err := h.VerifyPayload(payload); err != nil {
		f.t.Errorf("fake device: %v", err)
		return nil
	}
	return &protocol.Message{Command: h.Command, Arg0: h.Arg0, Arg1: h.Arg1, Payload: payload}
}

func (f *fakeDevice) expect(cmd protocol.Command) *protocol.Message {
	m := f.read()
	if m != nil && m.Command != cmd {
		f.t.Errorf("fake device: got %s, want %s", m, cmd)
		return nil
	}
	return m
}

func (f *fakeDevice) send(cmd protocol.Command, arg0, arg1 uint32, payload []byte) {
	m := &protocol.Message{Command: cmd, Arg0: arg0, Arg1: arg1, Payload: payload}
	if _, err := f.conn.Write(m.Encode()); err != nil {
		f.t.Errorf("fake device: write %s: %v", m, err)
	}
}

// quiet reports whether nothing arrives from the host within d.
func (f *fakeDevice) quiet(d time.Duration) bool {
	f.conn.SetReadDeadline(time.Now().Add(d))
	defer f.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, err := f.conn.Read(make([]byte, 1))
	return err != nil
}

func newPipeDevice(t *testing.T, opts Options) (*Device, *fakeDevice) {
	t.Helper()
	client, server := net.Pipe()
	server.SetDeadline(time.Now().Add(10 * time.Second))
	tr := transport.NewConn("pipe", func(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
		return client, nil
	})
	d := New(tr, opts)
	t.Cleanup(func() {
		d.Close()
		server.Close()
	})
	return d, &fakeDevice{t: t, conn: server}
}

// connect completes a handshake without AUTH.
func connect(t *testing.T) (*Device, *fakeDevice) {
	t.Helper()
	d, f := newPipeDevice(t, Options{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		m := f.expect(protocol.CmdCNXN)
		if m == nil {
			return
		}
		if m.Arg0 != protocol.Version || m.Arg1 != DefaultMaxPayload || string(m.Payload) != DefaultBanner+"\x00" {
			t.Errorf("CNXN = %s %q", m, m.Payload)
		}
		f.send(protocol.CmdCNXN, protocol.Version, deviceMaxPayload, []byte(deviceBanner))
	}()
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-done
	return d, f
}

func openSession(t *testing.T, d *Device, f *fakeDevice, dest string, remote uint32) *Session {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m := f.expect(protocol.CmdOPEN)
		if m == nil {
			return
		}
		if string(m.Payload) != dest+"\x00" {
			t.Errorf("OPEN payload = %q", m.Payload)
		}
		f.send(protocol.CmdOKAY, remote, m.Arg0, nil)
	}()
	s, err := d.OpenSession(context.Background(), dest)
	<-done
	if err != nil {
		t.Fatalf("OpenSession(%q): %v", dest, err)
	}
	if s.State() != Open || s.RemoteID() != remote {
		t.Fatalf("session %d state %s remote %d", s.LocalID(), s.State(), s.RemoteID())
	}
	return s
}

func within(t *testing.T, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s hung", what)
	}
}

func TestHandshake(t *testing.T) {
	d, _ := connect(t)

	if got := d.MaxPayload(); got != deviceMaxPayload {
		t.Errorf("MaxPayload = %d, want %d", got, deviceMaxPayload)
	}
	b := d.Banner()
	if b.Kind != "device" || b.Properties["ro.product.model"] != "Pixel 7" || len(b.Features) != 2 {
		t.Errorf("banner = %+v", b)
	}
}

func TestHandshakeAuth(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	d, f := newPipeDevice(t, Options{Key: key})
	token := bytes.Repeat([]byte{0x42}, 20)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if f.expect(protocol.CmdCNXN) == nil {
			return
		}
		f.send(protocol.CmdAUTH, protocol.AuthToken, 0, token)

		sig := f.expect(protocol.CmdAUTH)
		if sig == nil || sig.Arg0 != protocol.AuthSignature {
			t.Errorf("expected AUTH signature, got %v", sig)
			return
		}
		if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA1, token, sig.Payload); err != nil {
			t.Errorf("signature does not verify: %v", err)
		}
		// Pretend the key is unknown.
		f.send(protocol.CmdAUTH, protocol.AuthToken, 0, token)

		pub := f.expect(protocol.CmdAUTH)
		if pub == nil || pub.Arg0 != protocol.AuthRSAPublicKey {
			t.Errorf("expected AUTH public key, got %v", pub)
			return
		}
		if !bytes.HasSuffix(pub.Payload, []byte{0}) {
			t.Error("public key payload is not NUL-terminated")
		}
		f.send(protocol.CmdCNXN, protocol.Version, 1<<20, []byte(deviceBanner))
	}()

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-done
	if d.MaxPayload() != DefaultMaxPayload {
		t.Errorf("MaxPayload = %d, want ours (%d)", d.MaxPayload(), DefaultMaxPayload)
	}
}

func TestHandshakeAuthWithoutKey(t *testing.T) {
	d, f := newPipeDevice(t, Options{})
	go func() {
		if f.expect(protocol.CmdCNXN) != nil {
			f.send(protocol.CmdAUTH, protocol.AuthToken, 0, make([]byte, 20))
		}
	}()

	err := d.Connect(context.Background())
	if !adberr.Is(err, adberr.RequestFailed) {
		t.Fatalf("err = %v, want RequestFailed", err)
	}
}

// TestOpenSessionRejected checks that a CLSE answer to OPEN leaves a Closed
// session whose writes fail with PeerClosed instead of hanging.
func TestOpenSessionRejected(t *testing.T) {
	d, f := connect(t)
	go func() {
		if m := f.expect(protocol.CmdOPEN); m != nil {
			f.send(protocol.CmdCLSE, 0, m.Arg0, nil)
		}
	}()

	s, err := d.OpenSession(context.Background(), "bogus:")
	if !adberr.Is(err, adberr.RequestFailed) {
		t.Fatalf("err = %v, want RequestFailed", err)
	}
	if s == nil {
		t.Fatal("rejected OpenSession returned a nil session")
	}
	if s.State() != Closed {
		t.Errorf("state = %s, want closed", s.State())
	}

	within(t, "write on rejected session", func() {
		if _, err := s.Write([]byte("x")); !adberr.Is(err, adberr.PeerClosed) {
			t.Errorf("write err = %v, want PeerClosed", err)
		}
	})
}

// TestWriteSplitsIntoWRTEFrames checks that a large write becomes several
// WRTE messages, each sent only after the previous OKAY.
func TestWriteSplitsIntoWRTEFrames(t *testing.T) {
	d, f := connect(t)
	s := openSession(t, d, f, "shell:cat > /dev/null", 99)

	data := make([]byte, 2*deviceMaxPayload+1808)
	for i := range data {
		data[i] = byte(i * 7)
	}

	type result struct {
		got    []byte
		chunks int
	}
	results := make(chan result, 1)
	go func() {
		var r result
		for len(r.got) < len(data) {
			m := f.expect(protocol.CmdWRTE)
			if m == nil {
				break
			}
			if len(m.Payload) > deviceMaxPayload {
				t.Errorf("WRTE of %d bytes exceeds %d", len(m.Payload), deviceMaxPayload)
			}
			if m.Arg0 != s.LocalID() || m.Arg1 != 99 {
				t.Errorf("WRTE ids (%d, %d)", m.Arg0, m.Arg1)
			}
			r.got = append(r.got, m.Payload...)
			r.chunks++
			if !f.quiet(50 * time.Millisecond) {
				t.Error("next WRTE sent before OKAY")
			}
			f.send(protocol.CmdOKAY, 99, s.LocalID(), nil)
		}
		results <- r
	}()

	n, err := s.Write(data)
	if err != nil || n != len(data) {
		t.Fatalf("Write = %d, %v", n, err)
	}
	r := <-results
	if r.chunks != 3 {
		t.Errorf("chunks = %d, want 3", r.chunks)
	}
	if !bytes.Equal(r.got, data) {
		t.Error("reassembled bytes differ from input")
	}
}

func TestWriteFailsOnCloseWhileAwaitingOkay(t *testing.T) {
	d, f := connect(t)
	s := openSession(t, d, f, "shell:", 5)

	go func() {
		if f.expect(protocol.CmdWRTE) != nil {
			f.send(protocol.CmdCLSE, 5, s.LocalID(), nil)
		}
	}()

	within(t, "write", func() {
		if _, err := s.Write([]byte("hello")); !adberr.Is(err, adberr.PeerClosed) {
			t.Errorf("err = %v, want PeerClosed", err)
		}
	})
	if s.State() != Closed {
		t.Errorf("state = %s", s.State())
	}
}

// TestReadAcknowledgesEachWRTE checks ordering and that every consumed WRTE
// is answered with OKAY.
func TestReadAcknowledgesEachWRTE(t *testing.T) {
	d, f := connect(t)
	s := openSession(t, d, f, "shell:echo", 42)

	go func() {
		for _, part := range []string{"hello ", "", "world"} {
			f.send(protocol.CmdWRTE, 42, s.LocalID(), []byte(part))
			m := f.expect(protocol.CmdOKAY)
			if m == nil {
				return
			}
			if m.Arg0 != s.LocalID() || m.Arg1 != 42 {
				t.Errorf("OKAY ids (%d, %d)", m.Arg0, m.Arg1)
			}
		}
		f.send(protocol.CmdCLSE, 42, s.LocalID(), nil)
	}()

	var out []byte
	within(t, "ReadAll", func() {
		var err error
		out, err = s.ReadAll()
		if err != nil {
			t.Errorf("ReadAll: %v", err)
		}
	})
	if string(out) != "hello world" {
		t.Errorf("out = %q", out)
	}
}

// TestBadChecksumIsFatal checks that one corrupt message fails every
// session and the device, not just the addressed session.
func TestBadChecksumIsFatal(t *testing.T) {
	d, f := connect(t)
	s1 := openSession(t, d, f, "shell:a", 10)
	s2 := openSession(t, d, f, "shell:b", 11)

	bad := (&protocol.Message{Command: protocol.CmdWRTE, Arg0: 10, Arg1: s1.LocalID(), Payload: []byte("data")}).Encode()
	bad[protocol.HeaderSize] ^= 0xFF
	go f.conn.Write(bad)

	for _, s := range []*Session{s1, s2} {
		within(t, "read after corruption", func() {
			_, err := s.Read(make([]byte, 8))
			if !adberr.Is(err, adberr.ProtocolViolation) {
				t.Errorf("session %d read err = %v, want ProtocolViolation", s.LocalID(), err)
			}
		})
		if s.State() != Closed {
			t.Errorf("session %d state = %s", s.LocalID(), s.State())
		}
	}
	if !adberr.Is(d.Err(), adberr.ProtocolViolation) {
		t.Errorf("device err = %v", d.Err())
	}
	if _, err := d.OpenSession(context.Background(), "shell:c"); !adberr.Is(err, adberr.ProtocolViolation) {
		t.Errorf("OpenSession after fatal error = %v", err)
	}
}

func TestStrayWRTEAnsweredWithCLSE(t *testing.T) {
	_, f := connect(t)

	f.send(protocol.CmdWRTE, 5, 777, []byte("late"))
	m := f.expect(protocol.CmdCLSE)
	if m != nil && (m.Arg0 != 777 || m.Arg1 != 5) {
		t.Errorf("CLSE ids (%d, %d), want (777, 5)", m.Arg0, m.Arg1)
	}
}

// TestWRTEFromWrongRemoteRefused checks that a WRTE naming another remote
// id is answered with CLSE and leaves the session open.
func TestWRTEFromWrongRemoteRefused(t *testing.T) {
	d, f := connect(t)
	s := openSession(t, d, f, "shell:", 42)

	f.send(protocol.CmdWRTE, 99, s.LocalID(), []byte("misrouted"))
	m := f.expect(protocol.CmdCLSE)
	if m != nil && (m.Arg0 != s.LocalID() || m.Arg1 != 99) {
		t.Errorf("CLSE ids (%d, %d), want (%d, 99)", m.Arg0, m.Arg1, s.LocalID())
	}
	if s.State() != Open {
		t.Errorf("state = %s, want open", s.State())
	}
}

func TestDeviceOpenRefused(t *testing.T) {
	_, f := connect(t)

	f.send(protocol.CmdOPEN, 7, 0, []byte("reverse:forward\x00"))
	m := f.expect(protocol.CmdCLSE)
	if m != nil && (m.Arg0 != 0 || m.Arg1 != 7) {
		t.Errorf("CLSE ids (%d, %d), want (0, 7)", m.Arg0, m.Arg1)
	}
}

func TestLocalCloseUnblocksReader(t *testing.T) {
	d, f := connect(t)
	s := openSession(t, d, f, "shell:sleep 100", 3)

	errc := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, 16))
		errc <- err
	}()

	closed := make(chan *protocol.Message, 1)
	go func() { closed <- f.expect(protocol.CmdCLSE) }()

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.State() != Closed {
		t.Errorf("state = %s right after Close", s.State())
	}
	select {
	case err := <-errc:
		if !adberr.Is(err, adberr.SessionClosed) {
			t.Errorf("read err = %v, want SessionClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reader still blocked after Close")
	}
	if m := <-closed; m != nil && (m.Arg0 != s.LocalID() || m.Arg1 != 3) {
		t.Errorf("CLSE ids (%d, %d)", m.Arg0, m.Arg1)
	}
}

func TestConnectRefusedWhileSessionOpen(t *testing.T) {
	d, f := connect(t)
	openSession(t, d, f, "shell:", 1)

	if err := d.Connect(context.Background()); !errors.Is(err, ErrSessionsOpen) {
		t.Fatalf("err = %v, want ErrSessionsOpen", err)
	}
}

// TestReconnectDialFailure checks that a failed redial still shuts the
// previous stream and its reader down.
func TestReconnectDialFailure(t *testing.T) {
	client, server := net.Pipe()
	server.SetDeadline(time.Now().Add(10 * time.Second))
	dials := 0
	tr := transport.NewConn("pipe", func(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
		dials++
		if dials > 1 {
			return nil, errors.New("connection refused")
		}
		return client, nil
	})
	d := New(tr, Options{})
	t.Cleanup(func() {
		d.Close()
		server.Close()
	})
	f := &fakeDevice{t: t, conn: server}

	go func() {
		if f.expect(protocol.CmdCNXN) != nil {
			f.send(protocol.CmdCNXN, protocol.Version, deviceMaxPayload, []byte(deviceBanner))
		}
	}()
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	within(t, "reconnect", func() {
		if err := d.Connect(context.Background()); err == nil {
			t.Error("reconnect succeeded with a failing dialer")
		}
	})
	if _, err := server.Read(make([]byte, 1)); err == nil {
		t.Error("stale stream still open after failed reconnect")
	}
	if _, err := d.OpenSession(context.Background(), "shell:"); !adberr.Is(err, adberr.NotConnected) {
		t.Errorf("err = %v, want NotConnected", err)
	}
}

func TestOperationsBeforeConnect(t *testing.T) {
	d, _ := newPipeDevice(t, Options{})
	if _, err := d.OpenSession(context.Background(), "shell:"); !adberr.Is(err, adberr.NotConnected) {
		t.Errorf("err = %v, want NotConnected", err)
	}
}

func TestExec(t *testing.T) {
	d, f := connect(t)
	go func() {
		m := f.expect(protocol.CmdOPEN)
		if m == nil {
			return
		}
		if string(m.Payload) != "exec:echo hi\x00" {
			t.Errorf("OPEN %q", m.Payload)
		}
		f.send(protocol.CmdOKAY, 8, m.Arg0, nil)
		f.send(protocol.CmdWRTE, 8, m.Arg0, []byte("hi\n"))
		f.expect(protocol.CmdOKAY)
		f.send(protocol.CmdCLSE, 8, m.Arg0, nil)
	}()

	var out []byte
	within(t, "Exec", func() {
		var err error
		if out, err = d.Exec(context.Background(), "echo hi"); err != nil {
			t.Errorf("Exec: %v", err)
		}
	})
	if string(out) != "hi\n" {
		t.Errorf("out = %q", out)
	}
}

// TestListPackagesResolveFailure checks that a rejected user lookup fails
// the listing and no package command is opened.
func TestListPackagesResolveFailure(t *testing.T) {
	d, f := connect(t)
	go func() {
		if m := f.expect(protocol.CmdOPEN); m != nil {
			if !strings.HasPrefix(string(m.Payload), "exec:am get-current-user") {
				t.Errorf("first OPEN %q", m.Payload)
			}
			f.send(protocol.CmdCLSE, 0, m.Arg0, nil)
		}
	}()

	_, err := d.ListPackages(context.Background(), pkglist.Type{User: pkglist.CurrentUser()})
	if !adberr.Is(err, adberr.RequestFailed) {
		t.Fatalf("err = %v, want RequestFailed", err)
	}
	if !f.quiet(100 * time.Millisecond) {
		t.Error("package command sent after resolve failure")
	}
}

func TestIDsSkipZeroAndRouted(t *testing.T) {
	g := idGen{last: 0xFFFFFFFE}
	busy := map[uint32]bool{1: true, 2: true}
	inUse := func(id uint32) bool { return busy[id] }

	if id := g.next(inUse); id != 0xFFFFFFFF {
		t.Errorf("id = %d", id)
	}
	if id := g.next(inUse); id != 3 {
		t.Errorf("after wrap id = %d, want 3", id)
	}
}

func TestEncodePublicKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	out, err := EncodePublicKey(&key.PublicKey, "me@box")
	if err != nil {
		t.Fatal(err)
	}

	text := strings.TrimSuffix(string(out), "\x00")
	b64, comment, _ := strings.Cut(text, " ")
	if comment != "me@box" {
		t.Errorf("comment = %q", comment)
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 4*(3+2*modulusWords) {
		t.Fatalf("key blob is %d bytes", len(raw))
	}
	word := func(i int) uint32 { return protocol.Uint32(raw, 4*i) }
	if word(0) != modulusWords {
		t.Errorf("len word = %d", word(0))
	}
	if word(2+modulusWords+modulusWords) != uint32(key.PublicKey.E) {
		t.Errorf("exponent word = %d", word(2+2*modulusWords))
	}
	n0 := word(2)
	if n0 != uint32(key.PublicKey.N.Uint64()) {
		t.Error("modulus is not little-endian")
	}
	if n0*word(1) != 0xFFFFFFFF {
		t.Errorf("n0inv is not -1/n0 mod 2^32")
	}
}

func TestKeyRoundTrip(t *testing.T) {
	path := t.TempDir() + "/adbkey"
	key, err := LoadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("LoadOrGenerateKey: %v", err)
	}
	again, err := LoadKey(path)
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if !key.Equal(again) {
		t.Error("reloaded key differs")
	}
	if _, err := SignToken(key, []byte("short")); !adberr.Is(err, adberr.ProtocolViolation) {
		t.Errorf("short token err = %v", err)
	}
}

func TestParseBanner(t *testing.T) {
	b := ParseBanner(deviceBanner + "\x00")
	if b.Kind != "device" || b.Properties["ro.product.name"] != "sdk" || b.String() != "device Pixel 7" {
		t.Errorf("banner = %+v", b)
	}
	if b := ParseBanner("recovery::"); b.Kind != "recovery" || b.String() != "recovery" {
		t.Errorf("banner = %+v", b)
	}
}
