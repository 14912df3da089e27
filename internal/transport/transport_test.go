package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/1ureka/adbwire/internal/adberr"
)

// pipeDialer hands out net.Pipe client ends and keeps the server ends so a
// test can observe which stream a write landed on.
type pipeDialer struct {
	servers []net.Conn
	prepare func(client net.Conn)
}

func (d *pipeDialer) dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	client, server := net.Pipe()
	if d.prepare != nil {
		d.prepare(client)
	}
	d.servers = append(d.servers, server)
	return client, nil
}

func TestOperationsBeforeConnect(t *testing.T) {
	c := NewConn("pipe", (&pipeDialer{}).dial)

	if err := c.WriteAll([]byte("x")); !adberr.Is(err, adberr.NotConnected) {
		t.Errorf("WriteAll before Connect: got %v, want NotConnected", err)
	}
	if _, err := c.ReadExact(4); !adberr.Is(err, adberr.NotConnected) {
		t.Errorf("ReadExact before Connect: got %v, want NotConnected", err)
	}
}

// TestReconnectSupersedesStaleStream verifies that a second Connect shuts
// down the first stream and that writes use only the new one.
func TestReconnectSupersedesStaleStream(t *testing.T) {
	d := &pipeDialer{}
	c := NewConn("pipe", d.dial)
	ctx := context.Background()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if len(d.servers) != 2 {
		t.Fatalf("dial count = %d, want 2", len(d.servers))
	}

	// The stale server end observes the shutdown.
	d.servers[0].SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := d.servers[0].Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("stale stream read: got %v, want io.EOF", err)
	}

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 5)
		io.ReadFull(d.servers[1], buf)
		got <- buf
	}()

	if err := c.WriteAll([]byte("hello")); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	select {
	case b := <-got:
		if string(b) != "hello" {
			t.Errorf("new stream got %q, want hello", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("write did not reach the new stream")
	}
}

func TestReadExactAcrossShortWrites(t *testing.T) {
	d := &pipeDialer{}
	c := NewConn("pipe", d.dial)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	go func() {
		for _, part := range []string{"OK", "A", "Y"} {
			d.servers[0].Write([]byte(part))
		}
	}()

	b, err := c.ReadExact(4)
	if err != nil {
		t.Fatalf("ReadExact: %v", err)
	}
	if string(b) != "OKAY" {
		t.Errorf("ReadExact = %q, want OKAY", b)
	}
}

func TestReadExactPeerClose(t *testing.T) {
	d := &pipeDialer{}
	c := NewConn("pipe", d.dial)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	go func() {
		d.servers[0].Write([]byte("OK"))
		d.servers[0].Close()
	}()

	_, err := c.ReadExact(4)
	if !adberr.Is(err, adberr.PeerClosed) {
		t.Fatalf("ReadExact after peer close: got %v, want PeerClosed", err)
	}
}

func TestReadExactTimeout(t *testing.T) {
	d := &pipeDialer{prepare: func(client net.Conn) {
		client.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	}}
	c := NewConn("pipe", d.dial)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := c.ReadExact(4)
	if !adberr.Is(err, adberr.IO) {
		t.Fatalf("ReadExact timeout: got %v, want IO kind", err)
	}
	var e *adberr.Error
	if !errors.As(err, &e) || !e.Timeout() {
		t.Errorf("expected Timeout() to be true for %v", err)
	}
}

func TestCloseThenNotConnected(t *testing.T) {
	d := &pipeDialer{}
	c := NewConn("pipe", d.dial)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.Connected() {
		t.Error("Connected() = true after Close")
	}
	if err := c.WriteAll([]byte("x")); !adberr.Is(err, adberr.NotConnected) {
		t.Errorf("WriteAll after Close: got %v, want NotConnected", err)
	}
}

func TestDialerFor(t *testing.T) {
	testCases := []struct {
		addr    string
		wantErr bool
	}{
		{"127.0.0.1:5037", false},
		{"tcp://127.0.0.1:5037", false},
		{"ws://bridge.local/adb", false},
		{"wss://bridge.local/adb", false},
		{"udp://127.0.0.1:5037", true},
	}

	for _, tc := range testCases {
		t.Run(tc.addr, func(t *testing.T) {
			_, err := DialerFor(tc.addr)
			if (err != nil) != tc.wantErr {
				t.Errorf("DialerFor(%q) err = %v, wantErr %v", tc.addr, err, tc.wantErr)
			}
		})
	}
}

func TestTCPConnectAndWrite(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	got := make(chan []byte, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 12)
		io.ReadFull(conn, buf)
		got <- buf
	}()

	c, err := Open("tcp://" + l.Addr().String())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.WriteAll([]byte("000chost:ver")); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}

	select {
	case b := <-got:
		if string(b) != "000chost:ver" {
			t.Errorf("server got %q", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive data")
	}
}

// TestWebSocketStream runs the transport over a WebSocket echo bridge; the
// bridge splits replies into several binary messages to check that message
// boundaries are invisible to ReadExact.
func TestWebSocketStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			for _, b := range data {
				conn.WriteMessage(websocket.BinaryMessage, []byte{b})
			}
		}
	}))
	defer srv.Close()

	c, err := Open("ws://" + strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	payload := []byte("CNXN-over-websocket")
	if err := c.WriteAll(payload); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	got, err := c.ReadExact(len(payload))
	if err != nil {
		t.Fatalf("ReadExact: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("echo = %q, want %q", got, payload)
	}
}
