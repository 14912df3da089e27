package signaling

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/adbwire/internal/transport"
)

func startServer(t *testing.T, pin string) (*server, string) {
	t.Helper()
	srv := newServer(pin)
	addr, err := srv.start("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.close)
	return srv, "ws://" + addr.String() + Path
}

func TestServerRejectsWrongPIN(t *testing.T) {
	_, url := startServer(t, "1234")

	_, resp, err := websocket.DefaultDialer.Dial(url+"?pin=0000", nil)
	if err == nil {
		t.Fatal("expected dial with wrong PIN to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}
}

func TestServerAcceptsOnlyFirstClient(t *testing.T) {
	srv, url := startServer(t, "1234")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := connect(ctx, url+"?pin=1234")
	if err != nil {
		t.Fatalf("first client: %v", err)
	}
	defer first.Close()

	conn, err := srv.waitForClient(ctx)
	if err != nil {
		t.Fatalf("waitForClient: %v", err)
	}
	defer conn.Close()

	second, err := connect(ctx, url+"?pin=1234")
	if err != nil {
		t.Fatalf("second client dial: %v", err)
	}
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = second.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("second client read = %v, want policy violation close", err)
	}
}

func TestWaitForClientHonorsContext(t *testing.T) {
	srv, _ := startServer(t, "1")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := srv.waitForClient(ctx); err != context.DeadlineExceeded {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestGeneratePIN(t *testing.T) {
	pin := GeneratePIN(6)
	if len(pin) != 6 || strings.Trim(pin, "0123456789") != "" {
		t.Errorf("pin = %q", pin)
	}
}

func TestP2PDialerRegistered(t *testing.T) {
	dial, err := transport.DialerFor("p2p+ws://127.0.0.1:1/ws?pin=1")
	if err != nil || dial == nil {
		t.Fatalf("DialerFor(p2p+ws) = %v", err)
	}
}

func TestSenderEncodesMessages(t *testing.T) {
	srv, url := startServer(t, "9")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := connect(ctx, url+"?pin=9")
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	hostSide, err := srv.waitForClient(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer hostSide.Close()

	s := &sender{conn: hostSide}
	if err := s.sendCandidate(`{"candidate":"x"}`); err != nil {
		t.Fatalf("sendCandidate: %v", err)
	}

	var msg message
	if err := client.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if msg.Type != msgTypeCandidate || msg.Candidate != `{"candidate":"x"}` {
		t.Errorf("msg = %+v", msg)
	}
}
