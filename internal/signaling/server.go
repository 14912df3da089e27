package signaling

import (
	"context"
	"crypto/rand"
	"math/big"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Path is the HTTP path the signaling WebSocket is served on.
const Path = "/ws"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// server is the host-side WebSocket endpoint. It hands out the first client
// presenting the right PIN and turns away everyone else.
type server struct {
	pin      string
	listener net.Listener
	connCh   chan *websocket.Conn
}

func newServer(pin string) *server {
	return &server{
		pin:    pin,
		connCh: make(chan *websocket.Conn, 1),
	}
}

// start listens on addr (":0" picks a random port) and returns the bound address.
func (s *server) start(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to start signaling server")
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.handleWS)

	go func() {
		_ = http.Serve(listener, mux)
	}()

	return listener.Addr(), nil
}

func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("pin") != s.pin {
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// Only accept the first client.
	select {
	case s.connCh <- conn:
	default:
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "already connected"))
		conn.Close()
	}
}

func (s *server) waitForClient(ctx context.Context) (*websocket.Conn, error) {
	select {
	case conn := <-s.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *server) close() {
	if s.listener != nil {
		s.listener.Close()
	}
}

// connect dials a signaling URL such as ws://host:port/ws?pin=1234.
func connect(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to signaling server")
	}
	return conn, nil
}

// GeneratePIN returns a random numeric PIN of the given length.
func GeneratePIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}
