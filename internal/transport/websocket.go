package transport

import (
	"context"
	"io"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// DialWebSocket connects to a WebSocket bridge that forwards binary
// messages to an ADB endpoint (websockify-style), and exposes it as a stream.
func DialWebSocket(ctx context.Context, url string) (io.ReadWriteCloser, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to WS bridge %s", url)
	}
	return NewWSStream(conn), nil
}

// wsStream flattens binary WebSocket messages into a byte stream. Message
// boundaries carry no meaning to the ADB framing above it.
type wsStream struct {
	conn *websocket.Conn

	rmu sync.Mutex
	cur io.Reader // remainder of the message being read

	wmu sync.Mutex
}

// NewWSStream wraps an established WebSocket connection.
func NewWSStream(conn *websocket.Conn) io.ReadWriteCloser {
	return &wsStream{conn: conn}
}

func (s *wsStream) Read(p []byte) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	for {
		if s.cur == nil {
			typ, r, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			s.cur = r
		}

		n, err := s.cur.Read(p)
		if err == io.EOF {
			s.cur = nil
			if n == 0 {
				continue
			}
			return n, nil
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	s.wmu.Lock()
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.wmu.Unlock()
	return s.conn.Close()
}
