package device

import (
	"sync"

	"github.com/1ureka/adbwire/internal/adberr"
	"github.com/1ureka/adbwire/internal/protocol"
)

// MessageWriter splits data into WRTE messages of at most the device's max
// payload and waits for one OKAY per message before sending the next.
type MessageWriter struct {
	s  *Session
	mu sync.Mutex
}

// NewMessageWriter returns a writer bound to s's id pair.
func NewMessageWriter(s *Session) *MessageWriter {
	return &MessageWriter{s: s}
}

// Write blocks until every chunk of p has been acknowledged. A CLSE while
// waiting fails the write with PeerClosed; n counts acknowledged bytes.
func (w *MessageWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := w.s
	limit := int(s.d.MaxPayload())
	if limit == 0 {
		return 0, adberr.NotConnectedf("device not connected")
	}
	written := 0
	for len(p) > 0 {
		s.mu.Lock()
		state, remote := s.state, s.remoteID
		s.mu.Unlock()
		if state != Open {
			return written, s.closeErr()
		}

		n := min(len(p), limit)
		err := s.d.writeMessage(&protocol.Message{
			Command: protocol.CmdWRTE,
			Arg0:    s.localID,
			Arg1:    remote,
			Payload: p[:n],
		})
		if err != nil {
			return written, err
		}

		select {
		case <-s.acks:
		case <-s.ctx.Done():
			select {
			case <-s.acks:
			default:
				return written, s.closeErr()
			}
		}
		written += n
		p = p[n:]
	}
	return written, nil
}
