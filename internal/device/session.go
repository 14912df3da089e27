package device

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/1ureka/adbwire/internal/adberr"
	"github.com/1ureka/adbwire/internal/protocol"
	"github.com/1ureka/adbwire/internal/util"
)

// State is the lifecycle stage of a session.
type State int

const (
	Opening State = iota // OPEN sent, remote id unknown
	Open                 // OKAY received, remote id bound
	Closing              // CLSE being sent
	Closed               // terminal
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is one logical stream multiplexed over a Device. It implements
// io.ReadWriteCloser. Reads and writes may run concurrently with each
// other, but not with themselves.
type Session struct {
	d           *Device
	localID     uint32
	destination string

	ctx    context.Context
	cancel context.CancelFunc

	data   chan []byte   // WRTE payloads, fed by the reader loop
	acks   chan struct{} // OKAY for our outstanding WRTE
	opened chan struct{} // closed on the first answer to OPEN

	mu       sync.Mutex
	state    State
	remoteID uint32
	err      error // why the session closed
	rejected bool  // OPEN answered by CLSE
	peerCLSE bool  // ended by the device's CLSE, not by a link failure
	wasOpen  bool
	openOnce sync.Once

	rmu     sync.Mutex
	pending []byte

	writer *MessageWriter
}

func newSession(d *Device, id uint32, destination string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		d:           d,
		localID:     id,
		destination: destination,
		ctx:         ctx,
		cancel:      cancel,
		data:        make(chan []byte, inboxBufferSize),
		acks:        make(chan struct{}, 1),
		opened:      make(chan struct{}),
		state:       Opening,
	}
	s.writer = NewMessageWriter(s)
	return s
}

// LocalID is our id for this stream.
func (s *Session) LocalID() uint32 { return s.localID }

// RemoteID is the device's id, bound by its OKAY.
func (s *Session) RemoteID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}

// Destination is the service string passed to OpenSession.
func (s *Session) Destination() string { return s.destination }

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// deliver runs on the reader goroutine.
func (s *Session) deliver(m *protocol.Message) {
	s.mu.Lock()
	state, remote := s.state, s.remoteID

	switch m.Command {
	case protocol.CmdOKAY:
		if state == Opening {
			s.remoteID = m.Arg0
			s.state = Open
			s.wasOpen = true
			s.mu.Unlock()
			util.Stats.OpenSession()
			s.openOnce.Do(func() { close(s.opened) })
			return
		}
		s.mu.Unlock()
		if state != Open || m.Arg0 != remote {
			util.LogDebug("[%d] dropping OKAY from %d in state %s", s.localID, m.Arg0, state)
			return
		}
		select {
		case s.acks <- struct{}{}:
		default:
			s.finish(adberr.Protocolf("session %d: OKAY without an outstanding write", s.localID))
		}

	case protocol.CmdWRTE:
		s.mu.Unlock()
		if state != Open || m.Arg0 != remote {
			// The sender is waiting for an OKAY that will never come.
			util.LogDebug("[%d] refusing WRTE from %d in state %s", s.localID, m.Arg0, state)
			if err := s.d.writeMessage(&protocol.Message{Command: protocol.CmdCLSE, Arg0: s.localID, Arg1: m.Arg0}); err != nil {
				util.LogDebug("[%d] CLSE for stray WRTE: %v", s.localID, err)
			}
			return
		}
		select {
		case s.data <- m.Payload:
		default:
			s.finish(adberr.Protocolf("session %d: device ignored flow control", s.localID))
		}

	case protocol.CmdCLSE:
		if state == Opening {
			s.rejected = true
		}
		s.mu.Unlock()
		util.LogDebug("[%d] closed by device", s.localID)
		s.end(adberr.PeerClosedf(nil, "session %d (%s) closed by device", s.localID, s.destination), true)

	default:
		s.mu.Unlock()
	}
}

// finish moves the session to Closed exactly once, records why, releases
// blocked readers and writers and retires the id.
func (s *Session) finish(err error) {
	s.end(err, false)
}

// end is finish that also records whether the device's CLSE closed us.
func (s *Session) end(err error, byPeer bool) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	wasOpen := s.wasOpen
	s.state = Closed
	s.err = err
	s.peerCLSE = byPeer
	s.mu.Unlock()

	s.cancel()
	s.openOnce.Do(func() { close(s.opened) })
	s.d.unregister(s.localID)
	if wasOpen {
		util.Stats.CloseSession()
	}
}

func (s *Session) closeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return adberr.SessionClosedf("session %d closed", s.localID)
	}
	return s.err
}

// Read returns WRTE payloads in order. Each WRTE taken off the queue is
// acknowledged with OKAY. After a device CLSE, queued data is still
// returned and then io.EOF. A failed device link is returned as its error,
// never as io.EOF.
func (s *Session) Read(p []byte) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	for len(s.pending) == 0 {
		chunk, err := s.next()
		if err != nil {
			return 0, err
		}
		s.pending = chunk
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *Session) next() ([]byte, error) {
	select {
	case chunk := <-s.data:
		return chunk, s.ack()
	default:
	}

	select {
	case chunk := <-s.data:
		return chunk, s.ack()
	case <-s.ctx.Done():
		select {
		case chunk := <-s.data:
			return chunk, nil
		default:
		}
		s.mu.Lock()
		clean := s.peerCLSE
		s.mu.Unlock()
		if clean {
			return nil, io.EOF
		}
		return nil, s.closeErr()
	}
}

func (s *Session) ack() error {
	s.mu.Lock()
	state, remote := s.state, s.remoteID
	s.mu.Unlock()
	if state != Open {
		return nil
	}
	return s.d.writeMessage(&protocol.Message{Command: protocol.CmdOKAY, Arg0: s.localID, Arg1: remote})
}

// Write sends p through the session's MessageWriter.
func (s *Session) Write(p []byte) (int, error) {
	return s.writer.Write(p)
}

// WriteAll writes p in full.
func (s *Session) WriteAll(p []byte) error {
	_, err := s.writer.Write(p)
	return err
}

// ReadExact reads exactly n bytes; a device close mid-read is PeerClosed.
func (s *Session) ReadExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(s, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, adberr.PeerClosedf(err, "session %d: read %d bytes", s.localID, n)
		}
		return nil, err
	}
	return buf, nil
}

// ReadAll reads until the device closes the stream.
func (s *Session) ReadAll() ([]byte, error) {
	return io.ReadAll(s)
}

// Close sends CLSE and marks the session Closed at once, without waiting for
// the device. Blocked Read and Write calls return a SessionClosed error.
func (s *Session) Close() error {
	s.mu.Lock()
	prev := s.state
	if prev == Closed {
		s.mu.Unlock()
		return nil
	}
	s.state = Closing
	remote := s.remoteID
	s.mu.Unlock()

	s.finish(adberr.SessionClosedf("session %d closed", s.localID))
	return s.d.writeMessage(&protocol.Message{Command: protocol.CmdCLSE, Arg0: s.localID, Arg1: remote})
}
