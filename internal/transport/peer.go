package transport

import (
	"context"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"github.com/1ureka/adbwire/internal/util"
)

// STUN servers for ICE candidate gathering. No TURN: the relay is meant for
// direct P2P connectivity with zero infrastructure cost.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Tuning constants.
const (
	maxMessageSize  = 16 * 1024 // bytes per DataChannel message
	inboxBufferSize = 64        // received DataChannel messages awaiting Read
)

// newPeerConnection creates a PeerConnection configured with Google STUN servers.
func newPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	}
	return webrtc.NewPeerConnection(config)
}

// newDataChannel creates a pre-negotiated DataChannel so both sides can
// create it independently without relying on OnDataChannel. ADB framing
// needs a byte stream, so the channel is ordered and fully reliable.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("adb", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}

// Peer wraps a single PeerConnection + DataChannel pair carrying one ADB
// byte stream. Its lifecycle is governed by the DataChannel state and the
// context passed at construction time.
type Peer struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	sender     *sender
	openSignal chan struct{}
	inbox      chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
}

// NewPeer creates a Peer backed by a new PeerConnection and a pre-negotiated
// DataChannel. The signaling package drives the SDP/ICE exchange through the
// exported methods, then hands the Peer to callers as a stream.
func NewPeer(ctx context.Context) (*Peer, error) {
	pc, err := newPeerConnection()
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	pCtx, pCancel := context.WithCancel(ctx)

	p := &Peer{
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		inbox:      make(chan []byte, inboxBufferSize),
		ctx:        pCtx,
		cancel:     pCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}

	// DC open gate.
	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(p.openSignal) })
	})

	// DC close → cancel peer context.
	dc.OnClose(func() {
		util.LogDebug("DataChannel closed")
		pCancel()
	})

	// Inbound messages are queued in order; blocking here pushes back on SCTP.
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)
		select {
		case p.inbox <- data:
		case <-pCtx.Done():
		}
	})

	// Record PC state (informational only).
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		p.mu.Lock()
		p.pcState = state
		p.mu.Unlock()
	})

	p.sender = newSender(pCtx, dc, p.openSignal)

	return p, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when the DataChannel is open.
func (p *Peer) Ready() <-chan struct{} {
	return p.openSignal
}

// Done returns a channel that is closed when the Peer is shut down
// (DataChannel closed or parent context cancelled).
func (p *Peer) Done() <-chan struct{} {
	return p.ctx.Done()
}

// Close shuts down the DataChannel and PeerConnection.
func (p *Peer) Close() error {
	p.cancel()
	dcErr := p.dc.Close()
	if err := p.pc.Close(); err != nil {
		return errors.Wrap(err, "close peer connection")
	}
	return errors.Wrap(dcErr, "close data channel")
}

// ConnectionState returns the last observed PeerConnection state.
func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pcState
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (p *Peer) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (p *Peer) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. A nil candidate signals the end of gathering.
func (p *Peer) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Stream
// ---------------------------------------------------------------------------

// Stream exposes the DataChannel as an io.ReadWriteCloser. Closing the
// stream closes the Peer.
func (p *Peer) Stream() io.ReadWriteCloser {
	return &peerStream{p: p}
}

type peerStream struct {
	p   *Peer
	cur []byte // unread remainder of the current message
}

func (s *peerStream) Read(b []byte) (int, error) {
	if len(s.cur) == 0 {
		select {
		case data := <-s.p.inbox:
			s.cur = data
		case <-s.p.ctx.Done():
			// Drain what already arrived before reporting the close.
			select {
			case data := <-s.p.inbox:
				s.cur = data
			default:
				return 0, io.EOF
			}
		}
	}
	n := copy(b, s.cur)
	s.cur = s.cur[n:]
	return n, nil
}

func (s *peerStream) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		end := min(written+maxMessageSize, len(b))
		chunk := make([]byte, end-written)
		copy(chunk, b[written:end])
		if err := s.p.sender.send(s.p.ctx, chunk); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

func (s *peerStream) Close() error {
	return s.p.Close()
}
