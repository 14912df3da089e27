package signaling

import (
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"github.com/1ureka/adbwire/internal/transport"
)

// receiver applies incoming signaling messages to the peer.
type receiver struct {
	peer   *transport.Peer
	conn   *websocket.Conn
	sender *sender
}

// watch runs until the WebSocket fails or a message cannot be applied.
func (r *receiver) watch() error {
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read signaling message")
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			return errors.Wrap(err, "decode signaling message")
		}

		switch msg.Type {
		case msgTypeOffer:
			if err := r.peer.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeOffer, SDP: msg.SDP,
			}); err != nil {
				return err
			}
			if err := r.sender.sendAnswer(); err != nil {
				return err
			}

		case msgTypeAnswer:
			if err := r.peer.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeAnswer, SDP: msg.SDP,
			}); err != nil {
				return err
			}

		case msgTypeCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
				return errors.Wrap(err, "decode ICE candidate")
			}
			if err := r.peer.AddICECandidate(init); err != nil {
				return err
			}
		}
	}
}
