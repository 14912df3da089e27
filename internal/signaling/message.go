// Package signaling runs the WebSocket phase that sets up a WebRTC
// DataChannel: SDP offer/answer and trickled ICE candidates. Callers get a
// ready transport.Peer.
package signaling

import jsoniter "github.com/json-iterator/go"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// msgType identifies the kind of signaling message.
type msgType string

const (
	msgTypeOffer     msgType = "offer"
	msgTypeAnswer    msgType = "answer"
	msgTypeCandidate msgType = "candidate"
)

// message is the JSON structure exchanged over the WebSocket.
type message struct {
	Type      msgType `json:"type"`
	SDP       string  `json:"sdp,omitempty"`
	Candidate string  `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}
