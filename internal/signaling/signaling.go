package signaling

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/pterm/pterm"

	"github.com/1ureka/adbwire/internal/transport"
	"github.com/1ureka/adbwire/internal/util"
)

func init() {
	transport.Register(transport.SchemeP2P, Dial)
}

// exchange wires a peer to a signaling WebSocket and blocks until the
// DataChannel is open. The host sends the offer; the client answers.
func exchange(ctx context.Context, wsConn *websocket.Conn, offer bool) (*transport.Peer, error) {
	// The peer outlives the establishment deadline.
	peer, err := transport.NewPeer(context.WithoutCancel(ctx))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create peer")
	}

	s := &sender{peer: peer, conn: wsConn}
	r := &receiver{peer: peer, conn: wsConn, sender: s}

	peer.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		// Best effort: the WebSocket may already be gone once the channel is up.
		s.sendCandidate(string(data))
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.watch() // exits when the caller closes wsConn
	}()

	if offer {
		if err := s.sendOffer(); err != nil {
			peer.Close()
			return nil, errors.Wrap(err, "failed to send offer")
		}
	}

	select {
	case <-peer.Ready():
		util.LogDebug("DataChannel established, closing signaling socket")
		return peer, nil

	case err := <-errCh:
		peer.Close()
		return nil, errors.Wrap(err, "signaling failed")

	case <-ctx.Done():
		peer.Close()
		return nil, ctx.Err()
	}
}

// EstablishAsHost serves the signaling WebSocket on listenAddr, waits for a
// client with the right PIN, and returns the connected peer.
func EstablishAsHost(ctx context.Context, listenAddr, pin string) (*transport.Peer, error) {
	srv := newServer(pin)
	addr, err := srv.start(listenAddr)
	if err != nil {
		return nil, err
	}
	defer srv.close()

	port := addr.(*net.TCPAddr).Port
	pterm.DefaultBox.WithTitle("Signaling server").Println(
		fmt.Sprintf("Port : %d\nPIN  : %s\nDial : p2p+ws://<this-host>:%d%s?pin=%s", port, pin, port, Path, pin))
	util.LogInfo("waiting for a client...")

	wsConn, err := srv.waitForClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to wait for client")
	}
	defer wsConn.Close()
	util.LogInfo("client connected from %s", wsConn.RemoteAddr())

	return exchange(ctx, wsConn, true)
}

// EstablishAsClient connects to a host's signaling URL and returns the
// connected peer.
func EstablishAsClient(ctx context.Context, wsURL string) (*transport.Peer, error) {
	wsConn, err := connect(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	defer wsConn.Close()
	util.LogDebug("signaling connected: %s", wsURL)

	return exchange(ctx, wsConn, false)
}

// Dial is the transport.DialFunc for p2p+ws:// and p2p+wss:// addresses. It
// runs the client side of signaling and returns the DataChannel stream.
func Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	peer, err := EstablishAsClient(ctx, strings.TrimPrefix(addr, transport.SchemeP2P))
	if err != nil {
		return nil, err
	}
	return peer.Stream(), nil
}
