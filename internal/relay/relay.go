// Package relay bridges a P2P DataChannel stream to a device's TCP endpoint,
// so a remote client can speak the message protocol through the tunnel.
package relay

import (
	"context"
	"io"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/adbwire/internal/util"
)

// copyBufferSize matches the largest payload we advertise in CNXN.
const copyBufferSize = 256 * 1024

// Serve dials target and copies bytes between it and stream until either
// side closes or ctx is cancelled. Both ends are closed on return.
func Serve(ctx context.Context, stream io.ReadWriteCloser, target string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		stream.Close()
		return errors.Wrapf(err, "failed to dial %s", target)
	}
	util.LogInfo("relaying to %s", target)

	return pump(ctx, stream, conn)
}

// pump runs both copy directions. The first side to finish tears down the
// other so neither goroutine is left blocked in Read.
func pump(ctx context.Context, stream io.ReadWriteCloser, conn net.Conn) error {
	g, gctx := errgroup.WithContext(ctx)

	closeBoth := func() {
		stream.Close()
		conn.Close()
	}

	g.Go(func() error {
		n, err := io.CopyBuffer(conn, stream, make([]byte, copyBufferSize))
		util.Stats.AddRecv(int(n))
		util.LogDebug("tunnel -> device finished after %d bytes", n)
		closeBoth()
		return ignoreClosed(err)
	})

	g.Go(func() error {
		n, err := io.CopyBuffer(stream, conn, make([]byte, copyBufferSize))
		util.Stats.AddSent(int(n))
		util.LogDebug("device -> tunnel finished after %d bytes", n)
		closeBoth()
		return ignoreClosed(err)
	})

	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// ignoreClosed treats a teardown caused by the other direction as a clean end.
func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
