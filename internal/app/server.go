package app

import (
	"context"

	"github.com/1ureka/adbwire/internal/filesync"
	"github.com/1ureka/adbwire/internal/host"
	"github.com/1ureka/adbwire/internal/pkglist"
)

// ServerTarget reaches one device through the adb server.
type ServerTarget struct {
	base
	srv    *host.Server
	serial string
}

// NewServerTarget selects serial on srv; an empty serial means the only
// attached device.
func NewServerTarget(srv *host.Server, serial string) *ServerTarget {
	t := &ServerTarget{srv: srv, serial: serial}
	t.base = base{svc: serverServices{t}}
	return t
}

// Server exposes the underlying host-protocol client.
func (t *ServerTarget) Server() *host.Server { return t.srv }

// Close is a no-op: every request uses its own connection.
func (t *ServerTarget) Close() error { return nil }

// serverServices binds the serial into host.Server's calls.
type serverServices struct{ t *ServerTarget }

func (s serverServices) Shell(ctx context.Context, cmd string) ([]byte, error) {
	return s.t.srv.Shell(ctx, s.t.serial, cmd)
}

func (s serverServices) Exec(ctx context.Context, cmd string) ([]byte, error) {
	return s.t.srv.Exec(ctx, s.t.serial, cmd)
}

func (s serverServices) Sync(ctx context.Context) (*filesync.Engine, error) {
	return s.t.srv.Sync(ctx, s.t.serial)
}

func (s serverServices) ListPackages(ctx context.Context, typ pkglist.Type) ([]pkglist.Package, error) {
	return s.t.srv.ListPackages(ctx, s.t.serial, typ)
}

func (s serverServices) ListPackagesSync(ctx context.Context, typ pkglist.Type) ([]pkglist.Package, error) {
	return s.t.srv.ListPackagesSync(ctx, s.t.serial, typ)
}
