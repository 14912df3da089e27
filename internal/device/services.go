package device

import (
	"context"

	"github.com/1ureka/adbwire/internal/filesync"
	"github.com/1ureka/adbwire/internal/pkglist"
	"github.com/1ureka/adbwire/internal/util"
)

func (d *Device) run(ctx context.Context, destination string) ([]byte, error) {
	s, err := d.OpenSession(ctx, destination)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.ReadAll()
}

// Shell runs cmd through shell: and returns its output.
func (d *Device) Shell(ctx context.Context, cmd string) ([]byte, error) {
	return d.run(ctx, "shell:"+cmd)
}

// Exec runs cmd through exec:, which keeps stdout binary-clean.
func (d *Device) Exec(ctx context.Context, cmd string) ([]byte, error) {
	return d.run(ctx, "exec:"+cmd)
}

// Sync opens a sync: session and returns an engine over it. Closing the
// engine sends QUIT and closes the session.
func (d *Device) Sync(ctx context.Context) (*filesync.Engine, error) {
	s, err := d.OpenSession(ctx, "sync:")
	if err != nil {
		return nil, err
	}
	return filesync.New(s), nil
}

// CurrentUser resolves the foreground user id.
func (d *Device) CurrentUser(ctx context.Context) (int, error) {
	out, err := d.Exec(ctx, "am get-current-user")
	if err != nil {
		return 0, err
	}
	return pkglist.ParseUserID(string(out))
}

// ListPackages runs the package-list command over exec:.
func (d *Device) ListPackages(ctx context.Context, typ pkglist.Type) ([]pkglist.Package, error) {
	cmd, err := typ.Command(func() (int, error) { return d.CurrentUser(ctx) })
	if err != nil {
		return nil, err
	}
	util.LogDebug("listing packages: %s", cmd)
	out, err := d.Exec(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return pkglist.Parse(string(out))
}

// ListPackagesSync lists packages through a sync: session's LIST exchange.
func (d *Device) ListPackagesSync(ctx context.Context, typ pkglist.Type) ([]pkglist.Package, error) {
	cmd, err := typ.Command(func() (int, error) { return d.CurrentUser(ctx) })
	if err != nil {
		return nil, err
	}
	eng, err := d.Sync(ctx)
	if err != nil {
		return nil, err
	}
	defer eng.Close()
	return eng.ListPackagesCommand(cmd)
}
