// Package app is the command layer shared by the CLI: one Target shape over
// both the adb-server path and the device-direct path.
package app

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/1ureka/adbwire/internal/adberr"
	"github.com/1ureka/adbwire/internal/config"
	"github.com/1ureka/adbwire/internal/device"
	"github.com/1ureka/adbwire/internal/filesync"
	"github.com/1ureka/adbwire/internal/host"
	"github.com/1ureka/adbwire/internal/pkglist"
	"github.com/1ureka/adbwire/internal/transport"
	"github.com/1ureka/adbwire/internal/util"
)

// InstallDir is where Install stages APKs on the device.
const InstallDir = "/data/local/tmp"

// Target is one device reachable through either protocol.
type Target interface {
	Shell(ctx context.Context, cmd string) ([]byte, error)
	List(ctx context.Context, dir string) ([]filesync.DirEntry, error)
	Stat(ctx context.Context, path string) (*filesync.FileInfo, error)
	Push(ctx context.Context, local, remote string) (int64, error)
	Pull(ctx context.Context, remote, local string) (int64, error)
	ListPackages(ctx context.Context, typ pkglist.Type) ([]pkglist.Package, error)
	ListPackagesSync(ctx context.Context, typ pkglist.Type) ([]pkglist.Package, error)
	Install(ctx context.Context, apk string) (string, error)
	Close() error
}

// services is what each path provides; base builds the rest on top.
type services interface {
	Shell(ctx context.Context, cmd string) ([]byte, error)
	Exec(ctx context.Context, cmd string) ([]byte, error)
	Sync(ctx context.Context) (*filesync.Engine, error)
	ListPackages(ctx context.Context, typ pkglist.Type) ([]pkglist.Package, error)
	ListPackagesSync(ctx context.Context, typ pkglist.Type) ([]pkglist.Package, error)
}

// Open picks the path from cfg: a device address means device-direct,
// otherwise requests go through the adb server.
func Open(ctx context.Context, cfg *config.Config) (Target, error) {
	if cfg.Mode() == config.ModeServer {
		return NewServerTarget(host.NewServer(cfg.ServerAddr), cfg.Serial), nil
	}

	key, err := device.LoadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	t, err := transport.Open(cfg.DeviceAddr)
	if err != nil {
		return nil, err
	}
	dev := device.New(t, device.Options{
		MaxPayload: cfg.MaxPayload,
		Banner:     cfg.Banner,
		Key:        key,
	})
	if err := dev.Connect(ctx); err != nil {
		return nil, errors.Wrapf(err, "connect %s", cfg.DeviceAddr)
	}
	return NewDeviceTarget(dev), nil
}

// base implements Target on top of services.
type base struct {
	svc services
}

func (b base) Shell(ctx context.Context, cmd string) ([]byte, error) {
	return b.svc.Shell(ctx, cmd)
}

func (b base) ListPackages(ctx context.Context, typ pkglist.Type) ([]pkglist.Package, error) {
	return b.svc.ListPackages(ctx, typ)
}

func (b base) ListPackagesSync(ctx context.Context, typ pkglist.Type) ([]pkglist.Package, error) {
	return b.svc.ListPackagesSync(ctx, typ)
}

// withSync runs fn inside one sync session.
func (b base) withSync(ctx context.Context, fn func(*filesync.Engine) error) error {
	eng, err := b.svc.Sync(ctx)
	if err != nil {
		return err
	}
	ferr := fn(eng)
	if cerr := eng.Close(); cerr != nil && ferr == nil {
		util.LogDebug("closing sync session: %v", cerr)
	}
	return ferr
}

func (b base) List(ctx context.Context, dir string) ([]filesync.DirEntry, error) {
	var entries []filesync.DirEntry
	err := b.withSync(ctx, func(eng *filesync.Engine) error {
		it, err := eng.List(dir)
		if err != nil {
			return err
		}
		entries, err = it.ReadAll()
		return err
	})
	return entries, err
}

func (b base) Stat(ctx context.Context, p string) (*filesync.FileInfo, error) {
	var fi *filesync.FileInfo
	err := b.withSync(ctx, func(eng *filesync.Engine) (err error) {
		fi, err = eng.Stat(p)
		return err
	})
	return fi, err
}

// Push uploads local to remote. A remote directory receives the file under
// its local base name.
func (b base) Push(ctx context.Context, local, remote string) (int64, error) {
	f, err := os.Open(local)
	if err != nil {
		return 0, errors.Wrap(err, "open local file")
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "stat local file")
	}
	if info.IsDir() {
		return 0, errors.Errorf("%s is a directory", local)
	}

	var n int64
	err = b.withSync(ctx, func(eng *filesync.Engine) error {
		dst := remote
		fi, err := eng.Stat(remote)
		if err != nil {
			return err
		}
		if fi.Exists() && fi.Mode.IsDir() {
			dst = path.Join(remote, filepath.Base(local))
		}
		util.LogDebug("push %s -> %s (%d bytes)", local, dst, info.Size())
		n, err = eng.Send(dst, info.Mode().Perm(), info.ModTime(), f)
		return err
	})
	return n, err
}

// Pull downloads remote into local. A failed transfer removes the partial file.
func (b base) Pull(ctx context.Context, remote, local string) (int64, error) {
	if st, err := os.Stat(local); err == nil && st.IsDir() {
		local = filepath.Join(local, path.Base(remote))
	}
	f, err := os.Create(local)
	if err != nil {
		return 0, errors.Wrap(err, "create local file")
	}

	var n int64
	err = b.withSync(ctx, func(eng *filesync.Engine) (err error) {
		n, err = eng.Recv(remote, f)
		return err
	})
	if cerr := f.Close(); err == nil {
		err = errors.Wrap(cerr, "close local file")
	}
	if err != nil {
		os.Remove(local)
		return n, err
	}
	return n, nil
}

// Install stages apk under InstallDir with a unique name, runs pm install
// on it, and removes the staged copy whatever the outcome.
func (b base) Install(ctx context.Context, apk string) (string, error) {
	remote := fmt.Sprintf("%s/adbwire-%s.apk", InstallDir, uuid.NewString())
	if _, err := b.Push(ctx, apk, remote); err != nil {
		return "", err
	}
	defer func() {
		if _, err := b.svc.Exec(ctx, "rm -f "+remote); err != nil {
			util.LogWarning("failed to remove %s: %v", remote, err)
		}
	}()

	out, err := b.svc.Exec(ctx, "pm install -r "+remote)
	if err != nil {
		return "", err
	}
	result := strings.TrimSpace(string(out))
	if !strings.Contains(result, "Success") {
		return result, adberr.Failed(result)
	}
	return result, nil
}
