// Package filesync drives the ADB sync sub-protocol: 8-byte tag+length
// frames for listing, stat and file transfer.
package filesync

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/1ureka/adbwire/internal/adberr"
	"github.com/1ureka/adbwire/internal/pkglist"
	"github.com/1ureka/adbwire/internal/protocol"
	"github.com/1ureka/adbwire/internal/util"
)

// Conn is the stream the engine runs over: a host connection after sync:,
// or a device session opened on sync:.
type Conn interface {
	WriteAll(p []byte) error
	ReadExact(n int) ([]byte, error)
}

// Engine issues sync requests. One request runs at a time; a List must be
// drained before the next request is sent.
type Engine struct {
	conn Conn
}

// New returns an Engine over conn, which must already be in sync mode.
func New(conn Conn) *Engine {
	return &Engine{conn: conn}
}

// DirEntry is one DENT record.
type DirEntry struct {
	Name       string      `json:"name"`
	Mode       os.FileMode `json:"mode"`
	Size       int64       `json:"size"`
	ModifiedAt time.Time   `json:"modifiedAt"`
}

// FileInfo is a STAT response.
type FileInfo struct {
	Mode       os.FileMode `json:"mode"`
	Size       int64       `json:"size"`
	ModifiedAt time.Time   `json:"modifiedAt"`
	raw        uint32
}

// Exists reports whether the path was found; the server answers a missing
// path with an all-zero STAT.
func (fi *FileInfo) Exists() bool { return fi.raw != 0 }

func (e *Engine) request(tag protocol.SyncTag, payload string) error {
	if len(payload) > protocol.MaxPathLength {
		return adberr.Conversionf(nil, "%s payload is %d bytes (max %d)", tag, len(payload), protocol.MaxPathLength)
	}
	frame := protocol.EncodeSyncRequest(tag, []byte(payload))
	util.LogFrame(">>", string(tag), frame[protocol.SyncHeaderSize:])
	return e.conn.WriteAll(frame)
}

func (e *Engine) readHeader() (protocol.SyncHeader, error) {
	raw, err := e.conn.ReadExact(protocol.SyncHeaderSize)
	if err != nil {
		return protocol.SyncHeader{}, err
	}
	return protocol.DecodeSyncHeader(raw)
}

// readFail consumes the diagnostic of a FAIL frame whose header was read.
func readFail(conn Conn, h protocol.SyncHeader) error {
	if h.Length > protocol.SyncMaxChunkSize {
		return adberr.Protocolf("FAIL message length %d exceeds %d", h.Length, protocol.SyncMaxChunkSize)
	}
	msg, err := conn.ReadExact(int(h.Length))
	if err != nil {
		return err
	}
	if !utf8.Valid(msg) {
		return adberr.Conversionf(nil, "FAIL message is not valid UTF-8")
	}
	return adberr.Failed(string(msg))
}

// List starts a LIST of path. The returned iterator reads lazily and cannot
// be restarted; issue a new List instead.
func (e *Engine) List(path string) (*DirEntries, error) {
	if err := e.request(protocol.SyncList, path); err != nil {
		return nil, adberr.Wrap(err, "list %s", path)
	}
	return &DirEntries{conn: e.conn}, nil
}

// Stat returns the metadata of path.
func (e *Engine) Stat(path string) (*FileInfo, error) {
	if err := e.request(protocol.SyncStat, path); err != nil {
		return nil, adberr.Wrap(err, "stat %s", path)
	}

	raw, err := e.conn.ReadExact(4 + protocol.StatSize)
	if err != nil {
		return nil, adberr.Wrap(err, "stat %s", path)
	}
	tag, err := protocol.ParseSyncTag(raw[:4])
	if err != nil {
		return nil, err
	}
	if tag != protocol.SyncStat {
		return nil, adberr.Protocolf("stat %s: expected STAT, got %s", path, tag)
	}

	mode := protocol.Uint32(raw, 4)
	return &FileInfo{
		Mode:       ParseFileMode(mode),
		Size:       int64(protocol.Uint32(raw, 8)),
		ModifiedAt: time.Unix(int64(protocol.Uint32(raw, 12)), 0),
		raw:        mode,
	}, nil
}

// Send uploads r to path. Data goes out in DATA chunks of at most
// SyncMaxChunkSize bytes, followed by DONE carrying mtime.
func (e *Engine) Send(path string, mode os.FileMode, mtime time.Time, r io.Reader) (int64, error) {
	header := fmt.Sprintf("%s,%d", path, FormatFileMode(mode))
	if err := e.request(protocol.SyncSend, header); err != nil {
		return 0, adberr.Wrap(err, "send %s", path)
	}

	buf := make([]byte, protocol.SyncMaxChunkSize)
	var total int64
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if err := e.conn.WriteAll(protocol.EncodeSyncRequest(protocol.SyncData, buf[:n])); err != nil {
				return total, adberr.Wrap(err, "send %s", path)
			}
			total += int64(n)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return total, errors.Wrapf(rerr, "read local data for %s", path)
		}
	}

	done := protocol.SyncHeader{Tag: protocol.SyncDone, Length: uint32(mtime.Unix())}
	if err := e.conn.WriteAll(done.Encode()); err != nil {
		return total, adberr.Wrap(err, "send %s", path)
	}

	h, err := e.readHeader()
	if err != nil {
		return total, adberr.Wrap(err, "send %s", path)
	}
	switch h.Tag {
	case protocol.SyncOkay:
		return total, nil
	case protocol.SyncFail:
		return total, adberr.Wrap(readFail(e.conn, h), "send %s", path)
	default:
		return total, adberr.Protocolf("send %s: expected OKAY or FAIL, got %s", path, h.Tag)
	}
}

// Recv downloads path into w and returns the byte count.
func (e *Engine) Recv(path string, w io.Writer) (int64, error) {
	if err := e.request(protocol.SyncRecv, path); err != nil {
		return 0, adberr.Wrap(err, "recv %s", path)
	}

	var total int64
	for {
		h, err := e.readHeader()
		if err != nil {
			return total, adberr.Wrap(err, "recv %s", path)
		}
		switch h.Tag {
		case protocol.SyncData:
			if h.Length > protocol.SyncMaxChunkSize {
				return total, adberr.Protocolf("recv %s: DATA length %d exceeds %d", path, h.Length, protocol.SyncMaxChunkSize)
			}
			chunk, err := e.conn.ReadExact(int(h.Length))
			if err != nil {
				return total, adberr.Wrap(err, "recv %s", path)
			}
			if _, err := w.Write(chunk); err != nil {
				return total, errors.Wrapf(err, "write local data for %s", path)
			}
			total += int64(len(chunk))
		case protocol.SyncDone:
			return total, nil
		case protocol.SyncFail:
			return total, adberr.Wrap(readFail(e.conn, h), "recv %s", path)
		default:
			return total, adberr.Protocolf("recv %s: unexpected %s", path, h.Tag)
		}
	}
}

// Quit ends sync mode.
func (e *Engine) Quit() error {
	return e.conn.WriteAll(protocol.EncodeSyncRequest(protocol.SyncQuit, nil))
}

// Close sends QUIT and closes the underlying stream when it is closable.
func (e *Engine) Close() error {
	qerr := e.Quit()
	if c, ok := e.conn.(io.Closer); ok {
		if err := c.Close(); err != nil && qerr == nil {
			return err
		}
	}
	return qerr
}

// ListPackages renders typ, calling resolve first for a CurrentUser filter,
// and runs it as a LIST exchange. A resolve failure fails the whole listing.
func (e *Engine) ListPackages(typ pkglist.Type, resolve pkglist.Resolver) ([]pkglist.Package, error) {
	cmd, err := typ.Command(resolve)
	if err != nil {
		return nil, err
	}
	return e.ListPackagesCommand(cmd)
}

// ListPackagesCommand sends an already rendered package-list command as the
// LIST payload and maps each entry name to a package.
func (e *Engine) ListPackagesCommand(cmd string) ([]pkglist.Package, error) {
	it, err := e.List(cmd)
	if err != nil {
		return nil, err
	}
	var pkgs []pkglist.Package
	for it.Next() {
		name := strings.TrimSpace(it.Entry().Name)
		if name == "" {
			continue
		}
		p, err := pkglist.ParseLine(name)
		if err != nil {
			return nil, err
		}
		pkgs = append(pkgs, p)
	}
	if err := it.Err(); err != nil {
		return nil, adberr.Wrap(err, "list packages")
	}
	return pkgs, nil
}
