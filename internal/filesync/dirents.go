package filesync

import (
	"time"
	"unicode/utf8"

	"github.com/1ureka/adbwire/internal/adberr"
	"github.com/1ureka/adbwire/internal/protocol"
)

// DirEntries iterates over the DENT frames of one LIST response.
//
//	it, err := eng.List("/sdcard")
//	for it.Next() {
//		fmt.Println(it.Entry().Name)
//	}
//	err = it.Err()
type DirEntries struct {
	conn  Conn
	cur   DirEntry
	err   error
	ended bool
}

// Next reads the next entry. It returns false on DONE or on error; after
// that no further reads are made.
func (d *DirEntries) Next() bool {
	if d.ended {
		return false
	}
	entry, done, err := d.read()
	if err != nil || done {
		d.ended = true
		d.err = err
		return false
	}
	d.cur = entry
	return true
}

// Entry returns the entry read by the last successful Next.
func (d *DirEntries) Entry() DirEntry { return d.cur }

// Err returns the error that ended the iteration, or nil after DONE.
func (d *DirEntries) Err() error { return d.err }

// ReadAll drains the iterator.
func (d *DirEntries) ReadAll() ([]DirEntry, error) {
	var entries []DirEntry
	for d.Next() {
		entries = append(entries, d.cur)
	}
	return entries, d.err
}

// read consumes one DENT or DONE. Both carry a 16-byte fixed part after the
// tag, whose first word doubles as the frame length; only DENT is followed
// by a name.
func (d *DirEntries) read() (DirEntry, bool, error) {
	raw, err := d.conn.ReadExact(protocol.SyncHeaderSize)
	if err != nil {
		return DirEntry{}, false, err
	}
	h, err := protocol.DecodeSyncHeader(raw)
	if err != nil {
		return DirEntry{}, false, err
	}

	switch h.Tag {
	case protocol.SyncDent, protocol.SyncDone:
	case protocol.SyncFail:
		return DirEntry{}, false, readFail(d.conn, h)
	default:
		return DirEntry{}, false, adberr.Protocolf("list: expected DENT or DONE, got %s", h.Tag)
	}

	rest, err := d.conn.ReadExact(protocol.DirEntrySize - 4)
	if err != nil {
		return DirEntry{}, false, err
	}
	if h.Tag == protocol.SyncDone {
		return DirEntry{}, true, nil
	}

	mode := h.Length
	size := protocol.Uint32(rest, 0)
	mtime := protocol.Uint32(rest, 4)
	nameLen := protocol.Uint32(rest, 8)
	if nameLen > protocol.MaxPathLength {
		return DirEntry{}, false, adberr.Protocolf("DENT name length %d exceeds %d", nameLen, protocol.MaxPathLength)
	}
	name, err := d.conn.ReadExact(int(nameLen))
	if err != nil {
		return DirEntry{}, false, err
	}
	if !utf8.Valid(name) {
		return DirEntry{}, false, adberr.Conversionf(nil, "DENT name %q is not valid UTF-8", name)
	}

	return DirEntry{
		Name:       string(name),
		Mode:       ParseFileMode(mode),
		Size:       int64(size),
		ModifiedAt: time.Unix(int64(mtime), 0),
	}, false, nil
}
