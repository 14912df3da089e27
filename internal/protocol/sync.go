package protocol

import (
	"encoding/binary"

	"github.com/1ureka/adbwire/internal/adberr"
)

// SyncTag is the 4-byte ASCII id of a sync sub-protocol frame.
type SyncTag string

// The tag space is closed: anything else is an unknown response.
const (
	SyncStat SyncTag = "STAT"
	SyncList SyncTag = "LIST"
	SyncDent SyncTag = "DENT"
	SyncSend SyncTag = "SEND"
	SyncRecv SyncTag = "RECV"
	SyncData SyncTag = "DATA"
	SyncDone SyncTag = "DONE"
	SyncFail SyncTag = "FAIL"
	SyncOkay SyncTag = "OKAY"
	SyncQuit SyncTag = "QUIT"
)

const (
	// SyncHeaderSize is tag(4) + little-endian length(4).
	SyncHeaderSize = 8

	// SyncMaxChunkSize caps a single DATA payload.
	SyncMaxChunkSize = 64 * 1024

	// DirEntrySize is the fixed part of DENT/DONE after the tag:
	// mode(4) + size(4) + mtime(4) + namelen(4).
	DirEntrySize = 16

	// StatSize is the STAT response body: mode(4) + size(4) + mtime(4).
	StatSize = 12

	// MaxPathLength bounds request paths and DENT names.
	MaxPathLength = 1024
)

// ParseSyncTag validates 4 tag bytes.
func ParseSyncTag(b []byte) (SyncTag, error) {
	if len(b) != 4 {
		return "", adberr.Protocolf("sync tag is %d bytes (need 4)", len(b))
	}
	switch tag := SyncTag(b); tag {
	case SyncStat, SyncList, SyncDent, SyncSend, SyncRecv,
		SyncData, SyncDone, SyncFail, SyncOkay, SyncQuit:
		return tag, nil
	}
	return "", adberr.UnknownResponse(string(b))
}

// SyncHeader is a decoded tag + length pair.
type SyncHeader struct {
	Tag    SyncTag
	Length uint32
}

// Encode serializes the header.
func (h SyncHeader) Encode() []byte {
	buf := make([]byte, SyncHeaderSize)
	copy(buf[0:4], h.Tag)
	binary.LittleEndian.PutUint32(buf[4:8], h.Length)
	return buf
}

// DecodeSyncHeader parses tag + little-endian length.
func DecodeSyncHeader(b []byte) (SyncHeader, error) {
	if len(b) != SyncHeaderSize {
		return SyncHeader{}, adberr.Protocolf("sync header is %d bytes (need %d)", len(b), SyncHeaderSize)
	}
	tag, err := ParseSyncTag(b[0:4])
	if err != nil {
		return SyncHeader{}, err
	}
	return SyncHeader{Tag: tag, Length: binary.LittleEndian.Uint32(b[4:8])}, nil
}

// EncodeSyncRequest frames tag + length + payload in one buffer so a
// request is written with a single WriteAll.
func EncodeSyncRequest(tag SyncTag, payload []byte) []byte {
	buf := make([]byte, SyncHeaderSize+len(payload))
	copy(buf, SyncHeader{Tag: tag, Length: uint32(len(payload))}.Encode())
	copy(buf[SyncHeaderSize:], payload)
	return buf
}

// Uint32 reads a little-endian word at offset off.
func Uint32(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off : off+4])
}
