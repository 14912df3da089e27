// Package protocol defines the ADB wire formats: the 24-byte message header
// of the device protocol, the hex-length text frames of the host protocol,
// and the tag+length frames of the sync sub-protocol.
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/1ureka/adbwire/internal/adberr"
)

// Command is the first header word of a device-protocol message.
type Command uint32

// Message commands (little-endian ASCII).
const (
	CmdSYNC Command = 0x434e5953
	CmdCNXN Command = 0x4e584e43
	CmdAUTH Command = 0x48545541
	CmdOPEN Command = 0x4e45504f
	CmdOKAY Command = 0x59414b4f
	CmdCLSE Command = 0x45534c43
	CmdWRTE Command = 0x45545257
)

// AUTH message arg0 values.
const (
	AuthToken        uint32 = 1
	AuthSignature    uint32 = 2
	AuthRSAPublicKey uint32 = 3
)

const (
	// HeaderSize is the fixed header size: six little-endian uint32 words.
	HeaderSize = 24

	// Version is the protocol version we advertise. Peers speaking this
	// version always fill in the payload checksum.
	Version uint32 = 0x01000000

	// MaxPayloadLimit caps data_length on decode so a lying header cannot
	// drive an allocation.
	MaxPayloadLimit = 1024 * 1024
)

func (c Command) String() string {
	if !c.Known() {
		return fmt.Sprintf("0x%08x", uint32(c))
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(c))
	return string(b[:])
}

// Known reports whether c is one of the recognized commands.
func (c Command) Known() bool {
	switch c {
	case CmdSYNC, CmdCNXN, CmdAUTH, CmdOPEN, CmdOKAY, CmdCLSE, CmdWRTE:
		return true
	}
	return false
}

// Message is one device-protocol message.
type Message struct {
	Command Command
	Arg0    uint32
	Arg1    uint32
	Payload []byte
}

// Header is the decoded 24-byte message header.
type Header struct {
	Command      Command
	Arg0         uint32
	Arg1         uint32
	DataLength   uint32
	DataChecksum uint32
	Magic        uint32
}

// Checksum is the sum of the payload bytes modulo 2^32.
func Checksum(payload []byte) uint32 {
	var sum uint32
	for _, b := range payload {
		sum += uint32(b)
	}
	return sum
}

// Header computes the wire header for m.
func (m *Message) Header() Header {
	return Header{
		Command:      m.Command,
		Arg0:         m.Arg0,
		Arg1:         m.Arg1,
		DataLength:   uint32(len(m.Payload)),
		DataChecksum: Checksum(m.Payload),
		Magic:        uint32(m.Command) ^ 0xFFFFFFFF,
	}
}

func (m *Message) String() string {
	return fmt.Sprintf("%s(%d, %d, len=%d)", m.Command, m.Arg0, m.Arg1, len(m.Payload))
}

// Encode serializes m: header followed by payload.
func (m *Message) Encode() []byte {
	buf := make([]byte, HeaderSize+len(m.Payload))
	m.Header().put(buf)
	copy(buf[HeaderSize:], m.Payload)
	return buf
}

func (h Header) put(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Command))
	binary.LittleEndian.PutUint32(buf[4:8], h.Arg0)
	binary.LittleEndian.PutUint32(buf[8:12], h.Arg1)
	binary.LittleEndian.PutUint32(buf[12:16], h.DataLength)
	binary.LittleEndian.PutUint32(buf[16:20], h.DataChecksum)
	binary.LittleEndian.PutUint32(buf[20:24], h.Magic)
}

// DecodeHeader parses and validates a message header. The magic must be the
// complement of the command and data_length must be within MaxPayloadLimit;
// nothing is corrected.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) != HeaderSize {
		return Header{}, adberr.Protocolf("message header is %d bytes (need %d)", len(data), HeaderSize)
	}
	h := Header{
		Command:      Command(binary.LittleEndian.Uint32(data[0:4])),
		Arg0:         binary.LittleEndian.Uint32(data[4:8]),
		Arg1:         binary.LittleEndian.Uint32(data[8:12]),
		DataLength:   binary.LittleEndian.Uint32(data[12:16]),
		DataChecksum: binary.LittleEndian.Uint32(data[16:20]),
		Magic:        binary.LittleEndian.Uint32(data[20:24]),
	}
	if err := h.Validate(); err != nil {
		return Header{}, err
	}
	return h, nil
}

// Validate checks magic, command and length of a decoded header.
func (h Header) Validate() error {
	if h.Magic != uint32(h.Command)^0xFFFFFFFF {
		return adberr.Protocolf("bad magic 0x%08x for command 0x%08x", h.Magic, uint32(h.Command))
	}
	if !h.Command.Known() {
		return adberr.UnknownResponse(h.Command.String())
	}
	if h.DataLength > MaxPayloadLimit {
		return adberr.Protocolf("%s data_length %d exceeds %d", h.Command, h.DataLength, MaxPayloadLimit)
	}
	return nil
}

// VerifyPayload checks the payload against the header's length and checksum.
func (h Header) VerifyPayload(payload []byte) error {
	if uint32(len(payload)) != h.DataLength {
		return adberr.Protocolf("%s payload is %d bytes, header says %d", h.Command, len(payload), h.DataLength)
	}
	if sum := Checksum(payload); sum != h.DataChecksum {
		return adberr.Protocolf("%s checksum 0x%08x, header says 0x%08x", h.Command, sum, h.DataChecksum)
	}
	return nil
}

// Decode parses one complete message from data, which must hold exactly the
// header and its payload.
func Decode(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, adberr.Protocolf("message too short: %d bytes (need at least %d)", len(data), HeaderSize)
	}
	h, err := DecodeHeader(data[:HeaderSize])
	if err != nil {
		return nil, err
	}
	body := data[HeaderSize:]
	if err := h.VerifyPayload(body); err != nil {
		return nil, err
	}
	m := &Message{Command: h.Command, Arg0: h.Arg0, Arg1: h.Arg1}
	if len(body) > 0 {
		m.Payload = make([]byte, len(body))
		copy(m.Payload, body)
	}
	return m, nil
}
