package protocol

import (
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/1ureka/adbwire/internal/adberr"
)

// Host protocol status tokens.
const (
	StatusOkay = "OKAY"
	StatusFail = "FAIL"
)

const (
	// LengthSize is the width of every length field: 4 hex digits in the
	// host protocol, a little-endian uint32 in the sync protocol.
	LengthSize = 4

	// MaxRequestLength is the largest verb 4 hex digits can describe.
	MaxRequestLength = 0xFFFF
)

// Status is a host protocol response status.
type Status int

const (
	Okay Status = iota + 1
	Fail
)

func (s Status) String() string {
	switch s {
	case Okay:
		return StatusOkay
	case Fail:
		return StatusFail
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// EncodeRequest frames a host protocol verb: 4 lowercase hex digits of its
// byte length followed by the verb bytes.
func EncodeRequest(verb string) ([]byte, error) {
	if len(verb) > MaxRequestLength {
		return nil, adberr.Conversionf(nil, "request length %d does not fit 4 hex digits", len(verb))
	}
	return []byte(fmt.Sprintf("%04x%s", len(verb), verb)), nil
}

// ParseHexLength decodes a 4-digit ASCII hex length field.
func ParseHexLength(b []byte) (int, error) {
	if len(b) != LengthSize {
		return 0, adberr.Protocolf("length field is %d bytes (need %d)", len(b), LengthSize)
	}
	if !utf8.Valid(b) {
		return 0, adberr.Conversionf(nil, "length field %q is not valid UTF-8", b)
	}
	n, err := strconv.ParseUint(string(b), 16, 16)
	if err != nil {
		return 0, adberr.Protocolf("malformed hex length %q", b)
	}
	return int(n), nil
}

// ParseStatus matches 4 status bytes against OKAY and FAIL.
func ParseStatus(b []byte) (Status, error) {
	if !utf8.Valid(b) {
		return 0, adberr.Conversionf(nil, "status %q is not valid UTF-8", b)
	}
	switch string(b) {
	case StatusOkay:
		return Okay, nil
	case StatusFail:
		return Fail, nil
	}
	return 0, adberr.UnknownResponse(string(b))
}
