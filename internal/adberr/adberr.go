// Package adberr defines the error kinds surfaced by the ADB protocol engine.
//
// Every failure carries a Kind so that callers can tell "the peer rejected the
// request" (re-issue it) from "the connection or framing is broken" (reconnect
// first).
package adberr

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// Kind classifies an engine failure.
type Kind int

const (
	IO                  Kind = iota + 1 // socket-level failure
	ProtocolViolation                   // bad magic/checksum, unexpected tag, malformed length
	RequestFailed                       // peer reported failure with a diagnostic
	NotConnected                        // operation attempted before Connect
	Conversion                          // length does not fit, or text is not valid UTF-8
	UnknownResponseType                 // status/tag outside the recognized set
	PeerClosed                          // peer closed the stream or session
	SessionClosed                       // session was closed locally
)

func (k Kind) String() string {
	switch k {
	case IO:
		return "io error"
	case ProtocolViolation:
		return "protocol violation"
	case RequestFailed:
		return "request failed"
	case NotConnected:
		return "not connected"
	case Conversion:
		return "conversion error"
	case UnknownResponseType:
		return "unknown response type"
	case PeerClosed:
		return "closed by peer"
	case SessionClosed:
		return "session closed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the single error type returned by the engine.
type Error struct {
	Kind Kind
	Msg  string // diagnostic text, e.g. the server's FAIL message
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Timeout reports whether the underlying I/O failure was a deadline expiry.
func (e *Error) Timeout() bool {
	var ne net.Error
	return e.Err != nil && errors.As(e.Err, &ne) && ne.Timeout()
}

func newf(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Wrap classifies a raw I/O error.
func Wrap(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return errors.Wrapf(err, format, args...)
	}
	return newf(IO, errors.WithStack(err), format, args...)
}

func Protocolf(format string, args ...interface{}) error {
	return errors.WithStack(newf(ProtocolViolation, nil, format, args...))
}

// Failed reports a peer-side rejection carrying the peer's diagnostic text.
func Failed(diagnostic string) error {
	return &Error{Kind: RequestFailed, Msg: diagnostic}
}

func NotConnectedf(format string, args ...interface{}) error {
	return errors.WithStack(newf(NotConnected, nil, format, args...))
}

func Conversionf(err error, format string, args ...interface{}) error {
	return errors.WithStack(newf(Conversion, err, format, args...))
}

func UnknownResponse(text string) error {
	return errors.WithStack(&Error{Kind: UnknownResponseType, Msg: fmt.Sprintf("%q", text)})
}

func PeerClosedf(err error, format string, args ...interface{}) error {
	return errors.WithStack(newf(PeerClosed, err, format, args...))
}

func SessionClosedf(format string, args ...interface{}) error {
	return errors.WithStack(newf(SessionClosed, nil, format, args...))
}

// KindOf returns the kind of err, or 0 when err did not come from the engine.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Diagnostic returns the peer's message for a RequestFailed error.
func Diagnostic(err error) (string, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == RequestFailed {
		return e.Msg, true
	}
	return "", false
}

// Retryable reports whether re-issuing the same request on the same
// connection can succeed. Only peer rejections qualify; framing and socket
// failures need a reconnect first.
func Retryable(err error) bool {
	return Is(err, RequestFailed)
}
