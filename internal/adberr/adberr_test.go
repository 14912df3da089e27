package adberr

import (
	"io"
	"os"
	"testing"

	"github.com/pkg/errors"
)

func TestKindSurvivesWrapping(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		kind Kind
	}{
		{"raw io", Wrap(io.ErrShortWrite, "write"), IO},
		{"protocol", Protocolf("bad magic"), ProtocolViolation},
		{"failed", Failed("nope!"), RequestFailed},
		{"rewrapped", Wrap(Failed("device offline"), "host:transport"), RequestFailed},
		{"pkg wrapped", errors.Wrap(PeerClosedf(io.EOF, "read"), "list"), PeerClosed},
		{"not connected", NotConnectedf("write"), NotConnected},
		{"conversion", Conversionf(nil, "too long"), Conversion},
		{"unknown", UnknownResponse("WHAT"), UnknownResponseType},
		{"session closed", SessionClosedf("session %d", 3), SessionClosed},
		{"foreign", io.EOF, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.kind {
				t.Errorf("KindOf = %v, want %v", got, tc.kind)
			}
		})
	}
}

func TestDiagnostic(t *testing.T) {
	msg, ok := Diagnostic(Wrap(Failed("nope!"), "host:version"))
	if !ok || msg != "nope!" {
		t.Errorf("Diagnostic = %q, %v; want \"nope!\", true", msg, ok)
	}
	if _, ok := Diagnostic(Protocolf("x")); ok {
		t.Error("protocol violation reported a diagnostic")
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(Failed("closed")) {
		t.Error("RequestFailed should be retryable")
	}
	for _, err := range []error{Protocolf("x"), Wrap(io.ErrUnexpectedEOF, "read"), NotConnectedf("x"), PeerClosedf(nil, "x")} {
		if Retryable(err) {
			t.Errorf("%v should not be retryable", err)
		}
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "noop") != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestTimeout(t *testing.T) {
	var e *Error
	if !errors.As(Wrap(os.ErrDeadlineExceeded, "read"), &e) || !e.Timeout() {
		t.Error("deadline error should report Timeout")
	}
	if !errors.As(Wrap(io.EOF, "read"), &e) || e.Timeout() {
		t.Error("EOF should not report Timeout")
	}
}

func TestErrorText(t *testing.T) {
	if got := Failed("nope!").Error(); got != "request failed: nope!" {
		t.Errorf("got %q", got)
	}
	if got := UnknownResponse("WHAT").Error(); got != `unknown response type: "WHAT"` {
		t.Errorf("got %q", got)
	}
}
