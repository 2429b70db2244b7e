package sandbox

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxErrorBytes bounds the error text a strain can get into a battle log.
const MaxErrorBytes = 256

// ErrorKind classifies a sandbox failure. All kinds are non-fatal for a
// battle: the scheduler turns them into a failed turn.
type ErrorKind int

const (
	// LoadFailure means the strain code could not be instantiated.
	LoadFailure ErrorKind = iota
	// CallFailure means the invocation raised, trapped or timed out.
	CallFailure
	// MalformedResponse means the strain answered with something that is
	// not a coordinate.
	MalformedResponse
)

func (k ErrorKind) String() string {
	switch k {
	case LoadFailure:
		return "LOAD_FAILURE"
	case CallFailure:
		return "CALL_FAILURE"
	case MalformedResponse:
		return "MALFORMED_RESPONSE"
	default:
		return fmt.Sprintf("SANDBOX_ERROR_%d", int(k))
	}
}

// Error is returned by every adapter operation that fails.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + ClipMessage(e.Err.Error(), MaxErrorBytes)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the sandbox error kind
func KindOf(err error) (ErrorKind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}

// ClipMessage makes strain-controlled text safe to store: NUL bytes and
// invalid UTF-8 are dropped and the result is cut to at most n bytes on a
// rune boundary, with "..." marking the cut.
func ClipMessage(s string, n int) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) <= n {
		return s
	}
	const ellipsis = "..."
	if n <= len(ellipsis) {
		return ellipsis[:max(n, 0)]
	}
	cut := n - len(ellipsis)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}
