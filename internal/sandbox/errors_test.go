package sandbox

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestClipMessage(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{name: "short", in: "nope", n: 16, want: "nope"},
		{name: "nul bytes", in: "a\x00b\x00", n: 16, want: "ab"},
		{name: "invalid utf8", in: "ok\xff\xfe", n: 16, want: "ok"},
		{name: "cut", in: "abcdefghij", n: 8, want: "abcde..."},
		{name: "rune boundary", in: "ääääää", n: 8, want: "ää..."},
		{name: "tiny limit", in: "abcdef", n: 2, want: ".."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClipMessage(tt.in, tt.n)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

func TestErrorTextIsBounded(t *testing.T) {
	huge := strings.Repeat("é", 3_000_000) + "\x00"
	err := newError(CallFailure, errors.New(huge))

	msg := err.Error()
	assert.LessOrEqual(t, len(msg), len("CALL_FAILURE: ")+MaxErrorBytes)
	assert.True(t, strings.HasPrefix(msg, "CALL_FAILURE: é"))
	assert.True(t, utf8.ValidString(msg))
	assert.NotContains(t, msg, "\x00")

	// The wrapped error keeps the full text for errors.Is and friends.
	assert.Equal(t, huge, errors.Unwrap(err).Error())
}
