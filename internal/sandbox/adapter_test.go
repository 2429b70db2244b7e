package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xypine/codestrain/internal/arena"
)

// stubHandle answers every call with a fixed response or error.
type stubHandle struct {
	response []byte
	err      error
	delay    time.Duration
	calls    int
	lastIn   []byte
	closed   bool
}

func (s *stubHandle) Call(ctx context.Context, function string, input []byte) ([]byte, error) {
	s.calls++
	s.lastIn = input
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if function != TakeTurn {
		return nil, errors.New("unexpected function " + function)
	}
	return s.response, s.err
}

func (s *stubHandle) Close() error {
	s.closed = true
	return nil
}

type stubCapability struct {
	handle Handle
	err    error
}

func (s stubCapability) Load(context.Context, []byte) (Handle, error) {
	return s.handle, s.err
}

func testView(t *testing.T) arena.BoardView {
	t.Helper()
	b, err := arena.NewBoard(3)
	require.NoError(t, err)
	view, err := arena.View(b, arena.PlayerA, arena.AllowedMoves(b, arena.PlayerA))
	require.NoError(t, err)
	return view
}

func TestAdapterInvokeReturnsMove(t *testing.T) {
	h := &stubHandle{response: []byte(`[2,2]`)}
	a := NewAdapter(stubCapability{handle: h}, DefaultOptions(), zaptest.NewLogger(t))

	move, err := a.Invoke(context.Background(), h, testView(t))
	require.NoError(t, err)

	// (2,2) is occupied by the opponent; the adapter does not judge legality.
	assert.Equal(t, arena.Cell{X: 2, Y: 2}, move)
	assert.Equal(t, 1, h.calls)
	assert.Contains(t, string(h.lastIn), `"allowed":[[1,0],[0,1],[1,1]]`)
}

func TestAdapterClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		handle *stubHandle
		want   ErrorKind
	}{
		{name: "call error", handle: &stubHandle{err: errors.New("trap")}, want: CallFailure},
		{name: "garbage", handle: &stubHandle{response: []byte(`hello`)}, want: MalformedResponse},
		{name: "wrong arity", handle: &stubHandle{response: []byte(`[1,2,3]`)}, want: MalformedResponse},
		{name: "oversized", handle: &stubHandle{response: make([]byte, 4096)}, want: MalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAdapter(stubCapability{handle: tt.handle}, DefaultOptions(), zaptest.NewLogger(t))
			_, err := a.Invoke(context.Background(), tt.handle, testView(t))
			require.Error(t, err)

			kind, ok := KindOf(err)
			require.True(t, ok, "expected sandbox error, got %v", err)
			assert.Equal(t, tt.want, kind)
		})
	}
}

func TestAdapterTimeoutIsCallFailure(t *testing.T) {
	h := &stubHandle{response: []byte(`[1,0]`), delay: 200 * time.Millisecond}
	a := NewAdapter(stubCapability{handle: h}, Options{CallTimeout: 20 * time.Millisecond}, zaptest.NewLogger(t))

	start := time.Now()
	_, err := a.Invoke(context.Background(), h, testView(t))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 150*time.Millisecond)

	kind, _ := KindOf(err)
	assert.Equal(t, CallFailure, kind)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAdapterNilHandleIsLoadFailure(t *testing.T) {
	a := NewAdapter(stubCapability{}, DefaultOptions(), zaptest.NewLogger(t))

	_, err := a.Invoke(context.Background(), nil, testView(t))
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, LoadFailure, kind)
	assert.ErrorIs(t, err, ErrNoHandle)
}

func TestAdapterLoad(t *testing.T) {
	h := &stubHandle{}
	a := NewAdapter(stubCapability{handle: h}, DefaultOptions(), zaptest.NewLogger(t))

	got, err := a.Load(context.Background(), []byte("code"))
	require.NoError(t, err)
	assert.Same(t, h, got)

	_, err = a.Load(context.Background(), nil)
	kind, _ := KindOf(err)
	assert.Equal(t, LoadFailure, kind)

	failing := NewAdapter(stubCapability{err: errors.New("bad module")}, DefaultOptions(), zaptest.NewLogger(t))
	_, err = failing.Load(context.Background(), []byte("code"))
	kind, _ = KindOf(err)
	assert.Equal(t, LoadFailure, kind)
	assert.Contains(t, err.Error(), "bad module")
}
