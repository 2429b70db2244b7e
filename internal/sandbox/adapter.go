// Package sandbox is the only bridge between the battle engine and the
// execution capability that runs untrusted strain code.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xypine/codestrain/internal/arena"
)

// TakeTurn is the function every strain exports.
const TakeTurn = "take_turn"

// ErrNoHandle is wrapped in a LoadFailure when a player has no loaded strain.
var ErrNoHandle = errors.New("strain was not loaded")

// Capability instantiates strain code. Implementations must isolate every
// handle they return from every other handle.
type Capability interface {
	Load(ctx context.Context, code []byte) (Handle, error)
}

// Handle is one loaded strain instance.
type Handle interface {
	// Call invokes an exported function with a serialized argument and
	// returns its serialized result.
	Call(ctx context.Context, function string, input []byte) ([]byte, error)
	// Close tears the instance down. Calls after Close fail.
	Close() error
}

// Options bounds the adapter's interaction with the capability.
type Options struct {
	LoadTimeout      time.Duration
	CallTimeout      time.Duration
	MaxResponseBytes int
}

// DefaultOptions returns the limits used when none are configured.
func DefaultOptions() Options {
	return Options{
		LoadTimeout:      2 * time.Second,
		CallTimeout:      time.Second,
		MaxResponseBytes: 1024,
	}
}

// Adapter converts engine types to the wire format, calls the capability
// under explicit timeouts and classifies every failure.
type Adapter struct {
	capability Capability
	opts       Options
	logger     *zap.Logger
}

// NewAdapter creates a new sandbox adapter
func NewAdapter(capability Capability, opts Options, logger *zap.Logger) *Adapter {
	defaults := DefaultOptions()
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = defaults.LoadTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaults.CallTimeout
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = defaults.MaxResponseBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		capability: capability,
		opts:       opts,
		logger:     logger,
	}
}

// Options returns the effective limits
func (a *Adapter) Options() Options {
	return a.opts
}

// Load instantiates a fresh handle for one battle
func (a *Adapter) Load(ctx context.Context, code []byte) (Handle, error) {
	if len(code) == 0 {
		return nil, newError(LoadFailure, errors.New("empty strain payload"))
	}
	ctx, cancel := context.WithTimeout(ctx, a.opts.LoadTimeout)
	defer cancel()

	h, err := bounded(ctx, func() (Handle, error) {
		return a.capability.Load(ctx, code)
	}, func(late Handle) {
		if late != nil {
			_ = late.Close()
		}
	})
	if err != nil {
		return nil, newError(LoadFailure, err)
	}
	return h, nil
}

// Invoke asks the strain behind h for its move. Legality is not checked: any
// well-formed coordinate is returned as is.
func (a *Adapter) Invoke(ctx context.Context, h Handle, view arena.BoardView) (arena.Cell, error) {
	if h == nil {
		return arena.Cell{}, newError(LoadFailure, ErrNoHandle)
	}
	input, err := json.Marshal(EncodeView(view))
	if err != nil {
		// Only reachable through a bug in EncodeView.
		return arena.Cell{}, newError(CallFailure, fmt.Errorf("encode input: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, a.opts.CallTimeout)
	defer cancel()

	start := time.Now()
	out, err := bounded(ctx, func() ([]byte, error) {
		return h.Call(ctx, TakeTurn, input)
	}, nil)
	elapsed := time.Since(start)
	if err != nil {
		a.logger.Debug("strain call failed",
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return arena.Cell{}, newError(CallFailure, err)
	}
	if len(out) > a.opts.MaxResponseBytes {
		return arena.Cell{}, newError(MalformedResponse, fmt.Errorf("response of %d bytes exceeds limit of %d", len(out), a.opts.MaxResponseBytes))
	}

	move, err := DecodeMove(out)
	if err != nil {
		return arena.Cell{}, newError(MalformedResponse, err)
	}
	return move, nil
}

// bounded runs fn and gives up once ctx is done, even if fn ignores ctx. A
// value produced after the deadline is handed to discard.
func bounded[T any](ctx context.Context, fn func() (T, error), discard func(T)) (T, error) {
	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		defer func() {
			if p := recover(); p != nil {
				r.err = fmt.Errorf("sandbox panic: %v", p)
			}
			done <- r
		}()
		r.val, r.err = fn()
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		if discard != nil {
			go func() {
				if r := <-done; r.err == nil {
					discard(r.val)
				}
			}()
		}
		var zero T
		return zero, fmt.Errorf("timed out: %w", ctx.Err())
	}
}
