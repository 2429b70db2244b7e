package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

var errHandleClosed = errors.New("strain handle closed")

const (
	maxCallStackSize = 512
	maxLogLineBytes  = 256
)

// JSCapability runs strains written in JavaScript. Every Load creates a
// separate goja runtime, so handles never observe each other's globals.
type JSCapability struct {
	logger *zap.Logger
}

// NewJSCapability creates a JavaScript capability. Script output from log()
// and console.log() is forwarded to logger at debug level.
func NewJSCapability(logger *zap.Logger) *JSCapability {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JSCapability{logger: logger}
}

// Load evaluates the strain source and checks that it defines take_turn.
func (c *JSCapability) Load(ctx context.Context, code []byte) (Handle, error) {
	h := &jsHandle{
		runtime: goja.New(),
		logger:  c.logger,
	}
	h.runtime.SetMaxCallStackSize(maxCallStackSize)
	h.harden()

	err := h.interruptible(ctx, func() error {
		if _, err := h.runtime.RunString(string(code)); err != nil {
			return fmt.Errorf("evaluate strain: %w", err)
		}
		_, err := h.function(TakeTurn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

type jsHandle struct {
	mu      sync.Mutex
	runtime *goja.Runtime
	logger  *zap.Logger
	closed  bool
}

// harden strips globals a strain has no business touching and installs the
// logging helpers.
func (h *jsHandle) harden() {
	rt := h.runtime
	logFn := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		msg := ClipMessage(strings.Join(parts, " "), maxLogLineBytes)
		h.logger.Debug("strain log", zap.String("message", msg))
		return goja.Undefined()
	}
	_ = rt.Set("log", logFn)
	console := rt.NewObject()
	_ = console.Set("log", logFn)
	_ = rt.Set("console", console)

	for _, name := range []string{"require", "fetch", "XMLHttpRequest", "eval", "Function"} {
		_ = rt.Set(name, goja.Undefined())
	}
}

// interruptible runs fn and interrupts the runtime when ctx is done.
func (h *jsHandle) interruptible(ctx context.Context, fn func() error) (err error) {
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		h.runtime.Interrupt(ctx.Err())
		close(fired)
	})
	defer func() {
		if !stop() {
			// The interrupt may still be pending; clear it so the next call
			// starts clean.
			<-fired
			h.runtime.ClearInterrupt()
		}
		if p := recover(); p != nil {
			err = fmt.Errorf("strain panic: %v", p)
		}
	}()
	return fn()
}

func (h *jsHandle) function(name string) (goja.Callable, error) {
	fn := h.runtime.Get(name)
	if fn == nil || goja.IsUndefined(fn) || goja.IsNull(fn) {
		return nil, fmt.Errorf("%s() is not defined", name)
	}
	callable, ok := goja.AssertFunction(fn)
	if !ok {
		return nil, fmt.Errorf("%s is not a function", name)
	}
	return callable, nil
}

func (h *jsHandle) jsonMethod(name string) (*goja.Object, goja.Callable, error) {
	obj := h.runtime.Get("JSON")
	if obj == nil || goja.IsUndefined(obj) {
		return nil, nil, errors.New("JSON is not available")
	}
	jsonObj := obj.ToObject(h.runtime)
	fn, ok := goja.AssertFunction(jsonObj.Get(name))
	if !ok {
		return nil, nil, fmt.Errorf("JSON.%s is not a function", name)
	}
	return jsonObj, fn, nil
}

// Call parses input as JSON inside the runtime, invokes the named function
// and returns its JSON-encoded result.
func (h *jsHandle) Call(ctx context.Context, function string, input []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, errHandleClosed
	}

	var out []byte
	err := h.interruptible(ctx, func() error {
		callable, err := h.function(function)
		if err != nil {
			return err
		}
		jsonObj, parse, err := h.jsonMethod("parse")
		if err != nil {
			return err
		}
		_, stringify, err := h.jsonMethod("stringify")
		if err != nil {
			return err
		}

		arg, err := parse(jsonObj, h.runtime.ToValue(string(input)))
		if err != nil {
			return fmt.Errorf("parse input: %w", err)
		}
		result, err := callable(goja.Undefined(), arg)
		if err != nil {
			return fmt.Errorf("%s() error: %w", function, err)
		}
		encoded, err := stringify(jsonObj, result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		if goja.IsUndefined(encoded) {
			return fmt.Errorf("%s() returned undefined", function)
		}
		out = []byte(encoded.String())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the runtime. It is safe to call more than once.
func (h *jsHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	h.runtime.Interrupt(errHandleClosed)
	return nil
}
