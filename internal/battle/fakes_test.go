package battle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/xypine/codestrain/internal/arena"
	"github.com/xypine/codestrain/internal/sandbox"
)

// strategy picks a move from the canonical view a strain receives.
type strategy func(view arena.BoardView) (arena.Cell, error)

func firstAllowed(view arena.BoardView) (arena.Cell, error) {
	if len(view.Allowed) == 0 {
		return arena.Cell{}, errors.New("asked to move without allowed cells")
	}
	return view.Allowed[0], nil
}

func prefer(c arena.Cell) strategy {
	return func(view arena.BoardView) (arena.Cell, error) {
		for _, a := range view.Allowed {
			if a == c {
				return c, nil
			}
		}
		return firstAllowed(view)
	}
}

func constant(c arena.Cell) strategy {
	return func(arena.BoardView) (arena.Cell, error) {
		return c, nil
	}
}

func failing(arena.BoardView) (arena.Cell, error) {
	return arena.Cell{}, errors.New("trap: unreachable executed")
}

func randomStrategy(seed int64) strategy {
	rng := rand.New(rand.NewSource(seed))
	return func(view arena.BoardView) (arena.Cell, error) {
		if len(view.Allowed) == 0 {
			return arena.Cell{}, errors.New("no allowed cells")
		}
		return view.Allowed[rng.Intn(len(view.Allowed))], nil
	}
}

// strategyHandle speaks the real wire format and answers through a Go
// strategy.
type strategyHandle struct {
	play strategy

	mu     sync.Mutex
	views  []arena.BoardView
	closed int
}

func newStrategyHandle(play strategy) *strategyHandle {
	return &strategyHandle{play: play}
}

func (h *strategyHandle) Call(_ context.Context, function string, input []byte) ([]byte, error) {
	if function != sandbox.TakeTurn {
		return nil, fmt.Errorf("unexpected function %s", function)
	}
	var in sandbox.Input
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	size := int(math.Round(math.Sqrt(float64(len(in.Board)))))
	view := in.View(size)

	h.mu.Lock()
	h.views = append(h.views, view)
	h.mu.Unlock()

	move, err := h.play(view)
	if err != nil {
		return nil, err
	}
	return json.Marshal([2]int{move.X, move.Y})
}

func (h *strategyHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	return nil
}

func (h *strategyHandle) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// strategyCapability loads a fresh handle for every known payload.
type strategyCapability struct {
	mu         sync.Mutex
	strategies map[string]func() strategy
	loaded     []*strategyHandle
}

func newStrategyCapability(strategies map[string]func() strategy) *strategyCapability {
	return &strategyCapability{strategies: strategies}
}

func (c *strategyCapability) Load(_ context.Context, code []byte) (sandbox.Handle, error) {
	factory, ok := c.strategies[string(code)]
	if !ok {
		return nil, fmt.Errorf("cannot instantiate %q", code)
	}
	h := newStrategyHandle(factory())
	c.mu.Lock()
	c.loaded = append(c.loaded, h)
	c.mu.Unlock()
	return h, nil
}

func (c *strategyCapability) handles() []*strategyHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*strategyHandle, len(c.loaded))
	copy(out, c.loaded)
	return out
}

func newTestAdapter(t *testing.T, capability sandbox.Capability) *sandbox.Adapter {
	t.Helper()
	return sandbox.NewAdapter(capability, sandbox.Options{CallTimeout: 2 * time.Second}, zaptest.NewLogger(t))
}

func newTestScheduler(t *testing.T, cfg Config, a, b sandbox.Handle) *Scheduler {
	t.Helper()
	s, err := NewScheduler(cfg, newTestAdapter(t, nil), a, b, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}
	return s
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func cellPtr(x, y int) *arena.Cell {
	return &arena.Cell{X: x, Y: y}
}
