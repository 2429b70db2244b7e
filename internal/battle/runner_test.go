package battle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xypine/codestrain/internal/arena"
)

var errMissingStrain = errors.New("strain not found")

type memStore map[string]StrainPayload

func (m memStore) LatestPayload(_ context.Context, ref string) (StrainPayload, error) {
	p, ok := m[ref]
	if !ok {
		return StrainPayload{}, errMissingStrain
	}
	return p, nil
}

// memRepo mimics the delete-then-insert contract of the real stores.
type memRepo struct {
	mu      sync.Mutex
	results map[string]*Result
	err     error
}

func newMemRepo() *memRepo {
	return &memRepo{results: make(map[string]*Result)}
}

func (m *memRepo) Replace(_ context.Context, a, b string, r *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for id, existing := range m.results {
		if existing.StrainA == a && existing.StrainB == b {
			delete(m.results, id)
		}
	}
	m.results[r.ID] = r
	return nil
}

func (m *memRepo) Get(_ context.Context, id string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return r, nil
}

func newTestRunner(t *testing.T, cfg Config, repo Repository, opts ...RunnerOption) (*Runner, *strategyCapability) {
	t.Helper()
	capability := newStrategyCapability(map[string]func() strategy{
		"first":   func() strategy { return firstAllowed },
		"random":  func() strategy { return randomStrategy(3) },
		"failing": func() strategy { return failing },
	})
	store := memStore{
		"first":   {Ref: "first", Code: []byte("first"), Hash: "h-first"},
		"random":  {Ref: "random", Code: []byte("random"), Hash: "h-random"},
		"failing": {Ref: "failing", Code: []byte("failing"), Hash: "h-failing"},
		"broken":  {Ref: "broken", Code: []byte("does not compile"), Hash: "h-broken"},
	}
	opts = append([]RunnerOption{WithClock(func() time.Time { return fixedNow })}, opts...)
	runner, err := NewRunner(cfg, store, repo, newTestAdapter(t, capability), zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return runner, capability
}

func TestRunnerPersistsResult(t *testing.T) {
	repo := newMemRepo()
	runner, capability := newTestRunner(t, Config{ArenaSize: 5, MovesPerRound: 2}, repo)

	r, err := runner.Run(context.Background(), "first", "random")
	require.NoError(t, err)

	stored, err := repo.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Same(t, r, stored)
	assert.Equal(t, "h-first", r.HashA)
	assert.Equal(t, "h-random", r.HashB)
	assert.Equal(t, fixedNow, r.CreatedAt)
	assert.NoError(t, Verify(r))

	for _, h := range capability.handles() {
		assert.Equal(t, 1, h.closeCount())
	}
}

func TestRunnerReplacesEarlierResultForSamePair(t *testing.T) {
	repo := newMemRepo()
	runner, _ := newTestRunner(t, Config{ArenaSize: 4, MovesPerRound: 1}, repo)

	first, err := runner.Run(context.Background(), "first", "random")
	require.NoError(t, err)
	second, err := runner.Run(context.Background(), "first", "random")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	// The reversed pair is a different battle and is kept.
	reversed, err := runner.Run(context.Background(), "random", "first")
	require.NoError(t, err)

	assert.Len(t, repo.results, 2)
	_, err = repo.Get(context.Background(), first.ID)
	assert.Error(t, err)
	_, err = repo.Get(context.Background(), second.ID)
	assert.NoError(t, err)
	_, err = repo.Get(context.Background(), reversed.ID)
	assert.NoError(t, err)
}

func TestRunnerFailingStrainsDraw(t *testing.T) {
	runner, _ := newTestRunner(t, Config{ArenaSize: 6, MovesPerRound: 4}, newMemRepo())

	r, err := runner.Run(context.Background(), "failing", "failing")
	require.NoError(t, err)
	assert.Len(t, r.Log, 8)
	assert.Equal(t, 1, r.ScoreA)
	assert.Equal(t, 1, r.ScoreB)
	assert.Nil(t, r.Winner)
	assert.Equal(t, ReasonExhausted, r.Reason)
}

func TestRunnerLoadFailureIsNotAnError(t *testing.T) {
	runner, _ := newTestRunner(t, Config{ArenaSize: 3, MovesPerRound: 1}, newMemRepo())

	r, err := runner.Run(context.Background(), "broken", "first")
	require.NoError(t, err)
	require.NotNil(t, r.Winner)
	assert.Equal(t, "first", *r.Winner)

	side, ok := r.WinnerSide()
	require.True(t, ok)
	assert.Equal(t, arena.PlayerB, side)
	assert.Contains(t, r.Log[0].Error, "LOAD_FAILURE")
}

func TestRunnerPropagatesCollaboratorErrors(t *testing.T) {
	repo := newMemRepo()
	runner, _ := newTestRunner(t, Config{ArenaSize: 3, MovesPerRound: 1}, repo)

	_, err := runner.Run(context.Background(), "first", "ghost")
	assert.ErrorIs(t, err, errMissingStrain)

	repoErr := errors.New("connection reset")
	repo.err = repoErr
	_, err = runner.Run(context.Background(), "first", "random")
	assert.ErrorIs(t, err, repoErr)
}

func TestRunnerRejectsBadConfig(t *testing.T) {
	_, err := NewRunner(Config{ArenaSize: 0, MovesPerRound: 1}, memStore{}, newMemRepo(), newTestAdapter(t, nil), nil)
	assert.ErrorIs(t, err, arena.ErrInvalidArenaSize)

	_, err = NewRunner(Config{ArenaSize: 4, MovesPerRound: -1}, memStore{}, newMemRepo(), newTestAdapter(t, nil), nil)
	assert.ErrorIs(t, err, ErrInvalidRoundBudget)
}

func TestRunnerObserverAndArchive(t *testing.T) {
	dir := t.TempDir()
	var mu sync.Mutex
	var events []TurnEvent
	runner, _ := newTestRunner(t, Config{ArenaSize: 4, MovesPerRound: 2}, newMemRepo(),
		WithArchiver(NewArchiver(zaptest.NewLogger(t), dir)),
		WithObserver(func(ev TurnEvent) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		}),
	)

	r, err := runner.Run(context.Background(), "first", "random")
	require.NoError(t, err)

	mu.Lock()
	assert.Len(t, events, len(r.Log))
	for _, ev := range events {
		assert.Equal(t, r.ID, ev.BattleID)
	}
	mu.Unlock()

	archived, err := LoadArchive(dir, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Checksum, archived.Checksum)
}

func TestRunnerPersistsCancelledBattle(t *testing.T) {
	repo := newMemRepo()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner, _ := newTestRunner(t, Config{ArenaSize: 6, MovesPerRound: 1}, repo,
		WithObserver(func(ev TurnEvent) {
			if ev.Entry.Turn == 4 {
				cancel()
			}
		}),
	)

	r, err := runner.Run(ctx, "first", "random")
	require.NoError(t, err)
	assert.Equal(t, ReasonCancelled, r.Reason)
	assert.Len(t, r.Log, 5)
	assert.NoError(t, Verify(r))

	_, err = repo.Get(context.Background(), r.ID)
	assert.NoError(t, err)
}
