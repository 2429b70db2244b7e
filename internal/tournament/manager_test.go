package tournament

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xypine/codestrain/internal/battle"
)

// fakeRunner decides battles by a fixed strength per strain.
type fakeRunner struct {
	strength map[string]int
	broken   string
	delay    time.Duration

	mu       sync.Mutex
	played   [][2]string
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeRunner) Run(ctx context.Context, a, b string) (*battle.Result, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	f.played = append(f.played, [2]string{a, b})
	f.mu.Unlock()

	if a == f.broken || b == f.broken {
		return nil, errors.New("store unavailable")
	}
	r := &battle.Result{ID: uuid.NewString(), StrainA: a, StrainB: b, ScoreA: f.strength[a], ScoreB: f.strength[b]}
	switch {
	case r.ScoreA > r.ScoreB:
		r.Winner = &r.StrainA
	case r.ScoreB > r.ScoreA:
		r.Winner = &r.StrainB
	}
	return r, nil
}

func TestNewTournamentValidation(t *testing.T) {
	_, err := NewTournament("solo", []string{"a"})
	assert.ErrorIs(t, err, ErrNotEnoughStrains)

	_, err = NewTournament("dup", []string{"a", "a"})
	assert.Error(t, err)

	_, err = NewTournament("blank", []string{"a", ""})
	assert.Error(t, err)

	tour, err := NewTournament("ok", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, tour.GetState())
	assert.NotEmpty(t, tour.ID)
}

func TestGeneratePairingsCoversEveryOrderedPair(t *testing.T) {
	pairings := generatePairings([]string{"a", "b", "c"})
	require.Len(t, pairings, 6)

	seen := map[[2]string]bool{}
	for _, p := range pairings {
		assert.NotEqual(t, p.StrainA, p.StrainB)
		seen[[2]string{p.StrainA, p.StrainB}] = true
	}
	assert.Len(t, seen, 6)
}

func TestRunStandings(t *testing.T) {
	runner := &fakeRunner{strength: map[string]int{"strong": 10, "mid": 5, "weak": 1, "twin": 5}}
	tour, err := NewTournament("league", []string{"weak", "mid", "strong", "twin"})
	require.NoError(t, err)

	require.NoError(t, tour.Run(context.Background(), runner, 2, zaptest.NewLogger(t)))

	snap := tour.Snapshot()
	assert.Equal(t, StateFinished, snap.State)
	assert.Equal(t, 12, snap.Played)
	require.NotNil(t, snap.StartTime)
	require.NotNil(t, snap.EndTime)

	require.Len(t, snap.Standings, 4)
	assert.Equal(t, "strong", snap.Standings[0].Strain)
	assert.Equal(t, 18, snap.Standings[0].Points)
	assert.Equal(t, 6, snap.Standings[0].Wins)

	// mid and twin draw both of their games and tie on points; registration
	// order breaks the tie.
	assert.Equal(t, "mid", snap.Standings[1].Strain)
	assert.Equal(t, "twin", snap.Standings[2].Strain)
	for _, s := range snap.Standings[1:3] {
		assert.Equal(t, 2, s.Wins)
		assert.Equal(t, 2, s.Draws)
		assert.Equal(t, 2, s.Losses)
		assert.Equal(t, 8, s.Points)
	}

	assert.Equal(t, "weak", snap.Standings[3].Strain)
	assert.Equal(t, 0, snap.Standings[3].Points)
	assert.Equal(t, 6, snap.Standings[3].Losses)

	for _, p := range snap.Pairings {
		assert.True(t, p.Finished)
		assert.NotEmpty(t, p.BattleID)
	}
}

func TestRunRespectsConcurrencyLimit(t *testing.T) {
	runner := &fakeRunner{strength: map[string]int{}, delay: 20 * time.Millisecond}
	tour, err := NewTournament("limited", []string{"a", "b", "c", "d"})
	require.NoError(t, err)

	require.NoError(t, tour.Run(context.Background(), runner, 2, zaptest.NewLogger(t)))

	assert.LessOrEqual(t, runner.peak.Load(), int32(2))
	assert.Len(t, runner.played, 12)
}

func TestRunRecordsFailedBattles(t *testing.T) {
	runner := &fakeRunner{strength: map[string]int{"a": 2, "b": 1}, broken: "c"}
	tour, err := NewTournament("flaky", []string{"a", "b", "c"})
	require.NoError(t, err)

	require.NoError(t, tour.Run(context.Background(), runner, 1, zaptest.NewLogger(t)))

	snap := tour.Snapshot()
	assert.Equal(t, StateFinished, snap.State)
	assert.Equal(t, 6, snap.Played)

	failed := 0
	for _, p := range snap.Pairings {
		if p.Error != "" {
			failed++
			assert.Empty(t, p.Winner)
		}
	}
	assert.Equal(t, 4, failed)

	for _, s := range snap.Standings {
		if s.Strain == "c" {
			assert.Equal(t, 4, s.Failed)
			assert.Zero(t, s.Points)
		}
	}
	assert.Equal(t, "a", snap.Standings[0].Strain)
	assert.Equal(t, 6, snap.Standings[0].Points)
}

func TestRunCancelled(t *testing.T) {
	runner := &fakeRunner{strength: map[string]int{}, delay: time.Second}
	tour, err := NewTournament("aborted", []string{"a", "b", "c"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err = tour.Run(ctx, runner, 1, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	snap := tour.Snapshot()
	assert.Equal(t, StateCancelled, snap.State)
	assert.Less(t, snap.Played, 6)
}

func TestStartTwice(t *testing.T) {
	tour, err := NewTournament("once", []string{"a", "b"})
	require.NoError(t, err)

	runner := &fakeRunner{strength: map[string]int{}}
	require.NoError(t, tour.Run(context.Background(), runner, 1, zaptest.NewLogger(t)))
	assert.ErrorIs(t, tour.Run(context.Background(), runner, 1, zaptest.NewLogger(t)), ErrAlreadyStarted)
	assert.ErrorIs(t, tour.AddPlayer("late"), ErrAlreadyStarted)
	assert.ErrorIs(t, tour.RemovePlayer("a"), ErrAlreadyStarted)
}

func TestRemovePlayer(t *testing.T) {
	tour, err := NewTournament("shrinking", []string{"a", "b", "c"})
	require.NoError(t, err)

	require.NoError(t, tour.RemovePlayer("b"))
	assert.ErrorIs(t, tour.RemovePlayer("b"), ErrUnknownStrain)
	assert.Equal(t, []string{"a", "c"}, tour.PlayerOrder)
}

func TestManager(t *testing.T) {
	runner := &fakeRunner{strength: map[string]int{"a": 1}}
	m := NewManager(runner, 2, zaptest.NewLogger(t))

	_, err := m.CreateTournament("bad", []string{"a"})
	assert.Error(t, err)

	tour, err := m.CreateTournament("cup", []string{"a", "b"})
	require.NoError(t, err)

	got, ok := m.GetTournament(tour.ID)
	require.True(t, ok)
	assert.Same(t, tour, got)
	assert.Equal(t, 1, m.GetActiveTournamentCount())

	m.Start(context.Background(), tour)
	m.Wait()

	assert.Equal(t, StateFinished, tour.GetState())
	assert.Equal(t, 0, m.GetActiveTournamentCount())
	assert.Len(t, m.GetAllTournaments(), 1)

	m.RemoveTournament(tour.ID)
	_, ok = m.GetTournament(tour.ID)
	assert.False(t, ok)
}

func TestStateText(t *testing.T) {
	for s := StateWaiting; s <= StateCancelled; s++ {
		text, err := s.MarshalText()
		require.NoError(t, err)
		var got State
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, s, got)
	}
	var s State
	assert.Error(t, s.UnmarshalText([]byte("PAUSED")))
}
