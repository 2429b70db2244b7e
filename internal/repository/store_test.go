package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xypine/codestrain/internal/arena"
	"github.com/xypine/codestrain/internal/battle"
)

// storeHarness lets the shared tests peek at raw row counts.
type storeHarness struct {
	store     Store
	countLogs func(t *testing.T, battleID string) int
}

var baseTime = time.Date(2026, 3, 14, 15, 9, 26, 535000000, time.UTC)

func cell(x, y int) *arena.Cell {
	return &arena.Cell{X: x, Y: y}
}

// tieResult is a 2x2 battle with M=1 that ends in a 2-2 draw.
func tieResult(a, b string, at time.Time) *battle.Result {
	r := &battle.Result{
		ID:            uuid.NewString(),
		ArenaSize:     2,
		MovesPerRound: 1,
		StrainA:       a,
		StrainB:       b,
		HashA:         ContentHash([]byte("a")),
		HashB:         ContentHash([]byte("b")),
		ScoreA:        2,
		ScoreB:        2,
		Reason:        battle.ReasonExhausted,
		Log: []battle.LogEntry{
			{Turn: 0, Player: arena.PlayerA, Outcome: battle.OutcomeApplied, Move: cell(1, 0), Legal: true},
			{Turn: 1, Player: arena.PlayerB, Outcome: battle.OutcomeApplied, Move: cell(0, 1), Legal: true},
			{Turn: 2, Player: arena.PlayerA, Outcome: battle.OutcomeSkipped},
			{Turn: 3, Player: arena.PlayerB, Outcome: battle.OutcomeSkipped},
		},
		CreatedAt: at,
	}
	r.Checksum = battle.ComputeChecksum(r)
	return r
}

// winResult is a 2x2 battle with M=1 where B makes one illegal move and A
// ends up with three cells.
func winResult(a, b string, at time.Time) *battle.Result {
	r := &battle.Result{
		ID:            uuid.NewString(),
		ArenaSize:     2,
		MovesPerRound: 1,
		StrainA:       a,
		StrainB:       b,
		ScoreA:        3,
		ScoreB:        1,
		Winner:        &a,
		Reason:        battle.ReasonExhausted,
		Log: []battle.LogEntry{
			{Turn: 0, Player: arena.PlayerA, Outcome: battle.OutcomeApplied, Move: cell(0, 1), Legal: true},
			{Turn: 1, Player: arena.PlayerB, Outcome: battle.OutcomeIllegal, Move: cell(0, 0), Legal: false},
			{Turn: 2, Player: arena.PlayerA, Outcome: battle.OutcomeApplied, Move: cell(1, 0), Legal: true},
			{Turn: 3, Player: arena.PlayerB, Outcome: battle.OutcomeSkipped},
			{Turn: 4, Player: arena.PlayerA, Outcome: battle.OutcomeSkipped},
		},
		CreatedAt: at,
	}
	r.Checksum = battle.ComputeChecksum(r)
	return r
}

func runStoreContract(t *testing.T, newHarness func(t *testing.T) storeHarness) {
	t.Run("migrate is idempotent", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.Migrate(context.Background()))
	})

	t.Run("strain versions", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		s, err := h.store.CreateStrain(ctx, "greedy")
		require.NoError(t, err)
		assert.NotEmpty(t, s.ID)

		_, err = h.store.LatestPayload(ctx, s.ID)
		assert.ErrorIs(t, err, ErrNotFound, "a strain without code has no payload")

		v1, err := h.store.AddVersion(ctx, s.ID, []byte("function take_turn() { return [0, 0] }"))
		require.NoError(t, err)
		assert.Equal(t, 1, v1.Version)

		code := []byte("function take_turn(s) { return s.allowed[0] }")
		v2, err := h.store.AddVersion(ctx, s.ID, code)
		require.NoError(t, err)
		assert.Equal(t, 2, v2.Version)
		assert.Equal(t, ContentHash(code), v2.Hash)

		payload, err := h.store.LatestPayload(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, s.ID, payload.Ref)
		assert.Equal(t, code, payload.Code)
		assert.Equal(t, v2.Hash, payload.Hash)

		strains, err := h.store.ListStrains(ctx)
		require.NoError(t, err)
		var found *Strain
		for i := range strains {
			if strains[i].ID == s.ID {
				found = &strains[i]
			}
		}
		require.NotNil(t, found)
		assert.Equal(t, "greedy", found.Name)
		assert.Equal(t, 2, found.LatestVersion)
		assert.Equal(t, v2.Hash, found.LatestHash)

		_, err = h.store.AddVersion(ctx, uuid.NewString(), code)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("get unknown battle", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.store.Get(context.Background(), uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("round trip", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		a, b := uuid.NewString(), uuid.NewString()

		want := winResult(a, b, baseTime)
		require.NoError(t, h.store.Replace(ctx, a, b, want))

		got, err := h.store.Get(ctx, want.ID)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.NoError(t, battle.Verify(got))
	})

	t.Run("replace keeps one battle per ordered pair", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		a, b := uuid.NewString(), uuid.NewString()

		first := winResult(a, b, baseTime)
		require.NoError(t, h.store.Replace(ctx, a, b, first))
		reversed := tieResult(b, a, baseTime.Add(time.Second))
		require.NoError(t, h.store.Replace(ctx, b, a, reversed))
		second := tieResult(a, b, baseTime.Add(2*time.Second))
		require.NoError(t, h.store.Replace(ctx, a, b, second))

		_, err := h.store.Get(ctx, first.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Zero(t, h.countLogs(t, first.ID), "old log rows are gone")

		got, err := h.store.Get(ctx, second.ID)
		require.NoError(t, err)
		assert.Len(t, got.Log, len(second.Log))
		assert.Equal(t, len(second.Log), h.countLogs(t, second.ID))

		_, err = h.store.Get(ctx, reversed.ID)
		assert.NoError(t, err, "the reversed pair is a different battle")
	})

	t.Run("list newest first", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		older := tieResult(uuid.NewString(), uuid.NewString(), baseTime.Add(-time.Hour))
		newer := winResult(uuid.NewString(), uuid.NewString(), baseTime.Add(time.Hour))
		require.NoError(t, h.store.Replace(ctx, older.StrainA, older.StrainB, older))
		require.NoError(t, h.store.Replace(ctx, newer.StrainA, newer.StrainB, newer))

		list, err := h.store.List(ctx, 0)
		require.NoError(t, err)

		pos := map[string]int{}
		for i, s := range list {
			pos[s.ID] = i
		}
		require.Contains(t, pos, older.ID)
		require.Contains(t, pos, newer.ID)
		assert.Less(t, pos[newer.ID], pos[older.ID])

		summary := list[pos[newer.ID]]
		require.NotNil(t, summary.Winner)
		assert.Equal(t, newer.StrainA, *summary.Winner)
		assert.Equal(t, 3, summary.ScoreA)
		assert.Equal(t, battle.ReasonExhausted, summary.Reason)
		assert.True(t, newer.CreatedAt.Equal(summary.CreatedAt))
		assert.Nil(t, list[pos[older.ID]].Winner)
	})
}

func TestContentHash(t *testing.T) {
	assert.Len(t, ContentHash(nil), 64)
	assert.Equal(t, ContentHash([]byte("x")), ContentHash([]byte("x")))
	assert.NotEqual(t, ContentHash([]byte("x")), ContentHash([]byte("y")))
}

func TestLogRowRoundTrip(t *testing.T) {
	entries := []battle.LogEntry{
		{Turn: 7, Player: arena.PlayerB, Outcome: battle.OutcomeApplied, Move: cell(3, 4), Legal: true},
		{Turn: 8, Player: arena.PlayerA, Outcome: battle.OutcomeIllegal, Error: "CALL_FAILURE: timeout"},
		{Turn: 9, Player: arena.PlayerB, Outcome: battle.OutcomeSkipped},
	}
	for _, e := range entries {
		got, err := toLogRow(e).entry()
		require.NoError(t, err)
		assert.Equal(t, e, got)
	}

	_, err := logRow{Player: "C", Outcome: "APPLIED"}.entry()
	assert.Error(t, err)
	_, err = logRow{Player: "A", Outcome: "MAYBE"}.entry()
	assert.Error(t, err)
}
