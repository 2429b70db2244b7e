package battle

import (
	"time"

	"github.com/xypine/codestrain/internal/arena"
)

// Result is the persisted record of a finished battle.
type Result struct {
	ID            string        `json:"id"`
	ArenaSize     int           `json:"arena_size"`
	MovesPerRound int           `json:"moves_per_round"`
	StrainA       string        `json:"strain_a"`
	StrainB       string        `json:"strain_b"`
	HashA         string        `json:"hash_a,omitempty"`
	HashB         string        `json:"hash_b,omitempty"`
	Winner        *string       `json:"winner"`
	ScoreA        int           `json:"score_a"`
	ScoreB        int           `json:"score_b"`
	Reason        Reason        `json:"reason"`
	InternalError bool          `json:"internal_error"`
	ForfeitedBy   *arena.Player `json:"forfeited_by,omitempty"`
	Log           []LogEntry    `json:"log"`
	Checksum      string        `json:"checksum"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Score returns the number of cells owned by each player.
func Score(b *arena.Board) (scoreA, scoreB int) {
	return b.Count(arena.PlayerA), b.Count(arena.PlayerB)
}

// decideWinner returns the winning side. A forfeit overrides the scores;
// otherwise the strictly higher score wins and a tie has no winner.
func decideWinner(scoreA, scoreB int, forfeitedBy *arena.Player) (arena.Player, bool) {
	if forfeitedBy != nil {
		return forfeitedBy.Opponent(), true
	}
	switch {
	case scoreA > scoreB:
		return arena.PlayerA, true
	case scoreB > scoreA:
		return arena.PlayerB, true
	default:
		return 0, false
	}
}

// WinnerSide reports which side won, derived from scores and forfeit.
func (r *Result) WinnerSide() (arena.Player, bool) {
	return decideWinner(r.ScoreA, r.ScoreB, r.ForfeitedBy)
}

// Ref returns the strain that played side p
func (r *Result) Ref(p arena.Player) string {
	if p == arena.PlayerA {
		return r.StrainA
	}
	return r.StrainB
}

func (r *Result) Filled() bool {
	return r.ScoreA+r.ScoreB == r.ArenaSize*r.ArenaSize
}

// BuildResult turns a scheduler summary into a result and seals it with a
// checksum.
func BuildResult(id string, cfg Config, a, b StrainPayload, summary Summary, now time.Time) *Result {
	scoreA, scoreB := Score(summary.Board)
	r := &Result{
		ID:            id,
		ArenaSize:     cfg.ArenaSize,
		MovesPerRound: cfg.MovesPerRound,
		StrainA:       a.Ref,
		StrainB:       b.Ref,
		HashA:         a.Hash,
		HashB:         b.Hash,
		ScoreA:        scoreA,
		ScoreB:        scoreB,
		Reason:        summary.Reason,
		InternalError: summary.Err != nil,
		ForfeitedBy:   summary.ForfeitedBy,
		Log:           summary.Log,
		CreatedAt:     now.UTC(),
	}
	if r.Log == nil {
		r.Log = []LogEntry{}
	}
	if side, ok := r.WinnerSide(); ok {
		ref := r.Ref(side)
		r.Winner = &ref
	}
	r.Checksum = ComputeChecksum(r)
	return r
}
