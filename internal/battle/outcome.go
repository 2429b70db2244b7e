package battle

import (
	"fmt"

	"github.com/xypine/codestrain/internal/arena"
)

// Outcome is what happened on a single move.
type Outcome int

const (
	// OutcomeApplied means the move was legal and claimed a cell.
	OutcomeApplied Outcome = iota
	// OutcomeSkipped means the player had no allowed move.
	OutcomeSkipped
	// OutcomeIllegal means the strain answered with a cell outside the
	// allowed set, or failed to answer at all.
	OutcomeIllegal
)

var outcomeNames = map[Outcome]string{
	OutcomeApplied: "APPLIED",
	OutcomeSkipped: "SKIPPED",
	OutcomeIllegal: "ILLEGAL",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("OUTCOME_%d", int(o))
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(text []byte) error {
	for k, name := range outcomeNames {
		if name == string(text) {
			*o = k
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", text)
}

// Reason is why a battle reached its terminal state.
type Reason int

const (
	// ReasonExhausted means 2·M consecutive moves were skipped or illegal.
	ReasonExhausted Reason = iota
	// ReasonInternalError means the perspective geometry check failed.
	ReasonInternalError
	// ReasonCancelled means the caller aborted the battle between moves.
	ReasonCancelled
	// ReasonForfeit means a strain lost under the forfeit policy.
	ReasonForfeit
)

var reasonNames = map[Reason]string{
	ReasonExhausted:     "EXHAUSTED",
	ReasonInternalError: "INTERNAL_ERROR",
	ReasonCancelled:     "CANCELLED",
	ReasonForfeit:       "FORFEIT",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("REASON_%d", int(r))
}

func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Reason) UnmarshalText(text []byte) error {
	for k, name := range reasonNames {
		if name == string(text) {
			*r = k
			return nil
		}
	}
	return fmt.Errorf("unknown reason %q", text)
}

// LogEntry is one move of the replay log. Move is in native board
// coordinates and is nil when the player was skipped or the sandbox failed.
type LogEntry struct {
	Turn    int          `json:"turn"`
	Player  arena.Player `json:"player"`
	Outcome Outcome      `json:"outcome"`
	Move    *arena.Cell  `json:"move,omitempty"`
	Legal   bool         `json:"legal"`
	Error   string       `json:"error,omitempty"`
}

// TurnEvent is published to observers after every move
type TurnEvent struct {
	BattleID  string   `json:"battle_id"`
	ArenaSize int      `json:"arena_size"`
	Entry     LogEntry `json:"entry"`
	ScoreA    int      `json:"score_a"`
	ScoreB    int      `json:"score_b"`
	Finished  bool     `json:"finished"`
	Reason    *Reason  `json:"reason,omitempty"`
}
