// Package battle drives a match between two loaded strains: the turn
// scheduler, scoring, the replay log and its verification.
package battle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xypine/codestrain/internal/arena"
	"github.com/xypine/codestrain/internal/sandbox"
)

// ErrInvalidRoundBudget is returned when the per-round move budget is not
// positive.
var ErrInvalidRoundBudget = errors.New("invalid moves per round")

// IllegalMovePolicy decides what an illegal move or failed call costs.
type IllegalMovePolicy string

const (
	// PolicySkip treats an illegal move like a skipped turn.
	PolicySkip IllegalMovePolicy = "skip"
	// PolicyForfeit ends the battle and awards it to the opponent.
	PolicyForfeit IllegalMovePolicy = "forfeit"
)

// ParsePolicy parses a policy name. The empty string selects PolicySkip.
func ParsePolicy(s string) (IllegalMovePolicy, error) {
	switch IllegalMovePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicySkip:
		return PolicySkip, nil
	case PolicyForfeit:
		return PolicyForfeit, nil
	default:
		return "", fmt.Errorf("unknown illegal move policy %q", s)
	}
}

// Config holds battle rules
type Config struct {
	ArenaSize     int
	MovesPerRound int
	Policy        IllegalMovePolicy
}

// DefaultConfig returns the rules used when none are configured.
func DefaultConfig() Config {
	return Config{
		ArenaSize:     16,
		MovesPerRound: 3,
		Policy:        PolicySkip,
	}
}

// Validate validates the battle rules
func (c Config) Validate() error {
	if c.ArenaSize < 2 {
		return fmt.Errorf("%w: %d", arena.ErrInvalidArenaSize, c.ArenaSize)
	}
	if c.MovesPerRound < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidRoundBudget, c.MovesPerRound)
	}
	if _, err := ParsePolicy(string(c.Policy)); err != nil {
		return err
	}
	return nil
}

// Mover asks a loaded strain for its next move. *sandbox.Adapter
// implements it.
type Mover interface {
	Invoke(ctx context.Context, h sandbox.Handle, view arena.BoardView) (arena.Cell, error)
}

// State is the scheduler's position in the turn cycle.
type State int

const (
	StateAwaitingMove State = iota
	StateApplying
	StateNextTurn
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateAwaitingMove:
		return "AWAITING_MOVE"
	case StateApplying:
		return "APPLYING"
	case StateNextTurn:
		return "NEXT_TURN"
	case StateFinished:
		return "FINISHED"
	default:
		return fmt.Sprintf("STATE_%d", int(s))
	}
}

// Summary is the terminal state of a scheduler run.
type Summary struct {
	Board       *arena.Board
	Log         []LogEntry
	Reason      Reason
	ForfeitedBy *arena.Player
	// Err is set when the battle was aborted by an internal invariant
	// violation.
	Err error
}

// Scheduler runs the game loop of one battle. It owns the board and both
// handles; it is not safe for concurrent use.
type Scheduler struct {
	cfg      Config
	mover    Mover
	handles  [2]sandbox.Handle
	frontier *arena.Frontier
	logger   *zap.Logger
	battleID string
	observer func(TurnEvent)
	view     func(*arena.Board, arena.Player, arena.MoveSet) (arena.BoardView, error)

	state       State
	turn        int
	skips       int
	log         []LogEntry
	reason      Reason
	forfeitedBy *arena.Player
	fatal       error
}

// NewScheduler seeds a fresh board and takes ownership of both handles. A
// nil handle stands for a strain that failed to load.
func NewScheduler(cfg Config, mover Mover, handleA, handleB sandbox.Handle, logger *zap.Logger) (*Scheduler, error) {
	if cfg.Policy == "" {
		cfg.Policy = PolicySkip
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	board, err := arena.NewBoard(cfg.ArenaSize)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:      cfg,
		mover:    mover,
		handles:  [2]sandbox.Handle{handleA, handleB},
		frontier: arena.NewFrontier(board),
		logger:   logger,
		view:     arena.View,
		state:    StateAwaitingMove,
	}, nil
}

// SetBattleID labels log lines and turn events.
func (s *Scheduler) SetBattleID(id string) {
	s.battleID = id
	s.logger = s.logger.With(zap.String("battle_id", id))
}

// OnTurn registers fn to be called after every move.
func (s *Scheduler) OnTurn(fn func(TurnEvent)) {
	s.observer = fn
}

// State returns the current state.
func (s *Scheduler) State() State {
	return s.state
}

// Board returns the live board. Callers must not mutate it.
func (s *Scheduler) Board() *arena.Board {
	return s.frontier.Board()
}

// PlayerForMove returns who plays move index i with a round budget of m.
func PlayerForMove(i, m int) arena.Player {
	if (i/m)%2 == 0 {
		return arena.PlayerA
	}
	return arena.PlayerB
}

// CurrentPlayer returns the player to move next.
func (s *Scheduler) CurrentPlayer() arena.Player {
	return PlayerForMove(s.turn, s.cfg.MovesPerRound)
}

// Run plays until a terminal state and releases both handles. Cancelling
// ctx stops the battle at the next move boundary; a move already in flight
// completes first.
func (s *Scheduler) Run(ctx context.Context) Summary {
	defer s.closeHandles()

	for s.state != StateFinished {
		if ctx.Err() != nil {
			s.finish(ReasonCancelled)
			s.logger.Info("battle cancelled", zap.Int("turn", s.turn))
			break
		}
		s.Step(ctx)
	}

	return Summary{
		Board:       s.frontier.Board(),
		Log:         s.log,
		Reason:      s.reason,
		ForfeitedBy: s.forfeitedBy,
		Err:         s.fatal,
	}
}

// Step plays a single move. It does nothing once the battle has finished.
func (s *Scheduler) Step(ctx context.Context) {
	if s.state == StateFinished {
		return
	}

	player := s.CurrentPlayer()
	allowed := s.frontier.Allowed(player)
	entry := LogEntry{Turn: s.turn, Player: player}

	s.state = StateAwaitingMove
	if allowed.Empty() {
		entry.Outcome = OutcomeSkipped
		s.skips++
	} else {
		view, err := s.view(s.frontier.Board(), player, allowed)
		if err != nil {
			s.fatal = err
			s.logger.Error("perspective check failed",
				zap.Int("turn", s.turn),
				zap.Stringer("player", player),
				zap.Error(err),
			)
			s.finish(ReasonInternalError)
			s.notify(entry)
			return
		}

		// The call itself is bounded by the adapter's timeout and is never
		// interrupted by cancellation.
		move, err := s.mover.Invoke(context.WithoutCancel(ctx), s.handles[player], view)
		s.state = StateApplying
		if err != nil {
			entry.Outcome = OutcomeIllegal
			entry.Error = sandbox.ClipMessage(err.Error(), sandbox.MaxErrorBytes)
			s.skips++
			s.logger.Debug("strain failed to move",
				zap.Int("turn", s.turn),
				zap.Stringer("player", player),
				zap.Error(err),
			)
		} else {
			native := arena.PerspectiveFor(player, s.cfg.ArenaSize).Native(move)
			entry.Move = &native
			if allowed.Contains(native) {
				if err := s.frontier.Occupy(native, player); err != nil {
					// Allowed cells are always empty and in bounds.
					s.fatal = fmt.Errorf("occupy allowed cell %s: %w", native, err)
					s.logger.Error("board rejected an allowed move", zap.Error(s.fatal))
					s.finish(ReasonInternalError)
					s.notify(entry)
					return
				}
				entry.Outcome = OutcomeApplied
				entry.Legal = true
				s.skips = 0
			} else {
				entry.Outcome = OutcomeIllegal
				s.skips++
			}
		}
	}

	s.log = append(s.log, entry)
	s.turn++
	s.state = StateNextTurn

	switch {
	case entry.Outcome == OutcomeIllegal && s.cfg.Policy == PolicyForfeit:
		forfeited := player
		s.forfeitedBy = &forfeited
		s.finish(ReasonForfeit)
	case s.skips >= 2*s.cfg.MovesPerRound:
		s.finish(ReasonExhausted)
	default:
		s.state = StateAwaitingMove
	}
	s.notify(entry)
}

func (s *Scheduler) finish(reason Reason) {
	s.state = StateFinished
	s.reason = reason
}

func (s *Scheduler) notify(entry LogEntry) {
	if s.observer == nil {
		return
	}
	board := s.frontier.Board()
	ev := TurnEvent{
		BattleID:  s.battleID,
		ArenaSize: s.cfg.ArenaSize,
		Entry:     entry,
		ScoreA:    board.Count(arena.PlayerA),
		ScoreB:    board.Count(arena.PlayerB),
		Finished:  s.state == StateFinished,
	}
	if ev.Finished {
		reason := s.reason
		ev.Reason = &reason
	}
	s.observer(ev)
}

func (s *Scheduler) closeHandles() {
	for i, h := range s.handles {
		if h == nil {
			continue
		}
		if err := h.Close(); err != nil {
			s.logger.Warn("failed to close strain handle",
				zap.Stringer("player", arena.Player(i)),
				zap.Error(err),
			)
		}
		s.handles[i] = nil
	}
}
