package battle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xypine/codestrain/internal/arena"
	"github.com/xypine/codestrain/internal/sandbox"
)

// StrainPayload is the latest executable version of a strain.
type StrainPayload struct {
	Ref  string
	Code []byte
	Hash string
}

// StrainStore resolves strain references to payloads.
type StrainStore interface {
	LatestPayload(ctx context.Context, ref string) (StrainPayload, error)
}

// Repository persists battle results.
type Repository interface {
	// Replace atomically removes every result for the ordered pair
	// (strainA, strainB) and stores r in their place.
	Replace(ctx context.Context, strainA, strainB string, r *Result) error
	Get(ctx context.Context, id string) (*Result, error)
}

// Sandbox loads strains and asks them for moves. *sandbox.Adapter
// implements it.
type Sandbox interface {
	Mover
	Load(ctx context.Context, code []byte) (sandbox.Handle, error)
}

// RunnerOption configures a Runner
type RunnerOption func(*Runner)

// WithArchiver writes every persisted result to the archiver as well.
func WithArchiver(a *Archiver) RunnerOption {
	return func(r *Runner) {
		r.archiver = a
	}
}

// WithObserver publishes every move of every battle to fn. fn is called
// from the battle's goroutine and must not block.
func WithObserver(fn func(TurnEvent)) RunnerOption {
	return func(r *Runner) {
		r.observer = fn
	}
}

// WithClock overrides the time source used for CreatedAt.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		r.now = now
	}
}

// Runner plays battles between stored strains and persists the results.
// It keeps no state between battles and is safe for concurrent use.
type Runner struct {
	cfg      Config
	store    StrainStore
	repo     Repository
	sandbox  Sandbox
	archiver *Archiver
	observer func(TurnEvent)
	now      func() time.Time
	logger   *zap.Logger
}

// NewRunner creates a new battle runner
func NewRunner(cfg Config, store StrainStore, repo Repository, sb Sandbox, logger *zap.Logger, opts ...RunnerOption) (*Runner, error) {
	if cfg.Policy == "" {
		cfg.Policy = PolicySkip
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		cfg:     cfg,
		store:   store,
		repo:    repo,
		sandbox: sb,
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Config returns the battle rules in use
func (r *Runner) Config() Config {
	return r.cfg
}

// Run fetches both strains, plays the battle and replaces any earlier
// result for the same ordered pair. Only store and repository errors are
// returned; strain misbehaviour is recorded in the result.
func (r *Runner) Run(ctx context.Context, strainA, strainB string) (*Result, error) {
	a, err := r.store.LatestPayload(ctx, strainA)
	if err != nil {
		return nil, fmt.Errorf("failed to load strain %s: %w", strainA, err)
	}
	b, err := r.store.LatestPayload(ctx, strainB)
	if err != nil {
		return nil, fmt.Errorf("failed to load strain %s: %w", strainB, err)
	}

	result, err := r.Play(ctx, a, b)
	if err != nil {
		return nil, err
	}

	// Persist even when the battle was cancelled; the result is consistent
	// up to the abort point.
	if err := r.repo.Replace(context.WithoutCancel(ctx), a.Ref, b.Ref, result); err != nil {
		return nil, fmt.Errorf("failed to store battle %s: %w", result.ID, err)
	}

	if err := r.archiver.Save(result); err != nil {
		r.logger.Warn("failed to archive battle",
			zap.String("battle_id", result.ID),
			zap.Error(err),
		)
	}
	return result, nil
}

// Play runs a battle between two payloads without persisting it.
func (r *Runner) Play(ctx context.Context, a, b StrainPayload) (*Result, error) {
	id := uuid.NewString()
	logger := r.logger.With(zap.String("battle_id", id))

	handleA := r.load(ctx, logger, arena.PlayerA, a)
	handleB := r.load(ctx, logger, arena.PlayerB, b)

	scheduler, err := NewScheduler(r.cfg, r.sandbox, handleA, handleB, r.logger)
	if err != nil {
		for _, h := range []sandbox.Handle{handleA, handleB} {
			if h != nil {
				_ = h.Close()
			}
		}
		return nil, err
	}
	scheduler.SetBattleID(id)
	if r.observer != nil {
		scheduler.OnTurn(r.observer)
	}

	logger.Info("battle started",
		zap.String("strain_a", a.Ref),
		zap.String("strain_b", b.Ref),
		zap.Int("arena_size", r.cfg.ArenaSize),
		zap.Int("moves_per_round", r.cfg.MovesPerRound),
	)
	start := time.Now()
	summary := scheduler.Run(ctx)
	result := BuildResult(id, r.cfg, a, b, summary, r.now())

	winner := "draw"
	if result.Winner != nil {
		winner = *result.Winner
	}
	logger.Info("battle finished",
		zap.Stringer("reason", result.Reason),
		zap.Int("score_a", result.ScoreA),
		zap.Int("score_b", result.ScoreB),
		zap.String("winner", winner),
		zap.Int("turns", len(result.Log)),
		zap.Bool("internal_error", result.InternalError),
		zap.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}

// load returns nil when the strain cannot be instantiated; the scheduler
// then records every one of its turns as a failed call.
func (r *Runner) load(ctx context.Context, logger *zap.Logger, side arena.Player, p StrainPayload) sandbox.Handle {
	h, err := r.sandbox.Load(ctx, p.Code)
	if err != nil {
		logger.Warn("failed to load strain",
			zap.Stringer("side", side),
			zap.String("strain", p.Ref),
			zap.Error(err),
		)
		return nil
	}
	return h
}
