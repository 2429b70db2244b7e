// Package tournament runs round-robin tournaments between strains.
package tournament

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xypine/codestrain/internal/battle"
)

const (
	pointsWin  = 3
	pointsDraw = 1
)

var (
	ErrNotEnoughStrains = errors.New("a tournament needs at least two strains")
	ErrAlreadyStarted   = errors.New("tournament already started")
	ErrUnknownStrain    = errors.New("strain not in tournament")
)

// State represents the state of a tournament
type State int

const (
	StateWaiting State = iota
	StateInProgress
	StateFinished
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "WAITING"
	case StateInProgress:
		return "IN_PROGRESS"
	case StateFinished:
		return "FINISHED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for candidate := StateWaiting; candidate <= StateCancelled; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown tournament state %q", text)
}

// BattleRunner plays and stores one battle between two strains.
type BattleRunner interface {
	Run(ctx context.Context, strainA, strainB string) (*battle.Result, error)
}

// Player is a strain's standing in a tournament.
type Player struct {
	Strain string
	Points int
	Wins   int
	Losses int
	Draws  int
	Failed int
}

// Pairing is one ordered battle of the round-robin.
type Pairing struct {
	StrainA  string
	StrainB  string
	BattleID string
	Winner   string
	ScoreA   int
	ScoreB   int
	Error    string
	Finished bool
}

// PlayerSnapshot captures tournament player data for external use.
type PlayerSnapshot struct {
	Strain string `json:"strain"`
	Points int    `json:"points"`
	Wins   int    `json:"wins"`
	Losses int    `json:"losses"`
	Draws  int    `json:"draws"`
	Failed int    `json:"failed"`
}

// PairingSnapshot captures pairing data for external use.
type PairingSnapshot struct {
	StrainA  string `json:"strain_a"`
	StrainB  string `json:"strain_b"`
	BattleID string `json:"battle_id,omitempty"`
	Winner   string `json:"winner,omitempty"`
	ScoreA   int    `json:"score_a"`
	ScoreB   int    `json:"score_b"`
	Error    string `json:"error,omitempty"`
	Finished bool   `json:"finished"`
}

// Snapshot captures a consistent view of a tournament. Standings are
// sorted by points, then wins, then registration order.
type Snapshot struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	State      State             `json:"state"`
	Standings  []PlayerSnapshot  `json:"standings"`
	Pairings   []PairingSnapshot `json:"pairings"`
	Played     int               `json:"played"`
	CreateTime time.Time         `json:"create_time"`
	StartTime  *time.Time        `json:"start_time,omitempty"`
	EndTime    *time.Time        `json:"end_time,omitempty"`
}

// Tournament is a round-robin where every ordered pair of strains plays
// once, so each strain moves first against every opponent.
type Tournament struct {
	ID          string
	Name        string
	State       State
	Players     map[string]*Player
	PlayerOrder []string
	Pairings    []*Pairing
	CreateTime  time.Time
	StartTime   *time.Time
	EndTime     *time.Time
	mu          sync.RWMutex
}

// NewTournament creates a tournament between the given strains.
func NewTournament(name string, strains []string) (*Tournament, error) {
	t := &Tournament{
		ID:          uuid.New().String(),
		Name:        name,
		State:       StateWaiting,
		Players:     make(map[string]*Player),
		PlayerOrder: make([]string, 0, len(strains)),
		CreateTime:  time.Now().UTC(),
	}
	for _, s := range strains {
		if err := t.AddPlayer(s); err != nil {
			return nil, err
		}
	}
	if len(t.Players) < 2 {
		return nil, ErrNotEnoughStrains
	}
	return t, nil
}

// AddPlayer adds a strain to a tournament that has not started.
func (t *Tournament) AddPlayer(strain string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.State != StateWaiting {
		return ErrAlreadyStarted
	}
	if strain == "" {
		return fmt.Errorf("empty strain reference")
	}
	if _, exists := t.Players[strain]; exists {
		return fmt.Errorf("strain %s already joined", strain)
	}

	t.Players[strain] = &Player{Strain: strain}
	t.PlayerOrder = append(t.PlayerOrder, strain)
	return nil
}

// RemovePlayer removes a strain from a tournament that has not started.
func (t *Tournament) RemovePlayer(strain string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.State != StateWaiting {
		return ErrAlreadyStarted
	}
	if _, exists := t.Players[strain]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownStrain, strain)
	}

	delete(t.Players, strain)
	for i, s := range t.PlayerOrder {
		if s == strain {
			t.PlayerOrder = append(t.PlayerOrder[:i], t.PlayerOrder[i+1:]...)
			break
		}
	}
	return nil
}

// GetState returns the current tournament state
func (t *Tournament) GetState() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.State
}

// start freezes the player list and generates the pairings.
func (t *Tournament) start() ([]*Pairing, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.State != StateWaiting {
		return nil, ErrAlreadyStarted
	}
	if len(t.Players) < 2 {
		return nil, ErrNotEnoughStrains
	}

	now := time.Now().UTC()
	t.StartTime = &now
	t.State = StateInProgress
	t.Pairings = generatePairings(t.PlayerOrder)
	return t.Pairings, nil
}

// generatePairings lists every ordered pair of distinct strains.
func generatePairings(order []string) []*Pairing {
	pairings := make([]*Pairing, 0, len(order)*(len(order)-1))
	for _, a := range order {
		for _, b := range order {
			if a != b {
				pairings = append(pairings, &Pairing{StrainA: a, StrainB: b})
			}
		}
	}
	return pairings
}

// recordResult stores the outcome of pairing p and updates the standings.
func (t *Tournament) recordResult(p *Pairing, r *battle.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p.BattleID = r.ID
	p.ScoreA = r.ScoreA
	p.ScoreB = r.ScoreB
	p.Finished = true

	a, b := t.Players[p.StrainA], t.Players[p.StrainB]
	switch {
	case r.Winner == nil:
		a.Draws++
		a.Points += pointsDraw
		b.Draws++
		b.Points += pointsDraw
	case *r.Winner == p.StrainA:
		p.Winner = p.StrainA
		a.Wins++
		a.Points += pointsWin
		b.Losses++
	default:
		p.Winner = p.StrainB
		b.Wins++
		b.Points += pointsWin
		a.Losses++
	}
}

// recordFailure marks a pairing that could not be played. Neither side
// scores.
func (t *Tournament) recordFailure(p *Pairing, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p.Error = err.Error()
	p.Finished = true
	t.Players[p.StrainA].Failed++
	t.Players[p.StrainB].Failed++
}

func (t *Tournament) finish(state State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	t.State = state
	t.EndTime = &now
}

// Run plays every pairing with at most maxConcurrent battles in flight.
// A failing battle is recorded on its pairing and does not stop the
// others; cancelling ctx stops scheduling new battles.
func (t *Tournament) Run(ctx context.Context, runner BattleRunner, maxConcurrent int, logger *zap.Logger) error {
	pairings, err := t.start()
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("tournament_id", t.ID))
	logger.Info("tournament started",
		zap.Int("strains", len(t.PlayerOrder)),
		zap.Int("battles", len(pairings)),
	)

	g, gctx := errgroup.WithContext(ctx)
	if maxConcurrent > 0 {
		g.SetLimit(maxConcurrent)
	}
	for _, p := range pairings {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			result, err := runner.Run(gctx, p.StrainA, p.StrainB)
			if err != nil {
				logger.Warn("tournament battle failed",
					zap.String("strain_a", p.StrainA),
					zap.String("strain_b", p.StrainB),
					zap.Error(err),
				)
				t.recordFailure(p, err)
				return nil
			}
			t.recordResult(p, result)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		t.finish(StateCancelled)
		logger.Warn("tournament cancelled", zap.Error(err))
		return err
	}
	t.finish(StateFinished)
	logger.Info("tournament finished")
	return nil
}

// Snapshot returns a consistent copy of the tournament state.
func (t *Tournament) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	standings := make([]PlayerSnapshot, 0, len(t.PlayerOrder))
	for _, s := range t.PlayerOrder {
		if p, ok := t.Players[s]; ok {
			standings = append(standings, PlayerSnapshot{
				Strain: p.Strain,
				Points: p.Points,
				Wins:   p.Wins,
				Losses: p.Losses,
				Draws:  p.Draws,
				Failed: p.Failed,
			})
		}
	}
	sort.SliceStable(standings, func(i, j int) bool {
		if standings[i].Points != standings[j].Points {
			return standings[i].Points > standings[j].Points
		}
		return standings[i].Wins > standings[j].Wins
	})

	played := 0
	pairings := make([]PairingSnapshot, 0, len(t.Pairings))
	for _, p := range t.Pairings {
		if p.Finished {
			played++
		}
		pairings = append(pairings, PairingSnapshot{
			StrainA:  p.StrainA,
			StrainB:  p.StrainB,
			BattleID: p.BattleID,
			Winner:   p.Winner,
			ScoreA:   p.ScoreA,
			ScoreB:   p.ScoreB,
			Error:    p.Error,
			Finished: p.Finished,
		})
	}

	return Snapshot{
		ID:         t.ID,
		Name:       t.Name,
		State:      t.State,
		Standings:  standings,
		Pairings:   pairings,
		Played:     played,
		CreateTime: t.CreateTime,
		StartTime:  cloneTime(t.StartTime),
		EndTime:    cloneTime(t.EndTime),
	}
}

func cloneTime(src *time.Time) *time.Time {
	if src == nil {
		return nil
	}
	cp := *src
	return &cp
}

// Manager manages tournaments
type Manager struct {
	tournaments   map[string]*Tournament
	runner        BattleRunner
	maxConcurrent int
	wg            sync.WaitGroup
	mu            sync.RWMutex
	logger        *zap.Logger
}

// NewManager creates a new tournament manager
func NewManager(runner BattleRunner, maxConcurrent int, logger *zap.Logger) *Manager {
	return &Manager{
		tournaments:   make(map[string]*Tournament),
		runner:        runner,
		maxConcurrent: maxConcurrent,
		logger:        logger,
	}
}

// CreateTournament registers a new tournament without starting it.
func (m *Manager) CreateTournament(name string, strains []string) (*Tournament, error) {
	t, err := NewTournament(name, strains)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.tournaments[t.ID] = t
	m.mu.Unlock()

	m.logger.Info("tournament created",
		zap.String("tournament_id", t.ID),
		zap.String("name", name),
		zap.Int("strains", len(strains)),
	)
	return t, nil
}

// Start runs the tournament in the background. ctx should outlive the
// request that started it; Wait blocks until every started tournament
// has returned.
func (m *Manager) Start(ctx context.Context, t *Tournament) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := t.Run(ctx, m.runner, m.maxConcurrent, m.logger); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("tournament failed", zap.String("tournament_id", t.ID), zap.Error(err))
		}
	}()
}

// Wait blocks until all started tournaments are done.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// GetTournament retrieves a tournament by ID
func (m *Manager) GetTournament(tournamentID string) (*Tournament, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tournaments[tournamentID]
	return t, ok
}

// RemoveTournament removes a tournament
func (m *Manager) RemoveTournament(tournamentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tournaments, tournamentID)

	m.logger.Info("tournament removed", zap.String("tournament_id", tournamentID))
}

// GetAllTournaments returns all tournaments, oldest first.
func (m *Manager) GetAllTournaments() []*Tournament {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tournaments := make([]*Tournament, 0, len(m.tournaments))
	for _, t := range m.tournaments {
		tournaments = append(tournaments, t)
	}
	sort.Slice(tournaments, func(i, j int) bool {
		return tournaments[i].CreateTime.Before(tournaments[j].CreateTime)
	})
	return tournaments
}

// GetActiveTournamentCount returns the count of active tournaments
func (m *Manager) GetActiveTournamentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, t := range m.tournaments {
		if s := t.GetState(); s == StateWaiting || s == StateInProgress {
			count++
		}
	}
	return count
}
