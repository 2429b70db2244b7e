// Package repository persists strains and battle results in PostgreSQL or
// SQLite.
package repository

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/xypine/codestrain/internal/arena"
	"github.com/xypine/codestrain/internal/battle"
)

// ErrNotFound is returned when a strain, strain version or battle does not
// exist.
var ErrNotFound = errors.New("not found")

// Strain is a named, versioned piece of strain code.
type Strain struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	LatestVersion int       `json:"latest_version"`
	LatestHash    string    `json:"latest_hash,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// StrainVersion is one uploaded revision of a strain.
type StrainVersion struct {
	StrainID  string    `json:"strain_id"`
	Version   int       `json:"version"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
}

// BattleSummary is a battle without its log.
type BattleSummary struct {
	ID            string        `json:"id"`
	StrainA       string        `json:"strain_a"`
	StrainB       string        `json:"strain_b"`
	Winner        *string       `json:"winner"`
	ScoreA        int           `json:"score_a"`
	ScoreB        int           `json:"score_b"`
	Reason        battle.Reason `json:"reason"`
	InternalError bool          `json:"internal_error"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Store is implemented by both database backends.
type Store interface {
	battle.Repository
	battle.StrainStore

	Migrate(ctx context.Context) error
	List(ctx context.Context, limit int) ([]BattleSummary, error)

	CreateStrain(ctx context.Context, name string) (*Strain, error)
	AddVersion(ctx context.Context, strainID string, code []byte) (*StrainVersion, error)
	ListStrains(ctx context.Context) ([]Strain, error)

	Close() error
}

// ContentHash returns the hex BLAKE2b-256 digest of a strain payload.
func ContentHash(code []byte) string {
	sum := blake2b.Sum256(code)
	return hex.EncodeToString(sum[:])
}

// logRow is the flattened form of a log entry shared by both backends.
type logRow struct {
	Turn    int
	Player  string
	Outcome string
	X, Y    *int
	Legal   bool
	Error   string
}

func toLogRow(e battle.LogEntry) logRow {
	row := logRow{
		Turn:    e.Turn,
		Player:  e.Player.String(),
		Outcome: e.Outcome.String(),
		Legal:   e.Legal,
		Error:   e.Error,
	}
	if e.Move != nil {
		x, y := e.Move.X, e.Move.Y
		row.X, row.Y = &x, &y
	}
	return row
}

func (r logRow) entry() (battle.LogEntry, error) {
	e := battle.LogEntry{
		Turn:  r.Turn,
		Legal: r.Legal,
		Error: r.Error,
	}
	if err := e.Player.UnmarshalText([]byte(r.Player)); err != nil {
		return battle.LogEntry{}, fmt.Errorf("turn %d: %w", r.Turn, err)
	}
	if err := e.Outcome.UnmarshalText([]byte(r.Outcome)); err != nil {
		return battle.LogEntry{}, fmt.Errorf("turn %d: %w", r.Turn, err)
	}
	if r.X != nil && r.Y != nil {
		e.Move = &arena.Cell{X: *r.X, Y: *r.Y}
	}
	return e, nil
}

func forfeitText(p *arena.Player) *string {
	if p == nil {
		return nil
	}
	s := p.String()
	return &s
}

func parseForfeit(s *string) (*arena.Player, error) {
	if s == nil {
		return nil, nil
	}
	p, err := arena.ParsePlayer(*s)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func parseReason(s string) (battle.Reason, error) {
	var r battle.Reason
	err := r.UnmarshalText([]byte(s))
	return r, err
}
