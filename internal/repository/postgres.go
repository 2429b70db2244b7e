package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/xypine/codestrain/internal/battle"
)

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS strains (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS strain_versions (
		strain_id TEXT NOT NULL REFERENCES strains(id) ON DELETE CASCADE,
		version INTEGER NOT NULL,
		code BYTEA NOT NULL,
		hash TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (strain_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS battles (
		id TEXT PRIMARY KEY,
		arena_size INTEGER NOT NULL,
		moves_per_round INTEGER NOT NULL,
		strain_a TEXT NOT NULL,
		strain_b TEXT NOT NULL,
		hash_a TEXT NOT NULL DEFAULT '',
		hash_b TEXT NOT NULL DEFAULT '',
		winner TEXT,
		score_a INTEGER NOT NULL,
		score_b INTEGER NOT NULL,
		reason TEXT NOT NULL,
		internal_error BOOLEAN NOT NULL DEFAULT FALSE,
		forfeited_by TEXT,
		checksum TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_battles_pair ON battles(strain_a, strain_b)`,
	`CREATE INDEX IF NOT EXISTS idx_battles_created ON battles(created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS battle_log (
		battle_id TEXT NOT NULL REFERENCES battles(id) ON DELETE CASCADE,
		turn INTEGER NOT NULL,
		player TEXT NOT NULL,
		outcome TEXT NOT NULL,
		x BIGINT,
		y BIGINT,
		legal BOOLEAN NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (battle_id, turn)
	)`,
	`ALTER TABLE battle_log ALTER COLUMN x TYPE BIGINT, ALTER COLUMN y TYPE BIGINT`,
}

var battleLogColumns = []string{"battle_id", "turn", "player", "outcome", "x", "y", "legal", "error"}

// Postgres is the PostgreSQL implementation of Store.
type Postgres struct {
	db     *DB
	logger *zap.Logger
}

// NewPostgres creates a store over db.
func NewPostgres(db *DB, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{db: db, logger: logger}
}

// Migrate creates the schema if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, m := range postgresMigrations {
		if _, err := p.db.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return nil
}

// Replace deletes every battle for the ordered pair together with its log
// and inserts r, all in one transaction.
func (p *Postgres) Replace(ctx context.Context, strainA, strainB string, r *battle.Result) error {
	tx, err := p.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM battle_log WHERE battle_id IN (SELECT id FROM battles WHERE strain_a = $1 AND strain_b = $2)`,
		strainA, strainB); err != nil {
		return fmt.Errorf("failed to delete previous logs: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM battles WHERE strain_a = $1 AND strain_b = $2`, strainA, strainB)
	if err != nil {
		return fmt.Errorf("failed to delete previous battles: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO battles (id, arena_size, moves_per_round, strain_a, strain_b, hash_a, hash_b,
			winner, score_a, score_b, reason, internal_error, forfeited_by, checksum, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.ArenaSize, r.MovesPerRound, strainA, strainB, r.HashA, r.HashB,
		r.Winner, r.ScoreA, r.ScoreB, r.Reason.String(), r.InternalError, forfeitText(r.ForfeitedBy),
		r.Checksum, r.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert battle: %w", err)
	}

	rows := make([]logRow, len(r.Log))
	for i, e := range r.Log {
		rows[i] = toLogRow(e)
	}
	copied, err := tx.CopyFrom(ctx, pgx.Identifier{"battle_log"}, battleLogColumns,
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			row := rows[i]
			return []any{r.ID, row.Turn, row.Player, row.Outcome, row.X, row.Y, row.Legal, row.Error}, nil
		}))
	if err != nil {
		return fmt.Errorf("failed to copy battle log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	p.logger.Debug("stored battle",
		zap.String("battle_id", r.ID),
		zap.Int64("replaced", tag.RowsAffected()),
		zap.Int64("log_rows", copied),
	)
	return nil
}

// Get loads a battle and its full log.
func (p *Postgres) Get(ctx context.Context, id string) (*battle.Result, error) {
	r := &battle.Result{ID: id}
	var reason string
	var forfeit *string
	err := p.db.pool.QueryRow(ctx,
		`SELECT arena_size, moves_per_round, strain_a, strain_b, hash_a, hash_b, winner,
			score_a, score_b, reason, internal_error, forfeited_by, checksum, created_at
		FROM battles WHERE id = $1`, id,
	).Scan(&r.ArenaSize, &r.MovesPerRound, &r.StrainA, &r.StrainB, &r.HashA, &r.HashB, &r.Winner,
		&r.ScoreA, &r.ScoreB, &reason, &r.InternalError, &forfeit, &r.Checksum, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("battle %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query battle: %w", err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	if r.Reason, err = parseReason(reason); err != nil {
		return nil, err
	}
	if r.ForfeitedBy, err = parseForfeit(forfeit); err != nil {
		return nil, err
	}

	rows, err := p.db.pool.Query(ctx,
		`SELECT turn, player, outcome, x, y, legal, error FROM battle_log WHERE battle_id = $1 ORDER BY turn`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query battle log: %w", err)
	}
	defer rows.Close()

	r.Log = []battle.LogEntry{}
	for rows.Next() {
		var row logRow
		if err := rows.Scan(&row.Turn, &row.Player, &row.Outcome, &row.X, &row.Y, &row.Legal, &row.Error); err != nil {
			return nil, fmt.Errorf("failed to scan battle log: %w", err)
		}
		e, err := row.entry()
		if err != nil {
			return nil, err
		}
		r.Log = append(r.Log, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read battle log: %w", err)
	}
	return r, nil
}

// List returns the newest battles first.
func (p *Postgres) List(ctx context.Context, limit int) ([]BattleSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.pool.Query(ctx,
		`SELECT id, strain_a, strain_b, winner, score_a, score_b, reason, internal_error, created_at
		FROM battles ORDER BY created_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list battles: %w", err)
	}
	defer rows.Close()

	out := []BattleSummary{}
	for rows.Next() {
		var s BattleSummary
		var reason string
		if err := rows.Scan(&s.ID, &s.StrainA, &s.StrainB, &s.Winner, &s.ScoreA, &s.ScoreB, &reason, &s.InternalError, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan battle: %w", err)
		}
		if s.Reason, err = parseReason(reason); err != nil {
			return nil, err
		}
		s.CreatedAt = s.CreatedAt.UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// CreateStrain registers a new strain without any code.
func (p *Postgres) CreateStrain(ctx context.Context, name string) (*Strain, error) {
	s := &Strain{ID: uuid.NewString(), Name: name}
	err := p.db.pool.QueryRow(ctx,
		`INSERT INTO strains (id, name) VALUES ($1, $2) RETURNING created_at`, s.ID, name,
	).Scan(&s.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create strain: %w", err)
	}
	s.CreatedAt = s.CreatedAt.UTC()
	return s, nil
}

// AddVersion stores code as the next version of the strain.
func (p *Postgres) AddVersion(ctx context.Context, strainID string, code []byte) (*StrainVersion, error) {
	tx, err := p.db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the strain row so concurrent uploads get distinct versions.
	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM strains WHERE id = $1 FOR UPDATE`, strainID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("strain %s: %w", strainID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock strain: %w", err)
	}

	v := &StrainVersion{StrainID: strainID, Hash: ContentHash(code)}
	err = tx.QueryRow(ctx,
		`INSERT INTO strain_versions (strain_id, version, code, hash)
		VALUES ($1, (SELECT COALESCE(MAX(version), 0) + 1 FROM strain_versions WHERE strain_id = $1), $2, $3)
		RETURNING version, created_at`, strainID, code, v.Hash,
	).Scan(&v.Version, &v.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert strain version: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	v.CreatedAt = v.CreatedAt.UTC()
	return v, nil
}

// LatestPayload returns the newest version of a strain.
func (p *Postgres) LatestPayload(ctx context.Context, ref string) (battle.StrainPayload, error) {
	payload := battle.StrainPayload{Ref: ref}
	err := p.db.pool.QueryRow(ctx,
		`SELECT code, hash FROM strain_versions WHERE strain_id = $1 ORDER BY version DESC LIMIT 1`, ref,
	).Scan(&payload.Code, &payload.Hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return battle.StrainPayload{}, fmt.Errorf("no code for strain %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return battle.StrainPayload{}, fmt.Errorf("failed to query strain payload: %w", err)
	}
	return payload, nil
}

// ListStrains returns every strain with its latest version number.
func (p *Postgres) ListStrains(ctx context.Context) ([]Strain, error) {
	rows, err := p.db.pool.Query(ctx,
		`SELECT s.id, s.name, s.created_at, COALESCE(v.version, 0), COALESCE(v.hash, '')
		FROM strains s
		LEFT JOIN LATERAL (
			SELECT version, hash FROM strain_versions WHERE strain_id = s.id ORDER BY version DESC LIMIT 1
		) v ON TRUE
		ORDER BY s.created_at, s.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list strains: %w", err)
	}
	defer rows.Close()

	out := []Strain{}
	for rows.Next() {
		var s Strain
		if err := rows.Scan(&s.ID, &s.Name, &s.CreatedAt, &s.LatestVersion, &s.LatestHash); err != nil {
			return nil, fmt.Errorf("failed to scan strain: %w", err)
		}
		s.CreatedAt = s.CreatedAt.UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.db.Close()
	return nil
}
