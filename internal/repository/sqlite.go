package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/xypine/codestrain/internal/battle"
)

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS strains (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS strain_versions (
		strain_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		code BLOB NOT NULL,
		hash TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (strain_id, version),
		FOREIGN KEY (strain_id) REFERENCES strains(id) ON DELETE CASCADE
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
		internal_error BOOLEAN NOT NULL DEFAULT 0,
		forfeited_by TEXT,
		checksum TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_battles_pair ON battles(strain_a, strain_b)`,
	`CREATE INDEX IF NOT EXISTS idx_battles_created ON battles(created_at)`,
	`CREATE TABLE IF NOT EXISTS battle_log (
		battle_id TEXT NOT NULL,
		turn INTEGER NOT NULL,
		player TEXT NOT NULL,
		outcome TEXT NOT NULL,
		x INTEGER,
		y INTEGER,
		legal BOOLEAN NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (battle_id, turn),
		FOREIGN KEY (battle_id) REFERENCES battles(id) ON DELETE CASCADE
	)`,
}

// Fixed-width timestamps sort correctly as TEXT.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLite is the single-node implementation of Store.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens (or creates) the database file at path.
func OpenSQLite(path string, logger *zap.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	// One writer keeps delete-then-insert free of SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLite{db: db, logger: logger}, nil
}

// Migrate creates the schema if it does not exist.
func (s *SQLite) Migrate(ctx context.Context) error {
	for _, m := range sqliteMigrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return nil
}

// Replace deletes every battle for the ordered pair together with its log
// and inserts r, all in one transaction.
func (s *SQLite) Replace(ctx context.Context, strainA, strainB string, r *battle.Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM battle_log WHERE battle_id IN (SELECT id FROM battles WHERE strain_a = ? AND strain_b = ?)`,
		strainA, strainB); err != nil {
		return fmt.Errorf("failed to delete previous logs: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM battles WHERE strain_a = ? AND strain_b = ?`, strainA, strainB)
	if err != nil {
		return fmt.Errorf("failed to delete previous battles: %w", err)
	}
	replaced, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO battles (id, arena_size, moves_per_round, strain_a, strain_b, hash_a, hash_b,
			winner, score_a, score_b, reason, internal_error, forfeited_by, checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ArenaSize, r.MovesPerRound, strainA, strainB, r.HashA, r.HashB,
		nullString(r.Winner), r.ScoreA, r.ScoreB, r.Reason.String(), r.InternalError,
		nullString(forfeitText(r.ForfeitedBy)), r.Checksum, r.CreatedAt.UTC().Format(sqliteTimeLayout),
	); err != nil {
		return fmt.Errorf("failed to insert battle: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO battle_log (battle_id, turn, player, outcome, x, y, legal, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare log insert: %w", err)
	}
	defer stmt.Close()
	for _, e := range r.Log {
		row := toLogRow(e)
		if _, err := stmt.ExecContext(ctx, r.ID, row.Turn, row.Player, row.Outcome,
			nullInt(row.X), nullInt(row.Y), row.Legal, row.Error); err != nil {
			return fmt.Errorf("failed to insert log entry %d: %w", row.Turn, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug("stored battle",
		zap.String("battle_id", r.ID),
		zap.Int64("replaced", replaced),
		zap.Int("log_rows", len(r.Log)),
	)
	return nil
}

// Get loads a battle and its full log.
func (s *SQLite) Get(ctx context.Context, id string) (*battle.Result, error) {
	r := &battle.Result{ID: id}
	var (
		winner, forfeit   sql.NullString
		reason, createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT arena_size, moves_per_round, strain_a, strain_b, hash_a, hash_b, winner,
			score_a, score_b, reason, internal_error, forfeited_by, checksum, created_at
		FROM battles WHERE id = ?`, id,
	).Scan(&r.ArenaSize, &r.MovesPerRound, &r.StrainA, &r.StrainB, &r.HashA, &r.HashB, &winner,
		&r.ScoreA, &r.ScoreB, &reason, &r.InternalError, &forfeit, &r.Checksum, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("battle %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query battle: %w", err)
	}

	r.Winner = stringPtr(winner)
	if r.Reason, err = parseReason(reason); err != nil {
		return nil, err
	}
	if r.ForfeitedBy, err = parseForfeit(stringPtr(forfeit)); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT turn, player, outcome, x, y, legal, error FROM battle_log WHERE battle_id = ? ORDER BY turn`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query battle log: %w", err)
	}
	defer rows.Close()

	r.Log = []battle.LogEntry{}
	for rows.Next() {
		var row logRow
		var x, y sql.NullInt64
		if err := rows.Scan(&row.Turn, &row.Player, &row.Outcome, &x, &y, &row.Legal, &row.Error); err != nil {
			return nil, fmt.Errorf("failed to scan battle log: %w", err)
		}
		row.X, row.Y = intPtr(x), intPtr(y)
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
func (s *SQLite) List(ctx context.Context, limit int) ([]BattleSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, strain_a, strain_b, winner, score_a, score_b, reason, internal_error, created_at
		FROM battles ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list battles: %w", err)
	}
	defer rows.Close()

	out := []BattleSummary{}
	for rows.Next() {
		var b BattleSummary
		var winner sql.NullString
		var reason, createdAt string
		if err := rows.Scan(&b.ID, &b.StrainA, &b.StrainB, &winner, &b.ScoreA, &b.ScoreB, &reason, &b.InternalError, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan battle: %w", err)
		}
		b.Winner = stringPtr(winner)
		if b.Reason, err = parseReason(reason); err != nil {
			return nil, err
		}
		if b.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CreateStrain registers a new strain without any code.
func (s *SQLite) CreateStrain(ctx context.Context, name string) (*Strain, error) {
	st := &Strain{ID: uuid.NewString(), Name: name, CreatedAt: time.Now().UTC()}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO strains (id, name, created_at) VALUES (?, ?, ?)`,
		st.ID, st.Name, st.CreatedAt.Format(sqliteTimeLayout)); err != nil {
		return nil, fmt.Errorf("failed to create strain: %w", err)
	}
	return st, nil
}

// AddVersion stores code as the next version of the strain.
func (s *SQLite) AddVersion(ctx context.Context, strainID string, code []byte) (*StrainVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM strains WHERE id = ?`, strainID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check strain: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("strain %s: %w", strainID, ErrNotFound)
	}

	v := &StrainVersion{StrainID: strainID, Hash: ContentHash(code), CreatedAt: time.Now().UTC()}
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM strain_versions WHERE strain_id = ?`, strainID,
	).Scan(&v.Version); err != nil {
		return nil, fmt.Errorf("failed to compute next version: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO strain_versions (strain_id, version, code, hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		strainID, v.Version, code, v.Hash, v.CreatedAt.Format(sqliteTimeLayout)); err != nil {
		return nil, fmt.Errorf("failed to insert strain version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return v, nil
}

// LatestPayload returns the newest version of a strain.
func (s *SQLite) LatestPayload(ctx context.Context, ref string) (battle.StrainPayload, error) {
	payload := battle.StrainPayload{Ref: ref}
	err := s.db.QueryRowContext(ctx,
		`SELECT code, hash FROM strain_versions WHERE strain_id = ? ORDER BY version DESC LIMIT 1`, ref,
	).Scan(&payload.Code, &payload.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return battle.StrainPayload{}, fmt.Errorf("no code for strain %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return battle.StrainPayload{}, fmt.Errorf("failed to query strain payload: %w", err)
	}
	return payload, nil
}

// ListStrains returns every strain with its latest version number.
func (s *SQLite) ListStrains(ctx context.Context) ([]Strain, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.name, s.created_at,
			COALESCE((SELECT MAX(version) FROM strain_versions WHERE strain_id = s.id), 0),
			COALESCE((SELECT hash FROM strain_versions WHERE strain_id = s.id ORDER BY version DESC LIMIT 1), '')
		FROM strains s ORDER BY s.created_at, s.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list strains: %w", err)
	}
	defer rows.Close()

	out := []Strain{}
	for rows.Next() {
		var st Strain
		var createdAt string
		if err := rows.Scan(&st.ID, &st.Name, &createdAt, &st.LatestVersion, &st.LatestHash); err != nil {
			return nil, fmt.Errorf("failed to scan strain: %w", err)
		}
		if st.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
