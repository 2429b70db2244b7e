package battle

import (
	"compress/gzip"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xypine/codestrain/internal/arena"
)

// ErrCorruptLog is returned when a log cannot be replayed onto a seeded
// board.
var ErrCorruptLog = errors.New("corrupt battle log")

const archiveVersion = 1

// Replay rebuilds the final board from the seeded state by applying the
// Applied entries of log in order. Every applied move must have been legal
// for its player at that point.
func Replay(size int, log []LogEntry) (*arena.Board, error) {
	board, err := arena.NewBoard(size)
	if err != nil {
		return nil, err
	}
	frontier := arena.NewFrontier(board)
	for i, e := range log {
		if err := replayEntry(frontier, e); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrCorruptLog, i, err)
		}
	}
	return board, nil
}

func replayEntry(f *arena.Frontier, e LogEntry) error {
	if e.Outcome != OutcomeApplied {
		return nil
	}
	if e.Move == nil {
		return errors.New("applied entry without a move")
	}
	if !f.Allowed(e.Player).Contains(*e.Move) {
		return fmt.Errorf("move %s was not allowed for %s", *e.Move, e.Player)
	}
	return f.Occupy(*e.Move, e.Player)
}

// Frame is the board after a given number of log entries. Frame 0 is the
// seeded board and has no entry.
type Frame struct {
	Index  int       `json:"index"`
	Entry  *LogEntry `json:"entry,omitempty"`
	ScoreA int       `json:"score_a"`
	ScoreB int       `json:"score_b"`
	Rows   []string  `json:"rows"`
}

func frameOf(index int, entry *LogEntry, b *arena.Board) Frame {
	scoreA, scoreB := Score(b)
	return Frame{
		Index:  index,
		Entry:  entry,
		ScoreA: scoreA,
		ScoreB: scoreB,
		Rows:   strings.Split(strings.TrimSuffix(b.String(), "\n"), "\n"),
	}
}

// Cursor steps through the frames of a finished battle.
type Cursor struct {
	BattleID     string
	Frames       []Frame
	CurrentIndex int
	mu           sync.RWMutex
}

// NewCursor replays r and positions the cursor before the first frame.
func NewCursor(r *Result) (*Cursor, error) {
	board, err := arena.NewBoard(r.ArenaSize)
	if err != nil {
		return nil, err
	}
	frontier := arena.NewFrontier(board)

	frames := make([]Frame, 0, len(r.Log)+1)
	frames = append(frames, frameOf(0, nil, board))
	for i := range r.Log {
		entry := r.Log[i]
		if err := replayEntry(frontier, entry); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrCorruptLog, i, err)
		}
		frames = append(frames, frameOf(i+1, &entry, board))
	}

	return &Cursor{
		BattleID: r.ID,
		Frames:   frames,
	}, nil
}

// Start rewinds to the beginning
func (c *Cursor) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.CurrentIndex = 0
}

// Next returns the frame at the cursor and advances it, or nil at the end.
func (c *Cursor) Next() *Frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.CurrentIndex < len(c.Frames) {
		f := &c.Frames[c.CurrentIndex]
		c.CurrentIndex++
		return f
	}
	return nil
}

// Previous steps back and returns that frame, or nil at the beginning.
func (c *Cursor) Previous() *Frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.CurrentIndex > 0 {
		c.CurrentIndex--
		return &c.Frames[c.CurrentIndex]
	}
	return nil
}

// Skip moves by count frames, clamped to the recorded range.
func (c *Cursor) Skip(count int) *Frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	newIndex := c.CurrentIndex + count
	if newIndex >= len(c.Frames) {
		newIndex = len(c.Frames) - 1
	}
	if newIndex < 0 {
		newIndex = 0
	}

	c.CurrentIndex = newIndex
	return &c.Frames[c.CurrentIndex]
}

// Len returns the number of frames including the seeded board
func (c *Cursor) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.Frames)
}

// Frame returns the frame at index, or nil when out of range.
func (c *Cursor) Frame(index int) *Frame {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if index >= 0 && index < len(c.Frames) {
		return &c.Frames[index]
	}
	return nil
}

// archiveMetadata heads every archive file.
type archiveMetadata struct {
	BattleID   string
	Timestamp  time.Time
	Version    int
	EntryCount int
}

func archivePath(dir, battleID string) string {
	return filepath.Join(dir, fmt.Sprintf("%s.replay", battleID))
}

// SaveArchive writes r as a gzipped gob stream to <dir>/<id>.replay.
func SaveArchive(dir string, r *Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(archivePath(dir, r.ID))
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	gz := gzip.NewWriter(file)
	encoder := gob.NewEncoder(gz)

	metadata := archiveMetadata{
		BattleID:   r.ID,
		Timestamp:  time.Now().UTC(),
		Version:    archiveVersion,
		EntryCount: len(r.Log),
	}
	if err := encoder.Encode(&metadata); err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	header := *r
	header.Log = nil
	if err := encoder.Encode(&header); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	for i := range r.Log {
		if err := encoder.Encode(&r.Log[i]); err != nil {
			return fmt.Errorf("failed to encode entry %d: %w", i, err)
		}
	}

	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to flush archive: %w", err)
	}
	return nil
}

// LoadArchive reads the archive written by SaveArchive for battleID.
func LoadArchive(dir, battleID string) (*Result, error) {
	file, err := os.Open(archivePath(dir, battleID))
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	decoder := gob.NewDecoder(gz)

	var metadata archiveMetadata
	if err := decoder.Decode(&metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if metadata.Version != archiveVersion {
		return nil, fmt.Errorf("unsupported archive version: %d", metadata.Version)
	}

	var r Result
	if err := decoder.Decode(&r); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	r.Log = make([]LogEntry, 0, metadata.EntryCount)
	for i := 0; i < metadata.EntryCount; i++ {
		var e LogEntry
		if err := decoder.Decode(&e); err != nil {
			return nil, fmt.Errorf("failed to decode entry %d: %w", i, err)
		}
		r.Log = append(r.Log, e)
	}

	return &r, nil
}

// Archiver writes finished battles to a directory. A zero directory
// disables it.
type Archiver struct {
	logger *zap.Logger
	dir    string
}

// NewArchiver creates a new archiver
func NewArchiver(logger *zap.Logger, dir string) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{logger: logger, dir: dir}
}

func (a *Archiver) Enabled() bool {
	return a != nil && a.dir != ""
}

// Save archives r if the archiver is enabled.
func (a *Archiver) Save(r *Result) error {
	if !a.Enabled() {
		return nil
	}
	if err := SaveArchive(a.dir, r); err != nil {
		return fmt.Errorf("failed to save replay: %w", err)
	}
	a.logger.Info("saved replay to disk",
		zap.String("battle_id", r.ID),
		zap.Int("entries", len(r.Log)),
		zap.String("directory", a.dir),
	)
	return nil
}

// Load reads a previously archived battle
func (a *Archiver) Load(battleID string) (*Result, error) {
	if !a.Enabled() {
		return nil, errors.New("replay archive is disabled")
	}
	r, err := LoadArchive(a.dir, battleID)
	if err != nil {
		return nil, err
	}
	a.logger.Info("loaded replay from disk",
		zap.String("battle_id", battleID),
		zap.Int("entries", len(r.Log)),
	)
	return r, nil
}
