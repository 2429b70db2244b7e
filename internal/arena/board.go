// Package arena holds the territory-capture board, the legality rules and the
// perspective normalization applied before a board is shown to a strain.
package arena

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidArenaSize is returned when a board is requested with a size
	// that cannot hold both seed cells.
	ErrInvalidArenaSize = errors.New("invalid arena size")
	// ErrOutOfBounds is returned when a cell lies outside [0,size)².
	ErrOutOfBounds = errors.New("cell out of bounds")
	// ErrAlreadyOccupied is returned when occupying a non-empty cell.
	ErrAlreadyOccupied = errors.New("cell already occupied")
)

// Player identifies one side of a battle.
type Player int

const (
	PlayerA Player = iota
	PlayerB
)

func (p Player) String() string {
	switch p {
	case PlayerA:
		return "A"
	case PlayerB:
		return "B"
	default:
		return fmt.Sprintf("PLAYER_%d", int(p))
	}
}

// ParsePlayer parses "A" or "B".
func ParsePlayer(s string) (Player, error) {
	switch s {
	case "A", "a":
		return PlayerA, nil
	case "B", "b":
		return PlayerB, nil
	default:
		return 0, fmt.Errorf("unknown player %q", s)
	}
}

func (p Player) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Player) UnmarshalText(text []byte) error {
	parsed, err := ParsePlayer(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Opponent returns the other player
func (p Player) Opponent() Player {
	if p == PlayerA {
		return PlayerB
	}
	return PlayerA
}

// Origin returns the seed cell of the player on a board of the given size.
func (p Player) Origin(size int) Cell {
	if p == PlayerA {
		return Cell{X: 0, Y: 0}
	}
	return Cell{X: size - 1, Y: size - 1}
}

// Cell is an integer board coordinate.
type Cell struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (c Cell) String() string {
	return fmt.Sprintf("(%d,%d)", c.X, c.Y)
}

// Occupancy is the content of a single cell.
type Occupancy uint8

const (
	Empty Occupancy = iota
	OwnedByA
	OwnedByB
)

// OccupancyOf returns the occupancy value representing ownership by p.
func OccupancyOf(p Player) Occupancy {
	if p == PlayerA {
		return OwnedByA
	}
	return OwnedByB
}

// Owner reports the owning player, or false for an empty cell.
func (o Occupancy) Owner() (Player, bool) {
	switch o {
	case OwnedByA:
		return PlayerA, true
	case OwnedByB:
		return PlayerB, true
	default:
		return 0, false
	}
}

func (o Occupancy) OwnedBy(p Player) bool {
	return o == OccupancyOf(p)
}

// Board is an N×N grid of cells. Cells only ever go from Empty to owned.
type Board struct {
	size  int
	cells []Occupancy
}

// NewBoard creates a seeded board: A owns (0,0), B owns (size-1,size-1).
func NewBoard(size int) (*Board, error) {
	if size < 2 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidArenaSize, size)
	}
	b := &Board{
		size:  size,
		cells: make([]Occupancy, size*size),
	}
	b.set(PlayerA.Origin(size), OwnedByA)
	b.set(PlayerB.Origin(size), OwnedByB)
	return b, nil
}

// Size returns the board side length
func (b *Board) Size() int {
	return b.size
}

// InBounds reports whether c lies on the board.
func (b *Board) InBounds(c Cell) bool {
	return c.X >= 0 && c.Y >= 0 && c.X < b.size && c.Y < b.size
}

func (b *Board) index(c Cell) int {
	return c.Y*b.size + c.X
}

func (b *Board) set(c Cell, o Occupancy) {
	b.cells[b.index(c)] = o
}

// At returns the occupancy of c. Out-of-bounds cells read as Empty.
func (b *Board) At(c Cell) Occupancy {
	if !b.InBounds(c) {
		return Empty
	}
	return b.cells[b.index(c)]
}

// Occupy claims an empty cell for player. The board is left untouched on error.
func (b *Board) Occupy(c Cell, player Player) error {
	if !b.InBounds(c) {
		return fmt.Errorf("%w: %s on %dx%d board", ErrOutOfBounds, c, b.size, b.size)
	}
	if b.At(c) != Empty {
		return fmt.Errorf("%w: %s", ErrAlreadyOccupied, c)
	}
	b.set(c, OccupancyOf(player))
	return nil
}

var neighborOffsets = [8]Cell{
	{-1, -1}, {0, -1}, {1, -1},
	{-1, 0}, {1, 0},
	{-1, 1}, {0, 1}, {1, 1},
}

// Neighbors8 returns the in-bounds cells at Chebyshev distance 1 from c.
func (b *Board) Neighbors8(c Cell) []Cell {
	out := make([]Cell, 0, len(neighborOffsets))
	for _, d := range neighborOffsets {
		n := Cell{X: c.X + d.X, Y: c.Y + d.Y}
		if b.InBounds(n) {
			out = append(out, n)
		}
	}
	return out
}

// Count returns how many cells player owns
func (b *Board) Count(player Player) int {
	want := OccupancyOf(player)
	n := 0
	for _, o := range b.cells {
		if o == want {
			n++
		}
	}
	return n
}

// EmptyCount returns the number of unclaimed cells
func (b *Board) EmptyCount() int {
	n := 0
	for _, o := range b.cells {
		if o == Empty {
			n++
		}
	}
	return n
}

// Full reports whether every cell has been claimed.
func (b *Board) Full() bool {
	return b.EmptyCount() == 0
}

// Cells calls fn for every coordinate in row-major order.
func (b *Board) Cells(fn func(Cell, Occupancy)) {
	for y := 0; y < b.size; y++ {
		for x := 0; x < b.size; x++ {
			c := Cell{X: x, Y: y}
			fn(c, b.cells[b.index(c)])
		}
	}
}

// Clone creates a deep copy of the board
func (b *Board) Clone() *Board {
	cells := make([]Occupancy, len(b.cells))
	copy(cells, b.cells)
	return &Board{size: b.size, cells: cells}
}

// Equal reports whether two boards have the same size and contents.
func (b *Board) Equal(other *Board) bool {
	if other == nil || b.size != other.size {
		return false
	}
	for i := range b.cells {
		if b.cells[i] != other.cells[i] {
			return false
		}
	}
	return true
}

// String renders the board with y growing downwards: '.' empty, 'A', 'B'.
func (b *Board) String() string {
	var sb strings.Builder
	sb.Grow(b.size * (b.size + 1))
	for y := 0; y < b.size; y++ {
		for x := 0; x < b.size; x++ {
			switch b.cells[b.index(Cell{X: x, Y: y})] {
			case OwnedByA:
				sb.WriteByte('A')
			case OwnedByB:
				sb.WriteByte('B')
			default:
				sb.WriteByte('.')
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
