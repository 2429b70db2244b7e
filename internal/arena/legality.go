package arena

import "sort"

// MoveSet is the set of cells a player may claim on a given turn. Iteration
// order is row-major so that identical boards always yield identical sets.
type MoveSet struct {
	cells []Cell
	index map[Cell]struct{}
}

func newMoveSet(cells []Cell) MoveSet {
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Y != cells[j].Y {
			return cells[i].Y < cells[j].Y
		}
		return cells[i].X < cells[j].X
	})
	index := make(map[Cell]struct{}, len(cells))
	for _, c := range cells {
		index[c] = struct{}{}
	}
	return MoveSet{cells: cells, index: index}
}

func (m MoveSet) Len() int {
	return len(m.cells)
}

// Empty reports whether no move is available, which makes the turn a skip.
func (m MoveSet) Empty() bool {
	return len(m.cells) == 0
}

// Contains reports whether c is an allowed move.
func (m MoveSet) Contains(c Cell) bool {
	_, ok := m.index[c]
	return ok
}

// Cells returns a copy of the allowed cells in row-major order.
func (m MoveSet) Cells() []Cell {
	out := make([]Cell, len(m.cells))
	copy(out, m.cells)
	return out
}

// AllowedMoves returns every empty cell with at least one 8-neighbour owned
// by player.
func AllowedMoves(b *Board, player Player) MoveSet {
	cells := make([]Cell, 0)
	b.Cells(func(c Cell, o Occupancy) {
		if o != Empty {
			return
		}
		for _, n := range b.Neighbors8(c) {
			if b.At(n).OwnedBy(player) {
				cells = append(cells, c)
				return
			}
		}
	})
	return newMoveSet(cells)
}

// Frontier tracks, per player, the empty cells adjacent to that player's
// territory. Each Occupy only revisits the claimed cell and its neighbours,
// so a turn costs O(1) instead of a full board scan.
type Frontier struct {
	board *Board
	open  [2]map[Cell]struct{}
}

// NewFrontier builds a tracker for b. All further mutations of b must go
// through the tracker.
func NewFrontier(b *Board) *Frontier {
	f := &Frontier{board: b}
	for _, p := range []Player{PlayerA, PlayerB} {
		f.open[p] = make(map[Cell]struct{})
		for _, c := range AllowedMoves(b, p).cells {
			f.open[p][c] = struct{}{}
		}
	}
	return f
}

// Board returns the tracked board
func (f *Frontier) Board() *Board {
	return f.board
}

// Occupy claims c for player and refreshes the dirty neighbourhood.
func (f *Frontier) Occupy(c Cell, player Player) error {
	if err := f.board.Occupy(c, player); err != nil {
		return err
	}
	delete(f.open[PlayerA], c)
	delete(f.open[PlayerB], c)
	for _, n := range f.board.Neighbors8(c) {
		if f.board.At(n) == Empty {
			f.open[player][n] = struct{}{}
		}
	}
	return nil
}

// Allowed returns the current move set for player
func (f *Frontier) Allowed(player Player) MoveSet {
	cells := make([]Cell, 0, len(f.open[player]))
	for c := range f.open[player] {
		cells = append(cells, c)
	}
	return newMoveSet(cells)
}
