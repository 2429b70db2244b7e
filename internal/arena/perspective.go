package arena

import (
	"errors"
	"fmt"
)

// ErrPerspectiveInvariant signals that a canonical view does not show the
// acting player at (0,0). It indicates a geometry bug and is fatal for the
// battle.
var ErrPerspectiveInvariant = errors.New("perspective invariant violated")

// Label is the tri-state ownership of a cell as seen by the acting player.
type Label uint8

const (
	Vacant Label = iota
	Friendly
	Hostile
)

// Rotate reflects c through the centre of a size×size board. It is its own
// inverse.
func Rotate(c Cell, size int) Cell {
	return Cell{X: size - 1 - c.X, Y: size - 1 - c.Y}
}

// Perspective maps between native board coordinates and the canonical frame
// of one player, in which that player always starts at (0,0).
type Perspective struct {
	player Player
	size   int
}

// PerspectiveFor returns the canonical frame of player
func PerspectiveFor(player Player, size int) Perspective {
	return Perspective{player: player, size: size}
}

func (p Perspective) Player() Player {
	return p.player
}

// Rotated reports whether the frame differs from native coordinates.
func (p Perspective) Rotated() bool {
	return p.player.Origin(p.size) != (Cell{})
}

// Canonical maps a native cell into the player's frame.
func (p Perspective) Canonical(c Cell) Cell {
	if p.Rotated() {
		return Rotate(c, p.size)
	}
	return c
}

// Native maps a cell from the player's frame back onto the real board.
func (p Perspective) Native(c Cell) Cell {
	if p.Rotated() {
		return Rotate(c, p.size)
	}
	return c
}

// LabelFor relabels an occupancy relative to the frame's player.
func (p Perspective) LabelFor(o Occupancy) Label {
	owner, ok := o.Owner()
	switch {
	case !ok:
		return Vacant
	case owner == p.player:
		return Friendly
	default:
		return Hostile
	}
}

// ViewCell is one cell of a canonical board view.
type ViewCell struct {
	Cell  Cell
	Label Label
}

// BoardView is the board as presented to a strain: every cell in the acting
// player's frame plus the allowed moves in the same frame.
type BoardView struct {
	Size    int
	Cells   []ViewCell
	Allowed []Cell
}

// At returns the label of a canonical cell
func (v BoardView) At(c Cell) Label {
	for _, vc := range v.Cells {
		if vc.Cell == c {
			return vc.Label
		}
	}
	return Vacant
}

// View builds the canonical view of b for player together with its allowed
// moves, and checks that the acting player sits at the canonical origin.
func View(b *Board, player Player, allowed MoveSet) (BoardView, error) {
	p := PerspectiveFor(player, b.Size())
	view := BoardView{
		Size:    b.Size(),
		Cells:   make([]ViewCell, b.Size()*b.Size()),
		Allowed: make([]Cell, 0, allowed.Len()),
	}
	b.Cells(func(c Cell, o Occupancy) {
		canon := p.Canonical(c)
		view.Cells[canon.Y*b.Size()+canon.X] = ViewCell{Cell: canon, Label: p.LabelFor(o)}
	})
	for _, c := range allowed.cells {
		view.Allowed = append(view.Allowed, p.Canonical(c))
	}
	if origin := view.Cells[0]; origin.Cell != (Cell{}) || origin.Label != Friendly {
		return BoardView{}, fmt.Errorf("%w: player %s sees %v at %s", ErrPerspectiveInvariant, player, origin.Label, origin.Cell)
	}
	return view, nil
}
