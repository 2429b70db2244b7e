package sandbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/xypine/codestrain/internal/arena"
)

// Coord is a coordinate on the wire: a two element JSON array [x, y].
type Coord [2]int

// Cell converts the wire coordinate into a board cell.
func (c Coord) Cell() arena.Cell {
	return arena.Cell{X: c[0], Y: c[1]}
}

// CoordOf converts a board cell into its wire form.
func CoordOf(c arena.Cell) Coord {
	return Coord{c.X, c.Y}
}

// WireCell is one board entry on the wire: [[x, y], true|false|null] where
// true marks the acting strain's cells, false its opponent's and null an
// empty cell.
type WireCell struct {
	Coord Coord
	Owner *bool
}

func (w WireCell) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{w.Coord, w.Owner})
}

func (w *WireCell) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("board entry must have 2 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &w.Coord); err != nil {
		return fmt.Errorf("board entry coordinate: %w", err)
	}
	w.Owner = nil
	if bytes.Equal(bytes.TrimSpace(raw[1]), []byte("null")) {
		return nil
	}
	var owner bool
	if err := json.Unmarshal(raw[1], &owner); err != nil {
		return fmt.Errorf("board entry owner: %w", err)
	}
	w.Owner = &owner
	return nil
}

// Input is the payload handed to take_turn.
type Input struct {
	Board   []WireCell `json:"board"`
	Allowed []Coord    `json:"allowed"`
}

// EncodeView converts a canonical board view into the wire input.
func EncodeView(view arena.BoardView) Input {
	in := Input{
		Board:   make([]WireCell, len(view.Cells)),
		Allowed: make([]Coord, len(view.Allowed)),
	}
	for i, vc := range view.Cells {
		wc := WireCell{Coord: CoordOf(vc.Cell)}
		switch vc.Label {
		case arena.Friendly:
			v := true
			wc.Owner = &v
		case arena.Hostile:
			v := false
			wc.Owner = &v
		}
		in.Board[i] = wc
	}
	for i, c := range view.Allowed {
		in.Allowed[i] = CoordOf(c)
	}
	return in
}

// View converts wire input back into a canonical board view of the given
// size.
func (in Input) View(size int) arena.BoardView {
	view := arena.BoardView{
		Size:    size,
		Cells:   make([]arena.ViewCell, len(in.Board)),
		Allowed: make([]arena.Cell, len(in.Allowed)),
	}
	for i, wc := range in.Board {
		label := arena.Vacant
		if wc.Owner != nil {
			if *wc.Owner {
				label = arena.Friendly
			} else {
				label = arena.Hostile
			}
		}
		view.Cells[i] = arena.ViewCell{Cell: wc.Coord.Cell(), Label: label}
	}
	for i, c := range in.Allowed {
		view.Allowed[i] = c.Cell()
	}
	return view
}

// DecodeMove parses a take_turn response. Anything other than an array of
// exactly two 32-bit integers is malformed.
func DecodeMove(data []byte) (arena.Cell, error) {
	var parts []json.Number
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&parts); err != nil {
		return arena.Cell{}, fmt.Errorf("decode move %q: %w", ClipMessage(string(data), 64), err)
	}
	if dec.More() {
		return arena.Cell{}, fmt.Errorf("trailing data after move %q", ClipMessage(string(data), 64))
	}
	if len(parts) != 2 {
		return arena.Cell{}, fmt.Errorf("move must have 2 coordinates, got %d", len(parts))
	}
	var xy [2]int
	for i, p := range parts {
		v, err := p.Int64()
		if err != nil {
			return arena.Cell{}, fmt.Errorf("move coordinate %q is not an integer", ClipMessage(p.String(), 64))
		}
		if v < math.MinInt32 || v > math.MaxInt32 {
			return arena.Cell{}, fmt.Errorf("move coordinate %d out of range", v)
		}
		xy[i] = int(v)
	}
	return arena.Cell{X: xy[0], Y: xy[1]}, nil
}
