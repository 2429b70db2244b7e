package battle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrChecksumMismatch is returned by Verify when the stored checksum does
	// not match the record.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrResultMismatch is returned by Verify when the replayed log does not
	// reproduce the stored scores or winner.
	ErrResultMismatch = errors.New("result does not match replay")
)

// ComputeChecksum returns the hex SHA-256 of a canonical text rendering of
// the result. Free-text fields are quoted so no two records render alike. The id and creation time are excluded, so two runs of the
// same deterministic battle share a checksum.
func ComputeChecksum(r *Result) string {
	sum := sha256.Sum256(canonicalRepresentation(r))
	return hex.EncodeToString(sum[:])
}

func canonicalRepresentation(r *Result) []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "BATTLE:%d|%d|%q|%q|%q|%q\n",
		r.ArenaSize,
		r.MovesPerRound,
		r.StrainA,
		r.StrainB,
		r.HashA,
		r.HashB,
	)

	winner := "-"
	if r.Winner != nil {
		winner = strconv.Quote(*r.Winner)
	}
	forfeit := "-"
	if r.ForfeitedBy != nil {
		forfeit = r.ForfeitedBy.String()
	}
	fmt.Fprintf(&buf, "RESULT:%d|%d|%s|%s|%t|%s\n",
		r.ScoreA,
		r.ScoreB,
		winner,
		r.Reason,
		r.InternalError,
		forfeit,
	)

	// Log order is the replay order; never sort it.
	for _, e := range r.Log {
		move := "-"
		if e.Move != nil {
			move = e.Move.String()
		}
		fmt.Fprintf(&buf, "TURN:%d|%s|%s|%s|%t|%q\n",
			e.Turn,
			e.Player,
			e.Outcome,
			move,
			e.Legal,
			e.Error,
		)
	}

	return buf.Bytes()
}

// Verify replays the log of r from the seeded board and checks that it
// reproduces the stored scores, winner, turn order and checksum.
func Verify(r *Result) error {
	board, err := Replay(r.ArenaSize, r.Log)
	if err != nil {
		return err
	}

	if r.MovesPerRound > 0 {
		for i, e := range r.Log {
			if want := PlayerForMove(i, r.MovesPerRound); e.Player != want {
				return fmt.Errorf("%w: turn %d played by %s, expected %s", ErrResultMismatch, i, e.Player, want)
			}
		}
	}

	scoreA, scoreB := Score(board)
	if scoreA != r.ScoreA || scoreB != r.ScoreB {
		return fmt.Errorf("%w: replay scores %d-%d, stored %d-%d", ErrResultMismatch, scoreA, scoreB, r.ScoreA, r.ScoreB)
	}

	side, ok := decideWinner(scoreA, scoreB, r.ForfeitedBy)
	switch {
	case !ok && r.Winner != nil:
		return fmt.Errorf("%w: stored winner %q for a draw", ErrResultMismatch, *r.Winner)
	case ok && (r.Winner == nil || *r.Winner != r.Ref(side)):
		return fmt.Errorf("%w: winner should be side %s", ErrResultMismatch, side)
	}

	if r.ForfeitedBy != nil && r.Reason != ReasonForfeit {
		return fmt.Errorf("%w: forfeit recorded with reason %s", ErrResultMismatch, r.Reason)
	}

	if got := ComputeChecksum(r); got != r.Checksum {
		return fmt.Errorf("%w: computed %s, stored %s", ErrChecksumMismatch, got, r.Checksum)
	}
	return nil
}
