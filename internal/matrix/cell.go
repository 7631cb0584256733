package matrix

import (
	"fmt"
	"math"
)

type cellKind uint8

const (
	cellUnknown cellKind = iota
	cellForcedSame
	cellForcedDifferent
	cellScore
)

// On-disk values for the sentinels. They sit outside the legal [0,1] score
// range so a single float64 array can carry both.
const (
	unknownValue   = -3.0
	sameValue      = -2.0
	differentValue = -1.0
)

// Cell is one comparison result: Unknown, a forced decision, or a score in [0,1].
// The zero value is Unknown.
type Cell struct {
	kind  cellKind
	score float64
}

// Unknown returns the "not computed" cell.
func Unknown() Cell { return Cell{} }

// Forced returns a cell recording a decision that bypasses scoring:
// same=true means "definitely the same person", false "definitely different".
func Forced(same bool) Cell {
	if same {
		return Cell{kind: cellForcedSame}
	}
	return Cell{kind: cellForcedDifferent}
}

// Score returns a cell holding a similarity score. Range is checked by Set.
func Score(v float64) Cell {
	return Cell{kind: cellScore, score: v}
}

// IsUnknown reports whether the cell was never computed.
func (c Cell) IsUnknown() bool { return c.kind == cellUnknown }

// Forced returns the forced decision, if the cell holds one.
func (c Cell) Forced() (same bool, ok bool) {
	switch c.kind {
	case cellForcedSame:
		return true, true
	case cellForcedDifferent:
		return false, true
	default:
		return false, false
	}
}

// Value returns the score, if the cell holds one.
func (c Cell) Value() (float64, bool) {
	if c.kind != cellScore {
		return 0, false
	}
	return c.score, true
}

// Equal compares cells bit for bit.
func (c Cell) Equal(o Cell) bool {
	return math.Float64bits(c.encode()) == math.Float64bits(o.encode())
}

func (c Cell) String() string {
	switch c.kind {
	case cellForcedSame:
		return "+"
	case cellForcedDifferent:
		return "-"
	case cellScore:
		return fmt.Sprintf("%.4f", c.score)
	default:
		return "?"
	}
}

func (c Cell) valid() bool {
	if c.kind != cellScore {
		return true
	}
	return !math.IsNaN(c.score) && c.score >= 0 && c.score <= 1
}

func (c Cell) encode() float64 {
	switch c.kind {
	case cellForcedSame:
		return sameValue
	case cellForcedDifferent:
		return differentValue
	case cellScore:
		return c.score
	default:
		return unknownValue
	}
}

func decodeCell(v float64) (Cell, bool) {
	switch v {
	case unknownValue:
		return Cell{}, true
	case sameValue:
		return Cell{kind: cellForcedSame}, true
	case differentValue:
		return Cell{kind: cellForcedDifferent}, true
	}
	c := Score(v)
	return c, c.valid()
}
