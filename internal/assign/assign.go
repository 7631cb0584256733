// Package assign solves the assignment problem: pick at most one column per
// row and one row per column so that the total score is maximal.
//
// The solver is the Kuhn-Munkres (Hungarian) algorithm with row and column
// potentials, O(k^3) for k = max(rows, cols). Results are exact; callers apply
// their own acceptance threshold.
package assign

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrRagged is returned when rows have different lengths.
	ErrRagged = errors.New("score matrix rows differ in length")

	// ErrInvalidScore is returned for NaN or infinite scores.
	ErrInvalidScore = errors.New("score matrix holds NaN or Inf")
)

// Assignment pairs one row with one column.
type Assignment struct {
	Row   int
	Col   int
	Score float64
}

// Solve returns a maximum-weight matching of scores, ordered by row.
//
// A pair with a negative score never raises the total, so such pairs are left
// out. Zero-score pairs may appear. An empty matrix yields no assignments.
func Solve(scores [][]float64) ([]Assignment, error) {
	m := len(scores)
	if m == 0 {
		return nil, nil
	}
	n := len(scores[0])
	for i, row := range scores {
		if len(row) != n {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrRagged, i, len(row), n)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: (%d,%d)", ErrInvalidScore, i, j)
			}
		}
	}
	if n == 0 {
		return nil, nil
	}

	k := max(m, n)
	cost := func(i, j int) float64 {
		if i >= m || j >= n {
			return 0
		}
		return -max(scores[i][j], 0)
	}

	// Potentials and the column->row matching use 1-based indices; index 0
	// is the virtual column that starts each augmenting search.
	u := make([]float64, k+1)
	v := make([]float64, k+1)
	p := make([]int, k+1)
	way := make([]int, k+1)
	minv := make([]float64, k+1)
	used := make([]bool, k+1)

	for i := 1; i <= k; i++ {
		p[0] = i
		j0 := 0
		for j := range minv {
			minv[j] = math.Inf(1)
			used[j] = false
		}

		for {
			used[j0] = true
			i0 := p[j0]
			delta := math.Inf(1)
			j1 := 0
			for j := 1; j <= k; j++ {
				if used[j] {
					continue
				}
				cur := cost(i0-1, j-1) - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			for j := 0; j <= k; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if p[j0] == 0 {
				break
			}
		}

		for j0 != 0 {
			j1 := way[j0]
			p[j0] = p[j1]
			j0 = j1
		}
	}

	rowToCol := make([]int, m)
	for i := range rowToCol {
		rowToCol[i] = -1
	}
	for j := 1; j <= k; j++ {
		row, col := p[j]-1, j-1
		if row < m && col < n {
			rowToCol[row] = col
		}
	}

	out := make([]Assignment, 0, min(m, n))
	for row, col := range rowToCol {
		if col < 0 || scores[row][col] < 0 {
			continue
		}
		out = append(out, Assignment{Row: row, Col: col, Score: scores[row][col]})
	}
	return out, nil
}

// Total sums the scores of as.
func Total(as []Assignment) float64 {
	var sum float64
	for _, a := range as {
		sum += a.Score
	}
	return sum
}
