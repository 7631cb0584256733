package assign

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSolveUniqueOptimum(t *testing.T) {
	scores := [][]float64{
		{0.1, 0.9, 0.2},
		{0.7, 0.3, 0.1},
		{0.2, 0.1, 0.5},
	}
	got, err := Solve(scores)
	require.NoError(t, err)
	require.Equal(t, []Assignment{
		{Row: 0, Col: 1, Score: 0.9},
		{Row: 1, Col: 0, Score: 0.7},
		{Row: 2, Col: 2, Score: 0.5},
	}, got)
}

func TestSolveEmpty(t *testing.T) {
	got, err := Solve(nil)
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = Solve([][]float64{{}, {}})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestSolveRectangular(t *testing.T) {
	wide := [][]float64{
		{0.2, 0.9, 0.4, 0.1},
		{0.8, 0.85, 0.1, 0.3},
	}
	got, err := Solve(wide)
	require.NoError(t, err)
	require.Equal(t, []Assignment{
		{Row: 0, Col: 1, Score: 0.9},
		{Row: 1, Col: 0, Score: 0.8},
	}, got)

	tall := [][]float64{
		{0.5},
		{0.95},
		{0.7},
	}
	got, err = Solve(tall)
	require.NoError(t, err)
	require.Equal(t, []Assignment{{Row: 1, Col: 0, Score: 0.95}}, got)
}

func TestSolveExcludesNegative(t *testing.T) {
	scores := [][]float64{
		{-0.5, -0.2},
		{-0.1, 0.4},
	}
	got, err := Solve(scores)
	require.NoError(t, err)
	require.Equal(t, []Assignment{{Row: 1, Col: 1, Score: 0.4}}, got)
}

func TestSolveNoThreshold(t *testing.T) {
	got, err := Solve([][]float64{{0.01}})
	require.NoError(t, err)
	require.Equal(t, []Assignment{{Row: 0, Col: 0, Score: 0.01}}, got)
}

func TestSolveInvalid(t *testing.T) {
	_, err := Solve([][]float64{{0.1, 0.2}, {0.3}})
	require.ErrorIs(t, err, ErrRagged)

	_, err = Solve([][]float64{{math.NaN()}})
	require.ErrorIs(t, err, ErrInvalidScore)

	_, err = Solve([][]float64{{math.Inf(1)}})
	require.ErrorIs(t, err, ErrInvalidScore)
}

func TestSolveDeterministic(t *testing.T) {
	scores := [][]float64{
		{0.5, 0.5, 0.5},
		{0.5, 0.5, 0.5},
		{0.5, 0.5, 0.5},
	}
	first, err := Solve(scores)
	require.NoError(t, err)
	require.Len(t, first, 3)
	for i := 0; i < 10; i++ {
		again, err := Solve(scores)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

// bruteForce enumerates every partial injection of rows into columns.
func bruteForce(scores [][]float64) float64 {
	m, n := len(scores), len(scores[0])
	usedCols := make([]bool, n)
	var rec func(row int) float64
	rec = func(row int) float64 {
		if row == m {
			return 0
		}
		best := rec(row + 1)
		for c := 0; c < n; c++ {
			if usedCols[c] {
				continue
			}
			usedCols[c] = true
			if v := scores[row][c] + rec(row+1); v > best {
				best = v
			}
			usedCols[c] = false
		}
		return best
	}
	return rec(0)
}

func TestSolveMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 300; trial++ {
		m := 1 + rng.Intn(5)
		n := 1 + rng.Intn(5)
		scores := make([][]float64, m)
		for i := range scores {
			scores[i] = make([]float64, n)
			for j := range scores[i] {
				scores[i][j] = rng.Float64()*1.4 - 0.4
			}
		}

		got, err := Solve(scores)
		require.NoError(t, err)

		rows := map[int]bool{}
		cols := map[int]bool{}
		for _, a := range got {
			require.False(t, rows[a.Row], "row reused")
			require.False(t, cols[a.Col], "col reused")
			rows[a.Row], cols[a.Col] = true, true
			require.Equal(t, scores[a.Row][a.Col], a.Score)
		}
		require.InDelta(t, bruteForce(scores), Total(got), 1e-9, "trial %d: %v", trial, scores)
	}
}
