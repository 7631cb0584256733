// Package matrix stores one comparison result per unordered pair of bibrefs.
//
// Keys get dense positions in insertion order. The pair (i, j) with i < j lives
// at slot i + j*(j-1)/2, a bijection onto [0, N*(N-1)/2). A matrix is built
// fresh for every reclustering and replaced wholesale on the next one.
package matrix

import (
	"fmt"
	"time"

	"github.com/hurttlocker/bibauthor/internal/bibref"
)

// Matrix is a compact symmetric matrix over a fixed bibref universe.
//
// Set is safe to call concurrently for pairs that map to distinct slots.
type Matrix struct {
	keys      []bibref.BibRef
	index     map[bibref.BibRef]int
	cells     []Cell
	createdAt time.Time
	version   int
}

// New builds a matrix over keys with every cell Unknown.
func New(keys []bibref.BibRef, createdAt time.Time, version int) (*Matrix, error) {
	index := make(map[bibref.BibRef]int, len(keys))
	for i, k := range keys {
		if _, ok := index[k]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, k)
		}
		index[k] = i
	}

	return &Matrix{
		keys:      append([]bibref.BibRef(nil), keys...),
		index:     index,
		cells:     make([]Cell, SlotCount(len(keys))),
		createdAt: createdAt,
		version:   version,
	}, nil
}

// SlotCount returns N*(N-1)/2.
func SlotCount(n int) int {
	if n < 2 {
		return 0
	}
	return n * (n - 1) / 2
}

// PairIndex maps two distinct positions to their slot. Order does not matter.
func PairIndex(i, j int) int {
	if i > j {
		i, j = j, i
	}
	return i + j*(j-1)/2
}

func (m *Matrix) slot(a, b bibref.BibRef) (int, error) {
	i, ok := m.index[a]
	if !ok {
		return 0, &KeyError{Key: a}
	}
	j, ok := m.index[b]
	if !ok {
		return 0, &KeyError{Key: b}
	}
	if i == j {
		return 0, fmt.Errorf("%w: %s", ErrSelfPair, a)
	}
	return PairIndex(i, j), nil
}

// Get returns the cell for the unordered pair (a, b).
func (m *Matrix) Get(a, b bibref.BibRef) (Cell, error) {
	s, err := m.slot(a, b)
	if err != nil {
		return Cell{}, err
	}
	return m.cells[s], nil
}

// Set stores c for the unordered pair (a, b).
func (m *Matrix) Set(a, b bibref.BibRef, c Cell) error {
	if !c.valid() {
		return fmt.Errorf("%w: %v for (%s, %s)", ErrScoreRange, c.score, a, b)
	}
	s, err := m.slot(a, b)
	if err != nil {
		return err
	}
	m.cells[s] = c
	return nil
}

// Contains reports whether key is part of the universe.
func (m *Matrix) Contains(key bibref.BibRef) bool {
	_, ok := m.index[key]
	return ok
}

// Len returns the number of keys.
func (m *Matrix) Len() int { return len(m.keys) }

// Slots returns the number of stored pairs.
func (m *Matrix) Slots() int { return len(m.cells) }

// Keys returns the universe in position order.
func (m *Matrix) Keys() []bibref.BibRef {
	return append([]bibref.BibRef(nil), m.keys...)
}

// CreatedAt is the time the matrix was built; reuse decisions compare
// document modification times against it.
func (m *Matrix) CreatedAt() time.Time { return m.createdAt }

// Version is the format version stamped at build time.
func (m *Matrix) Version() int { return m.version }

// Counts tallies cells by state.
func (m *Matrix) Counts() (unknown, forced, scored int) {
	for _, c := range m.cells {
		switch c.kind {
		case cellUnknown:
			unknown++
		case cellScore:
			scored++
		default:
			forced++
		}
	}
	return unknown, forced, scored
}

// Equal reports whether both matrices have the same keys in the same order
// and bit-identical cells. Creation time and version are not compared.
func (m *Matrix) Equal(o *Matrix) bool {
	if m == nil || o == nil {
		return m == o
	}
	if len(m.keys) != len(o.keys) || len(m.cells) != len(o.cells) {
		return false
	}
	for i := range m.keys {
		if m.keys[i] != o.keys[i] {
			return false
		}
	}
	for i := range m.cells {
		if !m.cells[i].Equal(o.cells[i]) {
			return false
		}
	}
	return true
}
