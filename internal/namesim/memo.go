package namesim

import "sync"

// Memo caches Similarity results for unordered name pairs. It is safe for
// concurrent use. Owners call Clear at their own checkpoints; a cleared entry
// is simply recomputed. A nil *Memo computes without caching.
type Memo struct {
	mu     sync.RWMutex
	scores map[[2]string]float64
}

// NewMemo returns an empty memo.
func NewMemo() *Memo {
	return &Memo{scores: make(map[[2]string]float64)}
}

// Similarity returns Similarity(a, b), computing it at most once per pair
// between clears.
func (m *Memo) Similarity(a, b string) float64 {
	if m == nil {
		return Similarity(a, b)
	}
	if a > b {
		a, b = b, a
	}
	key := [2]string{a, b}

	m.mu.RLock()
	v, ok := m.scores[key]
	m.mu.RUnlock()
	if ok {
		return v
	}

	v = Similarity(a, b)
	m.mu.Lock()
	m.scores[key] = v
	m.mu.Unlock()
	return v
}

// Len returns the number of cached pairs.
func (m *Memo) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.scores)
}

// Clear drops every cached pair.
func (m *Memo) Clear() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.scores = make(map[[2]string]float64)
	m.mu.Unlock()
}
