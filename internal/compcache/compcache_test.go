package compcache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hurttlocker/bibauthor/internal/bibref"
	"github.com/hurttlocker/bibauthor/internal/cluster"
	"github.com/hurttlocker/bibauthor/internal/matrix"
	"github.com/hurttlocker/bibauthor/internal/namesim"
	"github.com/stretchr/testify/require"
)

// --- Helpers ---

type fakeOracle struct {
	calls   atomic.Int64
	mu      sync.Mutex
	seen    map[[2]bibref.BibRef]int
	failOn  *bibref.BibRef
	unknown map[bibref.BibRef]bool
	zero    bool
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{seen: make(map[[2]bibref.BibRef]int)}
}

func (o *fakeOracle) Compare(_ context.Context, a, b bibref.BibRef) (matrix.Cell, error) {
	o.calls.Add(1)
	key := [2]bibref.BibRef{a, b}
	if b.Less(a) {
		key = [2]bibref.BibRef{b, a}
	}
	o.mu.Lock()
	o.seen[key]++
	o.mu.Unlock()

	if o.failOn != nil && (a == *o.failOn || b == *o.failOn) {
		return matrix.Cell{}, errors.New("backend unavailable")
	}
	if o.unknown[a] || o.unknown[b] {
		return matrix.Unknown(), nil
	}
	if o.zero {
		return matrix.Score(0), nil
	}
	if a.Doc == b.Doc {
		return matrix.Forced(false), nil
	}
	return matrix.Score(float64((a.Ref+b.Ref)%10) / 10), nil
}

type fakeTracker struct {
	changed map[bibref.BibRef]bool
	calls   int
	since   time.Time
}

func (t *fakeTracker) UnmodifiedSince(_ context.Context, refs []bibref.BibRef, since time.Time) (map[bibref.BibRef]struct{}, error) {
	t.calls++
	t.since = since
	out := make(map[bibref.BibRef]struct{}, len(refs))
	for _, r := range refs {
		if !t.changed[r] {
			out[r] = struct{}{}
		}
	}
	return out, nil
}

func ref(r, doc int64) bibref.BibRef {
	return bibref.BibRef{Kind: bibref.KindAuthor, Ref: r, Doc: doc}
}

// testSet builds clusters {1,2} {3} {4,5,6} {7}; cluster 3 hates cluster 0.
// Eligible pairs: 0-1:2, 0-2:6, 1-2:3, 1-3:1, 2-3:3 (0-3 hated) = 15.
func testSet(t *testing.T) *cluster.Set {
	t.Helper()
	s := cluster.NewSet()
	for _, refs := range [][]bibref.BibRef{
		{ref(1, 10), ref(2, 11)},
		{ref(3, 12)},
		{ref(4, 13), ref(5, 14), ref(6, 12)},
		{ref(7, 15)},
	} {
		_, err := s.Add("", refs...)
		require.NoError(t, err)
	}
	require.NoError(t, s.Hate(3, 0))
	return s
}

const eligiblePairs = 15

func steppingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Unix(1700000000, 0)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Minute)
		return now
	}
}

// --- Tests ---

func TestRecalculateFromScratch(t *testing.T) {
	dir := t.TempDir()
	oracle := newFakeOracle()
	c := New(dir, oracle, &fakeTracker{}, WithClock(steppingClock()))

	m, stats, err := c.Recalculate(context.Background(), "smith", testSet(t))
	require.NoError(t, err)
	require.Equal(t, "missing", stats.OldCache)
	require.Equal(t, 7, stats.Keys)
	require.Equal(t, 1, stats.SkippedHates)
	require.Equal(t, 5, stats.ClusterPairs)
	require.Equal(t, eligiblePairs, stats.Computed)
	require.Zero(t, stats.Reused)
	require.EqualValues(t, eligiblePairs, oracle.calls.Load())
	for pair, n := range oracle.seen {
		require.Equal(t, 1, n, "pair %v compared %d times", pair, n)
	}

	// Intra-cluster and hated pairs are never computed.
	cell, err := m.Get(ref(1, 10), ref(2, 11))
	require.NoError(t, err)
	require.True(t, cell.IsUnknown())
	cell, err = m.Get(ref(7, 15), ref(1, 10))
	require.NoError(t, err)
	require.True(t, cell.IsUnknown())

	// Same document -> forced different.
	cell, err = m.Get(ref(3, 12), ref(6, 12))
	require.NoError(t, err)
	same, ok := cell.Forced()
	require.True(t, ok)
	require.False(t, same)

	loaded, err := c.Load("smith")
	require.NoError(t, err)
	require.True(t, m.Equal(loaded))
}

func TestRecalculateReusesFreshCache(t *testing.T) {
	dir := t.TempDir()
	clock := steppingClock()

	first, _, err := New(dir, newFakeOracle(), &fakeTracker{}, WithClock(clock)).
		Recalculate(context.Background(), "smith", testSet(t))
	require.NoError(t, err)

	oracle := newFakeOracle()
	tracker := &fakeTracker{}
	second, stats, err := New(dir, oracle, tracker, WithClock(clock)).
		Recalculate(context.Background(), "smith", testSet(t))
	require.NoError(t, err)

	require.Equal(t, "loaded", stats.OldCache)
	require.Zero(t, oracle.calls.Load())
	require.Equal(t, eligiblePairs, stats.Reused)
	require.True(t, first.Equal(second))
	require.Equal(t, 1, tracker.calls)
	require.True(t, tracker.since.Equal(first.CreatedAt()))
	require.True(t, second.CreatedAt().After(first.CreatedAt()))
}

func TestRecalculateRecomputesChangedRefs(t *testing.T) {
	dir := t.TempDir()
	clock := steppingClock()
	_, _, err := New(dir, newFakeOracle(), &fakeTracker{}, WithClock(clock)).
		Recalculate(context.Background(), "smith", testSet(t))
	require.NoError(t, err)

	oracle := newFakeOracle()
	tracker := &fakeTracker{changed: map[bibref.BibRef]bool{ref(3, 12): true}}
	_, stats, err := New(dir, oracle, tracker, WithClock(clock)).
		Recalculate(context.Background(), "smith", testSet(t))
	require.NoError(t, err)

	// ref 3 is alone in cluster 1, paired with clusters 0 (2 refs), 2 (3), 3 (1).
	require.Equal(t, 6, stats.Computed)
	require.Equal(t, eligiblePairs-6, stats.Reused)
	for pair := range oracle.seen {
		require.True(t, pair[0] == ref(3, 12) || pair[1] == ref(3, 12), "unexpected recompute of %v", pair)
	}
}

func TestRecalculateNewRefsAreComputed(t *testing.T) {
	dir := t.TempDir()
	clock := steppingClock()
	_, _, err := New(dir, newFakeOracle(), &fakeTracker{}, WithClock(clock)).
		Recalculate(context.Background(), "smith", testSet(t))
	require.NoError(t, err)

	grown := testSet(t)
	_, err = grown.Add("", ref(8, 16))
	require.NoError(t, err)

	oracle := newFakeOracle()
	_, stats, err := New(dir, oracle, &fakeTracker{}, WithClock(clock)).
		Recalculate(context.Background(), "smith", grown)
	require.NoError(t, err)
	require.Equal(t, 7, stats.Computed)
	require.Equal(t, eligiblePairs, stats.Reused)
}

func TestRecalculateVersionBumpForcesFullRecompute(t *testing.T) {
	// A bumped version rebuilds once; a negative version rebuilds on every run.
	for version, runs := range map[int]int{FormatVersion + 1: 1, -1: 2} {
		dir := t.TempDir()
		clock := steppingClock()
		_, _, err := New(dir, newFakeOracle(), &fakeTracker{}, WithClock(clock)).
			Recalculate(context.Background(), "smith", testSet(t))
		require.NoError(t, err)

		for run := 0; run < runs; run++ {
			oracle := newFakeOracle()
			_, stats, err := New(dir, oracle, &fakeTracker{}, WithClock(clock), WithVersion(version)).
				Recalculate(context.Background(), "smith", testSet(t))
			require.NoError(t, err)
			require.EqualValues(t, eligiblePairs, oracle.calls.Load(), "version %d run %d", version, run)
			for pair, n := range oracle.seen {
				require.Equal(t, 1, n, "pair %v", pair)
			}
			if version < 0 {
				require.Equal(t, "disabled", stats.OldCache)
			} else {
				require.Equal(t, "stale", stats.OldCache)
			}
		}
	}
}

func TestRecalculateOracleFailureKeepsOldMatrix(t *testing.T) {
	dir := t.TempDir()
	clock := steppingClock()
	first, _, err := New(dir, newFakeOracle(), &fakeTracker{}, WithClock(clock)).
		Recalculate(context.Background(), "smith", testSet(t))
	require.NoError(t, err)

	failing := newFakeOracle()
	bad := ref(5, 14)
	failing.failOn = &bad
	tracker := &fakeTracker{changed: map[bibref.BibRef]bool{bad: true}}
	m, _, err := New(dir, failing, tracker, WithClock(clock), WithWorkers(2)).
		Recalculate(context.Background(), "smith", testSet(t))
	require.ErrorIs(t, err, ErrOracle)
	require.Nil(t, m)

	persisted, err := matrix.Load(filepath.Join(dir, "smith"), FormatVersion)
	require.NoError(t, err)
	require.True(t, first.Equal(persisted))
	require.True(t, first.CreatedAt().Equal(persisted.CreatedAt()))
}

func TestRecalculateCorruptCacheIsMiss(t *testing.T) {
	dir := t.TempDir()
	clock := steppingClock()
	c := New(dir, newFakeOracle(), &fakeTracker{}, WithClock(clock), WithCodec(matrix.CodecZstd))
	_, _, err := c.Recalculate(context.Background(), "smith", testSet(t))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(c.BucketDir("smith"), matrix.ScoresFile), []byte("garbage"), 0o644))

	oracle := newFakeOracle()
	_, stats, err := New(dir, oracle, &fakeTracker{}, WithClock(clock), WithCodec(matrix.CodecZstd)).
		Recalculate(context.Background(), "smith", testSet(t))
	require.NoError(t, err)
	require.Equal(t, "corrupt", stats.OldCache)
	require.EqualValues(t, eligiblePairs, oracle.calls.Load())

	_, err = c.Load("smith")
	require.NoError(t, err)
}

func TestRecalculateReusesZeroScores(t *testing.T) {
	dir := t.TempDir()
	clock := steppingClock()
	zero := newFakeOracle()
	zero.zero = true
	_, _, err := New(dir, zero, &fakeTracker{}, WithClock(clock)).
		Recalculate(context.Background(), "smith", testSet(t))
	require.NoError(t, err)

	oracle := newFakeOracle()
	_, stats, err := New(dir, oracle, &fakeTracker{}, WithClock(clock)).
		Recalculate(context.Background(), "smith", testSet(t))
	require.NoError(t, err)
	require.Zero(t, oracle.calls.Load())
	require.Equal(t, eligiblePairs, stats.Reused)
}

func TestRecalculateNeverReusesUnknown(t *testing.T) {
	dir := t.TempDir()
	clock := steppingClock()
	first := newFakeOracle()
	first.unknown = map[bibref.BibRef]bool{ref(7, 15): true}
	_, _, err := New(dir, first, &fakeTracker{}, WithClock(clock)).
		Recalculate(context.Background(), "smith", testSet(t))
	require.NoError(t, err)

	oracle := newFakeOracle()
	_, stats, err := New(dir, oracle, &fakeTracker{}, WithClock(clock)).
		Recalculate(context.Background(), "smith", testSet(t))
	require.NoError(t, err)
	// ref 7 pairs with cluster 1 (1 ref) and cluster 2 (3 refs).
	require.Equal(t, 4, stats.Computed)
}

func TestRecalculateClearsMemo(t *testing.T) {
	memo := namesim.NewMemo()
	memo.Similarity("A Smith", "B Smith")
	c := New(t.TempDir(), newFakeOracle(), &fakeTracker{}, WithMemo(memo, 10))

	_, _, err := c.Recalculate(context.Background(), "smith", testSet(t))
	require.NoError(t, err)
	require.Zero(t, memo.Len())
}

func TestRecalculateDebugCheck(t *testing.T) {
	dir := t.TempDir()
	clock := steppingClock()
	_, _, err := New(dir, newFakeOracle(), &fakeTracker{}, WithClock(clock)).
		Recalculate(context.Background(), "smith", testSet(t))
	require.NoError(t, err)

	zero := newFakeOracle()
	zero.zero = true
	_, stats, err := New(dir, zero, &fakeTracker{}, WithClock(clock), WithDebugCheck(true)).
		Recalculate(context.Background(), "smith", testSet(t))
	require.NoError(t, err)
	require.Equal(t, eligiblePairs, stats.Reused)
	require.Positive(t, stats.Mismatches)
}

func TestSanitizeBucket(t *testing.T) {
	require.Equal(t, "smith", sanitizeBucket("Smith"))
	require.Equal(t, "garcia-lopez", sanitizeBucket("garcia-lopez"))
	require.Equal(t, "_", sanitizeBucket("_"))

	for _, b := range []string{"o'brien", "../", "", "иванов", "müller"} {
		name := sanitizeBucket(b)
		require.NotEmpty(t, name)
		require.Contains(t, name, ".", "bucket %q", b)
		require.NotContains(t, name, "/", "bucket %q", b)
		require.NotEqual(t, "..", name)
		require.Equal(t, name, sanitizeBucket(b), "bucket %q must map stably", b)
	}
	require.True(t, strings.HasPrefix(sanitizeBucket("иванов"), "иванов."))
	require.True(t, strings.HasPrefix(sanitizeBucket("o'brien"), "o_brien."))
}

func TestBucketDirsAreDistinct(t *testing.T) {
	c := New(t.TempDir(), nil, nil)
	buckets := []string{"иванов", "петров", "o'brien", "o_brien", "o-brien", "müller", "muller", "mueller", "", "_", "../", "___"}
	seen := make(map[string]string, len(buckets))
	for _, b := range buckets {
		dir := c.BucketDir(b)
		require.Equal(t, c.dir, filepath.Dir(dir), "bucket %q escapes the cache dir", b)
		if prev, ok := seen[dir]; ok {
			t.Fatalf("buckets %q and %q share %s", prev, b, dir)
		}
		seen[dir] = b
	}
}
