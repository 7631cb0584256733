// Package compcache keeps one persisted comparison matrix per surname bucket
// and rebuilds it over a cluster set, reusing scores whose documents have not
// changed since the previous build.
package compcache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/gofrs/flock"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/hurttlocker/bibauthor/internal/bibref"
	"github.com/hurttlocker/bibauthor/internal/cluster"
	"github.com/hurttlocker/bibauthor/internal/logging"
	"github.com/hurttlocker/bibauthor/internal/matrix"
	"github.com/hurttlocker/bibauthor/internal/namesim"
)

const (
	// FormatVersion is the matrix format this code reads and writes.
	// Persisted matrices with any other version are rebuilt from scratch.
	FormatVersion = 1

	// DefaultWorkers is the number of cluster pairs compared in parallel.
	DefaultWorkers = 4

	// DefaultMemoLimit clears the name memo once it holds this many pairs.
	DefaultMemoLimit = 500_000

	lockFile        = ".lock"
	maxBucketPrefix = 48
	lockRetryDelay  = 50 * time.Millisecond
)

// ErrOracle wraps any failure of the comparison oracle.
var ErrOracle = errors.New("comparison oracle failed")

// Oracle scores one pair of bibrefs.
type Oracle interface {
	Compare(ctx context.Context, a, b bibref.BibRef) (matrix.Cell, error)
}

// ChangeTracker reports which refs sit on documents unmodified since a time.
type ChangeTracker interface {
	UnmodifiedSince(ctx context.Context, refs []bibref.BibRef, since time.Time) (map[bibref.BibRef]struct{}, error)
}

// Stats summarizes one Recalculate run. The counters are informational.
type Stats struct {
	Bucket       string        `json:"bucket"`
	Keys         int           `json:"keys"`
	ClusterPairs int           `json:"cluster_pairs"`
	SkippedHates int           `json:"skipped_hates"`
	Computed     int           `json:"computed"`
	Reused       int           `json:"reused"`
	Mismatches   int           `json:"mismatches,omitempty"`
	OldCache     string        `json:"old_cache"` // "loaded", "missing", "stale", "corrupt", "disabled"
	Duration     time.Duration `json:"duration"`
}

// Cache owns the persisted matrices under one directory.
type Cache struct {
	dir        string
	oracle     Oracle
	tracker    ChangeTracker
	version    int
	workers    int
	codec      matrix.Codec
	memo       *namesim.Memo
	memoLimit  int
	debugCheck bool
	logger     *logging.Logger
	now        func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithVersion overrides the expected format version. A negative version
// disables reuse entirely and stamps every written matrix as stale.
func WithVersion(v int) Option { return func(c *Cache) { c.version = v } }

// WithWorkers sets how many cluster pairs are compared in parallel.
func WithWorkers(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithCodec selects the on-disk compression of the score array.
func WithCodec(codec matrix.Codec) Option { return func(c *Cache) { c.codec = codec } }

// WithMemo hands the cache the name memo shared with the oracle, cleared
// whenever it grows past limit and at the end of each run.
func WithMemo(m *namesim.Memo, limit int) Option {
	return func(c *Cache) {
		c.memo = m
		if limit > 0 {
			c.memoLimit = limit
		}
	}
}

// WithDebugCheck recomputes every reused cell and logs disagreements.
func WithDebugCheck(on bool) Option { return func(c *Cache) { c.debugCheck = on } }

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// New creates a cache rooted at dir.
func New(dir string, oracle Oracle, tracker ChangeTracker, opts ...Option) *Cache {
	c := &Cache{
		dir:       dir,
		oracle:    oracle,
		tracker:   tracker,
		version:   FormatVersion,
		workers:   DefaultWorkers,
		memoLimit: DefaultMemoLimit,
		logger:    logging.Noop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BucketDir returns the directory holding the artifacts of bucket.
func (c *Cache) BucketDir(bucket string) string {
	return filepath.Join(c.dir, sanitizeBucket(bucket))
}

// Load returns the persisted matrix of bucket.
func (c *Cache) Load(bucket string) (*matrix.Matrix, error) {
	return matrix.Load(c.BucketDir(bucket), c.version)
}

type clusterPair struct {
	a, b *cluster.Cluster
}

// Recalculate builds a new matrix over the whole universe of set and
// persists it for bucket. Pairs inside one cluster and pairs between hating
// clusters stay Unknown. Any oracle failure aborts the run and leaves the
// previously persisted matrix untouched.
func (c *Cache) Recalculate(ctx context.Context, bucket string, set *cluster.Set) (*matrix.Matrix, Stats, error) {
	started := c.now()
	log := c.logger.WithBucket(bucket)
	stats := Stats{Bucket: bucket}

	dir := c.BucketDir(bucket)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, stats, fmt.Errorf("creating cache dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockFile))
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, stats, fmt.Errorf("locking bucket %q: %w", bucket, err)
	}
	if !locked {
		return nil, stats, fmt.Errorf("bucket %q is locked by another process", bucket)
	}
	defer lock.Unlock()

	old, state := c.loadOld(ctx, log, dir)
	stats.OldCache = state

	universe := set.Universe()
	stats.Keys = len(universe)

	var fresh map[bibref.BibRef]struct{}
	if old != nil {
		candidates := make([]bibref.BibRef, 0, len(universe))
		for _, r := range universe {
			if old.Contains(r) {
				candidates = append(candidates, r)
			}
		}
		fresh, err = c.tracker.UnmodifiedSince(ctx, candidates, old.CreatedAt())
		if err != nil {
			return nil, stats, fmt.Errorf("querying unmodified documents: %w", err)
		}
	}

	m, err := matrix.New(universe, started, c.version)
	if err != nil {
		return nil, stats, fmt.Errorf("building matrix: %w", err)
	}

	clusters := set.Clusters()
	pairs := make([]clusterPair, 0, len(clusters)*(len(clusters)-1)/2+1)
	for j := range clusters {
		for i := 0; i < j; i++ {
			if set.Hates(i, j) {
				stats.SkippedHates++
				continue
			}
			pairs = append(pairs, clusterPair{a: clusters[i], b: clusters[j]})
		}
	}
	stats.ClusterPairs = len(pairs)

	var computed, reused, mismatches atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, p := range pairs {
		g.Go(func() error {
			for _, b1 := range p.a.Refs {
				for _, b2 := range p.b.Refs {
					if err := gctx.Err(); err != nil {
						return err
					}

					if cell, ok := c.reusable(old, fresh, b1, b2); ok {
						if c.debugCheck {
							if check, err := c.oracle.Compare(gctx, b1, b2); err == nil && !check.Equal(cell) {
								mismatches.Add(1)
								log.WarnContext(gctx, "cached score disagrees with oracle",
									"a", b1.String(), "b", b2.String(),
									"cached", cell.String(), "oracle", check.String())
							}
						}
						if err := m.Set(b1, b2, cell); err != nil {
							return err
						}
						reused.Add(1)
						continue
					}

					cell, err := c.oracle.Compare(gctx, b1, b2)
					if err != nil {
						return fmt.Errorf("%w: comparing %s and %s: %w", ErrOracle, b1, b2, err)
					}
					if err := m.Set(b1, b2, cell); err != nil {
						return fmt.Errorf("%w: %w", ErrOracle, err)
					}
					computed.Add(1)
					c.checkpointMemo()
				}
			}
			return nil
		})
	}

	err = g.Wait()
	stats.Computed = int(computed.Load())
	stats.Reused = int(reused.Load())
	stats.Mismatches = int(mismatches.Load())
	c.memo.Clear()
	if err != nil {
		stats.Duration = time.Since(started)
		log.LogRecalculate(ctx, stats.Keys, stats.Computed, stats.Reused, stats.Duration, err)
		return nil, stats, err
	}

	if err := c.save(ctx, log, dir, m); err != nil {
		return nil, stats, err
	}

	stats.Duration = time.Since(started)
	log.LogRecalculate(ctx, stats.Keys, stats.Computed, stats.Reused, stats.Duration, nil)
	return m, stats, nil
}

// reusable returns the old cell for (a, b) when both endpoints are fresh and
// the old cell was computed. A cached 0.0 is a valid score and is reused.
func (c *Cache) reusable(old *matrix.Matrix, fresh map[bibref.BibRef]struct{}, a, b bibref.BibRef) (matrix.Cell, bool) {
	if old == nil {
		return matrix.Cell{}, false
	}
	if _, ok := fresh[a]; !ok {
		return matrix.Cell{}, false
	}
	if _, ok := fresh[b]; !ok {
		return matrix.Cell{}, false
	}
	cell, err := old.Get(a, b)
	if err != nil || cell.IsUnknown() {
		return matrix.Cell{}, false
	}
	return cell, true
}

func (c *Cache) checkpointMemo() {
	if c.memo != nil && c.memo.Len() > c.memoLimit {
		c.memo.Clear()
	}
}

func (c *Cache) loadOld(ctx context.Context, log *logging.Logger, dir string) (*matrix.Matrix, string) {
	if c.version < 0 {
		return nil, "disabled"
	}

	old, err := matrix.Load(dir, c.version)
	switch {
	case err == nil:
		return old, "loaded"
	case errors.Is(err, matrix.ErrNotFound):
		return nil, "missing"
	case errors.Is(err, matrix.ErrStale):
		log.DebugContext(ctx, "cached matrix is stale, rebuilding", "error", err)
		return nil, "stale"
	default:
		log.WarnContext(ctx, "cached matrix unreadable, rebuilding", "error", err)
		if rmErr := matrix.Remove(dir); rmErr != nil {
			log.WarnContext(ctx, "removing unreadable matrix", "error", rmErr)
		}
		return nil, "corrupt"
	}
}

// save persists m; after a failure the artifacts are removed and the write
// is retried once.
func (c *Cache) save(ctx context.Context, log *logging.Logger, dir string, m *matrix.Matrix) error {
	err := m.Save(dir, c.codec)
	if err == nil {
		return nil
	}
	log.WarnContext(ctx, "saving matrix failed, recreating", "error", err)

	if rmErr := matrix.Remove(dir); rmErr != nil {
		return fmt.Errorf("saving matrix: %w (cleanup: %v)", err, rmErr)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("recreating cache dir: %w", err)
	}
	if err := m.Save(dir, c.codec); err != nil {
		return fmt.Errorf("saving matrix after recreate: %w", err)
	}
	return nil
}

// sanitizeBucket maps a bucket to a directory name. Buckets made only of
// [a-z0-9_-] keep their name; any other bucket gets a readable prefix and a
// blake3 suffix after a '.', which plain names never contain, so distinct
// buckets never share a directory.
func sanitizeBucket(bucket string) string {
	bucket = strings.ToLower(strings.TrimSpace(bucket))
	plain := bucket != ""
	var sb strings.Builder
	for _, r := range bucket {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			plain = false
		default:
			plain = false
			r = '_'
		}
		if sb.Len() < maxBucketPrefix {
			sb.WriteRune(r)
		}
	}
	if plain {
		return bucket
	}
	prefix := sb.String()
	if prefix == "" {
		prefix = "_"
	}
	sum := blake3.Sum256([]byte(bucket))
	return prefix + "." + hex.EncodeToString(sum[:8])
}
