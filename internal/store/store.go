// Package store provides the SQLite storage layer for bibauthor.
//
// All bibliographic state lives in a single SQLite database file:
// - Documents and the author mentions extraction reported for them
// - Persons with their canonical names and external ids
// - Signatures attaching mentions to persons, with review status
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hurttlocker/bibauthor/internal/bibref"
	"github.com/hurttlocker/bibauthor/internal/compare"
	"github.com/hurttlocker/bibauthor/internal/compcache"
	"github.com/hurttlocker/bibauthor/internal/reconcile"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.bibauthor/bibauthor.db"

// DefaultBatchSize bounds the number of bound parameters per IN query.
const DefaultBatchSize = 500

// ErrNotFound is returned when an addressed row does not exist.
var ErrNotFound = errors.New("not found")

// Document is one imported bibliographic record and its current mentions.
type Document struct {
	ID         int64
	Title      string
	Deleted    bool
	ModifiedAt time.Time
	Mentions   []bibref.Mention
}

// Person is a resolved identity.
type Person struct {
	ID            int64    `json:"id"`
	CanonicalName string   `json:"canonical_name"`
	ExternalIDs   []string `json:"external_ids,omitempty"`
	Signatures    int      `json:"signatures"`
}

// StoreStats holds observability statistics about the store.
type StoreStats struct {
	Documents           int64
	DeletedDocuments    int64
	Mentions            int64
	Persons             int64
	Signatures          int64
	ConfirmedSignatures int64
	RejectedSignatures  int64
	Buckets             int64
	DBSizeBytes         int64
}

// StoreConfig holds configuration for NewStore.
type StoreConfig struct {
	DBPath    string
	BatchSize int
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements every storage collaborator of the reconciler and the
// comparison cache. A store returned by Atomic is bound to one transaction.
type SQLiteStore struct {
	db        *sql.DB
	q         querier
	tx        *sql.Tx
	dbPath    string
	batchSize int
	now       func() time.Time
}

var (
	_ reconcile.SignatureStore = (*SQLiteStore)(nil)
	_ compcache.ChangeTracker  = (*SQLiteStore)(nil)
	_ compare.MentionSource    = (*SQLiteStore)(nil)
)

// NewStore creates a new SQLite-backed store.
// Pass ":memory:" for in-memory databases (testing).
func NewStore(cfg StoreConfig) (*SQLiteStore, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = expandPath(DefaultDBPath)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	// Create parent directory for non-memory databases
	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if cfg.DBPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:        db,
		q:         db,
		dbPath:    cfg.DBPath,
		batchSize: cfg.BatchSize,
		now:       time.Now,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Vacuum runs VACUUM on the database.
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// Atomic runs fn against a transaction-scoped view of the store. The
// transaction commits when fn returns nil and rolls back otherwise.
func (s *SQLiteStore) Atomic(ctx context.Context, doc int64, fn func(reconcile.SignatureStore) error) error {
	return s.inTx(ctx, func(tx *SQLiteStore) error { return fn(tx) })
}

// inTx runs fn inside a transaction, joining the current one if s is already
// transaction-bound.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(*SQLiteStore) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	view := *s
	view.q = tx
	view.tx = tx
	if err := fn(&view); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Stats returns row counts and the database size.
func (s *SQLiteStore) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{}

	queries := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM documents WHERE deleted = 0", &stats.Documents},
		{"SELECT COUNT(*) FROM documents WHERE deleted = 1", &stats.DeletedDocuments},
		{"SELECT COUNT(*) FROM mentions", &stats.Mentions},
		{"SELECT COUNT(*) FROM persons", &stats.Persons},
		{"SELECT COUNT(*) FROM signatures", &stats.Signatures},
		{"SELECT COUNT(*) FROM signatures WHERE status = 'confirmed'", &stats.ConfirmedSignatures},
		{"SELECT COUNT(*) FROM signatures WHERE status = 'rejected'", &stats.RejectedSignatures},
		{"SELECT COUNT(DISTINCT bucket) FROM signatures", &stats.Buckets},
	}

	for _, q := range queries {
		if err := s.q.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("querying stats (%s): %w", q.query, err)
		}
	}

	// Get DB size (only works for file-based DBs)
	if s.dbPath != ":memory:" {
		var pageCount, pageSize int64
		s.q.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount)
		s.q.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
		stats.DBSizeBytes = pageCount * pageSize
	}

	return stats, nil
}

// chunks splits ids into slices of at most n.
func chunks[T any](ids []T, n int) [][]T {
	var out [][]T
	for len(ids) > n {
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, 3*n)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ", "...)
		}
		b = append(b, '?')
	}
	return string(b)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
