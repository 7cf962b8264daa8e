// Package sqlite implements the index store on SQLite via the pure-Go
// ncruces driver. Full-text search uses FTS5 when available and degrades to
// LIKE otherwise.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/agentmail/agentmail/internal/storage"
)

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the SQLite-backed index.
type Store struct {
	db   *sql.DB
	q    querier
	path string
	fts  bool // FTS5 virtual table present
}

var _ storage.Store = (*Store)(nil)

// New opens (creating if necessary) the index database at path.
func New(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; WAL keeps readers unblocked during commits.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{db: db, q: db, path: path}

	if _, err := db.ExecContext(ctx, ftsSchema); err != nil {
		// No FTS5 in this build; Search falls back to LIKE.
		slog.Warn("fts5 unavailable, search degrades to LIKE", "error", err)
	} else {
		s.fts = true
	}

	return s, nil
}

// RunInTransaction executes fn against a transaction-scoped view of the
// store on a single pooled connection. BEGIN IMMEDIATE acquires the write
// lock up front so concurrent writers serialize instead of deadlocking
// mid-transaction.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Store) error) error {
	if _, ok := s.q.(*sql.Conn); ok {
		// Already in a transaction; SQLite has no nesting.
		return fn(s)
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	txStore := &Store{db: s.db, q: conn, path: s.path, fts: s.fts}

	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	if err := fn(txStore); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// UnderlyingDB returns the raw connection pool, for diagnostics.
func (s *Store) UnderlyingDB() *sql.DB { return s.db }

// isUniqueConstraintError checks for a UNIQUE constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// nullTime converts a nullable scan into *time.Time in UTC.
func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// timeArg normalizes a *time.Time into a driver argument.
func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
