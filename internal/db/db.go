// ABOUTME: SQLite store setup: connection pragmas, migrations and error mapping.
//
// Package db provides SQLite persistence for envfleet: environments with
// optimistic concurrency on a version column, the billing state-change
// ledger, the diagnostic event log and the durable continuation queue.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an update was made against a stale copy.
	ErrConflict = errors.New("stale write: environment was modified concurrently")
	// ErrDuplicateName is returned when a live environment with the same name exists in the plan.
	ErrDuplicateName = errors.New("environment name already exists in plan")
)

const (
	dataDirPerms = 0o750
	openTimeout  = 30 * time.Second
)

// Store is the SQLite-backed repository behind envfleetd. It implements
// the environment repository, the billing sink, the event log and the
// continuation queue.
type Store struct {
	Path string
	DB   *sql.DB

	now func() time.Time
}

// connPragmas are applied by the driver on every new connection.
var connPragmas = []string{
	"foreign_keys(1)",
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
}

// Open creates the parent directory of path if needed, connects, and
// migrates the schema. One open connection serializes writers so the
// version compare-and-swap in UpdateEnvironment is race free.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("db path is required")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dataDirPerms); err != nil {
		return nil, fmt.Errorf("create db dir %s: %w", dir, err)
	}
	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if err := MigrateContext(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return &Store{Path: path, DB: conn, now: time.Now}, nil
}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range connPragmas {
		q.Add("_pragma", p)
	}
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Close is safe on a nil Store.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func (s *Store) clock() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, err
	}
	return parsed, nil
}

func formatTime(value time.Time) string {
	return value.UTC().Format(timeLayout)
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

// WithClock overrides the timestamp source, for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	if s == nil {
		return s
	}
	s.now = now
	return s
}
