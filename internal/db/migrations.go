// ABOUTME: Database schema migrations and version management.
package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// migration is one forward-only schema step. Steps are never edited once
// shipped; the recorded checksum catches an edit to an applied step.
type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "init_environments",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS environments (
				id TEXT PRIMARY KEY,
				plan_id TEXT NOT NULL,
				subscription_id TEXT NOT NULL,
				owner_id TEXT NOT NULL,
				friendly_name TEXT NOT NULL,
				name_key TEXT NOT NULL,
				type TEXT NOT NULL,
				state TEXT NOT NULL,
				sku_name TEXT NOT NULL,
				version INTEGER NOT NULL,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				doc TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_environments_plan ON environments(plan_id)`,
			`CREATE INDEX IF NOT EXISTS idx_environments_subscription ON environments(subscription_id)`,
			`CREATE INDEX IF NOT EXISTS idx_environments_owner ON environments(owner_id)`,
			`CREATE INDEX IF NOT EXISTS idx_environments_state ON environments(state)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_environments_plan_name
				ON environments(plan_id, name_key) WHERE state != 'Deleted'`,
			`CREATE TABLE IF NOT EXISTS events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				ts TEXT NOT NULL,
				kind TEXT NOT NULL,
				environment_id TEXT,
				correlation_id TEXT,
				msg TEXT,
				json TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_events_environment ON events(environment_id)`,
			`CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id)`,
		},
	},
	{
		version: 2,
		name:    "add_billing_events",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS billing_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				ts TEXT NOT NULL,
				plan_id TEXT NOT NULL,
				environment_id TEXT NOT NULL,
				sku_name TEXT NOT NULL,
				old_state TEXT NOT NULL,
				new_state TEXT NOT NULL,
				json TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_billing_events_environment ON billing_events(environment_id)`,
			`CREATE INDEX IF NOT EXISTS idx_billing_events_plan ON billing_events(plan_id)`,
		},
	},
	{
		version: 3,
		name:    "add_continuations",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS continuations (
				id TEXT PRIMARY KEY,
				workflow TEXT NOT NULL,
				environment_id TEXT NOT NULL,
				payload BLOB NOT NULL,
				status TEXT NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				last_error TEXT,
				available_at TEXT NOT NULL,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_continuations_status ON continuations(status, available_at)`,
			`CREATE INDEX IF NOT EXISTS idx_continuations_environment ON continuations(environment_id)`,
		},
	},
}

// Migrate brings db up to the latest schema version.
func Migrate(db *sql.DB) error {
	return MigrateContext(context.Background(), db)
}

// MigrateContext applies every pending migration, each in its own
// transaction. It refuses to run when the database records a version this
// binary does not know or when an applied step no longer matches its
// recorded checksum.
func MigrateContext(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("db is nil")
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := checkMigrationList(migrations); err != nil {
		return err
	}
	if err := ensureSchemaMigrations(ctx, db); err != nil {
		return err
	}
	applied, err := appliedChecksums(ctx, db)
	if err != nil {
		return err
	}
	pending, err := pendingMigrations(migrations, applied)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func ensureSchemaMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	// Databases created before checksums were tracked get an empty column,
	// which pendingMigrations treats as unverified rather than drifted.
	var hasChecksum int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('schema_migrations') WHERE name = 'checksum'`,
	).Scan(&hasChecksum); err != nil {
		return fmt.Errorf("inspect schema_migrations: %w", err)
	}
	if hasChecksum == 0 {
		if _, err := db.ExecContext(ctx, `ALTER TABLE schema_migrations ADD COLUMN checksum TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("add schema_migrations checksum: %w", err)
		}
	}
	return nil
}

// appliedChecksums maps each applied version to its recorded checksum.
func appliedChecksums(ctx context.Context, db *sql.DB) (map[int]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list schema_migrations: %w", err)
	}
	defer rows.Close()
	applied := map[int]string{}
	for rows.Next() {
		var (
			version  int
			checksum string
		)
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}
	return applied, nil
}

// pendingMigrations returns the steps of list not yet recorded in applied,
// in version order.
func pendingMigrations(list []migration, applied map[int]string) ([]migration, error) {
	byVersion := make(map[int]migration, len(list))
	for _, m := range list {
		byVersion[m.version] = m
	}
	versions := make([]int, 0, len(applied))
	for v := range applied {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	for _, v := range versions {
		m, ok := byVersion[v]
		if !ok {
			return nil, fmt.Errorf("unknown schema migration version %d", v)
		}
		if sum := applied[v]; sum != "" && sum != m.checksum() {
			return nil, fmt.Errorf("schema migration %d (%s) changed after it was applied", v, m.name)
		}
	}
	var pending []migration
	for _, m := range list {
		if _, done := applied[m.version]; !done {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) (err error) {
	if len(m.statements) == 0 {
		return fmt.Errorf("migration %d has no statements", m.version)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for i, stmt := range m.statements {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d statement %d: %w", m.version, i+1, err)
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at, checksum) VALUES (?, ?, ?, ?)`,
		m.version, m.name, time.Now().UTC().Format(time.RFC3339Nano), m.checksum(),
	); err != nil {
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return nil
}

// checksum hashes the step's statements with insignificant whitespace
// collapsed, so reindenting a statement does not count as drift.
func (m migration) checksum() string {
	h := sha256.New()
	for _, stmt := range m.statements {
		h.Write([]byte(strings.Join(strings.Fields(stmt), " ")))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// checkMigrationList rejects an empty list, unnamed steps and versions
// that are not strictly increasing from 1.
func checkMigrationList(list []migration) error {
	if len(list) == 0 {
		return errors.New("no migrations defined")
	}
	for i, m := range list {
		if m.version != i+1 {
			return fmt.Errorf("migration at index %d has version %d, want %d", i, m.version, i+1)
		}
		if strings.TrimSpace(m.name) == "" {
			return fmt.Errorf("migration %d missing name", m.version)
		}
	}
	return nil
}
