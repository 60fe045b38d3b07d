// Package globaldb manages the shared reference database file: opening it
// with the right pragmas, reading and writing the settings table, taking and
// restoring whole-file backups, and copying content tables between databases.
//
// The database runs embedded (ncruces/go-sqlite3) with WAL mode. The engine
// owns the connection exclusively for the duration of an upgrade or content
// update run, so the pool is capped at a single connection; that also makes
// SAVEPOINT scoping well defined.
package globaldb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the single exclusive connection to a reference database file.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (creating if needed) the database at path.
//
// The caller MUST call Close() when done so the WAL is checkpointed back
// into the main file.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Single exclusive connection: upgrades and content updates are
	// sequenced by the orchestrator and never run concurrently.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	db := &DB{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// Reopen closes the current connection, if any, and opens a fresh one to
// the same path. Used after the database file has been replaced by a
// backup restore.
func (db *DB) Reopen() error {
	if db.conn != nil {
		if err := db.conn.Close(); err != nil {
			return fmt.Errorf("failed to close database before reopen: %w", err)
		}
		db.conn = nil
	}

	reopened, err := Open(db.path)
	if err != nil {
		return err
	}
	db.conn = reopened.conn
	return nil
}

// FlushWAL checkpoints the write-ahead log so the main database file on
// disk is complete. Required before copying the file for a backup or
// attaching it from another connection.
func (db *DB) FlushWAL(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	return nil
}

// Savepoint runs fn inside a named SAVEPOINT scope. If fn returns an error
// the savepoint is rolled back and released, leaving any surrounding
// transaction state untouched; otherwise it is released (committed into the
// enclosing scope).
func (db *DB) Savepoint(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if _, err := db.conn.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to open savepoint %s: %w", name, err)
	}

	if err := fn(ctx); err != nil {
		if _, rbErr := db.conn.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return fmt.Errorf("failed to roll back savepoint %s after %v: %w", name, err, rbErr)
		}
		if _, relErr := db.conn.ExecContext(ctx, "RELEASE SAVEPOINT "+name); relErr != nil {
			return fmt.Errorf("failed to release savepoint %s after rollback: %w", name, relErr)
		}
		return err
	}

	if _, err := db.conn.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to release savepoint %s: %w", name, err)
	}
	return nil
}

// GetSettingInt reads an integer value from the settings table, returning
// def when the row does not exist.
func (db *DB) GetSettingInt(ctx context.Context, name string, def int) (int, error) {
	var value string
	err := db.conn.QueryRowContext(ctx,
		"SELECT value FROM settings WHERE name=?", name,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return def, nil
	}
	if err != nil {
		// A fresh database has no settings table yet.
		if strings.Contains(err.Error(), "no such table") {
			return def, nil
		}
		return 0, fmt.Errorf("failed to read setting %s: %w", name, err)
	}

	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("setting %s holds non-integer value %q: %w", name, value, err)
	}
	return n, nil
}

// SetSettingInt writes an integer value into the settings table.
func (db *DB) SetSettingInt(ctx context.Context, name string, value int) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT OR REPLACE INTO settings(name, value) VALUES(?, ?)",
		name, strconv.Itoa(value),
	)
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", name, err)
	}
	return nil
}

// DeleteSetting removes a settings row. Missing rows are not an error.
func (db *DB) DeleteSetting(ctx context.Context, name string) error {
	if _, err := db.conn.ExecContext(ctx, "DELETE FROM settings WHERE name=?", name); err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", name, err)
	}
	return nil
}

// SchemaVersion reads the schema version from the settings table.
//
// ok is false for a fresh database: either the settings table does not
// exist yet or it has no version row.
func (db *DB) SchemaVersion(ctx context.Context) (version int, ok bool, err error) {
	var value string
	err = db.conn.QueryRowContext(ctx,
		"SELECT value FROM settings WHERE name='version'",
	).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to read schema version: %w", err)
	}

	version, convErr := strconv.Atoi(strings.TrimSpace(value))
	if convErr != nil {
		return 0, false, fmt.Errorf("schema version holds non-integer value %q: %w", value, convErr)
	}
	return version, true, nil
}

// BackupName builds the backup filename for the database at the given
// pre-step schema version: {unix_timestamp}_{db_name}_v{version}.backup.
func BackupName(dbName string, version int) string {
	return fmt.Sprintf("%d_%s_v%d.backup", time.Now().Unix(), dbName, version)
}
