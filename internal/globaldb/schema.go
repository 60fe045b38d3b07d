package globaldb

import (
	"context"
	"fmt"
)

// contentTables are the shared-content tables replaced wholesale during a
// content update, in dependency order so inserts satisfy foreign keys.
var contentTables = []string{
	"assets",
	"common_asset_details",
	"evm_tokens",
	"underlying_tokens_list",
	"asset_collections",
	"multiasset_mappings",
}

// latestSchema is the table layout at the current schema version. Fresh
// databases are created directly at this layout; older databases reach it
// through the upgrade engine one step at a time.
const latestSchema = `
CREATE TABLE IF NOT EXISTS settings (
	name TEXT NOT NULL PRIMARY KEY,
	value TEXT
);

CREATE TABLE IF NOT EXISTS assets (
	identifier TEXT NOT NULL PRIMARY KEY COLLATE NOCASE,
	name TEXT,
	type CHAR(1) NOT NULL
);

CREATE TABLE IF NOT EXISTS common_asset_details (
	identifier TEXT NOT NULL PRIMARY KEY,
	symbol TEXT,
	coingecko TEXT,
	cryptocompare TEXT,
	forked TEXT,
	started INTEGER,
	swapped_for TEXT,
	FOREIGN KEY(identifier) REFERENCES assets(identifier) ON UPDATE CASCADE ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS evm_tokens (
	identifier TEXT NOT NULL PRIMARY KEY,
	token_kind CHAR(1) NOT NULL,
	chain INTEGER NOT NULL,
	address VARCHAR[42] NOT NULL,
	decimals INTEGER,
	protocol TEXT,
	FOREIGN KEY(identifier) REFERENCES assets(identifier) ON UPDATE CASCADE ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS underlying_tokens_list (
	identifier TEXT NOT NULL,
	weight TEXT NOT NULL,
	parent_token_entry TEXT NOT NULL,
	FOREIGN KEY(identifier) REFERENCES evm_tokens(identifier) ON UPDATE CASCADE ON DELETE CASCADE,
	FOREIGN KEY(parent_token_entry) REFERENCES evm_tokens(identifier) ON UPDATE CASCADE ON DELETE CASCADE,
	PRIMARY KEY(identifier, parent_token_entry)
);

CREATE TABLE IF NOT EXISTS asset_collections (
	id INTEGER NOT NULL PRIMARY KEY,
	name TEXT NOT NULL,
	symbol TEXT NOT NULL,
	main_asset TEXT NOT NULL,
	FOREIGN KEY(main_asset) REFERENCES assets(identifier) ON UPDATE CASCADE ON DELETE CASCADE,
	UNIQUE(name, symbol)
);

CREATE TABLE IF NOT EXISTS multiasset_mappings (
	collection_id INTEGER NOT NULL,
	asset TEXT NOT NULL,
	PRIMARY KEY(collection_id, asset),
	FOREIGN KEY(collection_id) REFERENCES asset_collections(id) ON UPDATE CASCADE ON DELETE CASCADE,
	FOREIGN KEY(asset) REFERENCES assets(identifier) ON UPDATE CASCADE ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS default_rpc_nodes (
	identifier INTEGER NOT NULL PRIMARY KEY,
	name TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	owned INTEGER NOT NULL CHECK (owned IN (0, 1)),
	active INTEGER NOT NULL CHECK (active IN (0, 1)),
	weight TEXT NOT NULL,
	blockchain TEXT NOT NULL,
	UNIQUE(endpoint, blockchain)
);

CREATE TABLE IF NOT EXISTS rpc_nodes (
	identifier INTEGER NOT NULL PRIMARY KEY,
	name TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	owned INTEGER NOT NULL CHECK (owned IN (0, 1)),
	active INTEGER NOT NULL CHECK (active IN (0, 1)),
	weight TEXT NOT NULL,
	blockchain TEXT NOT NULL,
	UNIQUE(endpoint, blockchain)
);
`

// CreateSchema creates the latest table layout. Idempotent.
func (db *DB) CreateSchema(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, latestSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// HasTable reports whether a table exists in this database.
func (db *DB) HasTable(ctx context.Context, name string) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check for table %s: %w", name, err)
	}
	return n > 0, nil
}

// ReplaceContentTables replaces this database's shared-content tables with
// the contents of the database file at sourcePath, and carries the
// assets_version setting across. The delete-and-copy runs under a single
// transaction; foreign key enforcement is suspended for the duration since
// rows arrive table by table.
//
// The source database must be at the same schema version and must have its
// WAL flushed. Content tables absent from this database's layout (schemas
// before the collection tables existed) are skipped.
func (db *DB) ReplaceContentTables(ctx context.Context, sourcePath string) error {
	if _, err := db.conn.ExecContext(ctx, "PRAGMA foreign_keys=OFF"); err != nil {
		return fmt.Errorf("failed to disable foreign keys: %w", err)
	}
	defer func() {
		_, _ = db.conn.ExecContext(ctx, "PRAGMA foreign_keys=ON")
	}()

	if _, err := db.conn.ExecContext(ctx,
		"ATTACH DATABASE ? AS other_db", sourcePath,
	); err != nil {
		return fmt.Errorf("failed to attach %s: %w", sourcePath, err)
	}
	defer func() {
		_, _ = db.conn.ExecContext(ctx, "DETACH DATABASE other_db")
	}()

	copyTables := func(ctx context.Context) error {
		for _, table := range contentTables {
			exists, err := db.HasTable(ctx, table)
			if err != nil {
				return err
			}
			if !exists {
				continue
			}
			if _, err := db.conn.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
			if _, err := db.conn.ExecContext(ctx,
				fmt.Sprintf("INSERT INTO %s SELECT * FROM other_db.%s", table, table),
			); err != nil {
				return fmt.Errorf("failed to copy %s: %w", table, err)
			}
		}
		if _, err := db.conn.ExecContext(ctx,
			`INSERT OR REPLACE INTO settings(name, value)
			 SELECT name, value FROM other_db.settings WHERE name='assets_version'`,
		); err != nil {
			return fmt.Errorf("failed to copy assets_version: %w", err)
		}
		return nil
	}

	// SAVEPOINT rather than BEGIN so replacement also works when the
	// caller already holds a transaction.
	if err := db.Savepoint(ctx, "replace_content", copyTables); err != nil {
		return err
	}
	return nil
}
