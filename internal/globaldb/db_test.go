package globaldb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "global.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSettingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, db.CreateSchema(ctx))

	got, err := db.GetSettingInt(ctx, "assets_version", 0)
	require.NoError(t, err)
	require.Equal(t, 0, got)

	require.NoError(t, db.SetSettingInt(ctx, "assets_version", 27))
	got, err = db.GetSettingInt(ctx, "assets_version", 0)
	require.NoError(t, err)
	require.Equal(t, 27, got)

	require.NoError(t, db.DeleteSetting(ctx, "assets_version"))
	got, err = db.GetSettingInt(ctx, "assets_version", -1)
	require.NoError(t, err)
	require.Equal(t, -1, got)
}

func TestSchemaVersionFreshDatabase(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	// No settings table at all yet.
	_, ok, err := db.SchemaVersion(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, db.CreateSchema(ctx))

	// Table exists but no version row.
	_, ok, err = db.SchemaVersion(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, db.SetSettingInt(ctx, "version", 6))
	version, ok, err := db.SchemaVersion(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 6, version)
}

func TestSavepointRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, db.CreateSchema(ctx))

	err := db.Savepoint(ctx, "sp_test", func(ctx context.Context) error {
		require.NoError(t, db.SetSettingInt(ctx, "marker", 1))
		return context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)

	got, err := db.GetSettingInt(ctx, "marker", -1)
	require.NoError(t, err)
	require.Equal(t, -1, got)
}

func TestBackupAndRestore(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, db.CreateSchema(ctx))
	require.NoError(t, db.SetSettingInt(ctx, "version", 3))

	require.NoError(t, db.FlushWAL(ctx))
	backupPath, err := db.Backup(3)
	require.NoError(t, err)
	require.Contains(t, backupPath, "_global.db_v3.backup")

	// Mutate after the backup, then restore.
	require.NoError(t, db.SetSettingInt(ctx, "version", 4))

	found, err := FindBackup(db.Path(), 3)
	require.NoError(t, err)
	require.Equal(t, backupPath, found)

	require.NoError(t, db.Close())
	require.NoError(t, RestoreBackup(db.Path(), backupPath))
	require.NoError(t, db.Reopen())

	version, ok, err := db.SchemaVersion(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, version)
}

func TestFindBackupNoMatch(t *testing.T) {
	db := openTestDB(t)

	found, err := FindBackup(db.Path(), 2)
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestReplaceContentTables(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	source, err := Open(filepath.Join(dir, "source.db"))
	require.NoError(t, err)
	require.NoError(t, source.CreateSchema(ctx))
	_, err = source.RawDB().ExecContext(ctx,
		"INSERT INTO assets(identifier, name, type) VALUES('BTC', 'Bitcoin', 'A')")
	require.NoError(t, err)
	require.NoError(t, source.SetSettingInt(ctx, "assets_version", 19))
	require.NoError(t, source.Close())

	dest, err := Open(filepath.Join(dir, "dest.db"))
	require.NoError(t, err)
	defer dest.Close()
	require.NoError(t, dest.CreateSchema(ctx))
	_, err = dest.RawDB().ExecContext(ctx,
		"INSERT INTO assets(identifier, name, type) VALUES('ETH', 'Ethereum', 'B')")
	require.NoError(t, err)

	require.NoError(t, dest.ReplaceContentTables(ctx, filepath.Join(dir, "source.db")))

	var count int
	require.NoError(t, dest.RawDB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM assets").Scan(&count))
	require.Equal(t, 1, count)

	var identifier string
	require.NoError(t, dest.RawDB().QueryRowContext(ctx,
		"SELECT identifier FROM assets").Scan(&identifier))
	require.Equal(t, "BTC", identifier)

	version, err := dest.GetSettingInt(ctx, "assets_version", 0)
	require.NoError(t, err)
	require.Equal(t, 19, version)
}

func TestReplaceContentTablesQuotedPath(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// A source path containing a single quote must not break the attach.
	sourcePath := filepath.Join(dir, "o'clock", "source.db")
	source, err := Open(sourcePath)
	require.NoError(t, err)
	require.NoError(t, source.CreateSchema(ctx))
	_, err = source.RawDB().ExecContext(ctx,
		"INSERT INTO assets(identifier, name, type) VALUES('BTC', 'Bitcoin', 'A')")
	require.NoError(t, err)
	require.NoError(t, source.Close())

	dest, err := Open(filepath.Join(dir, "dest.db"))
	require.NoError(t, err)
	defer dest.Close()
	require.NoError(t, dest.CreateSchema(ctx))

	require.NoError(t, dest.ReplaceContentTables(ctx, sourcePath))

	var count int
	require.NoError(t, dest.RawDB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM assets").Scan(&count))
	require.Equal(t, 1, count)
}

func TestReplaceContentTablesSkipsAbsentTables(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// Two databases at a layout predating the collection tables.
	makeOld := func(name string) *DB {
		db, err := Open(filepath.Join(dir, name))
		require.NoError(t, err)
		for _, stmt := range []string{
			`CREATE TABLE settings (name TEXT NOT NULL PRIMARY KEY, value TEXT)`,
			`CREATE TABLE assets (identifier TEXT NOT NULL PRIMARY KEY COLLATE NOCASE, name TEXT, type CHAR(1) NOT NULL)`,
			`CREATE TABLE common_asset_details (identifier TEXT NOT NULL PRIMARY KEY, symbol TEXT, coingecko TEXT,
				cryptocompare TEXT, forked TEXT, started INTEGER, swapped_for TEXT)`,
			`CREATE TABLE evm_tokens (identifier TEXT NOT NULL PRIMARY KEY, token_kind CHAR(1) NOT NULL,
				chain INTEGER NOT NULL, address VARCHAR[42] NOT NULL, decimals INTEGER, protocol TEXT)`,
			`CREATE TABLE underlying_tokens_list (identifier TEXT NOT NULL, weight TEXT NOT NULL,
				parent_token_entry TEXT NOT NULL, PRIMARY KEY(identifier, parent_token_entry))`,
		} {
			_, err := db.RawDB().ExecContext(ctx, stmt)
			require.NoError(t, err)
		}
		return db
	}

	source := makeOld("source.db")
	_, err := source.RawDB().ExecContext(ctx,
		"INSERT INTO assets(identifier, name, type) VALUES('BTC', 'Bitcoin', 'A')")
	require.NoError(t, err)
	require.NoError(t, source.Close())

	dest := makeOld("dest.db")
	defer dest.Close()

	require.NoError(t, dest.ReplaceContentTables(ctx, filepath.Join(dir, "source.db")))

	var count int
	require.NoError(t, dest.RawDB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM assets").Scan(&count))
	require.Equal(t, 1, count)
}

func TestSnapshotTo(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, db.CreateSchema(ctx))
	require.NoError(t, db.SetSettingInt(ctx, "version", 6))
	_, err := db.RawDB().ExecContext(ctx,
		"INSERT INTO assets(identifier, name, type) VALUES('BTC', 'Bitcoin', 'A')")
	require.NoError(t, err)

	snapshotPath := filepath.Join(t.TempDir(), "snapshot.db")
	require.NoError(t, db.SnapshotTo(ctx, snapshotPath))

	snapshot, err := Open(snapshotPath)
	require.NoError(t, err)
	defer snapshot.Close()

	version, ok, err := snapshot.SchemaVersion(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 6, version)

	var count int
	require.NoError(t, snapshot.RawDB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM assets").Scan(&count))
	require.Equal(t, 1, count)
}
