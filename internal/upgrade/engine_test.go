package upgrade

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tokentrack/ledgerdb/internal/globaldb"
)

func openEmptyDB(t *testing.T) *globaldb.DB {
	t.Helper()
	db, err := globaldb.Open(filepath.Join(t.TempDir(), "global.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// newV2DB builds a database at the oldest supported layout: one monolithic
// assets table holding every column.
func newV2DB(t *testing.T) *globaldb.DB {
	t.Helper()
	ctx := context.Background()
	db := openEmptyDB(t)

	for _, stmt := range []string{
		`CREATE TABLE settings (name TEXT NOT NULL PRIMARY KEY, value TEXT)`,
		`CREATE TABLE assets (
			identifier TEXT NOT NULL PRIMARY KEY COLLATE NOCASE,
			name TEXT,
			symbol TEXT,
			type CHAR(1) NOT NULL,
			started INTEGER,
			forked TEXT,
			swapped_for TEXT,
			coingecko TEXT,
			cryptocompare TEXT,
			address VARCHAR[42],
			decimals INTEGER
		)`,
		`INSERT INTO assets(identifier, name, symbol, type, started, coingecko)
			VALUES('BTC', 'Bitcoin', 'BTC', 'A', 1231006505, 'bitcoin')`,
		`INSERT INTO assets(identifier, name, symbol, type, address, decimals)
			VALUES('eip155:1/erc20:0xdAC1', 'Tether', 'USDT', 'C', '0xdAC1', 6)`,
	} {
		_, err := db.RawDB().ExecContext(ctx, stmt)
		require.NoError(t, err)
	}
	require.NoError(t, db.SetSettingInt(ctx, "version", 2))
	return db
}

func TestUpgradeFromV2(t *testing.T) {
	ctx := context.Background()
	db := newV2DB(t)

	var steps [][2]int
	engine := New(db, nil, Hooks{
		OnStepDone: func(from, to int) { steps = append(steps, [2]int{from, to}) },
	})

	fresh, err := engine.Upgrade(ctx)
	require.NoError(t, err)
	require.False(t, fresh)
	require.Equal(t, [][2]int{{2, 3}, {3, 4}, {4, 5}, {5, 6}}, steps)

	version, ok, err := db.SchemaVersion(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, TargetVersion, version)

	// The monolithic table was split: details and token fields moved.
	var symbol string
	require.NoError(t, db.RawDB().QueryRowContext(ctx,
		"SELECT symbol FROM common_asset_details WHERE identifier='BTC'").Scan(&symbol))
	require.Equal(t, "BTC", symbol)

	var chain, decimals int
	var kind string
	require.NoError(t, db.RawDB().QueryRowContext(ctx,
		"SELECT token_kind, chain, decimals FROM evm_tokens WHERE identifier='eip155:1/erc20:0xdAC1'").
		Scan(&kind, &chain, &decimals))
	require.Equal(t, "A", kind)
	require.Equal(t, 1, chain)
	require.Equal(t, 6, decimals)

	// Later steps landed too.
	var count int
	require.NoError(t, db.RawDB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM default_rpc_nodes").Scan(&count))
	require.Equal(t, 0, count)

	// Every step left its pre-step backup behind.
	for from := 2; from <= 5; from++ {
		backup, err := globaldb.FindBackup(db.Path(), from)
		require.NoError(t, err)
		require.NotEmpty(t, backup, "missing backup for v%d", from)
	}

	// No dangling checkpoint.
	checkpoint, err := db.GetSettingInt(ctx, CheckpointKey, -1)
	require.NoError(t, err)
	require.Equal(t, -1, checkpoint)
}

func TestUpgradeV5ToV6DerivesMainAsset(t *testing.T) {
	ctx := context.Background()
	db := openEmptyDB(t)

	// A v5 layout: split asset tables, legacy collections, rpc node tables.
	for _, stmt := range []string{
		`CREATE TABLE settings (name TEXT NOT NULL PRIMARY KEY, value TEXT)`,
		`CREATE TABLE assets (identifier TEXT NOT NULL PRIMARY KEY COLLATE NOCASE, name TEXT, type CHAR(1) NOT NULL)`,
		`CREATE TABLE common_asset_details (identifier TEXT NOT NULL PRIMARY KEY, symbol TEXT, coingecko TEXT,
			cryptocompare TEXT, forked TEXT, started INTEGER, swapped_for TEXT)`,
		`CREATE TABLE evm_tokens (identifier TEXT NOT NULL PRIMARY KEY, token_kind CHAR(1) NOT NULL,
			chain INTEGER NOT NULL, address VARCHAR[42] NOT NULL, decimals INTEGER, protocol TEXT)`,
		`CREATE TABLE underlying_tokens_list (identifier TEXT NOT NULL, weight TEXT NOT NULL,
			parent_token_entry TEXT NOT NULL, PRIMARY KEY(identifier, parent_token_entry))`,
		`CREATE TABLE asset_collections (id INTEGER NOT NULL PRIMARY KEY, name TEXT NOT NULL,
			symbol TEXT NOT NULL, UNIQUE(name, symbol))`,
		`CREATE TABLE multiasset_mappings (collection_id INTEGER NOT NULL, asset TEXT NOT NULL,
			PRIMARY KEY(collection_id, asset))`,
		`CREATE TABLE default_rpc_nodes (identifier INTEGER NOT NULL PRIMARY KEY, name TEXT NOT NULL,
			endpoint TEXT NOT NULL, owned INTEGER NOT NULL, active INTEGER NOT NULL, weight TEXT NOT NULL,
			blockchain TEXT NOT NULL, UNIQUE(endpoint, blockchain))`,
		`CREATE TABLE rpc_nodes (identifier INTEGER NOT NULL PRIMARY KEY, name TEXT NOT NULL,
			endpoint TEXT NOT NULL, owned INTEGER NOT NULL, active INTEGER NOT NULL, weight TEXT NOT NULL,
			blockchain TEXT NOT NULL, UNIQUE(endpoint, blockchain))`,
		`INSERT INTO assets(identifier, name, type) VALUES('ETH', 'Ethereum', 'B')`,
		`INSERT INTO assets(identifier, name, type) VALUES('WETH', 'Wrapped Ether', 'C')`,
		`INSERT INTO asset_collections(id, name, symbol) VALUES(1, 'Ether', 'ETH')`,
		`INSERT INTO asset_collections(id, name, symbol) VALUES(2, 'Orphan', 'ORP')`,
		`INSERT INTO multiasset_mappings(collection_id, asset) VALUES(1, 'WETH')`,
		`INSERT INTO multiasset_mappings(collection_id, asset) VALUES(1, 'ETH')`,
	} {
		_, err := db.RawDB().ExecContext(ctx, stmt)
		require.NoError(t, err)
	}
	require.NoError(t, db.SetSettingInt(ctx, "version", 5))

	engine := New(db, nil, Hooks{})
	fresh, err := engine.Upgrade(ctx)
	require.NoError(t, err)
	require.False(t, fresh)

	// The mapped collection got the smallest member as main asset; the
	// collection with no members was dropped.
	var mainAsset string
	require.NoError(t, db.RawDB().QueryRowContext(ctx,
		"SELECT main_asset FROM asset_collections WHERE id=1").Scan(&mainAsset))
	require.Equal(t, "ETH", mainAsset)

	var count int
	require.NoError(t, db.RawDB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM asset_collections WHERE id=2").Scan(&count))
	require.Equal(t, 0, count)
}

func TestUpgradeClassification(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh database", func(t *testing.T) {
		db := openEmptyDB(t)
		fresh, err := New(db, nil, Hooks{}).Upgrade(ctx)
		require.NoError(t, err)
		require.True(t, fresh)
	})

	t.Run("already current", func(t *testing.T) {
		db := openEmptyDB(t)
		require.NoError(t, db.CreateSchema(ctx))
		require.NoError(t, db.SetSettingInt(ctx, "version", TargetVersion))

		fresh, err := New(db, nil, Hooks{}).Upgrade(ctx)
		require.NoError(t, err)
		require.False(t, fresh)

		backup, err := globaldb.FindBackup(db.Path(), TargetVersion)
		require.NoError(t, err)
		require.Empty(t, backup)
	})

	t.Run("too old", func(t *testing.T) {
		db := openEmptyDB(t)
		require.NoError(t, db.CreateSchema(ctx))
		require.NoError(t, db.SetSettingInt(ctx, "version", MinSupportedVersion-1))

		_, err := New(db, nil, Hooks{}).Upgrade(ctx)
		require.ErrorIs(t, err, ErrSchemaTooOld)
	})

	t.Run("too new", func(t *testing.T) {
		db := openEmptyDB(t)
		require.NoError(t, db.CreateSchema(ctx))
		require.NoError(t, db.SetSettingInt(ctx, "version", TargetVersion+1))

		_, err := New(db, nil, Hooks{}).Upgrade(ctx)
		require.ErrorIs(t, err, ErrSchemaTooNew)
	})
}

func TestFailedStepRestoresBackup(t *testing.T) {
	ctx := context.Background()
	db := newV2DB(t)

	boom := errors.New("boom")
	engine := New(db, nil, Hooks{})
	engine.steps = []Step{{
		From: 2,
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, "DROP TABLE assets"); err != nil {
				return err
			}
			return boom
		},
	}}

	_, err := engine.Upgrade(ctx)
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, 2, stepErr.From)
	require.ErrorIs(t, err, boom)

	// Restored from backup: still v2, table intact, no checkpoint.
	version, ok, err := db.SchemaVersion(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, version)

	var count int
	require.NoError(t, db.RawDB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM assets").Scan(&count))
	require.Equal(t, 2, count)

	checkpoint, err := db.GetSettingInt(ctx, CheckpointKey, -1)
	require.NoError(t, err)
	require.Equal(t, -1, checkpoint)
}

func TestRecoverInterrupted(t *testing.T) {
	ctx := context.Background()
	db := openEmptyDB(t)
	require.NoError(t, db.CreateSchema(ctx))
	require.NoError(t, db.SetSettingInt(ctx, "version", 3))

	// Simulate the protocol up to the crash: backup taken, checkpoint
	// written, step half done.
	require.NoError(t, db.FlushWAL(ctx))
	_, err := db.Backup(3)
	require.NoError(t, err)
	require.NoError(t, db.SetSettingInt(ctx, CheckpointKey, 3))
	require.NoError(t, db.SetSettingInt(ctx, "half_done_marker", 1))

	restored, err := RecoverInterrupted(ctx, db, nil)
	require.NoError(t, err)
	require.True(t, restored)

	marker, err := db.GetSettingInt(ctx, "half_done_marker", -1)
	require.NoError(t, err)
	require.Equal(t, -1, marker)

	checkpoint, err := db.GetSettingInt(ctx, CheckpointKey, -1)
	require.NoError(t, err)
	require.Equal(t, -1, checkpoint)
}

func TestRecoverInterruptedNoCheckpoint(t *testing.T) {
	ctx := context.Background()
	db := openEmptyDB(t)
	require.NoError(t, db.CreateSchema(ctx))

	restored, err := RecoverInterrupted(ctx, db, nil)
	require.NoError(t, err)
	require.False(t, restored)
}

func TestRecoverInterruptedMissingBackup(t *testing.T) {
	ctx := context.Background()
	db := openEmptyDB(t)
	require.NoError(t, db.CreateSchema(ctx))
	require.NoError(t, db.SetSettingInt(ctx, CheckpointKey, 4))

	_, err := RecoverInterrupted(ctx, db, nil)
	require.ErrorIs(t, err, ErrMissingBackup)
}
