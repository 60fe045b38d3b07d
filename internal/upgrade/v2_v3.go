package upgrade

import (
	"context"
	"database/sql"
	"fmt"
)

// upgradeV2ToV3 splits the monolithic v2 assets table into the normalized
// trio: assets (identity and type), common_asset_details (per-asset
// metadata), and evm_tokens (on-chain token fields for type C assets).
//
// The v2 layout held every column in one row:
//
//	assets(identifier, name, symbol, type, started, forked, swapped_for,
//	       coingecko, cryptocompare, address, decimals)
//
// v2 predates multi-chain support, so every token row is assumed to live
// on chain 1 with token kind A.
func upgradeV2ToV3(ctx context.Context, tx *sql.Tx) error {
	err := execAll(ctx, tx, []string{
		`ALTER TABLE assets RENAME TO assets_v2`,
		`CREATE TABLE assets (
			identifier TEXT NOT NULL PRIMARY KEY COLLATE NOCASE,
			name TEXT,
			type CHAR(1) NOT NULL
		)`,
		`CREATE TABLE common_asset_details (
			identifier TEXT NOT NULL PRIMARY KEY,
			symbol TEXT,
			coingecko TEXT,
			cryptocompare TEXT,
			forked TEXT,
			started INTEGER,
			swapped_for TEXT,
			FOREIGN KEY(identifier) REFERENCES assets(identifier) ON UPDATE CASCADE ON DELETE CASCADE
		)`,
		`CREATE TABLE evm_tokens (
			identifier TEXT NOT NULL PRIMARY KEY,
			token_kind CHAR(1) NOT NULL,
			chain INTEGER NOT NULL,
			address VARCHAR[42] NOT NULL,
			decimals INTEGER,
			protocol TEXT,
			FOREIGN KEY(identifier) REFERENCES assets(identifier) ON UPDATE CASCADE ON DELETE CASCADE
		)`,
		`CREATE TABLE underlying_tokens_list (
			identifier TEXT NOT NULL,
			weight TEXT NOT NULL,
			parent_token_entry TEXT NOT NULL,
			FOREIGN KEY(identifier) REFERENCES evm_tokens(identifier) ON UPDATE CASCADE ON DELETE CASCADE,
			FOREIGN KEY(parent_token_entry) REFERENCES evm_tokens(identifier) ON UPDATE CASCADE ON DELETE CASCADE,
			PRIMARY KEY(identifier, parent_token_entry)
		)`,
		`INSERT INTO assets(identifier, name, type)
			SELECT identifier, name, type FROM assets_v2`,
		`INSERT INTO common_asset_details(identifier, symbol, coingecko, cryptocompare, forked, started, swapped_for)
			SELECT identifier, symbol, coingecko, cryptocompare, forked, started, swapped_for FROM assets_v2`,
		`INSERT INTO evm_tokens(identifier, token_kind, chain, address, decimals, protocol)
			SELECT identifier, 'A', 1, address, decimals, NULL
			FROM assets_v2 WHERE type = 'C' AND address IS NOT NULL`,
		`DROP TABLE assets_v2`,
	})
	if err != nil {
		return fmt.Errorf("failed to split asset tables: %w", err)
	}
	return nil
}
