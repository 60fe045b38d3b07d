package upgrade

import (
	"context"
	"database/sql"
	"fmt"
)

// upgradeV5ToV6 rebuilds asset_collections with the NOT NULL main_asset
// column. Existing collections get the lexicographically smallest mapped
// asset as their main asset; collections with no mappings cannot satisfy
// the constraint and are dropped, taking no memberships with them.
func upgradeV5ToV6(ctx context.Context, tx *sql.Tx) error {
	err := execAll(ctx, tx, []string{
		`CREATE TABLE asset_collections_new (
			id INTEGER NOT NULL PRIMARY KEY,
			name TEXT NOT NULL,
			symbol TEXT NOT NULL,
			main_asset TEXT NOT NULL,
			FOREIGN KEY(main_asset) REFERENCES assets(identifier) ON UPDATE CASCADE ON DELETE CASCADE,
			UNIQUE(name, symbol)
		)`,
		`INSERT INTO asset_collections_new(id, name, symbol, main_asset)
			SELECT c.id, c.name, c.symbol, m.asset
			FROM asset_collections c
			JOIN (
				SELECT collection_id, MIN(asset) AS asset
				FROM multiasset_mappings GROUP BY collection_id
			) m ON m.collection_id = c.id`,
		`DROP TABLE asset_collections`,
		`ALTER TABLE asset_collections_new RENAME TO asset_collections`,
	})
	if err != nil {
		return fmt.Errorf("failed to add collection main asset: %w", err)
	}
	return nil
}
