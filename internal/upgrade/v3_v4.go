package upgrade

import (
	"context"
	"database/sql"
	"fmt"
)

// upgradeV3ToV4 introduces asset collections: the legacy asset_collections
// table (no main_asset column yet, that arrives in v6) and the
// multiasset_mappings membership table.
func upgradeV3ToV4(ctx context.Context, tx *sql.Tx) error {
	err := execAll(ctx, tx, []string{
		`CREATE TABLE IF NOT EXISTS asset_collections (
			id INTEGER NOT NULL PRIMARY KEY,
			name TEXT NOT NULL,
			symbol TEXT NOT NULL,
			UNIQUE(name, symbol)
		)`,
		`CREATE TABLE IF NOT EXISTS multiasset_mappings (
			collection_id INTEGER NOT NULL,
			asset TEXT NOT NULL,
			PRIMARY KEY(collection_id, asset),
			FOREIGN KEY(collection_id) REFERENCES asset_collections(id) ON UPDATE CASCADE ON DELETE CASCADE,
			FOREIGN KEY(asset) REFERENCES assets(identifier) ON UPDATE CASCADE ON DELETE CASCADE
		)`,
	})
	if err != nil {
		return fmt.Errorf("failed to create collection tables: %w", err)
	}
	return nil
}
