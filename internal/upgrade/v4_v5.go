package upgrade

import (
	"context"
	"database/sql"
	"fmt"
)

// upgradeV4ToV5 adds the RPC node tables: default_rpc_nodes mirrors the
// remotely published node list wholesale, rpc_nodes holds the user's
// working set reconciled against it.
func upgradeV4ToV5(ctx context.Context, tx *sql.Tx) error {
	err := execAll(ctx, tx, []string{
		`CREATE TABLE IF NOT EXISTS default_rpc_nodes (
			identifier INTEGER NOT NULL PRIMARY KEY,
			name TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			owned INTEGER NOT NULL CHECK (owned IN (0, 1)),
			active INTEGER NOT NULL CHECK (active IN (0, 1)),
			weight TEXT NOT NULL,
			blockchain TEXT NOT NULL,
			UNIQUE(endpoint, blockchain)
		)`,
		`CREATE TABLE IF NOT EXISTS rpc_nodes (
			identifier INTEGER NOT NULL PRIMARY KEY,
			name TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			owned INTEGER NOT NULL CHECK (owned IN (0, 1)),
			active INTEGER NOT NULL CHECK (active IN (0, 1)),
			weight TEXT NOT NULL,
			blockchain TEXT NOT NULL,
			UNIQUE(endpoint, blockchain)
		)`,
	})
	if err != nil {
		return fmt.Errorf("failed to create rpc node tables: %w", err)
	}
	return nil
}
