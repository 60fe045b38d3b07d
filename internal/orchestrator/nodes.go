package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tokentrack/ledgerdb/internal/content"
)

// rpcNode is one entry of the published default node list.
type rpcNode struct {
	Name       string `json:"name"`
	Endpoint   string `json:"endpoint"`
	Owned      bool   `json:"owned"`
	Active     bool   `json:"active"`
	Weight     string `json:"weight"`
	Blockchain string `json:"blockchain"`
}

// key identifies a node across both tables. UNIQUE(endpoint, blockchain)
// makes this the natural identity.
func (n rpcNode) key() string {
	return n.Endpoint + "\x00" + n.Blockchain
}

// ReconcileRPCNodes brings the default RPC node list up to the latest
// published version and applies only the delta to the user's rpc_nodes
// mirror:
//
//   - defaults removed upstream are removed from the mirror,
//   - defaults added upstream are added if not already present,
//   - everything else in the mirror, user-added nodes included, is left
//     untouched.
//
// The default_rpc_nodes table itself is replaced wholesale.
func (o *Orchestrator) ReconcileRPCNodes(ctx context.Context) error {
	local, err := o.db.GetSettingInt(ctx, content.RPCNodesVersionKey, 0)
	if err != nil {
		return err
	}

	data, err := o.fetcher.Get(ctx, content.ManifestPath)
	if err != nil {
		return err
	}
	manifest, err := content.ParseManifest(data)
	if err != nil {
		return err
	}
	cm, ok := manifest["rpc_nodes"]
	if !ok {
		o.logger.Printf("Content manifest has no rpc_nodes entry, skipping node reconciliation")
		return nil
	}
	if cm.Latest <= local {
		return nil
	}

	payload, err := o.fetcher.Get(ctx, content.RPCNodesFilePath(cm.Latest))
	if err != nil {
		return err
	}
	var remote []rpcNode
	if err := json.Unmarshal(payload, &remote); err != nil {
		return fmt.Errorf("failed to parse rpc node list v%d: %w", cm.Latest, err)
	}

	existing, err := o.loadNodes(ctx, "default_rpc_nodes")
	if err != nil {
		return err
	}

	o.logger.Printf("Updating default rpc nodes v%d -> v%d (%d nodes)", local, cm.Latest, len(remote))

	apply := func(ctx context.Context) error {
		conn := o.db.RawDB()

		if _, err := conn.ExecContext(ctx, "DELETE FROM default_rpc_nodes"); err != nil {
			return fmt.Errorf("failed to clear default rpc nodes: %w", err)
		}
		remoteKeys := make(map[string]bool, len(remote))
		for _, node := range remote {
			remoteKeys[node.key()] = true
			if _, err := conn.ExecContext(ctx,
				`INSERT INTO default_rpc_nodes(name, endpoint, owned, active, weight, blockchain)
				 VALUES(?, ?, ?, ?, ?, ?)`,
				node.Name, node.Endpoint, node.Owned, node.Active, node.Weight, node.Blockchain,
			); err != nil {
				return fmt.Errorf("failed to insert default rpc node %s: %w", node.Name, err)
			}
		}

		existingKeys := make(map[string]bool, len(existing))
		for _, node := range existing {
			existingKeys[node.key()] = true
			if !remoteKeys[node.key()] {
				if _, err := conn.ExecContext(ctx,
					"DELETE FROM rpc_nodes WHERE endpoint=? AND blockchain=?",
					node.Endpoint, node.Blockchain,
				); err != nil {
					return fmt.Errorf("failed to remove dropped rpc node %s: %w", node.Name, err)
				}
			}
		}
		for _, node := range remote {
			if existingKeys[node.key()] {
				continue
			}
			// Present nodes keep whatever state the user gave them.
			if _, err := conn.ExecContext(ctx,
				`INSERT OR IGNORE INTO rpc_nodes(name, endpoint, owned, active, weight, blockchain)
				 VALUES(?, ?, ?, ?, ?, ?)`,
				node.Name, node.Endpoint, node.Owned, node.Active, node.Weight, node.Blockchain,
			); err != nil {
				return fmt.Errorf("failed to add rpc node %s: %w", node.Name, err)
			}
		}
		return nil
	}

	if err := o.db.Savepoint(ctx, "rpc_nodes_update", apply); err != nil {
		return err
	}
	return o.db.SetSettingInt(ctx, content.RPCNodesVersionKey, cm.Latest)
}

func (o *Orchestrator) loadNodes(ctx context.Context, table string) ([]rpcNode, error) {
	rows, err := o.db.RawDB().QueryContext(ctx,
		"SELECT name, endpoint, owned, active, weight, blockchain FROM "+table)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	defer rows.Close()

	var nodes []rpcNode
	for rows.Next() {
		var n rpcNode
		if err := rows.Scan(&n.Name, &n.Endpoint, &n.Owned, &n.Active, &n.Weight, &n.Blockchain); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}
