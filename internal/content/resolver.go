package content

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/tokentrack/ledgerdb/internal/globaldb"
)

// Resolver applies parsed records against a database, deciding per record
// between the primary action, the full-replacement fallback, a forced
// overwrite, a skip, or escalation to a conflict entry.
//
// All mutations run inside savepoint scopes so a failed record never
// corrupts the surrounding batch's transaction state.
type Resolver struct {
	db     *globaldb.DB
	logger *log.Logger
}

// NewResolver creates a resolver working against db. If logger is nil a
// default stderr logger is used.
func NewResolver(db *globaldb.DB, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.New(os.Stderr, "[content] ", log.LstdFlags)
	}
	return &Resolver{db: db, logger: logger}
}

// executeAll splits statements on ';' and executes them one by one, so a
// multi-statement full insert runs inside the caller's savepoint scope.
func (r *Resolver) executeAll(ctx context.Context, statements string) error {
	for _, statement := range strings.Split(statements, ";") {
		if strings.TrimSpace(statement) == "" {
			continue
		}
		if _, err := r.db.RawDB().ExecContext(ctx, statement); err != nil {
			return err
		}
	}
	return nil
}

// ApplyAsset applies one parsed asset record under the given policy.
//
// Unknown identifiers apply the primary action, falling back to the full
// insert; known identifiers whose local state already matches the remote
// record apply cleanly; anything else consults the policy and either
// force-overwrites (preserving dependent join rows), keeps local, or
// escalates to a conflict entry without mutating anything.
func (r *Resolver) ApplyAsset(
	ctx context.Context,
	stmt Statement,
	remote *AssetData,
	policy ConflictPolicy,
	version int,
) (Outcome, *ConflictEntry, error) {
	local, known, err := r.localAsset(ctx, remote.Identifier)
	if err != nil {
		return Skipped, nil, err
	}

	if !known {
		action := stmt.Action
		// An UPDATE against a row that does not exist yet cannot apply;
		// go straight to the safer full insert.
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(action)), "UPDATE") {
			action = stmt.FullInsert
		}
		err := r.db.Savepoint(ctx, "apply_asset", func(ctx context.Context) error {
			return r.executeAll(ctx, action)
		})
		if err == nil {
			return Applied, nil, nil
		}
		err = r.db.Savepoint(ctx, "apply_asset_full", func(ctx context.Context) error {
			return r.executeAll(ctx, stmt.FullInsert)
		})
		if err != nil {
			r.logger.Printf("WARNING: Failed to add asset %s during v%d content update, skipping: %v",
				remote.Identifier, version, err)
			return Skipped, nil, nil
		}
		return Applied, nil, nil
	}

	// Identifier already known locally. If the local record is already in
	// the remote state the primary action applies cleanly; otherwise the
	// collision needs a resolution.
	if assetDataEqual(local, remote) {
		if err := r.db.Savepoint(ctx, "apply_asset", func(ctx context.Context) error {
			return r.executeAll(ctx, stmt.Action)
		}); err != nil {
			r.logger.Printf("WARNING: Failed to reapply asset %s during v%d content update: %v",
				remote.Identifier, version, err)
		}
		return Applied, nil, nil
	}

	var resolution Resolution
	if policy != nil {
		resolution = policy(remote.Identifier)
	}

	switch resolution {
	case ResolutionLocal:
		return Skipped, nil, nil
	case ResolutionRemote:
		err := r.db.Savepoint(ctx, "force_remote_asset", func(ctx context.Context) error {
			return r.forceRemoteAsset(ctx, remote.Identifier, stmt.FullInsert)
		})
		if err != nil {
			r.logger.Printf("WARNING: Failed to resolve conflict for %s during v%d content update, skipping: %v",
				remote.Identifier, version, err)
			return Skipped, nil, nil
		}
		return Applied, nil, nil
	default:
		return Conflicted, &ConflictEntry{
			Category:   CategoryAssets,
			Identifier: remote.Identifier,
			Local:      local,
			Remote:     remote,
		}, nil
	}
}

// forceRemoteAsset forces the remote entry into the database by deleting
// the local one and running the full insert. Multiasset mappings,
// underlying-token rows and the collection row keyed by this main asset
// would be cascade-deleted, so they are captured first and reinserted
// afterwards; identifiers are unchanged so no foreign key can break.
func (r *Resolver) forceRemoteAsset(ctx context.Context, identifier, fullInsert string) error {
	conn := r.db.RawDB()

	mappings, err := queryRows(ctx, conn,
		"SELECT collection_id, asset FROM multiasset_mappings WHERE asset=?", identifier)
	if err != nil {
		return fmt.Errorf("failed to snapshot multiasset mappings of %s: %w", identifier, err)
	}

	underlying, err := queryRows(ctx, conn,
		"SELECT identifier, weight, parent_token_entry FROM underlying_tokens_list WHERE identifier=? OR parent_token_entry=?",
		identifier, identifier)
	if err != nil {
		return fmt.Errorf("failed to snapshot underlying tokens of %s: %w", identifier, err)
	}

	collections, err := queryRows(ctx, conn,
		"SELECT id, name, symbol, main_asset FROM asset_collections WHERE main_asset=?", identifier)
	if err != nil {
		// Pre-main_asset schemas have no such column; nothing to preserve.
		if strings.Contains(err.Error(), "no such column") {
			collections = nil
		} else {
			return fmt.Errorf("failed to snapshot collections of %s: %w", identifier, err)
		}
	}

	if _, err := conn.ExecContext(ctx, "DELETE FROM assets WHERE identifier=?", identifier); err != nil {
		return fmt.Errorf("failed to delete asset %s: %w", identifier, err)
	}

	if err := r.executeAll(ctx, fullInsert); err != nil {
		return fmt.Errorf("failed to run full insert for %s: %w", identifier, err)
	}

	for _, row := range collections {
		if _, err := conn.ExecContext(ctx,
			"INSERT OR IGNORE INTO asset_collections(id, name, symbol, main_asset) VALUES(?, ?, ?, ?)",
			row...); err != nil {
			return fmt.Errorf("failed to reattach collection of %s: %w", identifier, err)
		}
	}
	for _, row := range mappings {
		if _, err := conn.ExecContext(ctx,
			"INSERT OR IGNORE INTO multiasset_mappings(collection_id, asset) VALUES(?, ?)",
			row...); err != nil {
			return fmt.Errorf("failed to reattach mappings of %s: %w", identifier, err)
		}
	}
	for _, row := range underlying {
		if _, err := conn.ExecContext(ctx,
			"INSERT OR IGNORE INTO underlying_tokens_list(identifier, weight, parent_token_entry) VALUES(?, ?, ?)",
			row...); err != nil {
			return fmt.Errorf("failed to reattach underlying tokens of %s: %w", identifier, err)
		}
	}
	return nil
}

// ApplyCollection applies one parsed collection record under the given
// policy, with the same branching as assets. The policy identifier for a
// collection is "collection:{id}".
func (r *Resolver) ApplyCollection(
	ctx context.Context,
	stmt Statement,
	remote *CollectionData,
	policy ConflictPolicy,
	version int,
) (Outcome, *ConflictEntry, error) {
	local, known, err := r.localCollection(ctx, remote.ID)
	if err != nil {
		return Skipped, nil, err
	}

	if !known {
		err := r.db.Savepoint(ctx, "apply_collection", func(ctx context.Context) error {
			return r.executeAll(ctx, stmt.Action)
		})
		if err == nil {
			return Applied, nil, nil
		}
		err = r.db.Savepoint(ctx, "apply_collection_full", func(ctx context.Context) error {
			return r.executeAll(ctx, stmt.FullInsert)
		})
		if err != nil {
			r.logger.Printf("WARNING: Failed to add asset collection %d during v%d content update, skipping: %v",
				remote.ID, version, err)
			return Skipped, nil, nil
		}
		return Applied, nil, nil
	}

	if collectionDataEqual(local, remote) {
		if err := r.db.Savepoint(ctx, "apply_collection", func(ctx context.Context) error {
			return r.executeAll(ctx, stmt.Action)
		}); err != nil {
			r.logger.Printf("WARNING: Failed to reapply collection %d during v%d content update: %v",
				remote.ID, version, err)
		}
		return Applied, nil, nil
	}

	identifier := collectionPolicyID(remote.ID)
	var resolution Resolution
	if policy != nil {
		resolution = policy(identifier)
	}

	switch resolution {
	case ResolutionLocal:
		return Skipped, nil, nil
	case ResolutionRemote:
		err := r.db.Savepoint(ctx, "force_remote_collection", func(ctx context.Context) error {
			return r.forceRemoteCollection(ctx, remote.ID, stmt.FullInsert)
		})
		if err != nil {
			r.logger.Printf("WARNING: Failed to resolve conflict for collection %d during v%d content update, skipping: %v",
				remote.ID, version, err)
			return Skipped, nil, nil
		}
		return Applied, nil, nil
	default:
		return Conflicted, &ConflictEntry{
			Category:   CategoryCollections,
			Identifier: identifier,
			Local:      local,
			Remote:     remote,
		}, nil
	}
}

// forceRemoteCollection replaces a collection row, reattaching the
// membership rows the delete cascades away.
func (r *Resolver) forceRemoteCollection(ctx context.Context, id int, fullInsert string) error {
	conn := r.db.RawDB()

	mappings, err := queryRows(ctx, conn,
		"SELECT collection_id, asset FROM multiasset_mappings WHERE collection_id=?", id)
	if err != nil {
		return fmt.Errorf("failed to snapshot mappings of collection %d: %w", id, err)
	}

	if _, err := conn.ExecContext(ctx, "DELETE FROM asset_collections WHERE id=?", id); err != nil {
		return fmt.Errorf("failed to delete collection %d: %w", id, err)
	}

	if err := r.executeAll(ctx, fullInsert); err != nil {
		return fmt.Errorf("failed to run full insert for collection %d: %w", id, err)
	}

	for _, row := range mappings {
		if _, err := conn.ExecContext(ctx,
			"INSERT OR IGNORE INTO multiasset_mappings(collection_id, asset) VALUES(?, ?)",
			row...); err != nil {
			return fmt.Errorf("failed to reattach mappings of collection %d: %w", id, err)
		}
	}
	return nil
}

// ApplyMapping applies one parsed membership record. Memberships have no
// non-key fields, so an existing row is already in the remote state and no
// conflict is possible; preconditions were validated during parsing.
func (r *Resolver) ApplyMapping(
	ctx context.Context,
	stmt Statement,
	remote *MappingData,
	version int,
) (Outcome, error) {
	var count int
	if err := r.db.RawDB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM multiasset_mappings WHERE collection_id=? AND asset=?",
		remote.CollectionID, remote.Asset,
	).Scan(&count); err != nil {
		return Skipped, fmt.Errorf("failed to check mapping %d/%s: %w", remote.CollectionID, remote.Asset, err)
	}
	if count != 0 {
		return Skipped, nil
	}

	err := r.db.Savepoint(ctx, "apply_mapping", func(ctx context.Context) error {
		return r.executeAll(ctx, stmt.Action)
	})
	if err == nil {
		return Applied, nil
	}
	err = r.db.Savepoint(ctx, "apply_mapping_full", func(ctx context.Context) error {
		return r.executeAll(ctx, stmt.FullInsert)
	})
	if err != nil {
		r.logger.Printf("WARNING: Failed to add mapping %d/%s during v%d content update, skipping: %v",
			remote.CollectionID, remote.Asset, version, err)
		return Skipped, nil
	}
	return Applied, nil
}

// ApplyDirect runs an update or delete action that needs no conflict
// handling (deletions, collection membership removals). Failures are
// logged and returned so the caller can count the skip.
func (r *Resolver) ApplyDirect(ctx context.Context, action string, category Category, version int) error {
	err := r.db.Savepoint(ctx, "apply_direct", func(ctx context.Context) error {
		return r.executeAll(ctx, action)
	})
	if err != nil {
		r.logger.Printf("WARNING: Failed to apply %s statement from v%d content update, skipping: %v",
			category, version, err)
	}
	return err
}

// localAsset loads the local snapshot of an asset, if present.
func (r *Resolver) localAsset(ctx context.Context, identifier string) (*AssetData, bool, error) {
	conn := r.db.RawDB()

	var data AssetData
	var name, symbol, coingecko, cryptocompare, forked, swappedFor sql.NullString
	var started sql.NullInt64
	err := conn.QueryRowContext(ctx,
		`SELECT A.identifier, A.name, A.type, C.symbol, C.coingecko, C.cryptocompare,
		        C.forked, C.started, C.swapped_for
		 FROM assets AS A
		 LEFT JOIN common_asset_details AS C ON A.identifier = C.identifier
		 WHERE A.identifier=?`, identifier,
	).Scan(&data.Identifier, &name, &data.AssetType, &symbol, &coingecko,
		&cryptocompare, &forked, &started, &swappedFor)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load local asset %s: %w", identifier, err)
	}

	data.Name = name.String
	data.Symbol = symbol.String
	data.Coingecko = coingecko.String
	data.Cryptocompare = cryptocompare.String
	data.Forked = forked.String
	data.SwappedFor = swappedFor.String
	if started.Valid {
		ts := started.Int64
		data.Started = &ts
	}

	if data.AssetType == assetTypeEVMToken {
		var address, tokenKind, protocol sql.NullString
		var chain sql.NullInt64
		var decimals sql.NullInt64
		err := conn.QueryRowContext(ctx,
			"SELECT token_kind, chain, address, decimals, protocol FROM evm_tokens WHERE identifier=?",
			identifier,
		).Scan(&tokenKind, &chain, &address, &decimals, &protocol)
		if err != nil && err != sql.ErrNoRows {
			return nil, false, fmt.Errorf("failed to load local token %s: %w", identifier, err)
		}
		if err == nil {
			data.TokenKind = tokenKind.String
			data.ChainID = int(chain.Int64)
			data.Address = address.String
			data.Protocol = protocol.String
			if decimals.Valid {
				d := int(decimals.Int64)
				data.Decimals = &d
			}
		}
	}

	return &data, true, nil
}

// localCollection loads the local snapshot of a collection, if present.
func (r *Resolver) localCollection(ctx context.Context, id int) (*CollectionData, bool, error) {
	var data CollectionData
	var mainAsset sql.NullString
	err := r.db.RawDB().QueryRowContext(ctx,
		"SELECT id, name, symbol, main_asset FROM asset_collections WHERE id=?", id,
	).Scan(&data.ID, &data.Name, &data.Symbol, &mainAsset)
	if err != nil && strings.Contains(err.Error(), "no such column") {
		// Layouts before the main_asset column carry three fields.
		err = r.db.RawDB().QueryRowContext(ctx,
			"SELECT id, name, symbol FROM asset_collections WHERE id=?", id,
		).Scan(&data.ID, &data.Name, &data.Symbol)
	}
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load local collection %d: %w", id, err)
	}
	data.MainAsset = mainAsset.String
	return &data, true, nil
}

func collectionPolicyID(id int) string {
	return "collection:" + strconv.Itoa(id)
}

func assetDataEqual(a, b *AssetData) bool {
	return reflect.DeepEqual(a, b)
}

// collectionDataEqual ignores MainAsset when the remote record came from
// the legacy format, which does not carry it.
func collectionDataEqual(local, remote *CollectionData) bool {
	if remote.MainAsset == "" {
		return local.ID == remote.ID && local.Name == remote.Name && local.Symbol == remote.Symbol
	}
	return reflect.DeepEqual(local, remote)
}

// queryRows loads all rows of a query as generic value slices, used for
// capturing join rows before a cascading delete.
func queryRows(ctx context.Context, conn *sql.DB, query string, args ...interface{}) ([][]interface{}, error) {
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result [][]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		pointers := make([]interface{}, len(cols))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, err
		}
		result = append(result, values)
	}
	return result, rows.Err()
}
