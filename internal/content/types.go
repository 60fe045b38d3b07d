// Package content merges the curated, remotely published reference dataset
// (assets, asset collections, collection memberships) into the local
// database version by version, without ever silently discarding a user's
// own edits to the same records.
//
// The update pipeline is:
//
//	Fetcher -> statement pairs -> versioned parsers -> Resolver -> Updater
//
// The Updater works against an isolated scratch copy of the content tables
// and only swaps results into the live database once an entire run finishes
// with zero unresolved conflicts.
package content

import (
	"errors"
	"fmt"
)

// Category identifies one shared-content category with its own update file
// per published version.
type Category string

const (
	// CategoryAssets covers the assets, common_asset_details and
	// evm_tokens tables.
	CategoryAssets Category = "assets"

	// CategoryCollections covers the asset_collections table.
	CategoryCollections Category = "asset_collections"

	// CategoryMappings covers the multiasset_mappings membership table.
	CategoryMappings Category = "asset_collections_mappings"
)

// Settings keys owned by this package.
const (
	// AssetsVersionKey tracks the applied content version for the asset,
	// collection and mapping categories, which ship as one bundle.
	AssetsVersionKey = "assets_version"

	// RPCNodesVersionKey tracks the applied version of the default RPC
	// node list, reconciled separately after schema upgrades.
	RPCNodesVersionKey = "rpc_nodes_version"
)

// Content format milestones. Update files older than these versions do not
// carry the corresponding record kinds.
const (
	// FirstVersionWithCollections is the first content version shipping
	// collection and membership files.
	FirstVersionWithCollections = 16

	// FirstVersionWithMainAsset is the first content version whose
	// collection statements carry the main_asset field.
	FirstVersionWithMainAsset = 33
)

// Statement is one logical update record from a version file: a primary
// action plus the idempotent full-replacement fallback used when the
// primary action cannot apply cleanly.
type Statement struct {
	Action     string
	FullInsert string
}

// AssetData is the structured form of one asset record, used both for
// applying updates and as the snapshot carried by conflict entries.
type AssetData struct {
	Identifier    string `json:"identifier"`
	Name          string `json:"name"`
	Symbol        string `json:"symbol"`
	AssetType     string `json:"asset_type"`
	Started       *int64 `json:"started,omitempty"`
	Forked        string `json:"forked,omitempty"`
	SwappedFor    string `json:"swapped_for,omitempty"`
	Coingecko     string `json:"coingecko,omitempty"`
	Cryptocompare string `json:"cryptocompare,omitempty"`

	// EVM token fields, zero for non-token assets.
	Address  string `json:"address,omitempty"`
	ChainID  int    `json:"chain_id,omitempty"`
	TokenKind string `json:"token_kind,omitempty"`
	Decimals *int   `json:"decimals,omitempty"`
	Protocol string `json:"protocol,omitempty"`
}

// CollectionData is the structured form of one asset-collection record.
// MainAsset is empty for records parsed from the legacy (pre main_asset)
// format.
type CollectionData struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Symbol    string `json:"symbol"`
	MainAsset string `json:"main_asset,omitempty"`
}

// MappingData is the structured form of one collection-membership record.
type MappingData struct {
	CollectionID int    `json:"collection_id"`
	Asset        string `json:"asset"`
}

// Outcome is the result of applying one parsed record.
type Outcome int

const (
	// Applied means the record is now in the database.
	Applied Outcome = iota

	// Skipped means the record was deliberately not applied (keep-local
	// policy, already present, or unusable and logged).
	Skipped

	// Conflicted means the record collides with a local one and needs an
	// explicit resolution; nothing was mutated.
	Conflicted
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Skipped:
		return "skipped"
	case Conflicted:
		return "conflicted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Resolution is a per-identifier conflict decision.
type Resolution int

const (
	// ResolutionUnknown means no decision exists; the record escalates to
	// a ConflictEntry.
	ResolutionUnknown Resolution = iota

	// ResolutionLocal keeps the local record and discards the remote one.
	ResolutionLocal

	// ResolutionRemote overwrites the local record with the remote one.
	ResolutionRemote
)

// ConflictPolicy decides, per identifier, whether a collision resolves to
// the local or remote record. Returning ResolutionUnknown escalates the
// record to a ConflictEntry for the caller to resolve.
type ConflictPolicy func(identifier string) Resolution

// PreferRemote always takes the remote record.
func PreferRemote(string) Resolution { return ResolutionRemote }

// PreferLocal always keeps the local record.
func PreferLocal(string) Resolution { return ResolutionLocal }

// PolicyMap builds a policy from explicit per-identifier decisions;
// identifiers not in the map escalate to conflicts.
func PolicyMap(decisions map[string]Resolution) ConflictPolicy {
	return func(identifier string) Resolution {
		return decisions[identifier]
	}
}

// ConflictEntry captures one unresolved collision between a local record
// and an incoming remote record with the same identifier. Local and Remote
// hold *AssetData or *CollectionData snapshots depending on Category.
type ConflictEntry struct {
	Category   Category    `json:"category"`
	Identifier string      `json:"identifier"`
	Local      interface{} `json:"local"`
	Remote     interface{} `json:"remote"`
}

// ErrMalformedUpdate marks a statement that could not be parsed into a
// structured record. Callers log and skip the record without aborting the
// batch.
var ErrMalformedUpdate = errors.New("malformed update statement")

// UnknownAssetError marks a membership record referencing an asset that
// does not exist; applying it would break referential integrity.
type UnknownAssetError struct {
	Identifier string
}

func (e *UnknownAssetError) Error() string {
	return fmt.Sprintf("unknown asset %s", e.Identifier)
}
