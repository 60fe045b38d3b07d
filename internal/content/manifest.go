package content

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ManifestPath is the logical path of the remote manifest.
const ManifestPath = "info.json"

// UpdateInfo describes one published content version: the schema window it
// is compatible with and how many record changes it carries.
type UpdateInfo struct {
	MinSchemaVersion int `json:"min_schema_version"`
	MaxSchemaVersion int `json:"max_schema_version"`
	Changes          int `json:"changes"`
}

// CategoryManifest describes the published state of one content category.
// Update versions are keyed by their decimal string form, as published.
type CategoryManifest struct {
	Latest  int                   `json:"latest"`
	Updates map[string]UpdateInfo `json:"updates"`
}

// Info returns the update descriptor for a version, if published.
func (m *CategoryManifest) Info(version int) (UpdateInfo, bool) {
	info, ok := m.Updates[strconv.Itoa(version)]
	return info, ok
}

// Manifest is the remote info.json document, mapping each content category
// name to its published versions.
type Manifest map[string]CategoryManifest

// Category returns the manifest entry for a category.
func (m Manifest) Category(c Category) (CategoryManifest, bool) {
	cm, ok := m[string(c)]
	return cm, ok
}

// ParseManifest decodes the remote info.json document.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse content manifest: %w", err)
	}
	return m, nil
}

// UpdateFilePath returns the logical path of a category's update file for
// one content version.
func UpdateFilePath(c Category, version int) string {
	switch c {
	case CategoryAssets:
		return fmt.Sprintf("updates/%d/updates.sql", version)
	case CategoryCollections:
		return fmt.Sprintf("updates/%d/asset_collections_updates.sql", version)
	case CategoryMappings:
		return fmt.Sprintf("updates/%d/asset_collections_mappings_updates.sql", version)
	default:
		return fmt.Sprintf("updates/%d/%s.sql", version, c)
	}
}

// RPCNodesFilePath returns the logical path of the default RPC node list
// for one published version.
func RPCNodesFilePath(version int) string {
	return fmt.Sprintf("updates/%d/rpc_nodes.json", version)
}
