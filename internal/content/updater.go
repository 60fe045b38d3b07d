package content

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/tokentrack/ledgerdb/internal/globaldb"
)

// MinSchemaWithCollections is the first schema version carrying the
// collection tables; older schemas cannot apply collection content.
const MinSchemaWithCollections = 4

// Result reports one content update run. The run succeeded and touched the
// live database only when Conflicts is empty.
type Result struct {
	// TargetVersion is the content version the run aimed for.
	TargetVersion int

	// Applied and SkippedRecords count per-record outcomes across all
	// versions of the run.
	Applied        int
	SkippedRecords int

	// Conflicts holds every unresolved collision. Non-empty means the
	// whole run was discarded and must be retried with a policy.
	Conflicts []ConflictEntry
}

// Ok reports whether the run completed without unresolved conflicts.
func (r *Result) Ok() bool {
	return len(r.Conflicts) == 0
}

// Updater drives content updates across every category, for every version
// in a requested range, against an isolated scratch copy of the content
// tables. The live database is replaced only when an entire run finishes
// conflict-free.
type Updater struct {
	db      *globaldb.DB
	fetcher Fetcher
	logger  *log.Logger

	assetParser      *AssetParser
	collectionParser *CollectionParser
	mappingParser    *MappingParser

	// lastRemoteVersion caches the manifest's latest assets version;
	// -1 means the remote has not been checked yet.
	lastRemoteVersion int
}

// NewUpdater creates an updater for the live database db. If logger is nil
// a default stderr logger is used.
func NewUpdater(db *globaldb.DB, fetcher Fetcher, logger *log.Logger) *Updater {
	if logger == nil {
		logger = log.New(os.Stderr, "[content] ", log.LstdFlags)
	}
	return &Updater{
		db:                db,
		fetcher:           fetcher,
		logger:            logger,
		assetParser:       NewAssetParser(),
		collectionParser:  NewCollectionParser(),
		mappingParser:     NewMappingParser(),
		lastRemoteVersion: -1,
	}
}

// CheckForUpdates queries the remote manifest and reports the local
// version, the latest remote version, and how many record changes the
// pending schema-compatible versions carry.
func (u *Updater) CheckForUpdates(ctx context.Context) (local, remote, changes int, err error) {
	local, err = u.db.GetSettingInt(ctx, AssetsVersionKey, 0)
	if err != nil {
		return 0, 0, 0, err
	}
	schemaVersion, _, err := u.db.SchemaVersion(ctx)
	if err != nil {
		return 0, 0, 0, err
	}

	manifest, err := u.fetchManifest(ctx)
	if err != nil {
		return 0, 0, 0, err
	}
	cm, ok := manifest.Category(CategoryAssets)
	if !ok {
		return 0, 0, 0, fmt.Errorf("content manifest has no %s entry", CategoryAssets)
	}

	for version := local + 1; version <= cm.Latest; version++ {
		info, ok := cm.Info(version)
		if !ok {
			continue
		}
		if info.MinSchemaVersion <= schemaVersion && schemaVersion <= info.MaxSchemaVersion {
			changes += info.Changes
		}
	}

	u.lastRemoteVersion = cm.Latest
	return local, cm.Latest, changes, nil
}

// Update performs a content update run.
//
// If upTo is positive, changes up to and including that version are made;
// otherwise all published versions are applied. Versions whose declared
// schema window excludes the current schema are skipped with a warning.
// If any conflict remains unresolved the entire run is discarded and the
// conflicts are returned as data; the live database is untouched.
func (u *Updater) Update(ctx context.Context, policy ConflictPolicy, upTo int) (*Result, error) {
	if u.lastRemoteVersion == -1 {
		if _, _, _, err := u.CheckForUpdates(ctx); err != nil {
			return nil, err
		}
	}

	localVersion, err := u.db.GetSettingInt(ctx, AssetsVersionKey, 0)
	if err != nil {
		return nil, err
	}
	schemaVersion, _, err := u.db.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}

	target := u.lastRemoteVersion
	if upTo > 0 && upTo < target {
		target = upTo
	}
	result := &Result{TargetVersion: target}
	if target <= localVersion {
		return result, nil
	}

	manifest, err := u.fetchManifest(ctx)
	if err != nil {
		return nil, err
	}
	files, err := u.retrieveUpdateFiles(ctx, manifest, schemaVersion, localVersion, target)
	if err != nil {
		return nil, err
	}

	// Build the scratch copy: a byte copy of the live file, so statements
	// apply against the live table layout whatever schema version it is
	// at. An update run can legitimately happen at an older schema, right
	// before a layout-changing upgrade step.
	scratchDir, err := os.MkdirTemp("", "ledgerdb-update")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratchDir)

	scratchPath := filepath.Join(scratchDir, "scratch.db")
	if err := u.db.SnapshotTo(ctx, scratchPath); err != nil {
		return nil, fmt.Errorf("failed to seed scratch copy: %w", err)
	}
	scratch, err := globaldb.Open(scratchPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open scratch database: %w", err)
	}
	scratchOpen := true
	defer func() {
		if scratchOpen {
			_ = scratch.Close()
		}
	}()

	resolver := NewResolver(scratch, u.logger)
	conflicts := newConflictSet()

	for version := localVersion + 1; version <= target; version++ {
		versionFiles, ok := files[version]
		if !ok {
			continue
		}
		u.logger.Printf("Applying content update v%d", version)

		u.applyVersionFile(ctx, resolver, scratch, CategoryAssets, version,
			versionFiles[CategoryAssets], policy, conflicts, result)

		if version >= FirstVersionWithCollections {
			u.applyVersionFile(ctx, resolver, scratch, CategoryCollections, version,
				versionFiles[CategoryCollections], policy, conflicts, result)
			u.applyVersionFile(ctx, resolver, scratch, CategoryMappings, version,
				versionFiles[CategoryMappings], policy, conflicts, result)
		}

		// The version advances even when individual records were skipped
		// or conflicted; a conflicted run is discarded wholesale anyway.
		if err := scratch.SetSettingInt(ctx, AssetsVersionKey, version); err != nil {
			return nil, err
		}
	}

	result.Conflicts = conflicts.entries
	if len(result.Conflicts) != 0 {
		u.logger.Printf("Content update produced %d unresolved conflicts, discarding run", len(result.Conflicts))
		return result, nil
	}

	// Conflict-free: atomically swap the content tables into the live
	// database.
	if err := scratch.Close(); err != nil {
		return nil, err
	}
	scratchOpen = false
	if err := u.db.ReplaceContentTables(ctx, scratchPath); err != nil {
		return nil, fmt.Errorf("failed to swap updated content into live database: %w", err)
	}

	u.logger.Printf("Content update complete: now at v%d (applied=%d skipped=%d)",
		target, result.Applied, result.SkippedRecords)
	return result, nil
}

// ApplyPendingCompatible applies pending content updates up to the highest
// version still compatible with the current schema version, preferring the
// remote side for every collision. Called before schema steps that cross a
// content-format boundary, so no reachable update is permanently skipped.
func (u *Updater) ApplyPendingCompatible(ctx context.Context) error {
	schemaVersion, _, err := u.db.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if schemaVersion < MinSchemaWithCollections {
		u.logger.Printf("Schema v%d predates collections, skipping pending content updates", schemaVersion)
		return nil
	}

	localVersion, err := u.db.GetSettingInt(ctx, AssetsVersionKey, 0)
	if err != nil {
		return err
	}

	manifest, err := u.fetchManifest(ctx)
	if err != nil {
		return err
	}
	cm, ok := manifest.Category(CategoryAssets)
	if !ok {
		u.logger.Printf("Content manifest has no %s entry, skipping pending content updates", CategoryAssets)
		return nil
	}
	u.lastRemoteVersion = cm.Latest

	maxCompatible := 0
	start := localVersion + 1
	if start < FirstVersionWithCollections {
		start = FirstVersionWithCollections
	}
	for version := start; version <= cm.Latest; version++ {
		info, ok := cm.Info(version)
		if !ok {
			continue
		}
		if info.MinSchemaVersion <= schemaVersion && schemaVersion <= info.MaxSchemaVersion {
			maxCompatible = version
		} else if info.MinSchemaVersion > schemaVersion {
			break
		}
	}
	if maxCompatible == 0 {
		return nil
	}

	u.logger.Printf("Applying pending compatible content updates up to v%d (schema v%d)",
		maxCompatible, schemaVersion)
	// Nothing local to protect before a schema upgrade: this content has
	// never been user-visible at the new layout, so remote always wins.
	result, err := u.Update(ctx, PreferRemote, maxCompatible)
	if err != nil {
		return err
	}
	if !result.Ok() {
		return fmt.Errorf("pending content update left %d unresolved conflicts", len(result.Conflicts))
	}
	return nil
}

// applyVersionFile processes every statement pair of one category file, in
// file order.
func (u *Updater) applyVersionFile(
	ctx context.Context,
	resolver *Resolver,
	scratch *globaldb.DB,
	category Category,
	version int,
	text string,
	policy ConflictPolicy,
	conflicts *conflictSet,
	result *Result,
) {
	if text == "" {
		return
	}

	statements, err := SplitStatementPairs(text)
	if err != nil {
		u.logger.Printf("WARNING: %s update v%d: %v", category, version, err)
	}

	for _, stmt := range statements {
		upperAction := strings.ToUpper(strings.TrimSpace(stmt.Action))

		// Deletions (and collection/mapping edits expressed as UPDATE)
		// carry no record to merge; they apply directly, log-and-skip on
		// failure.
		directOnly := strings.HasPrefix(upperAction, "DELETE") ||
			(category != CategoryAssets && strings.HasPrefix(upperAction, "UPDATE"))
		if directOnly {
			if err := resolver.ApplyDirect(ctx, stmt.Action, category, version); err != nil {
				result.SkippedRecords++
			} else {
				result.Applied++
			}
			continue
		}

		outcome, entry := u.applyRecord(ctx, resolver, scratch, category, version, stmt, policy)
		switch outcome {
		case Applied:
			result.Applied++
		case Skipped:
			result.SkippedRecords++
		case Conflicted:
			conflicts.add(*entry)
		}
	}
}

// applyRecord parses and applies a single statement pair.
func (u *Updater) applyRecord(
	ctx context.Context,
	resolver *Resolver,
	scratch *globaldb.DB,
	category Category,
	version int,
	stmt Statement,
	policy ConflictPolicy,
) (Outcome, *ConflictEntry) {
	switch category {
	case CategoryAssets:
		data, err := u.assetParser.Parse(ctx, scratch, version, stmt.FullInsert)
		if err != nil {
			u.logger.Printf("WARNING: Skipping record during v%d %s update: %v", version, category, err)
			return Skipped, nil
		}
		outcome, entry, err := resolver.ApplyAsset(ctx, stmt, data, policy, version)
		if err != nil {
			u.logger.Printf("WARNING: Skipping record during v%d %s update: %v", version, category, err)
			return Skipped, nil
		}
		return outcome, entry

	case CategoryCollections:
		data, err := u.collectionParser.Parse(ctx, scratch, version, stmt.FullInsert)
		if err != nil {
			u.logger.Printf("WARNING: Skipping record during v%d %s update: %v", version, category, err)
			return Skipped, nil
		}
		outcome, entry, err := resolver.ApplyCollection(ctx, stmt, data, policy, version)
		if err != nil {
			u.logger.Printf("WARNING: Skipping record during v%d %s update: %v", version, category, err)
			return Skipped, nil
		}
		return outcome, entry

	case CategoryMappings:
		data, err := u.mappingParser.Parse(ctx, scratch, version, stmt.FullInsert)
		if err != nil {
			var unknown *UnknownAssetError
			if errors.As(err, &unknown) {
				u.logger.Printf("WARNING: Tried to map unknown asset %s to a collection in v%d update, skipping", unknown.Identifier, version)
			} else {
				u.logger.Printf("WARNING: Skipping record during v%d %s update: %v", version, category, err)
			}
			return Skipped, nil
		}
		outcome, err := resolver.ApplyMapping(ctx, stmt, data, version)
		if err != nil {
			u.logger.Printf("WARNING: Skipping record during v%d %s update: %v", version, category, err)
			return Skipped, nil
		}
		return outcome, nil

	default:
		u.logger.Printf("WARNING: Unknown content category %s in v%d update", category, version)
		return Skipped, nil
	}
}

// retrieveUpdateFiles fetches every update file needed for the run before
// any database work starts, honoring each version's declared schema window.
func (u *Updater) retrieveUpdateFiles(
	ctx context.Context,
	manifest Manifest,
	schemaVersion, localVersion, target int,
) (map[int]map[Category]string, error) {
	cm, ok := manifest.Category(CategoryAssets)
	if !ok {
		return nil, fmt.Errorf("content manifest has no %s entry", CategoryAssets)
	}

	files := make(map[int]map[Category]string)
	for version := localVersion + 1; version <= target; version++ {
		info, ok := cm.Info(version)
		if !ok {
			u.logger.Printf("WARNING: Remote manifest has no entry for content v%d, skipping", version)
			continue
		}
		if schemaVersion < info.MinSchemaVersion {
			// Later versions only require even newer schemas; stop here
			// and pick these up after the next schema upgrade.
			u.logger.Printf("WARNING: Skipping content update v%d: requires schema >= %d, have %d",
				version, info.MinSchemaVersion, schemaVersion)
			break
		}
		if schemaVersion > info.MaxSchemaVersion {
			u.logger.Printf("WARNING: Skipping content update v%d: supports schema %d..%d, have %d",
				version, info.MinSchemaVersion, info.MaxSchemaVersion, schemaVersion)
			continue
		}

		versionFiles := map[Category]string{
			CategoryAssets: "",
		}
		assetsFile, err := u.fetchUpdateFile(ctx, UpdateFilePath(CategoryAssets, version))
		if err != nil {
			return nil, err
		}
		versionFiles[CategoryAssets] = assetsFile

		if version >= FirstVersionWithCollections {
			for _, category := range []Category{CategoryCollections, CategoryMappings} {
				file, err := u.fetchUpdateFile(ctx, UpdateFilePath(category, version))
				if err != nil {
					return nil, err
				}
				versionFiles[category] = file
			}
		}
		files[version] = versionFiles
	}
	return files, nil
}

// fetchUpdateFile fetches one update file. A missing file is a no-op for
// that category and version, not an error.
func (u *Updater) fetchUpdateFile(ctx context.Context, path string) (string, error) {
	data, err := u.fetcher.Get(ctx, path)
	if err != nil {
		if IsNotFound(err) {
			u.logger.Printf("Content update file not found at %s, treating as empty", path)
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

func (u *Updater) fetchManifest(ctx context.Context) (Manifest, error) {
	data, err := u.fetcher.Get(ctx, ManifestPath)
	if err != nil {
		return nil, err
	}
	return ParseManifest(data)
}

// conflictSet keeps conflict entries unique per identifier, last write
// winning, while preserving first-seen order.
type conflictSet struct {
	index   map[string]int
	entries []ConflictEntry
}

func newConflictSet() *conflictSet {
	return &conflictSet{index: make(map[string]int)}
}

func (s *conflictSet) add(entry ConflictEntry) {
	if i, ok := s.index[entry.Identifier]; ok {
		s.entries[i] = entry
		return
	}
	s.index[entry.Identifier] = len(s.entries)
	s.entries = append(s.entries, entry)
}
