package content

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tokentrack/ledgerdb/internal/globaldb"
)

// The statement-pair format is a stable external wire format: each logical
// record is two lines, the primary action followed by the full-replacement
// fallback, with "*" meaning "same as primary". Parsing is anchored on
// dedicated regular expressions per table and per historical format so old
// update files stay replayable.

// fullInsertSameAsAction is the sentinel used in update files when the
// fallback full insert is identical to the primary action.
const fullInsertSameAsAction = "*"

// SplitStatementPairs splits an update file into statement pairs, in file
// order. Blank lines are permitted between pairs. If the file ends with a
// dangling action line the complete pairs are still returned together with
// an error, so the caller can apply them and warn.
func SplitStatementPairs(text string) ([]Statement, error) {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, strings.TrimSpace(line))
		}
	}

	statements := make([]Statement, 0, len(lines)/2)
	for i := 0; i+1 < len(lines); i += 2 {
		action := standardizeQuotes(lines[i])
		fullInsert := lines[i+1]
		if fullInsert == fullInsertSameAsAction {
			fullInsert = action
		} else {
			fullInsert = standardizeQuotes(fullInsert)
		}
		statements = append(statements, Statement{Action: action, FullInsert: fullInsert})
	}

	if len(lines)%2 != 0 {
		return statements, fmt.Errorf("%w: update file has an odd number of statement lines", ErrMalformedUpdate)
	}
	return statements, nil
}

var doubleQuotesRe = regexp.MustCompile(`"(.*?)"`)

// standardizeQuotes converts double-quoted SQL strings to single-quoted
// form. Single quotes are enforced everywhere; some historical update files
// still carry double quotes.
func standardizeQuotes(text string) string {
	return doubleQuotesRe.ReplaceAllStringFunc(text, func(match string) string {
		inner := strings.ReplaceAll(match[1:len(match)-1], "'", "''")
		return "'" + inner + "'"
	})
}

// parseValue interprets one raw SQL value: a single-quoted string, NULL, an
// integer, or the trimmed raw text as a last resort.
func parseValue(raw string) interface{} {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) >= 2 && strings.HasPrefix(trimmed, "'") && strings.HasSuffix(trimmed, "'") {
		return strings.ReplaceAll(trimmed[1:len(trimmed)-1], "''", "'")
	}
	if trimmed == "NULL" {
		return nil
	}
	if n, err := strconv.Atoi(trimmed); err == nil {
		return n
	}
	return trimmed
}

func parseString(raw, name, insertText string) (string, error) {
	v, ok := parseValue(raw).(string)
	if !ok {
		return "", fmt.Errorf("%w: invalid %s %q in %q", ErrMalformedUpdate, name, raw, insertText)
	}
	return v, nil
}

// parseOptionalString accepts NULL, returning "".
func parseOptionalString(raw, name, insertText string) (string, error) {
	v := parseValue(raw)
	if v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: invalid %s %q in %q", ErrMalformedUpdate, name, raw, insertText)
	}
	return s, nil
}

// parseOptionalInt accepts NULL, returning nil.
func parseOptionalInt(raw, name, insertText string) (*int, error) {
	v := parseValue(raw)
	if v == nil {
		return nil, nil
	}
	n, ok := v.(int)
	if !ok {
		return nil, fmt.Errorf("%w: invalid %s %q in %q", ErrMalformedUpdate, name, raw, insertText)
	}
	return &n, nil
}

func parseInt(raw, name, insertText string) (int, error) {
	n, ok := parseValue(raw).(int)
	if !ok {
		return 0, fmt.Errorf("%w: invalid %s %q in %q", ErrMalformedUpdate, name, raw, insertText)
	}
	return n, nil
}

// assetTypeEVMToken is the serialized asset type carrying EVM token fields.
const assetTypeEVMToken = "C"

// AssetParser parses asset records out of full-insert statements. One
// format covers content version 15 onward.
type AssetParser struct {
	assetsRe *regexp.Regexp
	commonRe *regexp.Regexp
	evmRe    *regexp.Regexp
	parsers  []struct {
		rng VersionRange
		fn  func(ctx context.Context, db *globaldb.DB, insertText string) (*AssetData, error)
	}
}

// NewAssetParser builds the parser with its version dispatch table.
func NewAssetParser() *AssetParser {
	p := &AssetParser{
		assetsRe: regexp.MustCompile(`INSERT +INTO +assets *\( *identifier *, *name *, *type *\) *VALUES *\(([^,]*?),([^,]*?),([^,]*?)\)`),
		commonRe: regexp.MustCompile(`INSERT +INTO +common_asset_details *\( *identifier *, *symbol *, *coingecko *, *cryptocompare *, *forked *, *started *, *swapped_for *\) *VALUES *\((.*?),(.*?),(.*?),(.*?),(.*?),([^,]*?),([^,]*?)\)`),
		evmRe:    regexp.MustCompile(`INSERT +INTO +evm_tokens *\( *identifier *, *token_kind *, *chain *, *address *, *decimals *, *protocol *\) *VALUES *\(([^,]*?),([^,]*?),([^,]*?),([^,]*?),([^,]*?),([^,]*?)\)`),
	}
	p.parsers = append(p.parsers, struct {
		rng VersionRange
		fn  func(ctx context.Context, db *globaldb.DB, insertText string) (*AssetData, error)
	}{VersionRange{Start: 15}, p.parse})
	return p
}

// Parse dispatches to the strategy registered for the record's content
// version.
func (p *AssetParser) Parse(ctx context.Context, db *globaldb.DB, version int, insertText string) (*AssetData, error) {
	for _, entry := range p.parsers {
		if entry.rng.Contains(version) {
			return entry.fn(ctx, db, insertText)
		}
	}
	return nil, fmt.Errorf("no asset parser registered for content version %d", version)
}

func (p *AssetParser) parse(_ context.Context, _ *globaldb.DB, insertText string) (*AssetData, error) {
	assetsMatch := p.assetsRe.FindStringSubmatch(insertText)
	if assetsMatch == nil {
		return nil, fmt.Errorf("%w: could not parse asset data out of %q", ErrMalformedUpdate, insertText)
	}
	commonMatch := p.commonRe.FindStringSubmatch(insertText)
	if commonMatch == nil {
		return nil, fmt.Errorf("%w: could not parse common asset details out of %q", ErrMalformedUpdate, insertText)
	}

	assetType, err := parseString(assetsMatch[3], "asset type", insertText)
	if err != nil {
		return nil, err
	}
	identifier, err := parseString(commonMatch[1], "identifier", insertText)
	if err != nil {
		return nil, err
	}
	name, err := parseString(assetsMatch[2], "name", insertText)
	if err != nil {
		return nil, err
	}
	symbol, err := parseString(commonMatch[2], "symbol", insertText)
	if err != nil {
		return nil, err
	}
	coingecko, err := parseOptionalString(commonMatch[3], "coingecko", insertText)
	if err != nil {
		return nil, err
	}
	cryptocompare, err := parseOptionalString(commonMatch[4], "cryptocompare", insertText)
	if err != nil {
		return nil, err
	}
	forked, err := parseOptionalString(commonMatch[5], "forked", insertText)
	if err != nil {
		return nil, err
	}
	started, err := parseOptionalInt(commonMatch[6], "started", insertText)
	if err != nil {
		return nil, err
	}
	swappedFor, err := parseOptionalString(commonMatch[7], "swapped_for", insertText)
	if err != nil {
		return nil, err
	}

	data := &AssetData{
		Identifier:    identifier,
		Name:          name,
		Symbol:        symbol,
		AssetType:     assetType,
		Forked:        forked,
		SwappedFor:    swappedFor,
		Coingecko:     coingecko,
		Cryptocompare: cryptocompare,
	}
	if started != nil {
		ts := int64(*started)
		data.Started = &ts
	}

	if assetType == assetTypeEVMToken {
		if err := p.parseEVMToken(insertText, data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (p *AssetParser) parseEVMToken(insertText string, data *AssetData) error {
	match := p.evmRe.FindStringSubmatch(insertText)
	if match == nil {
		return fmt.Errorf("%w: could not parse evm token data out of %q", ErrMalformedUpdate, insertText)
	}

	tokenKind, err := parseOptionalString(match[2], "token_kind", insertText)
	if err != nil {
		return err
	}
	chain, err := parseOptionalInt(match[3], "chain", insertText)
	if err != nil {
		return err
	}
	address, err := parseString(match[4], "address", insertText)
	if err != nil {
		return err
	}
	decimals, err := parseOptionalInt(match[5], "decimals", insertText)
	if err != nil {
		return err
	}
	protocol, err := parseOptionalString(match[6], "protocol", insertText)
	if err != nil {
		return err
	}

	data.TokenKind = tokenKind
	data.Address = address
	data.Decimals = decimals
	data.Protocol = protocol
	if chain != nil {
		data.ChainID = *chain
	}
	return nil
}

// CollectionParser parses asset-collection records. The format changed at
// content version 33, which added the main_asset field; earlier files use
// the legacy three-field form.
type CollectionParser struct {
	latestRe *regexp.Regexp
	legacyRe *regexp.Regexp
	parsers  []struct {
		rng VersionRange
		fn  func(ctx context.Context, db *globaldb.DB, insertText string) (*CollectionData, error)
	}
}

// NewCollectionParser builds the parser with its version dispatch table.
func NewCollectionParser() *CollectionParser {
	p := &CollectionParser{
		latestRe: regexp.MustCompile(`INSERT +INTO +asset_collections *\( *id *, *name *, *symbol *, *main_asset *\) *VALUES *\(([^,]*?),([^,]*?),([^,]*?),([^,]*?)\)`),
		legacyRe: regexp.MustCompile(`INSERT +INTO +asset_collections *\( *id *, *name *, *symbol *\) *VALUES *\(([^,]*?),([^,]*?),([^,]*?)\)`),
	}
	type entry = struct {
		rng VersionRange
		fn  func(ctx context.Context, db *globaldb.DB, insertText string) (*CollectionData, error)
	}
	p.parsers = []entry{
		{VersionRange{Start: FirstVersionWithCollections, End: FirstVersionWithMainAsset - 1}, p.parseLegacy},
		{VersionRange{Start: FirstVersionWithMainAsset}, p.parseLatest},
	}
	return p
}

// Parse dispatches to the strategy registered for the record's content
// version.
func (p *CollectionParser) Parse(ctx context.Context, db *globaldb.DB, version int, insertText string) (*CollectionData, error) {
	for _, entry := range p.parsers {
		if entry.rng.Contains(version) {
			return entry.fn(ctx, db, insertText)
		}
	}
	return nil, fmt.Errorf("no collection parser registered for content version %d", version)
}

func (p *CollectionParser) parseLatest(_ context.Context, _ *globaldb.DB, insertText string) (*CollectionData, error) {
	match := p.latestRe.FindStringSubmatch(insertText)
	if match == nil {
		return nil, fmt.Errorf("%w: could not parse asset collection out of %q", ErrMalformedUpdate, insertText)
	}

	id, err := parseInt(match[1], "collection id", insertText)
	if err != nil {
		return nil, err
	}
	name, err := parseString(match[2], "name", insertText)
	if err != nil {
		return nil, err
	}
	symbol, err := parseString(match[3], "symbol", insertText)
	if err != nil {
		return nil, err
	}
	mainAsset, err := parseString(match[4], "main_asset", insertText)
	if err != nil {
		return nil, err
	}
	return &CollectionData{ID: id, Name: name, Symbol: symbol, MainAsset: mainAsset}, nil
}

func (p *CollectionParser) parseLegacy(_ context.Context, _ *globaldb.DB, insertText string) (*CollectionData, error) {
	match := p.legacyRe.FindStringSubmatch(insertText)
	if match == nil {
		return nil, fmt.Errorf("%w: could not parse asset collection out of %q", ErrMalformedUpdate, insertText)
	}

	id, err := parseInt(match[1], "collection id", insertText)
	if err != nil {
		return nil, err
	}
	name, err := parseString(match[2], "name", insertText)
	if err != nil {
		return nil, err
	}
	symbol, err := parseString(match[3], "symbol", insertText)
	if err != nil {
		return nil, err
	}
	return &CollectionData{ID: id, Name: name, Symbol: symbol}, nil
}

// MappingParser parses collection-membership records and validates their
// referential preconditions: both the referenced asset and the referenced
// collection must already exist.
type MappingParser struct {
	mappingsRe *regexp.Regexp
	parsers    []struct {
		rng VersionRange
		fn  func(ctx context.Context, db *globaldb.DB, insertText string) (*MappingData, error)
	}
}

// NewMappingParser builds the parser with its version dispatch table.
func NewMappingParser() *MappingParser {
	p := &MappingParser{
		mappingsRe: regexp.MustCompile(`INSERT +INTO +multiasset_mappings *\( *collection_id *, *asset *\) *VALUES *\(([^,]*?), *'([^']+)'\)`),
	}
	p.parsers = append(p.parsers, struct {
		rng VersionRange
		fn  func(ctx context.Context, db *globaldb.DB, insertText string) (*MappingData, error)
	}{VersionRange{Start: FirstVersionWithCollections}, p.parse})
	return p
}

// Parse dispatches to the strategy registered for the record's content
// version.
func (p *MappingParser) Parse(ctx context.Context, db *globaldb.DB, version int, insertText string) (*MappingData, error) {
	for _, entry := range p.parsers {
		if entry.rng.Contains(version) {
			return entry.fn(ctx, db, insertText)
		}
	}
	return nil, fmt.Errorf("no mapping parser registered for content version %d", version)
}

func (p *MappingParser) parse(ctx context.Context, db *globaldb.DB, insertText string) (*MappingData, error) {
	match := p.mappingsRe.FindStringSubmatch(insertText)
	if match == nil {
		return nil, fmt.Errorf("%w: could not parse collection mapping out of %q", ErrMalformedUpdate, insertText)
	}

	collectionID, err := parseInt(match[1], "collection id", insertText)
	if err != nil {
		return nil, err
	}
	asset := match[2]

	var count int
	if err := db.RawDB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM assets WHERE identifier=?", asset,
	).Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to check asset %s: %w", asset, err)
	}
	if count == 0 {
		return nil, &UnknownAssetError{Identifier: asset}
	}

	if err := db.RawDB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM asset_collections WHERE id=?", collectionID,
	).Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to check collection %d: %w", collectionID, err)
	}
	if count != 1 {
		return nil, fmt.Errorf("%w: mapping references missing collection %d", ErrMalformedUpdate, collectionID)
	}

	return &MappingData{CollectionID: collectionID, Asset: asset}, nil
}
